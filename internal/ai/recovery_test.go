package ai

import (
	"strings"
	"testing"
)

func TestResetForTurnEntryPolicy(t *testing.T) {
	t.Parallel()

	full := turnState{
		retryAttempts:            2,
		autoRecoveryAttempts:     1,
		loopRecoveryAttempts:     1,
		providerRecoveryAttempts: 1,
		limitRecoveryAttempts:    1,
		finishRecoveryAttempts:   1,
	}

	ts := full
	ts.resetForTurnEntry(SubmitOptions{})
	if ts.retryAttempts != 0 || ts.autoRecoveryAttempts != 0 ||
		ts.loopRecoveryAttempts != 0 || ts.providerRecoveryAttempts != 0 ||
		ts.limitRecoveryAttempts != 0 || ts.finishRecoveryAttempts != 0 {
		t.Fatalf("plain entry must reset everything: %+v", ts)
	}

	ts = full
	ts.resetForTurnEntry(SubmitOptions{SkipLoopReset: true, SkipFinishReset: true})
	if ts.loopRecoveryAttempts != 1 || ts.finishRecoveryAttempts != 1 {
		t.Fatalf("skip flags ignored: %+v", ts)
	}
	if ts.retryAttempts != 0 || ts.autoRecoveryAttempts != 0 {
		t.Fatalf("retry/auto must always reset on non-continuation entry: %+v", ts)
	}
	if ts.providerRecoveryAttempts != 0 || ts.limitRecoveryAttempts != 0 {
		t.Fatalf("unskipped categories must reset: %+v", ts)
	}

	ts = full
	ts.resetForTurnEntry(SubmitOptions{IsContinuation: true})
	if ts != full {
		t.Fatalf("continuation must not reset anything: %+v", ts)
	}
}

func TestQueuePendingFirstWriterWins(t *testing.T) {
	t.Parallel()

	var ts turnState
	if !ts.queuePending(pendingRecovery{PromptID: "first"}) {
		t.Fatal("first queue rejected")
	}
	if ts.queuePending(pendingRecovery{PromptID: "second"}) {
		t.Fatal("second queue accepted; single slot must be first-writer-wins")
	}
	p, ok := ts.takePending()
	if !ok || p.PromptID != "first" {
		t.Fatalf("took %+v, want first", p)
	}
	if _, ok := ts.takePending(); ok {
		t.Fatal("pending slot consumed twice")
	}
}

func TestPromptIDFormats(t *testing.T) {
	t.Parallel()

	if got := userPromptID("abc", 7); got != "abc########7" {
		t.Fatalf("user prompt id=%q", got)
	}
	if got := recoveryPromptID("abc########7", "token-limit", 1); got != "abc########7-token-limit-recovery-1" {
		t.Fatalf("recovery prompt id=%q", got)
	}
}

func TestRecoveryLimitsNormalized(t *testing.T) {
	t.Parallel()

	limits := RecoveryLimits{}.normalized()
	if limits != DefaultRecoveryLimits() {
		t.Fatalf("zero limits=%+v, want defaults", limits)
	}

	custom := RecoveryLimits{StreamRetryLimit: 5, LoopMaxAttempts: 2}.normalized()
	if custom.StreamRetryLimit != 5 || custom.LoopMaxAttempts != 2 {
		t.Fatalf("overrides lost: %+v", custom)
	}
	if custom.AutoMaxAttempts != 1 {
		t.Fatalf("unset field not defaulted: %+v", custom)
	}
}

func TestFinishRecoveryPromptGuidance(t *testing.T) {
	t.Parallel()

	cases := []struct {
		reason FinishReason
		want   string
	}{
		{FinishReasonMaxTokens, "shorter outputs"},
		{FinishReasonMalformedFuncCall, "tool schema"},
		{FinishReasonSafety, "compliant alternative"},
		{FinishReasonProhibitedContent, "compliant alternative"},
		{FinishReasonRecitation, "your own wording"},
		{FinishReasonOther, "adjust your strategy"},
	}
	for _, tc := range cases {
		got := buildFinishRecoveryPrompt(tc.reason, "snap")
		if !strings.Contains(got, tc.want) {
			t.Fatalf("prompt for %s=%q, want substring %q", tc.reason, got, tc.want)
		}
		if !strings.Contains(got, "snap") {
			t.Fatalf("prompt for %s missing snapshot", tc.reason)
		}
	}
}

func TestRetryableFinishReasons(t *testing.T) {
	t.Parallel()

	for _, benign := range []FinishReason{FinishReasonStop, FinishReasonUnspecified, FinishReasonLanguage, FinishReasonSPII} {
		if retryableFinishReasons[benign] {
			t.Fatalf("%s must be benign", benign)
		}
	}
	for _, bad := range []FinishReason{
		FinishReasonMaxTokens, FinishReasonMalformedFuncCall, FinishReasonSafety,
		FinishReasonProhibitedContent, FinishReasonRecitation, FinishReasonBlocklist,
		FinishReasonImageSafety, FinishReasonOther,
	} {
		if !retryableFinishReasons[bad] {
			t.Fatalf("%s must trigger finish recovery", bad)
		}
	}
}

func TestFormatThousands(t *testing.T) {
	t.Parallel()

	cases := map[int]string{
		0:       "0",
		999:     "999",
		1000:    "1,000",
		128000:  "128,000",
		1234567: "1,234,567",
	}
	for in, want := range cases {
		if got := formatThousands(in); got != want {
			t.Fatalf("formatThousands(%d)=%q, want %q", in, got, want)
		}
	}
}
