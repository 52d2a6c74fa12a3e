package ai

import (
	"fmt"
	"strings"
	"time"
)

// recoveryCategory names one failure family with its own attempt budget.
type recoveryCategory string

const (
	recoveryCategoryAuto     recoveryCategory = "auto"
	recoveryCategoryLoop     recoveryCategory = "loop"
	recoveryCategoryProvider recoveryCategory = "provider"
	recoveryCategoryLimit    recoveryCategory = "limit"
	recoveryCategoryFinish   recoveryCategory = "finish"
)

// RecoveryLimits are the per-category attempt ceilings, scoped to one
// user-originated turn (continuations included).
type RecoveryLimits struct {
	StreamRetryLimit    int `json:"stream_retry_limit,omitempty" yaml:"stream_retry_limit,omitempty"`
	AutoMaxAttempts     int `json:"auto_recovery_max_attempts,omitempty" yaml:"auto_recovery_max_attempts,omitempty"`
	LoopMaxAttempts     int `json:"loop_recovery_max_attempts,omitempty" yaml:"loop_recovery_max_attempts,omitempty"`
	ProviderMaxAttempts int `json:"provider_recovery_max_attempts,omitempty" yaml:"provider_recovery_max_attempts,omitempty"`
	LimitMaxAttempts    int `json:"limit_recovery_max_attempts,omitempty" yaml:"limit_recovery_max_attempts,omitempty"`
	FinishMaxAttempts   int `json:"finish_recovery_max_attempts,omitempty" yaml:"finish_recovery_max_attempts,omitempty"`
}

func DefaultRecoveryLimits() RecoveryLimits {
	return RecoveryLimits{
		StreamRetryLimit:    3,
		AutoMaxAttempts:     1,
		LoopMaxAttempts:     1,
		ProviderMaxAttempts: 1,
		LimitMaxAttempts:    1,
		FinishMaxAttempts:   1,
	}
}

func (l RecoveryLimits) normalized() RecoveryLimits {
	def := DefaultRecoveryLimits()
	if l.StreamRetryLimit <= 0 {
		l.StreamRetryLimit = def.StreamRetryLimit
	}
	if l.AutoMaxAttempts <= 0 {
		l.AutoMaxAttempts = def.AutoMaxAttempts
	}
	if l.LoopMaxAttempts <= 0 {
		l.LoopMaxAttempts = def.LoopMaxAttempts
	}
	if l.ProviderMaxAttempts <= 0 {
		l.ProviderMaxAttempts = def.ProviderMaxAttempts
	}
	if l.LimitMaxAttempts <= 0 {
		l.LimitMaxAttempts = def.LimitMaxAttempts
	}
	if l.FinishMaxAttempts <= 0 {
		l.FinishMaxAttempts = def.FinishMaxAttempts
	}
	return l
}

// skipResetFlags record which counters a queued continuation must NOT zero
// when it re-enters the controller.
type skipResetFlags struct {
	Loop     bool
	Provider bool
	Limit    bool
	Finish   bool
}

// pendingRecovery is the single-slot continuation queued at turn teardown.
// First writer wins; it is consumed exactly once.
type pendingRecovery struct {
	PromptID       string
	QueryText      string
	QueuedAtUnixMs int64
	IsContinuation bool
	SkipReset      skipResetFlags
}

// turnState carries the turn id and the recovery attempt counters (the
// cancellation token lives on the Controller). It is created on user input and survives across the recovery
// continuations the turn spawns.
type turnState struct {
	turnID string

	retryAttempts            int
	autoRecoveryAttempts     int
	loopRecoveryAttempts     int
	providerRecoveryAttempts int
	limitRecoveryAttempts    int
	finishRecoveryAttempts   int

	loopDetected bool
	pending      *pendingRecovery
}

// resetForTurnEntry applies the counter reset policy for a non-continuation
// turn: retry and auto always reset; the categorical counters reset unless
// the corresponding skip flag is carried.
func (t *turnState) resetForTurnEntry(opts SubmitOptions) {
	if opts.IsContinuation {
		return
	}
	t.retryAttempts = 0
	t.autoRecoveryAttempts = 0
	if !opts.SkipLoopReset {
		t.loopRecoveryAttempts = 0
	}
	if !opts.SkipProviderReset {
		t.providerRecoveryAttempts = 0
	}
	if !opts.SkipLimitReset {
		t.limitRecoveryAttempts = 0
	}
	if !opts.SkipFinishReset {
		t.finishRecoveryAttempts = 0
	}
}

// queuePending installs a pending recovery unless one is already queued
// (first-writer wins on the single slot).
func (t *turnState) queuePending(p pendingRecovery) bool {
	if t.pending != nil {
		return false
	}
	copied := p
	t.pending = &copied
	return true
}

// takePending consumes the pending slot.
func (t *turnState) takePending() (pendingRecovery, bool) {
	if t.pending == nil {
		return pendingRecovery{}, false
	}
	p := *t.pending
	t.pending = nil
	return p, true
}

// recoveryPromptID derives the continuation prompt id from its parent, e.g.
// "sess########3-loop-recovery-1".
func recoveryPromptID(parentPromptID string, kind string, attempt int) string {
	return fmt.Sprintf("%s-%s-recovery-%d", strings.TrimSpace(parentPromptID), strings.TrimSpace(kind), attempt)
}

// userPromptID is the id format for user-originated turns.
func userPromptID(sessionID string, promptCount int) string {
	return fmt.Sprintf("%s########%d", strings.TrimSpace(sessionID), promptCount)
}

func nowUnixMs() int64 {
	return time.Now().UnixMilli()
}

// The prompt builders below are pure: failure facts in, corrective prompt out.
// The context snapshot is embedded verbatim so the model can resume without
// re-reading the scrollback.

func buildStallRecoveryPrompt(snapshot string) string {
	lines := []string{
		"Streaming stalled before your previous response completed.",
		"Resume from the last successful step and finish the task.",
		"Do not repeat content that already reached the user.",
	}
	return joinPromptWithSnapshot(lines, snapshot)
}

func buildLoopRecoveryPrompt(snapshot string) string {
	lines := []string{
		"A potential tool loop was detected: the same call kept repeating without progress.",
		"Stop and reassess. Choose a different tool, change the arguments materially, or explain why you are blocked.",
		"Do not issue the repeated call again.",
	}
	return joinPromptWithSnapshot(lines, snapshot)
}

func buildProviderRecoveryPrompt(attempts int, errorCodes []string, lastError string, snapshot string) string {
	codes := strings.Join(errorCodes, ", ")
	if strings.TrimSpace(codes) == "" {
		codes = "unknown"
	}
	lines := []string{
		fmt.Sprintf("The model provider failed %d consecutive times (error codes: %s).", attempts, codes),
	}
	if msg := collapseWhitespace(lastError); msg != "" {
		lines = append(lines, "Last error: "+msg)
	}
	lines = append(lines,
		"The session was reset. Re-establish context from the snapshot below and continue the task from the last completed step.",
	)
	return joinPromptWithSnapshot(lines, snapshot)
}

func buildSessionTurnLimitPrompt(snapshot string) string {
	lines := []string{
		"The session reached its maximum turn count.",
		"Wrap up: summarize what was accomplished, list what remains, and finish without starting new work.",
	}
	return joinPromptWithSnapshot(lines, snapshot)
}

func buildSessionTokenLimitPrompt(current int, limit int, snapshot string) string {
	lines := []string{
		fmt.Sprintf("The session token count reached %s / %s.", formatThousands(current), formatThousands(limit)),
		"Respond with a brief summary of progress and the immediate next step only. Keep output minimal.",
	}
	return joinPromptWithSnapshot(lines, snapshot)
}

func buildTurnBudgetPrompt(limit int, snapshot string) string {
	lines := []string{
		"The per-turn budget was exceeded.",
	}
	if limit > 0 {
		lines[0] = fmt.Sprintf("The per-turn budget of %s tokens was exceeded.", formatThousands(limit))
	}
	lines = append(lines, "Finish the current step with a short response, then stop.")
	return joinPromptWithSnapshot(lines, snapshot)
}

// buildFinishRecoveryPrompt maps an early-termination finish reason to
// reason-specific corrective guidance.
func buildFinishRecoveryPrompt(reason FinishReason, snapshot string) string {
	var lines []string
	switch reason {
	case FinishReasonMaxTokens:
		lines = []string{
			"Your previous response was cut off at the output token limit.",
			"Resume from the last complete point. Prefer shorter outputs and split long replies across turns.",
		}
	case FinishReasonMalformedFuncCall:
		lines = []string{
			"Your previous tool call was malformed and could not be parsed.",
			"Audit the arguments of your last tool call, correct them against the tool schema, and retry the call.",
		}
	case FinishReasonSafety, FinishReasonProhibitedContent, FinishReasonBlocklist, FinishReasonImageSafety:
		lines = []string{
			fmt.Sprintf("Your previous response was blocked (%s).", strings.ToLower(string(reason))),
			"Reframe the answer, avoid the blocked phrasing, and offer a compliant alternative.",
		}
	case FinishReasonRecitation:
		lines = []string{
			"Your previous response was stopped for recitation.",
			"Summarize in your own wording and keep any excerpts short.",
		}
	default:
		lines = []string{
			fmt.Sprintf("Your previous response ended early (%s).", strings.ToLower(string(reason))),
			"State what blocked you, adjust your strategy, and continue.",
		}
	}
	return joinPromptWithSnapshot(lines, snapshot)
}

func joinPromptWithSnapshot(lines []string, snapshot string) string {
	prompt := strings.Join(lines, "\n")
	snapshot = strings.TrimSpace(snapshot)
	if snapshot == "" {
		return prompt
	}
	return prompt + "\n\nContext snapshot:\n" + snapshot
}

// formatThousands renders 130000 as "130,000" for user-visible limit notices.
func formatThousands(v int) string {
	s := fmt.Sprintf("%d", v)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, ch := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(ch)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
