package ai

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCleanTurn(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{}
	client.enqueue(scriptStream(
		StreamEvent{Type: StreamEventContent, Content: "Hi"},
		StreamEvent{Type: StreamEventFinished, FinishReason: FinishReasonStop},
	))
	scheduler, _ := newTestScheduler(t, ApprovalModeDefault, nil, nil)
	controller, history := newTestController(t, client, scheduler, RecoveryLimits{})

	controller.SubmitText("hello")
	controller.Wait()

	entries := history.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries=%d, want 2: %+v", len(entries), entries)
	}
	if entries[0].Kind != HistoryKindUser || entries[0].Text != "hello" {
		t.Fatalf("first entry=%+v, want user hello", entries[0])
	}
	if entries[1].Kind != HistoryKindAssistant || entries[1].Text != "Hi" {
		t.Fatalf("second entry=%+v, want assistant Hi", entries[1])
	}
	if got := controller.StreamingState(); got != StreamingStateIdle {
		t.Fatalf("state=%q, want idle", got)
	}
	if history.HasPending() {
		t.Fatal("pending entry left behind")
	}
	controller.mu.Lock()
	defer controller.mu.Unlock()
	if controller.turn.retryAttempts != 0 || controller.turn.autoRecoveryAttempts != 0 ||
		controller.turn.loopRecoveryAttempts != 0 || controller.turn.limitRecoveryAttempts != 0 {
		t.Fatalf("counters not zero: %+v", controller.turn)
	}
	if controller.isSubmitting {
		t.Fatal("in-flight guard not released")
	}
}

func TestRetryToSelfRecovery(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{}
	client.enqueue(scriptStream(
		StreamEvent{Type: StreamEventRetry},
		StreamEvent{Type: StreamEventRetry},
		StreamEvent{Type: StreamEventRetry},
	))
	scheduler, _ := newTestScheduler(t, ApprovalModeDefault, nil, nil)
	controller, history := newTestController(t, client, scheduler, RecoveryLimits{})

	controller.SubmitText("do something")
	controller.Wait()

	infos := entriesOfKind(history.Entries(), HistoryKindInfo)
	stalls := 0
	selfRecovery := 0
	for _, entry := range infos {
		if strings.Contains(entry.Text, "Model response stalled") {
			stalls++
		}
		if strings.Contains(entry.Text, "Attempting self-recovery") {
			selfRecovery++
		}
	}
	if stalls != 3 {
		t.Fatalf("stall infos=%d, want 3", stalls)
	}
	if selfRecovery != 1 {
		t.Fatalf("self-recovery infos=%d, want 1", selfRecovery)
	}

	subs := client.submissions()
	if len(subs) != 2 {
		t.Fatalf("submissions=%d, want 2 (original + continuation)", len(subs))
	}
	if body := joinPartsText(subs[1].Parts); !strings.Contains(body, "Streaming stalled") {
		t.Fatalf("continuation body=%q, want stall prompt", body)
	}

	controller.mu.Lock()
	defer controller.mu.Unlock()
	if controller.turn.autoRecoveryAttempts != 1 {
		t.Fatalf("autoRecoveryAttempts=%d, want 1 (continuation must not reset)", controller.turn.autoRecoveryAttempts)
	}
}

func TestLoopDetectionRecovery(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{}
	client.enqueue(scriptStream(
		StreamEvent{Type: StreamEventContent, Content: "looping"},
		StreamEvent{Type: StreamEventLoopDetected},
	))
	scheduler, _ := newTestScheduler(t, ApprovalModeDefault, nil, nil)
	controller, history := newTestController(t, client, scheduler, RecoveryLimits{})

	controller.SubmitText("spin")
	controller.Wait()

	entries := history.Entries()
	assistants := entriesOfKind(entries, HistoryKindAssistant)
	if len(assistants) != 1 || assistants[0].Text != "looping" {
		t.Fatalf("assistant entries=%+v, want one 'looping'", assistants)
	}
	sawSnapshot := false
	sawRecovering := false
	for _, entry := range entriesOfKind(entries, HistoryKindInfo) {
		if strings.Contains(entry.Text, "tool loop was detected") {
			sawSnapshot = true
		}
		if strings.Contains(entry.Text, "Attempting automatic recovery") {
			sawRecovering = true
		}
	}
	if !sawSnapshot || !sawRecovering {
		t.Fatalf("loop infos missing: snapshot=%v recovering=%v", sawSnapshot, sawRecovering)
	}

	subs := client.submissions()
	if len(subs) != 2 {
		t.Fatalf("submissions=%d, want 2", len(subs))
	}
	if body := joinPartsText(subs[1].Parts); !strings.Contains(body, "potential tool loop was detected") {
		t.Fatalf("continuation body=%q, want loop prompt", body)
	}
	if want := "sess########1-loop-recovery-1"; subs[1].PromptID != want {
		t.Fatalf("continuation prompt id=%q, want %q", subs[1].PromptID, want)
	}

	controller.mu.Lock()
	defer controller.mu.Unlock()
	if controller.turn.loopRecoveryAttempts != 1 {
		t.Fatalf("loopRecoveryAttempts=%d, want 1 after continuation", controller.turn.loopRecoveryAttempts)
	}
}

func TestSessionTokenLimitRecovery(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{}
	client.enqueue(scriptStream(StreamEvent{
		Type: StreamEventSessionTokenLimitExceeded,
		TokenLimit: &SessionTokenLimitInfo{
			CurrentTokens: 130000,
			Limit:         128000,
		},
	}))
	scheduler, _ := newTestScheduler(t, ApprovalModeDefault, nil, nil)
	controller, history := newTestController(t, client, scheduler, RecoveryLimits{})

	controller.SubmitText("summarize the repo")
	controller.Wait()

	errs := entriesOfKind(history.Entries(), HistoryKindError)
	if len(errs) == 0 {
		t.Fatal("no error entry for token limit")
	}
	notice := errs[0].Text
	for _, want := range []string{"130,000 / 128,000", "new session", "/compress", "session_token_limit"} {
		if !strings.Contains(notice, want) {
			t.Fatalf("limit notice %q missing %q", notice, want)
		}
	}

	subs := client.submissions()
	if len(subs) != 2 {
		t.Fatalf("submissions=%d, want 2", len(subs))
	}
	if body := joinPartsText(subs[1].Parts); !strings.Contains(body, "130,000 / 128,000") {
		t.Fatalf("continuation body=%q, want token counts", body)
	}
	if want := "sess########1-token-limit-recovery-1"; subs[1].PromptID != want {
		t.Fatalf("continuation prompt id=%q, want %q", subs[1].PromptID, want)
	}
}

func TestFinishRecoveryMaxTokens(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{}
	client.enqueue(scriptStream(
		StreamEvent{Type: StreamEventContent, Content: "partial answer"},
		StreamEvent{Type: StreamEventFinished, FinishReason: FinishReasonMaxTokens},
	))
	scheduler, _ := newTestScheduler(t, ApprovalModeDefault, nil, nil)
	controller, history := newTestController(t, client, scheduler, RecoveryLimits{})

	controller.SubmitText("write an essay")
	controller.Wait()

	if got := entriesOfKind(history.Entries(), HistoryKindAssistant); len(got) != 1 || got[0].Text != "partial answer" {
		t.Fatalf("assistant entries=%+v", got)
	}
	subs := client.submissions()
	if len(subs) != 2 {
		t.Fatalf("submissions=%d, want 2", len(subs))
	}
	if body := joinPartsText(subs[1].Parts); !strings.Contains(body, "output token limit") {
		t.Fatalf("continuation body=%q, want max-tokens guidance", body)
	}
	if want := "sess########1-finish-recovery-1"; subs[1].PromptID != want {
		t.Fatalf("continuation prompt id=%q, want %q", subs[1].PromptID, want)
	}
}

func TestBenignFinishDoesNotRecover(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{}
	client.enqueue(scriptStream(
		StreamEvent{Type: StreamEventContent, Content: "done"},
		StreamEvent{Type: StreamEventFinished, FinishReason: FinishReasonStop},
	))
	scheduler, _ := newTestScheduler(t, ApprovalModeDefault, nil, nil)
	controller, _ := newTestController(t, client, scheduler, RecoveryLimits{})

	controller.SubmitText("quick one")
	controller.Wait()

	if subs := client.submissions(); len(subs) != 1 {
		t.Fatalf("submissions=%d, want 1 (no recovery for STOP)", len(subs))
	}
}

func TestProviderFailureRecovery(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{}
	client.enqueueErr(&ProviderRetryExhaustedError{
		Attempts:   3,
		ErrorCodes: []string{"http_503", "timeout"},
		LastError:  "upstream unavailable",
	})
	scheduler, _ := newTestScheduler(t, ApprovalModeDefault, nil, nil)
	controller, history := newTestController(t, client, scheduler, RecoveryLimits{})

	controller.SubmitText("hello?")
	controller.Wait()

	if client.resets != 1 {
		t.Fatalf("resets=%d, want 1", client.resets)
	}
	infos := entriesOfKind(history.Entries(), HistoryKindInfo)
	found := false
	for _, entry := range infos {
		if strings.Contains(entry.Text, "http_503") && strings.Contains(entry.Text, "upstream unavailable") {
			found = true
		}
	}
	if !found {
		t.Fatalf("provider info entry missing: %+v", infos)
	}

	subs := client.submissions()
	if len(subs) != 2 {
		t.Fatalf("submissions=%d, want 2", len(subs))
	}
	if want := "sess########1-provider-recovery-1"; subs[1].PromptID != want {
		t.Fatalf("continuation prompt id=%q, want %q", subs[1].PromptID, want)
	}
}

func TestProviderRecoveryAbortsWhenResetFails(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{resetErr: errors.New("reset refused")}
	client.enqueueErr(&ProviderRetryExhaustedError{Attempts: 2, ErrorCodes: []string{"http_500"}})
	scheduler, _ := newTestScheduler(t, ApprovalModeDefault, nil, nil)
	controller, history := newTestController(t, client, scheduler, RecoveryLimits{})

	controller.SubmitText("hello?")
	controller.Wait()

	if subs := client.submissions(); len(subs) != 1 {
		t.Fatalf("submissions=%d, want 1 (recovery aborted)", len(subs))
	}
	errs := entriesOfKind(history.Entries(), HistoryKindError)
	if len(errs) == 0 || !strings.Contains(errs[0].Text, "reset") {
		t.Fatalf("expected reset failure error entry, got %+v", errs)
	}
}

func TestAuthErrorCallsCallback(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{}
	client.enqueueErr(&UnauthorizedError{Message: "bad key"})
	scheduler, _ := newTestScheduler(t, ApprovalModeDefault, nil, nil)

	history := NewHistoryStore()
	authCalls := 0
	controller, err := NewController(ControllerOptions{
		History:     history,
		Client:      client,
		Scheduler:   scheduler,
		SessionID:   "sess",
		OnAuthError: func(error) { authCalls++ },
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	controller.SubmitText("hi")
	controller.Wait()

	if authCalls != 1 {
		t.Fatalf("authCalls=%d, want 1", authCalls)
	}
	if subs := client.submissions(); len(subs) != 1 {
		t.Fatalf("submissions=%d, want 1 (no auto recovery for auth)", len(subs))
	}
}

func TestCancelOngoingIdempotent(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{}
	manual := make(chan StreamEvent, 4)
	client.enqueue(manual)
	scheduler, _ := newTestScheduler(t, ApprovalModeDefault, nil, nil)
	controller, history := newTestController(t, client, scheduler, RecoveryLimits{})

	controller.SubmitText("long task")
	if !waitFor(2*time.Second, func() bool { return controller.StreamingState() == StreamingStateResponding }) {
		t.Fatal("turn never entered responding")
	}
	manual <- StreamEvent{Type: StreamEventContent, Content: "partial"}
	if !waitFor(2*time.Second, func() bool { return history.PendingText() == "partial" }) {
		t.Fatal("content never buffered")
	}

	controller.CancelOngoing()
	entries := history.Entries()
	if got := entriesOfKind(entries, HistoryKindAssistant); len(got) != 1 || got[0].Text != "partial" {
		t.Fatalf("pending not flushed on cancel: %+v", got)
	}
	infos := entriesOfKind(entries, HistoryKindInfo)
	if len(infos) != 1 || !strings.Contains(infos[0].Text, "Request cancelled") {
		t.Fatalf("cancel info missing: %+v", infos)
	}

	countBefore := history.Len()
	controller.CancelOngoing()
	if history.Len() != countBefore {
		t.Fatal("second cancel was not a no-op")
	}

	close(manual)
	controller.Wait()
	if got := controller.StreamingState(); got != StreamingStateIdle {
		t.Fatalf("state=%q, want idle after cancel", got)
	}
}

func TestInFlightGuardRejectsConcurrentTurn(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{}
	manual := make(chan StreamEvent)
	client.enqueue(manual)
	scheduler, _ := newTestScheduler(t, ApprovalModeDefault, nil, nil)
	controller, history := newTestController(t, client, scheduler, RecoveryLimits{})

	controller.SubmitText("first")
	if !waitFor(2*time.Second, func() bool { return controller.StreamingState() == StreamingStateResponding }) {
		t.Fatal("turn never entered responding")
	}
	// Responding is reported as soon as SubmitQuery claims the in-flight slot,
	// before preflight records the user entry; wait until the first turn has
	// reached the model.
	if !waitFor(2*time.Second, func() bool { return len(client.submissions()) == 1 }) {
		t.Fatal("first turn never reached the model")
	}

	controller.SubmitText("second")
	if got := len(entriesOfKind(history.Entries(), HistoryKindUser)); got != 1 {
		t.Fatalf("user entries=%d, want 1 (second submission must be dropped)", got)
	}

	close(manual)
	controller.Wait()
	if subs := client.submissions(); len(subs) != 1 {
		t.Fatalf("submissions=%d, want 1", len(subs))
	}
}

func TestEmptyQueryIsNoop(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{}
	scheduler, _ := newTestScheduler(t, ApprovalModeDefault, nil, nil)
	controller, history := newTestController(t, client, scheduler, RecoveryLimits{})

	controller.SubmitText("   \n\t ")
	controller.Wait()

	if history.Len() != 0 {
		t.Fatalf("entries=%d, want 0", history.Len())
	}
	if subs := client.submissions(); len(subs) != 0 {
		t.Fatalf("submissions=%d, want 0", len(subs))
	}
	if got := controller.StreamingState(); got != StreamingStateIdle {
		t.Fatalf("state=%q, want idle", got)
	}
}

func TestToolBatchForwarding(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{}
	client.enqueue(scriptStream(
		StreamEvent{Type: StreamEventToolCallRequest, ToolCall: &ToolCallRequestInfo{
			CallID:   "call_1",
			Name:     "lookup",
			Args:     map[string]any{"q": "weather"},
			PromptID: "sess########1",
		}},
		StreamEvent{Type: StreamEventFinished, FinishReason: FinishReasonStop},
	))
	client.enqueue(scriptStream(
		StreamEvent{Type: StreamEventContent, Content: "sunny"},
		StreamEvent{Type: StreamEventFinished, FinishReason: FinishReasonStop},
	))
	scheduler, registry := newTestScheduler(t, ApprovalModeYolo, nil, nil)
	if err := registry.Register(ToolDef{Name: "lookup", ParallelSafe: true}, &echoTool{output: "22C"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	controller, history := newTestController(t, client, scheduler, RecoveryLimits{})

	controller.SubmitText("what's the weather?")

	if !waitFor(3*time.Second, func() bool { return len(client.submissions()) == 2 }) {
		t.Fatalf("tool responses never forwarded; submissions=%d", len(client.submissions()))
	}
	subs := client.submissions()
	if subs[1].PromptID != "sess########1" {
		t.Fatalf("forwarded prompt id=%q, want original", subs[1].PromptID)
	}
	if len(subs[1].Parts) != 1 || subs[1].Parts[0].FunctionResponse == nil {
		t.Fatalf("forwarded parts=%+v, want one function response", subs[1].Parts)
	}
	if got := subs[1].Parts[0].FunctionResponse.CallID; got != "call_1" {
		t.Fatalf("forwarded call id=%q", got)
	}

	if !waitFor(3*time.Second, func() bool { return controller.StreamingState() == StreamingStateIdle }) {
		t.Fatalf("state=%q, want idle after forwarding", controller.StreamingState())
	}
	groups := entriesOfKind(history.Entries(), HistoryKindToolGroup)
	if len(groups) != 1 || len(groups[0].Tools) != 1 {
		t.Fatalf("tool groups=%+v", groups)
	}
	if groups[0].Tools[0].Status != ToolCallStatusSuccess {
		t.Fatalf("tool status=%q, want success", groups[0].Tools[0].Status)
	}
}

func TestAllCancelledBatchInjectsClientHistory(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{}
	scheduler, _ := newTestScheduler(t, ApprovalModeDefault, nil, nil)
	controller, history := newTestController(t, client, scheduler, RecoveryLimits{})

	batch := []TrackedToolCall{
		{
			Request:  ToolCallRequestInfo{CallID: "c1", Name: "edit", PromptID: "p1"},
			Status:   ToolCallStatusCancelled,
			Response: &FunctionResponse{CallID: "c1", Name: "edit", Response: map[string]any{"output": "rejected"}},
		},
		{
			Request:  ToolCallRequestInfo{CallID: "c2", Name: "write_file", PromptID: "p1"},
			Status:   ToolCallStatusCancelled,
			Response: &FunctionResponse{CallID: "c2", Name: "write_file", Response: map[string]any{"output": "rejected"}},
		},
	}
	controller.HandleCompletedTools(batch)

	if subs := client.submissions(); len(subs) != 0 {
		t.Fatalf("submissions=%d, want 0 (all-cancelled must not re-prompt)", len(subs))
	}
	msgs := client.History()
	if len(msgs) != 1 {
		t.Fatalf("client history=%d messages, want 1 synthetic", len(msgs))
	}
	if msgs[0].Role != "user" || len(msgs[0].Parts) != 2 {
		t.Fatalf("synthetic message=%+v, want user role with 2 parts", msgs[0])
	}
	groups := entriesOfKind(history.Entries(), HistoryKindToolGroup)
	if len(groups) != 1 || len(groups[0].Tools) != 2 {
		t.Fatalf("tool group=%+v", groups)
	}
	for _, tool := range groups[0].Tools {
		if tool.Status != ToolCallStatusCancelled {
			t.Fatalf("tool status=%q, want cancelled", tool.Status)
		}
	}
}

func TestSaveMemoryRefreshDeduplicated(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{}
	scheduler, _ := newTestScheduler(t, ApprovalModeDefault, nil, nil)
	history := NewHistoryStore()
	refreshes := 0
	controller, err := NewController(ControllerOptions{
		History:         history,
		Client:          client,
		Scheduler:       scheduler,
		SessionID:       "sess",
		OnMemoryRefresh: func() { refreshes++ },
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	batch := []TrackedToolCall{{
		Request:  ToolCallRequestInfo{CallID: "m1", Name: "save_memory", ClientInitiated: true},
		Status:   ToolCallStatusSuccess,
		Response: &FunctionResponse{CallID: "m1", Name: "save_memory", Response: map[string]any{"output": "Saved."}},
	}}
	controller.HandleCompletedTools(batch)
	controller.HandleCompletedTools(batch)

	if refreshes != 1 {
		t.Fatalf("refreshes=%d, want 1 (dedup by call_id)", refreshes)
	}
}

func TestQuotaSwitchSkipsForwarding(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{}
	scheduler, _ := newTestScheduler(t, ApprovalModeDefault, nil, nil)
	controller, _ := newTestController(t, client, scheduler, RecoveryLimits{})
	controller.SetModelSwitchedFromQuotaError(true)

	batch := []TrackedToolCall{{
		Request:  ToolCallRequestInfo{CallID: "c1", Name: "lookup", PromptID: "p1"},
		Status:   ToolCallStatusSuccess,
		Response: &FunctionResponse{CallID: "c1", Name: "lookup", Response: map[string]any{"output": "x"}},
	}}
	controller.HandleCompletedTools(batch)

	if subs := client.submissions(); len(subs) != 0 {
		t.Fatalf("submissions=%d, want 0 after quota switch", len(subs))
	}
}

func TestBufferSplitsAtSafeBoundary(t *testing.T) {
	t.Parallel()

	head := strings.Repeat("alpha beta gamma ", 200) + "\n\n"
	tail := "next paragraph"
	client := &fakeModelClient{}
	client.enqueue(scriptStream(
		StreamEvent{Type: StreamEventContent, Content: head},
		StreamEvent{Type: StreamEventContent, Content: strings.Repeat("x", splitBufferThreshold)},
		StreamEvent{Type: StreamEventContent, Content: "\n\n" + tail},
		StreamEvent{Type: StreamEventFinished, FinishReason: FinishReasonStop},
	))
	scheduler, _ := newTestScheduler(t, ApprovalModeDefault, nil, nil)
	controller, history := newTestController(t, client, scheduler, RecoveryLimits{})

	controller.SubmitText("write a lot")
	controller.Wait()

	entries := history.Entries()
	leading := entriesOfKind(entries, HistoryKindAssistant)
	continuations := entriesOfKind(entries, HistoryKindAssistantContent)
	if len(leading) != 1 {
		t.Fatalf("assistant entries=%d, want exactly 1 leading", len(leading))
	}
	if len(continuations) == 0 {
		t.Fatal("no assistant_content continuation despite oversized buffer")
	}
	var rebuilt strings.Builder
	rebuilt.WriteString(leading[0].Text)
	for _, entry := range continuations {
		rebuilt.WriteString(entry.Text)
	}
	want := head + strings.Repeat("x", splitBufferThreshold) + "\n\n" + tail
	if rebuilt.String() != want {
		t.Fatalf("split lost content: got %d bytes, want %d", rebuilt.Len(), len(want))
	}
}
