package ai

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeModelClient replays scripted event sequences, one per
// SendMessageStream call, and records every submission.
type fakeModelClient struct {
	mu       sync.Mutex
	streams  []<-chan StreamEvent
	errs     []error
	calls    []fakeSubmission
	history  []ClientMessage
	resets   int
	resetErr error
}

type fakeSubmission struct {
	Parts    []Part
	PromptID string
}

func scriptStream(events ...StreamEvent) <-chan StreamEvent {
	ch := make(chan StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func (f *fakeModelClient) enqueue(ch <-chan StreamEvent) {
	f.mu.Lock()
	f.streams = append(f.streams, ch)
	f.errs = append(f.errs, nil)
	f.mu.Unlock()
}

func (f *fakeModelClient) enqueueErr(err error) {
	f.mu.Lock()
	f.streams = append(f.streams, nil)
	f.errs = append(f.errs, err)
	f.mu.Unlock()
}

func (f *fakeModelClient) SendMessageStream(_ context.Context, parts []Part, promptID string) (<-chan StreamEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeSubmission{Parts: parts, PromptID: promptID})
	f.history = append(f.history, ClientMessage{Role: roleForParts(parts), Parts: parts})
	idx := len(f.calls) - 1
	if idx < len(f.streams) {
		if err := f.errs[idx]; err != nil {
			return nil, err
		}
		return f.streams[idx], nil
	}
	return scriptStream(StreamEvent{Type: StreamEventFinished, FinishReason: FinishReasonStop}), nil
}

func (f *fakeModelClient) AddHistory(msg ClientMessage) {
	f.mu.Lock()
	f.history = append(f.history, msg)
	f.mu.Unlock()
}

func (f *fakeModelClient) History() []ClientMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ClientMessage, len(f.history))
	copy(out, f.history)
	return out
}

func (f *fakeModelClient) ResetChat() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	if f.resetErr != nil {
		return f.resetErr
	}
	f.history = nil
	return nil
}

func (f *fakeModelClient) submissions() []fakeSubmission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeSubmission, len(f.calls))
	copy(out, f.calls)
	return out
}

// echoTool succeeds immediately with a fixed output.
type echoTool struct{ output string }

func (t *echoTool) Validate(context.Context, ToolCallRequestInfo) error { return nil }

func (t *echoTool) Execute(context.Context, ToolCallRequestInfo) (map[string]any, error) {
	return map[string]any{"output": t.output}, nil
}

// failTool always errors.
type failTool struct{}

func (t *failTool) Validate(context.Context, ToolCallRequestInfo) error { return nil }

func (t *failTool) Execute(context.Context, ToolCallRequestInfo) (map[string]any, error) {
	return nil, errors.New("tool blew up")
}

// blockingTool parks until its context is cancelled.
type blockingTool struct{}

func (t *blockingTool) Validate(context.Context, ToolCallRequestInfo) error { return nil }

func (t *blockingTool) Execute(ctx context.Context, _ ToolCallRequestInfo) (map[string]any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestScheduler(t interface{ Fatalf(string, ...any) }, mode ApprovalMode, hook CheckpointHook, onApproval ApprovalRequestHandler) (*ToolScheduler, *ToolRegistry) {
	registry := NewToolRegistry()
	scheduler, err := NewToolScheduler(SchedulerOptions{
		Registry:       registry,
		ApprovalMode:   mode,
		CheckpointHook: hook,
		OnApproval:     onApproval,
	})
	if err != nil {
		t.Fatalf("NewToolScheduler: %v", err)
	}
	return scheduler, registry
}

func newTestController(t interface{ Fatalf(string, ...any) }, client ModelClient, scheduler *ToolScheduler, limits RecoveryLimits) (*Controller, *HistoryStore) {
	history := NewHistoryStore()
	controller, err := NewController(ControllerOptions{
		History:   history,
		Client:    client,
		Scheduler: scheduler,
		Limits:    limits,
		SessionID: "sess",
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	scheduler.SetCompletionHandler(controller.HandleCompletedTools)
	return controller, history
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func entriesOfKind(entries []HistoryEntry, kind HistoryKind) []HistoryEntry {
	var out []HistoryEntry
	for _, entry := range entries {
		if entry.Kind == kind {
			out = append(out, entry)
		}
	}
	return out
}
