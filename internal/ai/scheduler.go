package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
)

// ToolCallStatus is the scheduler-side lifecycle state of one tracked call.
type ToolCallStatus string

const (
	ToolCallStatusValidating       ToolCallStatus = "validating"
	ToolCallStatusScheduled        ToolCallStatus = "scheduled"
	ToolCallStatusAwaitingApproval ToolCallStatus = "awaiting_approval"
	ToolCallStatusExecuting        ToolCallStatus = "executing"
	ToolCallStatusSuccess          ToolCallStatus = "success"
	ToolCallStatusError            ToolCallStatus = "error"
	ToolCallStatusCancelled        ToolCallStatus = "cancelled"
)

func (s ToolCallStatus) Terminal() bool {
	switch s {
	case ToolCallStatusSuccess, ToolCallStatusError, ToolCallStatusCancelled:
		return true
	default:
		return false
	}
}

// ApprovalMode controls which tools pass through awaiting_approval.
type ApprovalMode string

const (
	ApprovalModeDefault ApprovalMode = "default"
	ApprovalModeYolo    ApprovalMode = "yolo"
)

// mutatingCheckpointTools are the tool names that trigger a restorable
// checkpoint before approval can proceed.
var mutatingCheckpointTools = map[string]bool{
	"edit":       true,
	"write_file": true,
}

type ToolDef struct {
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	InputSchema      json.RawMessage `json:"input_schema,omitempty"`
	ParallelSafe     bool            `json:"parallel_safe,omitempty"`
	Mutating         bool            `json:"mutating,omitempty"`
	RequiresApproval bool            `json:"requires_approval,omitempty"`
}

// ToolHandler executes one tool. Execute returns the model-addressable
// response payload.
type ToolHandler interface {
	Validate(ctx context.Context, call ToolCallRequestInfo) error
	Execute(ctx context.Context, call ToolCallRequestInfo) (map[string]any, error)
}

type registeredTool struct {
	def     ToolDef
	handler ToolHandler
}

// ToolRegistry is the name → tool table the scheduler resolves against.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]registeredTool)}
}

func (r *ToolRegistry) Register(def ToolDef, handler ToolHandler) error {
	if r == nil {
		return errors.New("nil tool registry")
	}
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return errors.New("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %s missing handler", name)
	}
	def.Name = name
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = registeredTool{def: def, handler: handler}
	return nil
}

func (r *ToolRegistry) resolve(name string) (ToolDef, ToolHandler, bool) {
	if r == nil {
		return ToolDef{}, nil, false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ToolDef{}, nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.tools[name]
	if !ok {
		return ToolDef{}, nil, false
	}
	return item.def, item.handler, true
}

func (r *ToolRegistry) Snapshot() []ToolDef {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDef, 0, len(r.tools))
	for _, item := range r.tools {
		out = append(out, item.def)
	}
	return out
}

// TrackedToolCall is a request plus its scheduler lifecycle state. In terminal
// states Response carries the model-addressable payload and ResponseSubmitted
// records whether the result was forwarded back to the model.
type TrackedToolCall struct {
	Request           ToolCallRequestInfo
	Status            ToolCallStatus
	Response          *FunctionResponse
	ResponseSubmitted bool
}

// CheckpointHook runs synchronously before a mutating tool can be approved.
// Failures are logged by the scheduler but never abort the tool.
type CheckpointHook func(ctx context.Context, call ToolCallRequestInfo) error

// ApprovalRequestHandler is notified when a call enters awaiting_approval.
// The UI resolves it via Approve.
type ApprovalRequestHandler func(call ToolCallRequestInfo)

// CompletionHandler fires once per batch after every member reached a
// terminal state, in batch-completion order.
type CompletionHandler func(batch []TrackedToolCall)

type schedulerBatch struct {
	id      int
	calls   []*TrackedToolCall
	pending int
	cancel  context.CancelFunc
}

// ToolScheduler accepts batches of tool-call requests and drives each call
// through validating → (awaiting_approval) → scheduled → executing → terminal.
// It owns the tracked-call table; the controller only observes it.
type ToolScheduler struct {
	log          *slog.Logger
	registry     *ToolRegistry
	approvalMode ApprovalMode

	checkpointHook CheckpointHook
	onApproval     ApprovalRequestHandler
	onComplete     CompletionHandler

	mu          sync.Mutex
	calls       map[string]*TrackedToolCall
	batches     map[int]*schedulerBatch
	approvals   map[string]chan bool
	callBatch   map[string]int
	nextBatchID int

	completionMu sync.Mutex
}

type SchedulerOptions struct {
	Log            *slog.Logger
	Registry       *ToolRegistry
	ApprovalMode   ApprovalMode
	CheckpointHook CheckpointHook
	OnApproval     ApprovalRequestHandler
	OnComplete     CompletionHandler
}

func NewToolScheduler(opts SchedulerOptions) (*ToolScheduler, error) {
	if opts.Registry == nil {
		return nil, errors.New("tool scheduler requires a registry")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	mode := opts.ApprovalMode
	if mode == "" {
		mode = ApprovalModeDefault
	}
	return &ToolScheduler{
		log:            opts.Log,
		registry:       opts.Registry,
		approvalMode:   mode,
		checkpointHook: opts.CheckpointHook,
		onApproval:     opts.OnApproval,
		onComplete:     opts.OnComplete,
		calls:          make(map[string]*TrackedToolCall),
		batches:        make(map[int]*schedulerBatch),
		approvals:      make(map[string]chan bool),
		callBatch:      make(map[string]int),
		nextBatchID:    1,
	}, nil
}

// SetCompletionHandler installs the batch completion callback. The scheduler
// and controller reference each other; this breaks the construction cycle.
func (s *ToolScheduler) SetCompletionHandler(h CompletionHandler) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.onComplete = h
	s.mu.Unlock()
}

func (s *ToolScheduler) completionHandler() CompletionHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onComplete
}

// Schedule accepts a batch. It returns after registering the calls; execution
// proceeds on scheduler goroutines and the completion handler fires when the
// whole batch is terminal.
func (s *ToolScheduler) Schedule(ctx context.Context, requests []ToolCallRequestInfo) error {
	if s == nil {
		return errors.New("nil tool scheduler")
	}
	if len(requests) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// Each batch gets its own cancellation handle derived from the scheduling
	// context. The controller schedules with context.Background(), so aborting
	// the turn token does not cancel running tools by itself — only Reset does.
	bctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	batchID := s.nextBatchID
	s.nextBatchID++
	batch := &schedulerBatch{id: batchID, pending: len(requests), cancel: cancel}
	tracked := make([]*TrackedToolCall, 0, len(requests))
	for _, req := range requests {
		callID := strings.TrimSpace(req.CallID)
		if callID == "" {
			callID = fmt.Sprintf("call_%d_%d", batchID, len(tracked)+1)
			req.CallID = callID
		}
		tc := &TrackedToolCall{Request: req, Status: ToolCallStatusValidating}
		s.calls[callID] = tc
		s.callBatch[callID] = batchID
		batch.calls = append(batch.calls, tc)
		tracked = append(tracked, tc)
	}
	s.batches[batchID] = batch
	s.mu.Unlock()

	for _, tc := range tracked {
		go s.runCall(bctx, batchID, tc)
	}
	return nil
}

func (s *ToolScheduler) runCall(ctx context.Context, batchID int, tc *TrackedToolCall) {
	call := tc.Request
	def, handler, ok := s.registry.resolve(call.Name)
	if !ok || handler == nil {
		s.finishCall(batchID, tc, ToolCallStatusError, map[string]any{
			"error": fmt.Sprintf("unknown tool: %s", strings.TrimSpace(call.Name)),
		})
		return
	}

	if err := validateToolArgs(def, call.Args); err != nil {
		s.finishCall(batchID, tc, ToolCallStatusError, map[string]any{"error": err.Error()})
		return
	}
	if err := handler.Validate(ctx, call); err != nil {
		s.finishCall(batchID, tc, ToolCallStatusError, map[string]any{"error": err.Error()})
		return
	}

	if s.requiresApproval(def) {
		approved, ok := s.awaitApproval(ctx, tc)
		if !ok {
			s.finishCall(batchID, tc, ToolCallStatusCancelled, map[string]any{"output": "Tool call cancelled before approval."})
			return
		}
		if !approved {
			s.finishCall(batchID, tc, ToolCallStatusCancelled, map[string]any{"output": "Tool call rejected by the user."})
			return
		}
	}

	s.setStatus(tc, ToolCallStatusScheduled)
	if err := ctx.Err(); err != nil {
		s.finishCall(batchID, tc, ToolCallStatusCancelled, map[string]any{"output": "Tool call cancelled."})
		return
	}
	s.setStatus(tc, ToolCallStatusExecuting)

	response, err := handler.Execute(ctx, call)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.finishCall(batchID, tc, ToolCallStatusCancelled, map[string]any{"output": "Tool execution cancelled."})
			return
		}
		s.finishCall(batchID, tc, ToolCallStatusError, map[string]any{"error": err.Error()})
		return
	}
	if response == nil {
		response = map[string]any{}
	}
	s.finishCall(batchID, tc, ToolCallStatusSuccess, response)
}

func (s *ToolScheduler) requiresApproval(def ToolDef) bool {
	if s.approvalMode == ApprovalModeYolo {
		return false
	}
	return def.RequiresApproval || def.Mutating
}

// awaitApproval parks the call in awaiting_approval until Approve or context
// cancellation. The checkpoint hook runs synchronously before the approval
// prompt is surfaced so a rejected-later edit is still restorable.
func (s *ToolScheduler) awaitApproval(ctx context.Context, tc *TrackedToolCall) (approved bool, ok bool) {
	call := tc.Request
	if s.checkpointHook != nil && mutatingCheckpointTools[strings.TrimSpace(call.Name)] {
		if err := s.checkpointHook(ctx, call); err != nil {
			s.log.Warn("tool checkpoint failed", "call_id", call.CallID, "tool", call.Name, "error", err)
		}
	}

	ch := make(chan bool, 1)
	s.mu.Lock()
	s.approvals[call.CallID] = ch
	s.mu.Unlock()
	s.setStatus(tc, ToolCallStatusAwaitingApproval)

	if s.onApproval != nil {
		s.onApproval(call)
	}

	defer func() {
		s.mu.Lock()
		delete(s.approvals, call.CallID)
		s.mu.Unlock()
	}()

	select {
	case decision := <-ch:
		return decision, true
	case <-ctx.Done():
		return false, false
	}
}

// Approve resolves a call parked in awaiting_approval. Idempotent: a second
// decision for the same call is dropped.
func (s *ToolScheduler) Approve(callID string, approved bool) error {
	if s == nil {
		return errors.New("nil tool scheduler")
	}
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return errors.New("missing call_id")
	}
	s.mu.Lock()
	ch := s.approvals[callID]
	s.mu.Unlock()
	if ch == nil {
		return errors.New("tool not pending approval")
	}
	select {
	case ch <- approved:
		return nil
	default:
		return nil
	}
}

func (s *ToolScheduler) setStatus(tc *TrackedToolCall, status ToolCallStatus) {
	s.mu.Lock()
	if !tc.Status.Terminal() {
		tc.Status = status
	}
	s.mu.Unlock()
}

func (s *ToolScheduler) finishCall(batchID int, tc *TrackedToolCall, status ToolCallStatus, response map[string]any) {
	s.mu.Lock()
	if tc.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	tc.Status = status
	tc.Response = &FunctionResponse{
		CallID:   tc.Request.CallID,
		Name:     tc.Request.Name,
		Response: response,
	}
	batch := s.batches[batchID]
	var done []TrackedToolCall
	var batchCancel context.CancelFunc
	if batch != nil {
		batch.pending--
		if batch.pending <= 0 {
			done = make([]TrackedToolCall, 0, len(batch.calls))
			for _, c := range batch.calls {
				done = append(done, *c)
			}
			batchCancel = batch.cancel
			delete(s.batches, batchID)
		}
	}
	s.mu.Unlock()
	if batchCancel != nil {
		batchCancel()
	}

	handler := s.completionHandler()
	if done == nil || handler == nil {
		return
	}
	// completionMu serializes batch callbacks so they observe completion order.
	s.completionMu.Lock()
	defer s.completionMu.Unlock()
	handler(done)
}

// Reset cancels the context of every batch tracked by this scheduler. Calls
// waiting for approval, not yet executing, or running a handler that returns
// on context cancellation finish with cancelled status and flush their batches
// into the completion handler; a handler that ignores its context runs to
// completion and its call keeps the status that handler's result gives it.
func (s *ToolScheduler) Reset(reason string) {
	if s == nil {
		return
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "scheduler reset"
	}

	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.batches))
	for _, batch := range s.batches {
		if batch.cancel != nil {
			cancels = append(cancels, batch.cancel)
		}
	}
	s.mu.Unlock()

	// Cancelling the batch contexts unparks approval waits and context-aware
	// handlers; each call then flushes through finishCall with cancelled
	// status, which fires the batch completion callbacks as usual.
	for _, cancel := range cancels {
		cancel()
	}
	s.log.Debug("tool scheduler reset", "reason", reason)
}

// MarkSubmitted flips response_submitted for the given calls. Idempotent.
func (s *ToolScheduler) MarkSubmitted(callIDs []string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range callIDs {
		if tc, ok := s.calls[strings.TrimSpace(id)]; ok {
			tc.ResponseSubmitted = true
		}
	}
}

// AwaitingApproval reports whether any tracked call is parked for approval.
func (s *ToolScheduler) AwaitingApproval() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tc := range s.calls {
		if tc.Status == ToolCallStatusAwaitingApproval {
			return true
		}
	}
	return false
}

// HasUnsettledCalls reports whether any call is pre-terminal, or terminal but
// not yet forwarded back to the model ("ripe").
func (s *ToolScheduler) HasUnsettledCalls() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tc := range s.calls {
		if !tc.Status.Terminal() {
			return true
		}
		if !tc.ResponseSubmitted {
			return true
		}
	}
	return false
}

// Tracked returns a copy of one tracked call.
func (s *ToolScheduler) Tracked(callID string) (TrackedToolCall, bool) {
	if s == nil {
		return TrackedToolCall{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.calls[strings.TrimSpace(callID)]
	if !ok {
		return TrackedToolCall{}, false
	}
	return *tc, true
}

// Release drops fully forwarded calls from the table.
func (s *ToolScheduler) Release(callIDs []string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range callIDs {
		id = strings.TrimSpace(id)
		if tc, ok := s.calls[id]; ok && tc.Status.Terminal() && tc.ResponseSubmitted {
			delete(s.calls, id)
			delete(s.callBatch, id)
		}
	}
}

// validateToolArgs applies the declared JSON schema's required fields and
// primitive property types to the raw argument map.
func validateToolArgs(def ToolDef, args map[string]any) error {
	if len(def.InputSchema) == 0 {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	var schema map[string]any
	if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
		return nil
	}
	if req, ok := schema["required"].([]any); ok {
		for _, item := range req {
			name, _ := item.(string)
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, exists := args[name]; !exists {
				return fmt.Errorf("missing required field: %s", name)
			}
		}
	}
	properties, _ := schema["properties"].(map[string]any)
	for key, val := range args {
		propRaw, ok := properties[key]
		if !ok {
			continue
		}
		prop, _ := propRaw.(map[string]any)
		typeName, _ := prop["type"].(string)
		typeName = strings.TrimSpace(typeName)
		if typeName == "" {
			continue
		}
		if !matchesSchemaType(typeName, val) {
			return fmt.Errorf("invalid type for %s: expected %s", key, typeName)
		}
	}
	return nil
}

func matchesSchemaType(typeName string, v any) bool {
	switch strings.ToLower(strings.TrimSpace(typeName)) {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "integer", "number":
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return true
		default:
			return false
		}
	case "object":
		return reflect.TypeOf(v) != nil && reflect.TypeOf(v).Kind() == reflect.Map
	case "array":
		kind := reflect.TypeOf(v)
		return kind != nil && (kind.Kind() == reflect.Slice || kind.Kind() == reflect.Array)
	default:
		return true
	}
}
