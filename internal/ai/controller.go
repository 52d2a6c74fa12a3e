package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"
)

// Controller drives one conversation turn end to end: preflight, streaming,
// tool dispatch, result forwarding, and the recovery continuations a failing
// turn spawns. All turn-scoped state is controller-private and mutated under
// one mutex (single-writer).
type Controller struct {
	log       *slog.Logger
	history   *HistoryStore
	client    ModelClient
	scheduler *ToolScheduler
	limits    RecoveryLimits

	commands    CommandProcessor
	atCommands  AtCommandProcessor
	shell       ShellProcessor
	onAuthError func(error)
	// onMemoryRefresh reloads the external memory layer after a successful
	// save_memory tool call.
	onMemoryRefresh func()

	sessionID string

	mu           sync.Mutex
	isSubmitting bool
	responding   bool
	cancelFn     context.CancelFunc
	cancelled    bool
	turn         turnState
	promptCount  int
	thought      string
	// bufferSplit records that the current streaming message was already
	// split once, so later fragments finalize as assistant_content.
	bufferSplit     bool
	shellModeActive bool
	// modelSwitchedFromQuotaError suppresses tool-result forwarding after the
	// active model changed mid-flight.
	modelSwitchedFromQuotaError bool

	memorySeen *processedSet

	wg sync.WaitGroup
}

type ControllerOptions struct {
	Log             *slog.Logger
	History         *HistoryStore
	Client          ModelClient
	Scheduler       *ToolScheduler
	Limits          RecoveryLimits
	SessionID       string
	Commands        CommandProcessor
	AtCommands      AtCommandProcessor
	Shell           ShellProcessor
	OnAuthError     func(error)
	OnMemoryRefresh func()
}

func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.History == nil {
		return nil, errors.New("controller requires a history store")
	}
	if opts.Client == nil {
		return nil, errors.New("controller requires a model client")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("controller requires a tool scheduler")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	sessionID := strings.TrimSpace(opts.SessionID)
	if sessionID == "" {
		sessionID = "session"
	}
	return &Controller{
		log:             opts.Log,
		history:         opts.History,
		client:          opts.Client,
		scheduler:       opts.Scheduler,
		limits:          opts.Limits.normalized(),
		sessionID:       sessionID,
		commands:        opts.Commands,
		atCommands:      opts.AtCommands,
		shell:           opts.Shell,
		onAuthError:     opts.OnAuthError,
		onMemoryRefresh: opts.OnMemoryRefresh,
		memorySeen:      newProcessedSet(processedMemoryCap),
	}, nil
}

func (c *Controller) debug(event string, attrs ...any) {
	if c == nil || c.log == nil {
		return
	}
	base := []any{"event", event, "session_id", c.sessionID}
	base = append(base, attrs...)
	c.log.Debug("turn", base...)
}

// StreamingState derives the observable controller phase.
func (c *Controller) StreamingState() StreamingState {
	if c == nil {
		return StreamingStateIdle
	}
	if c.scheduler.AwaitingApproval() {
		return StreamingStateWaitingForConfirmation
	}
	c.mu.Lock()
	active := c.responding || c.isSubmitting
	c.mu.Unlock()
	if active || c.scheduler.HasUnsettledCalls() {
		return StreamingStateResponding
	}
	return StreamingStateIdle
}

// Thought returns the latest thought summary from the stream.
func (c *Controller) Thought() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thought
}

func (c *Controller) SetShellMode(active bool) {
	c.mu.Lock()
	c.shellModeActive = active
	c.mu.Unlock()
}

func (c *Controller) SetModelSwitchedFromQuotaError(v bool) {
	c.mu.Lock()
	c.modelSwitchedFromQuotaError = v
	c.mu.Unlock()
}

// SubmitText submits a user-typed query.
func (c *Controller) SubmitText(query string) {
	c.SubmitQuery(TextParts(query), SubmitOptions{}, "")
}

// SubmitQuery enters one turn asynchronously. A non-continuation submission
// while another turn is in flight is silently dropped; continuations always
// pass. promptID is assigned when empty.
func (c *Controller) SubmitQuery(parts []Part, opts SubmitOptions, promptID string) {
	if c == nil {
		return
	}
	if !opts.IsContinuation && c.StreamingState() != StreamingStateIdle {
		c.debug("turn.submit.rejected", "reason", "not_idle")
		return
	}

	c.mu.Lock()
	if c.isSubmitting && !opts.IsContinuation {
		c.mu.Unlock()
		c.debug("turn.submit.rejected", "reason", "in_flight")
		return
	}
	c.isSubmitting = true
	if !opts.IsContinuation {
		c.promptCount++
		if strings.TrimSpace(promptID) == "" {
			promptID = userPromptID(c.sessionID, c.promptCount)
		}
		c.turn.turnID = promptID
	} else if strings.TrimSpace(promptID) == "" {
		promptID = c.turn.turnID
	}
	c.turn.resetForTurnEntry(opts)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runTurn(parts, opts, promptID)
	}()
}

// Wait blocks until all in-flight turns and continuations settle. Test and
// shutdown helper.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// runTurn is the synchronous body of one turn. The in-flight guard is
// released on every exit path; the pending-recovery slot is drained last.
func (c *Controller) runTurn(parts []Part, opts SubmitOptions, promptID string) {
	defer func() {
		c.mu.Lock()
		c.isSubmitting = false
		c.responding = false
		c.cancelFn = nil
		c.cancelled = false
		pending, hasPending := c.turn.takePending()
		c.mu.Unlock()

		if hasPending {
			c.debug("turn.recovery.continue", "prompt_id", pending.PromptID)
			c.SubmitQuery(TextParts(pending.QueryText), SubmitOptions{
				IsContinuation:    pending.IsContinuation,
				SkipLoopReset:     pending.SkipReset.Loop,
				SkipProviderReset: pending.SkipReset.Provider,
				SkipLimitReset:    pending.SkipReset.Limit,
				SkipFinishReset:   pending.SkipReset.Finish,
			}, pending.PromptID)
		}
	}()

	parts, proceed := c.preflight(parts, opts)
	if !proceed {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.mu.Lock()
	c.cancelFn = cancel
	c.cancelled = false
	c.responding = true
	c.bufferSplit = false
	c.mu.Unlock()

	c.debug("turn.start", "prompt_id", promptID, "continuation", opts.IsContinuation)

	ch, err := c.client.SendMessageStream(ctx, parts, promptID)
	if err != nil {
		c.handleSubmitError(err, promptID)
		return
	}

	status, batch := c.consumeStream(ctx, cancel, ch, promptID)
	c.drain(cancel, status, batch)
}

// preflight normalizes and routes the payload. Returns proceed=false when the
// turn should not reach the model.
func (c *Controller) preflight(parts []Part, opts SubmitOptions) ([]Part, bool) {
	// Non-text payloads (tool responses forwarded back) pass through unchanged.
	for _, p := range parts {
		if p.FunctionResponse != nil {
			return parts, true
		}
	}
	if opts.IsContinuation {
		return parts, true
	}

	query := strings.TrimSpace(joinPartsText(parts))
	if query == "" {
		return nil, false
	}

	ctx := context.Background()

	if c.commands != nil && strings.HasPrefix(query, "/") {
		outcome, handled, err := c.commands.Process(ctx, query)
		if err != nil {
			c.history.AddError(err.Error())
			return nil, false
		}
		if handled {
			switch outcome.Kind {
			case CommandOutcomeScheduleTool:
				req := ToolCallRequestInfo{
					CallID:          newClientCallID(),
					Name:            outcome.ToolName,
					Args:            outcome.ToolArgs,
					PromptID:        c.currentTurnID(),
					ClientInitiated: true,
				}
				if err := c.scheduler.Schedule(context.Background(), []ToolCallRequestInfo{req}); err != nil {
					c.history.AddError(err.Error())
				}
				return nil, false
			case CommandOutcomeSubmitPrompt:
				c.history.AddUser(query)
				return TextParts(outcome.Content), true
			default: // handled
				return nil, false
			}
		}
	}

	c.mu.Lock()
	shellActive := c.shellModeActive
	c.mu.Unlock()
	if shellActive && c.shell != nil && c.shell.IsShellCommand(query) {
		c.history.AddUserShell(query)
		if err := c.shell.Run(ctx, query); err != nil {
			c.history.AddError(err.Error())
		}
		return nil, false
	}

	c.history.AddUser(query)

	if c.atCommands != nil && strings.Contains(query, "@") {
		if enriched, ok, err := c.atCommands.Process(ctx, query); err != nil {
			c.history.AddError(err.Error())
			return nil, false
		} else if ok {
			return enriched, true
		}
	}

	return TextParts(query), true
}

func (c *Controller) currentTurnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn.turnID
}

// CancelOngoing aborts the in-flight turn. No-op outside the Responding
// phase; idempotent within it.
func (c *Controller) CancelOngoing() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if !c.responding || c.cancelled {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	cancel := c.cancelFn
	split := c.bufferSplit
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.history.FlushPending(split)
	c.history.AddInfo("Request cancelled.")
	c.mu.Lock()
	c.responding = false
	c.mu.Unlock()
}

func (c *Controller) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// consumeStream dispatches events until the sequence ends or a terminal
// control signal exits the loop. Tool-call requests accumulate into the
// returned batch for dispatch in drain.
func (c *Controller) consumeStream(ctx context.Context, cancel context.CancelFunc, ch <-chan StreamEvent, promptID string) (streamLoopStatus, []ToolCallRequestInfo) {
	var batch []ToolCallRequestInfo
	status := streamLoopCompleted

	for event := range ch {
		switch event.Type {
		case StreamEventThought:
			c.mu.Lock()
			c.thought = event.Thought
			c.mu.Unlock()

		case StreamEventContent:
			if c.isCancelled() {
				continue
			}
			c.mu.Lock()
			c.turn.retryAttempts = 0
			c.mu.Unlock()
			c.appendContent(event.Content)

		case StreamEventToolCallRequest:
			if c.isCancelled() || event.ToolCall == nil {
				continue
			}
			batch = append(batch, *event.ToolCall)

		case StreamEventUserCancelled:
			c.history.MarkPendingToolsCancelled()
			c.history.AddInfo("User cancelled the request.")
			c.history.DiscardPending()
			status = streamLoopCancelled

		case StreamEventError:
			msg := "Model stream error."
			if event.Err != nil {
				msg = event.Err.Message
			}
			c.history.AddError(msg)
			status = streamLoopError

		case StreamEventChatCompressed:
			before, after := 0, 0
			if event.Compression != nil {
				before = event.Compression.OriginalTokenCount
				after = event.Compression.NewTokenCount
			}
			c.history.Add(HistoryKindCompression,
				fmt.Sprintf("Chat history compressed from %s to %s tokens.", formatThousands(before), formatThousands(after)),
				map[string]any{"original_token_count": before, "new_token_count": after})

		case StreamEventToolCallConfirmation, StreamEventToolCallResponse:
			// Scheduler-owned; nothing to do here.

		case StreamEventMaxSessionTurns:
			c.handleLimitEvent(cancel, "turn-limit",
				"The session reached its configured maximum number of turns.",
				buildSessionTurnLimitPrompt(buildContextSnapshot(c.history)))
			return streamLoopError, nil

		case StreamEventSessionTokenLimitExceeded:
			current, limit := 0, 0
			if event.TokenLimit != nil {
				current = event.TokenLimit.CurrentTokens
				limit = event.TokenLimit.Limit
			}
			notice := fmt.Sprintf(
				"Session token limit exceeded (%s / %s). You can: start a new session, run /compress to shrink the history, or raise session_token_limit in settings.",
				formatThousands(current), formatThousands(limit))
			c.handleLimitEvent(cancel, "token-limit", notice,
				buildSessionTokenLimitPrompt(current, limit, buildContextSnapshot(c.history)))
			return streamLoopError, nil

		case StreamEventTurnBudgetExceeded:
			limit := 0
			if event.TurnBudget != nil {
				limit = event.TurnBudget.Limit
			}
			c.handleLimitEvent(cancel, "turn-budget",
				"The turn exceeded its output budget.",
				buildTurnBudgetPrompt(limit, buildContextSnapshot(c.history)))
			return streamLoopError, nil

		case StreamEventFinished:
			c.handleFinish(event.FinishReason)

		case StreamEventLoopDetected:
			// Deferred: handled in drain after the history flush.
			c.mu.Lock()
			c.turn.loopDetected = true
			c.mu.Unlock()

		case StreamEventRetry:
			if exit := c.handleRetry(cancel); exit {
				return streamLoopRetryLimitExceeded, nil
			}
		}
	}

	if err := ctx.Err(); err != nil && status == streamLoopCompleted {
		status = streamLoopCancelled
	}
	return status, batch
}

// appendContent grows the streaming buffer and splits it at the last safe
// markdown boundary once it gets large, so the renderer never re-lays-out the
// whole message.
func (c *Controller) appendContent(delta string) {
	c.history.AppendPendingAssistant(delta)
	text := c.history.PendingText()
	if utf8.RuneCountInString(text) < splitBufferThreshold {
		return
	}
	head, tail, ok := splitAtSafeBoundary(text)
	if !ok {
		return
	}
	c.mu.Lock()
	split := c.bufferSplit
	c.bufferSplit = true
	c.mu.Unlock()

	c.history.SetPendingAssistant(head)
	c.history.FlushPending(split)
	c.history.SetPendingAssistant(tail)
}

// handleRetry implements stream-stall recovery. Returns true when the loop
// must exit with RetryLimitExceeded.
func (c *Controller) handleRetry(cancel context.CancelFunc) bool {
	c.mu.Lock()
	c.turn.retryAttempts++
	attempts := c.turn.retryAttempts
	turnID := c.turn.turnID
	c.mu.Unlock()

	c.history.DiscardPending()
	c.history.AddInfo(fmt.Sprintf("Model response stalled. Retrying attempt %d/%d...", attempts, c.limits.StreamRetryLimit))

	if attempts < c.limits.StreamRetryLimit {
		return false
	}

	c.mu.Lock()
	exhausted := c.turn.autoRecoveryAttempts >= c.limits.AutoMaxAttempts
	if !exhausted {
		c.turn.autoRecoveryAttempts++
		c.turn.queuePending(pendingRecovery{
			PromptID:       turnID,
			QueryText:      buildStallRecoveryPrompt(buildContextSnapshot(c.history)),
			QueuedAtUnixMs: nowUnixMs(),
			IsContinuation: true,
		})
	}
	c.mu.Unlock()

	if exhausted {
		c.history.AddError("Streaming failed repeatedly and automatic recovery was already attempted. Please try again.")
	} else {
		c.history.AddInfo("Attempting self-recovery…")
	}
	cancel()
	return true
}

// handleLimitEvent implements the shared limit-recovery budget across the
// three limit-exceeded events.
func (c *Controller) handleLimitEvent(cancel context.CancelFunc, kind string, notice string, recoveryPrompt string) {
	c.history.AddError(notice)
	cancel()
	c.scheduler.Reset("limit exceeded")
	c.history.DiscardPending()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn.limitRecoveryAttempts >= c.limits.LimitMaxAttempts {
		c.history.AddError("Limit recovery was already attempted this turn; stopping.")
		return
	}
	c.turn.limitRecoveryAttempts++
	c.turn.queuePending(pendingRecovery{
		PromptID:       recoveryPromptID(c.turn.turnID, kind, c.turn.limitRecoveryAttempts),
		QueryText:      recoveryPrompt,
		QueuedAtUnixMs: nowUnixMs(),
		IsContinuation: true,
		SkipReset:      skipResetFlags{Loop: true, Provider: true, Limit: true, Finish: true},
	})
}

// handleFinish queues finish recovery for early-termination reasons. Benign
// reasons (STOP, ...) pass through silently.
func (c *Controller) handleFinish(reason FinishReason) {
	if !retryableFinishReasons[reason] {
		return
	}
	c.history.AddInfo(fmt.Sprintf("Response ended early: %s.", strings.ToLower(string(reason))))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn.pending != nil {
		return
	}
	if c.turn.finishRecoveryAttempts >= c.limits.FinishMaxAttempts {
		return
	}
	c.turn.finishRecoveryAttempts++
	c.turn.queuePending(pendingRecovery{
		PromptID:       recoveryPromptID(c.turn.turnID, "finish", c.turn.finishRecoveryAttempts),
		QueryText:      buildFinishRecoveryPrompt(reason, buildContextSnapshot(c.history)),
		QueuedAtUnixMs: nowUnixMs(),
		IsContinuation: true,
		SkipReset:      skipResetFlags{Loop: true, Provider: true, Limit: true, Finish: true},
	})
}

// drain finalizes the pending entry, runs deferred loop recovery, and
// dispatches the accumulated tool batch.
func (c *Controller) drain(cancel context.CancelFunc, status streamLoopStatus, batch []ToolCallRequestInfo) {
	c.mu.Lock()
	split := c.bufferSplit
	loopDetected := c.turn.loopDetected
	c.turn.loopDetected = false
	c.mu.Unlock()

	c.history.FlushPending(split)

	if loopDetected {
		c.handleLoopDetected(cancel)
		return
	}

	if status != streamLoopCompleted {
		return
	}
	if len(batch) == 0 || c.isCancelled() {
		return
	}

	// Tool execution outlives the turn's cancellation token on purpose;
	// recovery handlers reset the scheduler explicitly when needed.
	if err := c.scheduler.Schedule(context.Background(), batch); err != nil {
		c.history.AddError(err.Error())
	}
}

// handleLoopDetected runs loop recovery after the history flush.
func (c *Controller) handleLoopDetected(cancel context.CancelFunc) {
	cancel()
	c.scheduler.Reset("loop detected")
	c.history.DiscardPending()

	snapshot := buildContextSnapshot(c.history)
	c.history.AddInfo("A potential tool loop was detected.\n" + snapshot)

	c.mu.Lock()
	exhausted := c.turn.loopRecoveryAttempts >= c.limits.LoopMaxAttempts
	if !exhausted {
		c.turn.loopRecoveryAttempts++
		c.turn.queuePending(pendingRecovery{
			PromptID:       recoveryPromptID(c.turn.turnID, "loop", c.turn.loopRecoveryAttempts),
			QueryText:      buildLoopRecoveryPrompt(snapshot),
			QueuedAtUnixMs: nowUnixMs(),
			IsContinuation: true,
			SkipReset:      skipResetFlags{Loop: true},
		})
	}
	c.mu.Unlock()

	if exhausted {
		c.history.AddError("A tool loop was detected and automatic recovery was already attempted. Please rephrase the request.")
		return
	}
	c.history.AddInfo("Attempting automatic recovery…")
}

// handleSubmitError maps connection-level failures from the model client.
func (c *Controller) handleSubmitError(err error, promptID string) {
	var authErr *UnauthorizedError
	if errors.As(err, &authErr) {
		c.debug("turn.auth_error", "prompt_id", promptID)
		if c.onAuthError != nil {
			c.onAuthError(authErr)
		}
		return
	}

	var providerErr *ProviderRetryExhaustedError
	if errors.As(err, &providerErr) {
		c.handleProviderFailure(providerErr)
		return
	}

	if errors.Is(err, context.Canceled) {
		return
	}

	c.history.AddError(formatAPIError(err))
}

// handleProviderFailure implements provider recovery: surface the outage,
// reset the chat state, and queue one continuation if the budget allows.
func (c *Controller) handleProviderFailure(perr *ProviderRetryExhaustedError) {
	snapshot := buildContextSnapshot(c.history)
	codes := strings.Join(perr.ErrorCodes, ", ")
	if strings.TrimSpace(codes) == "" {
		codes = "unknown"
	}
	c.history.AddInfo(fmt.Sprintf(
		"The model provider failed %d times in a row (error codes: %s). Last error: %s\n%s",
		perr.Attempts, codes, collapseWhitespace(perr.LastError), snapshot))

	if err := c.client.ResetChat(); err != nil {
		c.history.AddError("Failed to reset the model session: " + err.Error())
		return
	}
	c.scheduler.Reset("provider failure")
	c.history.DiscardPending()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn.providerRecoveryAttempts >= c.limits.ProviderMaxAttempts {
		c.history.AddError("The model provider kept failing after recovery; giving up on this turn.")
		return
	}
	c.turn.providerRecoveryAttempts++
	c.turn.queuePending(pendingRecovery{
		PromptID:       recoveryPromptID(c.turn.turnID, "provider", c.turn.providerRecoveryAttempts),
		QueryText:      buildProviderRecoveryPrompt(perr.Attempts, perr.ErrorCodes, perr.LastError, snapshot),
		QueuedAtUnixMs: nowUnixMs(),
		IsContinuation: true,
		SkipReset:      skipResetFlags{Loop: true, Provider: true},
	})
}

// HandleCompletedTools is the scheduler's batch completion callback.
func (c *Controller) HandleCompletedTools(batch []TrackedToolCall) {
	if c == nil || len(batch) == 0 {
		return
	}

	display := make([]ToolCallDisplay, 0, len(batch))
	callIDs := make([]string, 0, len(batch))
	allCancelled := true
	firstPromptID := ""
	for _, tc := range batch {
		display = append(display, ToolCallDisplay{
			CallID: tc.Request.CallID,
			Name:   tc.Request.Name,
			Args:   tc.Request.Args,
			Status: tc.Status,
			Output: toolOutputText(tc.Response),
		})
		callIDs = append(callIDs, tc.Request.CallID)
		if tc.Status != ToolCallStatusCancelled {
			allCancelled = false
		}
		if firstPromptID == "" {
			firstPromptID = strings.TrimSpace(tc.Request.PromptID)
		}
	}
	c.history.AddToolGroup(display)

	for _, tc := range batch {
		if tc.Status == ToolCallStatusSuccess && strings.TrimSpace(tc.Request.Name) == "save_memory" {
			if c.memorySeen.Add(tc.Request.CallID) && c.onMemoryRefresh != nil {
				c.onMemoryRefresh()
			}
		}
	}

	// Only scheduler-produced calls flow back to the model.
	responses := make([]Part, 0, len(batch))
	for _, tc := range batch {
		if tc.Request.ClientInitiated || tc.Response == nil {
			continue
		}
		responses = append(responses, Part{FunctionResponse: tc.Response})
	}

	if allCancelled {
		// No new model request: the cancellation enters the client history as
		// a synthetic user-role message so the model sees the outcome later.
		if len(responses) > 0 {
			c.client.AddHistory(ClientMessage{Role: "user", Parts: responses})
		}
		c.scheduler.MarkSubmitted(callIDs)
		c.scheduler.Release(callIDs)
		return
	}

	c.mu.Lock()
	skipForward := c.modelSwitchedFromQuotaError
	c.mu.Unlock()
	if skipForward || len(responses) == 0 {
		c.scheduler.MarkSubmitted(callIDs)
		c.scheduler.Release(callIDs)
		return
	}

	c.scheduler.MarkSubmitted(callIDs)
	c.scheduler.Release(callIDs)
	c.SubmitQuery(responses, SubmitOptions{IsContinuation: true}, firstPromptID)
}

func toolOutputText(resp *FunctionResponse) string {
	if resp == nil {
		return ""
	}
	if out, ok := resp.Response["output"].(string); ok {
		return out
	}
	if msg, ok := resp.Response["error"].(string); ok {
		return msg
	}
	return ""
}

func newClientCallID() string {
	return "client_" + randomCallSuffix()
}
