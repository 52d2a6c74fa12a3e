package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

const (
	clientDefaultMaxOutputTokens = 4096
	clientConnectAttempts        = 3
	// compactPressureThreshold is the estimated-context fraction past which
	// the client folds older history into a summary message.
	compactPressureThreshold = 0.70
	clientDefaultContextLimit = 128000
)

// ClientLimits are the session-level ceilings the client enforces by emitting
// limit events: the turn and token ceilings are checked before a request is
// issued, and the token total and turn budget again once a response completes.
type ClientLimits struct {
	MaxSessionTurns   int
	SessionTokenLimit int
	TurnBudgetTokens  int
}

// OpenAIClient adapts an OpenAI-compatible Responses endpoint to the
// controller's stream-event union. It owns the per-client conversation buffer
// and the session turn/token accounting.
type OpenAIClient struct {
	log          *slog.Logger
	client       openai.Client
	model        string
	systemPrompt string
	limits       ClientLimits
	sleepFn      func(time.Duration)

	mu            sync.Mutex
	history       []ClientMessage
	sessionTurns  int
	sessionTokens int64
	loop          *loopDetector
}

type OpenAIClientOptions struct {
	Log          *slog.Logger
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	Limits       ClientLimits
	HTTPClient   *http.Client
}

func NewOpenAIClient(opts OpenAIClientOptions) (*OpenAIClient, error) {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		return nil, errors.New("missing model")
	}
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("missing api key")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	reqOpts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(opts.APIKey))}
	if baseURL := strings.TrimSpace(opts.BaseURL); baseURL != "" {
		reqOpts = append(reqOpts, ooption.WithBaseURL(baseURL))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, ooption.WithHTTPClient(opts.HTTPClient))
	}
	return &OpenAIClient{
		log:          opts.Log,
		client:       openai.NewClient(reqOpts...),
		model:        model,
		systemPrompt: strings.TrimSpace(opts.SystemPrompt),
		limits:       opts.Limits,
		sleepFn:      time.Sleep,
		loop:         newLoopDetector(),
	}, nil
}

func (c *OpenAIClient) AddHistory(msg ClientMessage) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.history = append(c.history, msg)
	c.mu.Unlock()
}

func (c *OpenAIClient) History() []ClientMessage {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ClientMessage, len(c.history))
	copy(out, c.history)
	return out
}

// ResetChat drops the conversation buffer back to the system preamble and
// clears the loop-detector window.
func (c *OpenAIClient) ResetChat() error {
	if c == nil {
		return errors.New("nil client")
	}
	c.mu.Lock()
	c.history = nil
	c.mu.Unlock()
	c.loop.Forget()
	return nil
}

// SendMessageStream issues one model turn. Connection-level failures surface
// synchronously as typed errors; everything after the first event arrives on
// the returned channel, which is closed when the turn's sequence ends.
func (c *OpenAIClient) SendMessageStream(ctx context.Context, parts []Part, promptID string) (<-chan StreamEvent, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	out := make(chan StreamEvent, 16)

	// Session ceilings are checked before any request is issued. The limit
	// event still flows through the channel so the controller handles it on
	// its normal dispatch path.
	c.mu.Lock()
	if c.limits.MaxSessionTurns > 0 && c.sessionTurns >= c.limits.MaxSessionTurns {
		c.mu.Unlock()
		go func() {
			out <- StreamEvent{Type: StreamEventMaxSessionTurns}
			close(out)
		}()
		return out, nil
	}
	if c.limits.SessionTokenLimit > 0 && c.sessionTokens >= int64(c.limits.SessionTokenLimit) {
		current := int(c.sessionTokens)
		limit := c.limits.SessionTokenLimit
		c.mu.Unlock()
		go func() {
			out <- StreamEvent{Type: StreamEventSessionTokenLimitExceeded, TokenLimit: &SessionTokenLimitInfo{
				CurrentTokens: current,
				Limit:         limit,
				Message:       fmt.Sprintf("Session token limit exceeded: %d / %d.", current, limit),
			}}
			close(out)
		}()
		return out, nil
	}
	c.sessionTurns++
	c.history = append(c.history, ClientMessage{Role: roleForParts(parts), Parts: parts})
	c.maybeCompactLocked(out)
	params := c.buildParamsLocked()
	c.mu.Unlock()

	stream, err := c.connectWithRetry(ctx, params)
	if err != nil {
		close(out)
		return nil, err
	}

	go c.pump(ctx, stream, params, promptID, out)
	return out, nil
}

func roleForParts(parts []Part) string {
	for _, p := range parts {
		if p.FunctionResponse != nil {
			return "tool"
		}
	}
	return "user"
}

// connectWithRetry issues the streaming request, mapping auth failures and
// exhausted retries to the controller's typed errors.
func (c *OpenAIClient) connectWithRetry(ctx context.Context, params oresponses.ResponseNewParams) (*connectedStream, error) {
	var lastErr error
	codes := make([]string, 0, clientConnectAttempts)
	for attempt := 1; attempt <= clientConnectAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stream := c.client.Responses.NewStreaming(ctx, params)
		if stream.Next() {
			return &connectedStream{stream: stream, first: stream.Current(), hasFirst: true}, nil
		}
		err := stream.Err()
		if err == nil {
			// Empty sequence: treat as a completed turn with no events.
			return &connectedStream{stream: stream}, nil
		}
		if isUnauthorizedErr(err) {
			return nil, &UnauthorizedError{Message: err.Error()}
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		lastErr = err
		codes = append(codes, classifyProviderErrorCode(err))
		c.log.Debug("model connect attempt failed", "attempt", attempt, "error", err)
		if attempt < clientConnectAttempts {
			c.sleepFn(backoffDuration(attempt))
		}
	}
	return nil, &ProviderRetryExhaustedError{
		Attempts:   clientConnectAttempts,
		ErrorCodes: codes,
		LastError:  errorString(lastErr),
	}
}

type connectedStream struct {
	stream   *ssestream.Stream[oresponses.ResponseStreamEventUnion]
	first    oresponses.ResponseStreamEventUnion
	hasFirst bool
}

// pump translates provider stream events into the controller union until the
// provider sequence ends, a terminal control signal fires, or the context is
// cancelled.
func (c *OpenAIClient) pump(ctx context.Context, cs *connectedStream, params oresponses.ResponseNewParams, promptID string, out chan<- StreamEvent) {
	defer close(out)

	var textBuf strings.Builder
	var completed oresponses.Response
	gotCompleted := false
	var toolCalls []ToolCallRequestInfo
	loopFired := false

	type partialCall struct {
		CallID  string
		Name    string
		ArgsRaw strings.Builder
		Ended   bool
	}
	partials := map[string]*partialCall{}

	getPartial := func(itemID string) *partialCall {
		itemID = strings.TrimSpace(itemID)
		if itemID == "" {
			return nil
		}
		if pc := partials[itemID]; pc != nil {
			return pc
		}
		pc := &partialCall{CallID: itemID}
		partials[itemID] = pc
		return pc
	}

	endPartial := func(pc *partialCall) {
		if pc == nil || pc.Ended {
			return
		}
		pc.Ended = true
		raw := strings.TrimSpace(pc.ArgsRaw.String())
		args := map[string]any{}
		if raw != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		call := ToolCallRequestInfo{
			CallID:   strings.TrimSpace(pc.CallID),
			Name:     strings.TrimSpace(pc.Name),
			Args:     args,
			PromptID: promptID,
		}
		toolCalls = append(toolCalls, call)
		out <- StreamEvent{Type: StreamEventToolCallRequest, ToolCall: &call}
		if !loopFired && c.loop.Observe(call.Name, call.Args) {
			loopFired = true
			out <- StreamEvent{Type: StreamEventLoopDetected}
		}
	}

	handle := func(event oresponses.ResponseStreamEventUnion) {
		switch strings.TrimSpace(event.Type) {
		case "response.output_text.delta":
			delta := event.Delta.OfString
			if delta == "" {
				return
			}
			textBuf.WriteString(delta)
			out <- StreamEvent{Type: StreamEventContent, Content: delta}

		case "response.reasoning_summary_text.delta":
			if delta := event.Delta.OfString; delta != "" {
				out <- StreamEvent{Type: StreamEventThought, Thought: delta}
			}

		case "response.output_item.added":
			item := event.Item
			if strings.TrimSpace(item.Type) != "function_call" {
				return
			}
			pc := getPartial(item.ID)
			if pc == nil {
				return
			}
			if cid := strings.TrimSpace(item.CallID); cid != "" {
				pc.CallID = cid
			}
			if name := strings.TrimSpace(item.Name); name != "" {
				pc.Name = name
			}
			if raw := strings.TrimSpace(item.Arguments); raw != "" {
				pc.ArgsRaw.WriteString(raw)
			}

		case "response.function_call_arguments.delta":
			pc := getPartial(event.ItemID)
			if pc == nil {
				return
			}
			if delta := event.Delta.OfString; delta != "" {
				pc.ArgsRaw.WriteString(delta)
			}

		case "response.function_call_arguments.done":
			pc := getPartial(event.ItemID)
			if pc == nil {
				return
			}
			if raw := strings.TrimSpace(event.Arguments); raw != "" {
				pc.ArgsRaw.Reset()
				pc.ArgsRaw.WriteString(raw)
			}
			endPartial(pc)

		case "response.output_item.done":
			item := event.Item
			if strings.TrimSpace(item.Type) != "function_call" {
				return
			}
			pc := getPartial(item.ID)
			if pc == nil {
				return
			}
			if cid := strings.TrimSpace(item.CallID); cid != "" {
				pc.CallID = cid
			}
			if name := strings.TrimSpace(item.Name); name != "" {
				pc.Name = name
			}
			if raw := strings.TrimSpace(item.Arguments); raw != "" && strings.TrimSpace(pc.ArgsRaw.String()) == "" {
				pc.ArgsRaw.WriteString(raw)
			}
			endPartial(pc)

		case "response.completed":
			completed = event.Response
			gotCompleted = true
		}
	}

	if cs.hasFirst {
		handle(cs.first)
	}

	stalls := 0
	stream := cs.stream
	for {
		if err := ctx.Err(); err != nil {
			out <- StreamEvent{Type: StreamEventUserCancelled}
			return
		}
		if !stream.Next() {
			err := stream.Err()
			if err == nil {
				break
			}
			if errors.Is(err, context.Canceled) {
				out <- StreamEvent{Type: StreamEventUserCancelled}
				return
			}
			if isUnauthorizedErr(err) || !isTransientStreamErr(err) {
				out <- StreamEvent{Type: StreamEventError, Err: &StreamError{Message: formatAPIError(err)}}
				return
			}
			// Mid-stream stall: surface a Retry, drop the partial turn, and
			// reconnect. The controller owns the attempt budget.
			stalls++
			out <- StreamEvent{Type: StreamEventRetry}
			textBuf.Reset()
			toolCalls = nil
			partials = map[string]*partialCall{}
			c.sleepFn(backoffDuration(stalls))
			retryStream := c.client.Responses.NewStreaming(ctx, params)
			stream = retryStream
			continue
		}
		handle(stream.Current())
	}

	finish := FinishReasonStop
	if gotCompleted {
		c.mu.Lock()
		c.sessionTokens += completed.Usage.InputTokens + completed.Usage.OutputTokens
		sessionTokens := c.sessionTokens
		c.mu.Unlock()

		finish = mapOpenAIFinishReason(completed)
		if c.limits.TurnBudgetTokens > 0 && int(completed.Usage.OutputTokens) > c.limits.TurnBudgetTokens {
			out <- StreamEvent{Type: StreamEventTurnBudgetExceeded, TurnBudget: &TurnBudgetInfo{Limit: c.limits.TurnBudgetTokens}}
			return
		}
		if c.limits.SessionTokenLimit > 0 && sessionTokens > int64(c.limits.SessionTokenLimit) {
			out <- StreamEvent{Type: StreamEventSessionTokenLimitExceeded, TokenLimit: &SessionTokenLimitInfo{
				CurrentTokens: int(sessionTokens),
				Limit:         c.limits.SessionTokenLimit,
				Message:       fmt.Sprintf("Session token limit exceeded: %d / %d.", sessionTokens, c.limits.SessionTokenLimit),
			}}
			return
		}
	}

	// Record the assistant turn in the client buffer before signaling finish.
	c.mu.Lock()
	assistantParts := make([]Part, 0, 1+len(toolCalls))
	if text := textBuf.String(); strings.TrimSpace(text) != "" {
		assistantParts = append(assistantParts, Part{Text: text})
	}
	for _, call := range toolCalls {
		argsJSON, _ := json.Marshal(call.Args)
		assistantParts = append(assistantParts, Part{Text: fmt.Sprintf("[tool_call %s %s]", call.Name, string(argsJSON))})
	}
	if len(assistantParts) > 0 {
		c.history = append(c.history, ClientMessage{Role: "assistant", Parts: assistantParts})
	}
	c.mu.Unlock()

	out <- StreamEvent{Type: StreamEventFinished, FinishReason: finish}
}

// buildParamsLocked converts the conversation buffer into Responses input
// items. Caller holds c.mu.
func (c *OpenAIClient) buildParamsLocked() oresponses.ResponseNewParams {
	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(c.model),
		MaxOutputTokens:   openai.Int(clientDefaultMaxOutputTokens),
		ParallelToolCalls: openai.Bool(false),
	}
	if c.limits.TurnBudgetTokens > 0 && c.limits.TurnBudgetTokens < clientDefaultMaxOutputTokens {
		params.MaxOutputTokens = openai.Int(int64(c.limits.TurnBudgetTokens))
	}
	if c.systemPrompt != "" {
		params.Instructions = openai.String(c.systemPrompt)
	}

	items := make(oresponses.ResponseInputParam, 0, len(c.history))
	for _, msg := range c.history {
		role := oresponses.EasyInputMessageRoleUser
		if strings.TrimSpace(msg.Role) == "assistant" {
			role = oresponses.EasyInputMessageRoleAssistant
		}
		text := clientMessageText(msg)
		if strings.TrimSpace(text) == "" {
			continue
		}
		items = append(items, oresponses.ResponseInputItemParamOfMessage(text, role))
	}
	if len(items) == 0 {
		items = append(items, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: items}
	return params
}

func clientMessageText(msg ClientMessage) string {
	var b strings.Builder
	for _, p := range msg.Parts {
		if p.FunctionResponse != nil {
			payload, _ := json.Marshal(p.FunctionResponse.Response)
			fmt.Fprintf(&b, "[tool_result %s %s]\n", p.FunctionResponse.Name, string(payload))
			continue
		}
		if strings.TrimSpace(p.Text) != "" {
			b.WriteString(p.Text)
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}

// maybeCompactLocked folds the oldest half of the buffer into a summary
// message when estimated context pressure crosses the threshold, pushing a
// ChatCompressed event. Caller holds c.mu.
func (c *OpenAIClient) maybeCompactLocked(out chan<- StreamEvent) {
	before := 0
	for _, msg := range c.history {
		before += estimateTokens(clientMessageText(msg))
	}
	if float64(before) < compactPressureThreshold*float64(clientDefaultContextLimit) {
		return
	}
	if len(c.history) < 4 {
		return
	}

	keep := len(c.history) / 2
	folded := c.history[:len(c.history)-keep]
	kept := append([]ClientMessage(nil), c.history[len(c.history)-keep:]...)

	var summary strings.Builder
	summary.WriteString("Summary of earlier conversation:\n")
	for _, msg := range folded {
		text := collapseWhitespace(clientMessageText(msg))
		if text == "" {
			continue
		}
		rs := []rune(text)
		if len(rs) > 160 {
			text = string(rs[:160]) + "…"
		}
		fmt.Fprintf(&summary, "- %s: %s\n", msg.Role, text)
	}
	c.history = append([]ClientMessage{{Role: "user", Parts: TextParts(summary.String())}}, kept...)

	after := 0
	for _, msg := range c.history {
		after += estimateTokens(clientMessageText(msg))
	}
	select {
	case out <- StreamEvent{Type: StreamEventChatCompressed, Compression: &ChatCompressionInfo{OriginalTokenCount: before, NewTokenCount: after}}:
	default:
	}
}

// estimateTokens is the coarse chars/4 heuristic used for pressure checks.
func estimateTokens(text string) int {
	return len(text) / 4
}

func mapOpenAIFinishReason(resp oresponses.Response) FinishReason {
	switch strings.TrimSpace(strings.ToLower(string(resp.Status))) {
	case "completed":
		return FinishReasonStop
	case "incomplete":
		// Responses reports truncation as incomplete; max output tokens is
		// the cause that matters to the turn controller.
		return FinishReasonMaxTokens
	case "failed", "cancelled":
		return FinishReasonOther
	default:
		return FinishReasonUnspecified
	}
}

func isUnauthorizedErr(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key")
}

func isTransientStreamErr(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "unexpected eof") ||
		strings.Contains(msg, "stream stalled")
}

func classifyProviderErrorCode(err error) string {
	if err == nil {
		return "unknown"
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("http_%d", apiErr.StatusCode)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "connection"):
		return "connection"
	default:
		return "unknown"
	}
}

// formatAPIError renders a provider error for the scrollback.
func formatAPIError(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("Model endpoint error (HTTP %d): %s", apiErr.StatusCode, collapseWhitespace(apiErr.Message))
	}
	return collapseWhitespace(err.Error())
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}

func backoffDuration(attempt int) time.Duration {
	switch attempt {
	case 1:
		return 2 * time.Second
	case 2:
		return 4 * time.Second
	default:
		return 8 * time.Second
	}
}
