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

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient is the alternate provider adapter behind the same
// ModelClient contract. It is selected at startup when the configured
// provider type is "anthropic"; a running controller keeps the client it was
// built with.
type AnthropicClient struct {
	log          *slog.Logger
	client       anthropic.Client
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

type AnthropicClientOptions struct {
	Log          *slog.Logger
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	Limits       ClientLimits
}

func NewAnthropicClient(opts AnthropicClientOptions) (*AnthropicClient, error) {
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
	reqOpts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(opts.APIKey))}
	if baseURL := strings.TrimSpace(opts.BaseURL); baseURL != "" {
		reqOpts = append(reqOpts, aoption.WithBaseURL(baseURL))
	}
	return &AnthropicClient{
		log:          opts.Log,
		client:       anthropic.NewClient(reqOpts...),
		model:        model,
		systemPrompt: strings.TrimSpace(opts.SystemPrompt),
		limits:       opts.Limits,
		sleepFn:      time.Sleep,
		loop:         newLoopDetector(),
	}, nil
}

func (c *AnthropicClient) AddHistory(msg ClientMessage) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.history = append(c.history, msg)
	c.mu.Unlock()
}

func (c *AnthropicClient) History() []ClientMessage {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ClientMessage, len(c.history))
	copy(out, c.history)
	return out
}

func (c *AnthropicClient) ResetChat() error {
	if c == nil {
		return errors.New("nil client")
	}
	c.mu.Lock()
	c.history = nil
	c.mu.Unlock()
	c.loop.Forget()
	return nil
}

func (c *AnthropicClient) SendMessageStream(ctx context.Context, parts []Part, promptID string) (<-chan StreamEvent, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	out := make(chan StreamEvent, 16)

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
	params := c.buildParamsLocked()
	c.mu.Unlock()

	go c.pump(ctx, params, promptID, out)
	return out, nil
}

func (c *AnthropicClient) buildParamsLocked() anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: clientDefaultMaxOutputTokens,
	}
	if c.limits.TurnBudgetTokens > 0 && c.limits.TurnBudgetTokens < clientDefaultMaxOutputTokens {
		params.MaxTokens = int64(c.limits.TurnBudgetTokens)
	}
	if c.systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: c.systemPrompt}}
	}
	messages := make([]anthropic.MessageParam, 0, len(c.history))
	for _, msg := range c.history {
		text := clientMessageText(msg)
		if strings.TrimSpace(text) == "" {
			continue
		}
		block := anthropic.NewTextBlock(text)
		if strings.TrimSpace(msg.Role) == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	if len(messages) == 0 {
		messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	params.Messages = messages
	return params
}

func (c *AnthropicClient) pump(ctx context.Context, params anthropic.MessageNewParams, promptID string, out chan<- StreamEvent) {
	defer close(out)

	stream := c.client.Messages.NewStreaming(ctx, params)
	msg := anthropic.Message{}
	var textBuf strings.Builder
	var toolCalls []ToolCallRequestInfo
	loopFired := false

	type partialCall struct {
		ID      string
		Name    string
		ArgsRaw strings.Builder
		Ended   bool
	}
	partials := map[int64]*partialCall{} // content_block index -> partial

	endPartial := func(pc *partialCall, raw string) {
		if pc == nil || pc.Ended {
			return
		}
		pc.Ended = true
		args := map[string]any{}
		if raw = strings.TrimSpace(raw); raw != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		call := ToolCallRequestInfo{
			CallID:   strings.TrimSpace(pc.ID),
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

	for stream.Next() {
		if err := ctx.Err(); err != nil {
			out <- StreamEvent{Type: StreamEventUserCancelled}
			return
		}
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			out <- StreamEvent{Type: StreamEventError, Err: &StreamError{Message: collapseWhitespace(err.Error())}}
			return
		}
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if strings.TrimSpace(variant.ContentBlock.Type) != "tool_use" {
				continue
			}
			callID := strings.TrimSpace(variant.ContentBlock.ID)
			if callID == "" {
				callID = fmt.Sprintf("anthropic_call_%d", len(partials)+1)
			}
			partials[variant.Index] = &partialCall{ID: callID, Name: strings.TrimSpace(variant.ContentBlock.Name)}

		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				textBuf.WriteString(delta.Text)
				out <- StreamEvent{Type: StreamEventContent, Content: delta.Text}
			case anthropic.InputJSONDelta:
				if pc := partials[variant.Index]; pc != nil && delta.PartialJSON != "" {
					pc.ArgsRaw.WriteString(delta.PartialJSON)
				}
			case anthropic.ThinkingDelta:
				if strings.TrimSpace(delta.Thinking) != "" {
					out <- StreamEvent{Type: StreamEventThought, Thought: delta.Thinking}
				}
			}

		case anthropic.ContentBlockStopEvent:
			pc := partials[variant.Index]
			if pc == nil || pc.Ended {
				continue
			}
			raw := strings.TrimSpace(pc.ArgsRaw.String())
			if raw == "" {
				idx := int(variant.Index)
				if idx >= 0 && idx < len(msg.Content) {
					if tu, ok := msg.Content[idx].AsAny().(anthropic.ToolUseBlock); ok && len(tu.Input) > 0 {
						raw = strings.TrimSpace(string(tu.Input))
					}
				}
			}
			endPartial(pc, raw)
		}
	}
	if err := stream.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			out <- StreamEvent{Type: StreamEventUserCancelled}
			return
		}
		if isAnthropicUnauthorized(err) {
			out <- StreamEvent{Type: StreamEventError, Err: &StreamError{Message: collapseWhitespace(err.Error()), Status: http.StatusUnauthorized}}
			return
		}
		out <- StreamEvent{Type: StreamEventError, Err: &StreamError{Message: collapseWhitespace(err.Error())}}
		return
	}

	c.mu.Lock()
	c.sessionTokens += msg.Usage.InputTokens + msg.Usage.OutputTokens
	sessionTokens := c.sessionTokens
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

	if c.limits.SessionTokenLimit > 0 && sessionTokens > int64(c.limits.SessionTokenLimit) {
		out <- StreamEvent{Type: StreamEventSessionTokenLimitExceeded, TokenLimit: &SessionTokenLimitInfo{
			CurrentTokens: int(sessionTokens),
			Limit:         c.limits.SessionTokenLimit,
			Message:       fmt.Sprintf("Session token limit exceeded: %d / %d.", sessionTokens, c.limits.SessionTokenLimit),
		}}
		return
	}

	out <- StreamEvent{Type: StreamEventFinished, FinishReason: mapAnthropicStopReason(msg.StopReason)}
}

func mapAnthropicStopReason(reason anthropic.StopReason) FinishReason {
	switch strings.TrimSpace(strings.ToLower(string(reason))) {
	case "end_turn", "stop_sequence", "tool_use":
		return FinishReasonStop
	case "max_tokens":
		return FinishReasonMaxTokens
	case "refusal":
		return FinishReasonSafety
	default:
		return FinishReasonUnspecified
	}
}

func isAnthropicUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized")
}
