package ai

import (
	"context"
	"fmt"
	"strings"
)

// StreamEventType is the normalized stream event kind produced by model-client adapters.
type StreamEventType string

const (
	StreamEventThought                   StreamEventType = "thought"
	StreamEventContent                   StreamEventType = "content"
	StreamEventToolCallRequest           StreamEventType = "tool_call_request"
	StreamEventToolCallConfirmation      StreamEventType = "tool_call_confirmation"
	StreamEventToolCallResponse          StreamEventType = "tool_call_response"
	StreamEventUserCancelled             StreamEventType = "user_cancelled"
	StreamEventError                     StreamEventType = "error"
	StreamEventChatCompressed            StreamEventType = "chat_compressed"
	StreamEventMaxSessionTurns           StreamEventType = "max_session_turns"
	StreamEventSessionTokenLimitExceeded StreamEventType = "session_token_limit_exceeded"
	StreamEventTurnBudgetExceeded        StreamEventType = "turn_budget_exceeded"
	StreamEventFinished                  StreamEventType = "finished"
	StreamEventLoopDetected              StreamEventType = "loop_detected"
	StreamEventRetry                     StreamEventType = "retry"
)

// FinishReason mirrors the provider-side finish reason vocabulary.
type FinishReason string

const (
	FinishReasonUnspecified        FinishReason = "FINISH_REASON_UNSPECIFIED"
	FinishReasonStop               FinishReason = "STOP"
	FinishReasonMaxTokens          FinishReason = "MAX_TOKENS"
	FinishReasonSafety             FinishReason = "SAFETY"
	FinishReasonRecitation         FinishReason = "RECITATION"
	FinishReasonLanguage           FinishReason = "LANGUAGE"
	FinishReasonBlocklist          FinishReason = "BLOCKLIST"
	FinishReasonProhibitedContent  FinishReason = "PROHIBITED_CONTENT"
	FinishReasonSPII               FinishReason = "SPII"
	FinishReasonOther              FinishReason = "OTHER"
	FinishReasonMalformedFuncCall  FinishReason = "MALFORMED_FUNCTION_CALL"
	FinishReasonImageSafety        FinishReason = "IMAGE_SAFETY"
	FinishReasonUnexpectedToolCall FinishReason = "UNEXPECTED_TOOL_CALL"
)

// retryableFinishReasons drive finish recovery; everything else (STOP, ...) is benign.
var retryableFinishReasons = map[FinishReason]bool{
	FinishReasonMaxTokens:         true,
	FinishReasonMalformedFuncCall: true,
	FinishReasonSafety:            true,
	FinishReasonProhibitedContent: true,
	FinishReasonRecitation:        true,
	FinishReasonBlocklist:         true,
	FinishReasonImageSafety:       true,
	FinishReasonOther:             true,
}

// ToolCallRequestInfo is a tool invocation the model asked for.
type ToolCallRequestInfo struct {
	CallID          string         `json:"call_id"`
	Name            string         `json:"name"`
	Args            map[string]any `json:"args,omitempty"`
	PromptID        string         `json:"prompt_id,omitempty"`
	ClientInitiated bool           `json:"client_initiated,omitempty"`
}

type StreamError struct {
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

type ChatCompressionInfo struct {
	OriginalTokenCount int `json:"original_token_count,omitempty"`
	NewTokenCount      int `json:"new_token_count,omitempty"`
}

type SessionTokenLimitInfo struct {
	CurrentTokens int    `json:"current_tokens"`
	Limit         int    `json:"limit"`
	Message       string `json:"message,omitempty"`
}

type TurnBudgetInfo struct {
	Limit int `json:"limit,omitempty"`
}

// StreamEvent is the typed union consumed by the turn controller. Exactly the
// payload field matching Type is populated.
type StreamEvent struct {
	Type         StreamEventType        `json:"type"`
	Thought      string                 `json:"thought,omitempty"`
	Content      string                 `json:"content,omitempty"`
	ToolCall     *ToolCallRequestInfo   `json:"tool_call,omitempty"`
	Err          *StreamError           `json:"error,omitempty"`
	Compression  *ChatCompressionInfo   `json:"compression,omitempty"`
	TokenLimit   *SessionTokenLimitInfo `json:"token_limit,omitempty"`
	TurnBudget   *TurnBudgetInfo        `json:"turn_budget,omitempty"`
	FinishReason FinishReason           `json:"finish_reason,omitempty"`
}

// Part is one model-addressable piece of a prompt payload. A payload is either
// plain text (the user query or a synthesized recovery prompt) or a batch of
// function responses forwarded back after tool execution.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
}

type FunctionResponse struct {
	CallID   string         `json:"call_id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

func TextParts(text string) []Part {
	return []Part{{Text: text}}
}

func joinPartsText(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		if strings.TrimSpace(p.Text) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// ClientMessage is one entry of the model client's own conversation buffer.
type ClientMessage struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// ModelClient is the endpoint adapter contract. SendMessageStream returns a
// channel that is closed when the turn's event sequence ends; terminal
// connection-level failures are returned synchronously as typed errors.
type ModelClient interface {
	SendMessageStream(ctx context.Context, parts []Part, promptID string) (<-chan StreamEvent, error)
	// AddHistory injects a message into the client conversation buffer without
	// issuing a request (used for all-cancelled tool batches).
	AddHistory(msg ClientMessage)
	History() []ClientMessage
	// ResetChat drops the client conversation buffer back to its system
	// preamble. Used by provider recovery before re-prompting.
	ResetChat() error
}

// UnauthorizedError signals an authentication failure from the endpoint.
// The controller never recovers from it automatically.
type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "unauthorized"
	}
	return msg
}

// ProviderRetryExhaustedError is produced by the model client after its own
// connect retries are spent. It drives provider recovery.
type ProviderRetryExhaustedError struct {
	Attempts   int
	ErrorCodes []string
	LastError  string
}

func (e *ProviderRetryExhaustedError) Error() string {
	return fmt.Sprintf("provider retries exhausted after %d attempts (%s): %s",
		e.Attempts, strings.Join(e.ErrorCodes, ", "), strings.TrimSpace(e.LastError))
}

// StreamingState is the observable controller phase.
type StreamingState string

const (
	StreamingStateIdle                   StreamingState = "idle"
	StreamingStateResponding             StreamingState = "responding"
	StreamingStateWaitingForConfirmation StreamingState = "waiting_for_confirmation"
)

// streamLoopStatus is the internal outcome of one stream-consumption pass.
type streamLoopStatus string

const (
	streamLoopCompleted          streamLoopStatus = "completed"
	streamLoopCancelled          streamLoopStatus = "cancelled"
	streamLoopError              streamLoopStatus = "error"
	streamLoopRetryLimitExceeded streamLoopStatus = "retry_limit_exceeded"
)

// SubmitOptions modulate counter resets on turn entry.
type SubmitOptions struct {
	IsContinuation    bool
	SkipLoopReset     bool
	SkipProviderReset bool
	SkipLimitReset    bool
	SkipFinishReset   bool
}

// CommandOutcome is what the external slash-command handler asks the
// controller to do with a routed query.
type CommandOutcomeKind string

const (
	CommandOutcomeScheduleTool CommandOutcomeKind = "schedule_tool"
	CommandOutcomeSubmitPrompt CommandOutcomeKind = "submit_prompt"
	CommandOutcomeHandled      CommandOutcomeKind = "handled"
)

type CommandOutcome struct {
	Kind     CommandOutcomeKind
	ToolName string
	ToolArgs map[string]any
	Content  string
}

// CommandProcessor routes slash commands. The second return is false when the
// query is not a slash command at all.
type CommandProcessor interface {
	Process(ctx context.Context, query string) (CommandOutcome, bool, error)
}

// AtCommandProcessor enriches @file queries with file contents. It returns the
// payload parts to send to the model, or ok=false when the query should be
// submitted unchanged.
type AtCommandProcessor interface {
	Process(ctx context.Context, query string) (parts []Part, ok bool, err error)
}

// ShellProcessor executes shell-mode queries outside the model turn.
type ShellProcessor interface {
	IsShellCommand(query string) bool
	Run(ctx context.Context, command string) error
}
