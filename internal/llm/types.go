// Package llm is the single entrypoint for outbound LLM calls. It owns the
// model registry lookup, the per-provider request adapters, the streaming
// loop, the cancellation registry, and usage emission.
package llm

import (
	"context"
)

// Message is one turn in a conversation, provider-neutral. Adapters convert
// it to each provider's wire shape.
type Message struct {
	Role       string      `json:"role"` // system | user | assistant | tool
	Content    string      `json:"content,omitempty"`
	Images     []ImagePart `json:"images,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"` // set on tool-result messages
	Thinking   string      `json:"thinking,omitempty"`     // preserved reasoning for passback
}

// ImagePart is an inline image attachment.
type ImagePart struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage carries token counts from a completed call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// =============================================================================
// STREAM EVENTS
// =============================================================================

// EventKind tags a stream event.
type EventKind string

const (
	EventContentChunk   EventKind = "content_chunk"
	EventReasoningChunk EventKind = "reasoning_chunk"
	EventToolCall       EventKind = "tool_call"
	EventUsage          EventKind = "usage"
	EventDone           EventKind = "done"
	EventError          EventKind = "error"
)

// StreamEvent is one event emitted during a streaming call. Per-stream
// event order is preserved from the provider to the emitter.
type StreamEvent struct {
	Kind     EventKind `json:"kind"`
	Content  string    `json:"content,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Usage    *Usage    `json:"usage,omitempty"`
	Err      error     `json:"-"`
}

// Emitter receives stream events in order.
type Emitter interface {
	Emit(ev StreamEvent)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ev StreamEvent)

func (f EmitterFunc) Emit(ev StreamEvent) { f(ev) }

// =============================================================================
// REQUESTS AND RESULTS
// =============================================================================

// ChatRequest is a fully assembled call. The manager applies the adapter's
// reasoning and sampling transformations just before sending; it never
// decides the prompt.
type ChatRequest struct {
	ModelID   string           `json:"model_id"` // model profile id, "" = role "chat"
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`
	CancelKey string           `json:"cancel_key,omitempty"`
	Caller    string           `json:"caller,omitempty"` // for usage attribution
}

// ChatResult is the outcome of a non-streaming call.
type ChatResult struct {
	Content   string     `json:"content"`
	Thinking  string     `json:"thinking,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// UsageSink receives one record per call, successful or failed. The usage
// repository implements it; tests substitute a recorder.
type UsageSink interface {
	RecordLLMUsage(ctx context.Context, rec UsageEvent)
}

// UsageEvent is the manager's usage emission payload.
type UsageEvent struct {
	Model            string
	Provider         string
	Caller           string
	PromptTokens     int
	CompletionTokens int
	Success          bool
	DurationMs       int64
}
