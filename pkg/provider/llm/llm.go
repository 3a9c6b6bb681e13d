// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI GPT-4,
// Anthropic Claude, or a local Ollama instance) and exposes a uniform interface
// for the turn engine to perform streaming and non-streaming completions
// without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// Message is a single entry in a conversation transcript sent to the model.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the textual body of the message.
	Content string

	// Name optionally identifies the author (e.g., a device or subject name).
	Name string

	// ToolCallID links a "tool"-role message to the assistant tool call that
	// produced it.
	ToolCallID string

	// ToolCalls lists tool invocations requested by an assistant message.
	ToolCalls []ToolCall
}

// ToolDefinition describes a callable tool offered to the model.
type ToolDefinition struct {
	// Name is the fully qualified tool name (e.g., "homeassistant__turn_on").
	Name string

	// Description is the human-readable summary shown to the model.
	Description string

	// Parameters is the JSON-schema input contract as a decoded object.
	Parameters map[string]any
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned call identifier, echoed back in the
	// corresponding tool-result message.
	ID string

	// Name is the tool being invoked.
	Name string

	// Arguments is the raw JSON-encoded argument object.
	Arguments string
}

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// Tools is the set of tool definitions offered to the model. The model may
	// choose to call one or more of them in its response.
	Tools []ToolDefinition

	// Temperature controls output randomness in the range [0.0, 2.0].
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// SystemPrompt is an optional high-priority instruction injected before the
	// conversation history.
	SystemPrompt string
}

// Chunk is a single token or fragment emitted by a streaming completion.
// A single chunk may carry text, a finish signal, tool calls, or any
// combination thereof.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty if the
	// chunk carries only ToolCalls or a FinishReason.
	Text string

	// FinishReason is set on the final chunk and indicates why generation
	// stopped: "stop", "length", "tool_calls", "error", or "" (non-final chunk).
	FinishReason string

	// ToolCalls contains any tool invocations the model is requesting,
	// accumulated by the implementation across stream fragments.
	ToolCalls []ToolCall
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the model
	// responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model.
	ToolCalls []ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// Each method should propagate context cancellation promptly: when ctx is
// cancelled the method must return (or close its channel) as quickly as
// possible.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or when ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that
	// occur after the channel is opened are surfaced as a Chunk with
	// FinishReason "error"; the initial error return is non-nil only for
	// failures that prevent the stream from starting.
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full response. It is a
	// convenience wrapper for callers that do not need incremental output.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
