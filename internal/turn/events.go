package turn

import (
	"context"

	"github.com/renfield-hub/renfield/internal/toolhost/dispatch"
)

// EventType names one server-to-device event emitted during a turn. The
// gateway maps these onto wire frames; ordering is preserved end to end.
type EventType string

const (
	EventRAGContext      EventType = "rag_context"
	EventAction          EventType = "action"
	EventStream          EventType = "stream"
	EventAgentThinking   EventType = "agent_thinking"
	EventAgentToolCall   EventType = "agent_tool_call"
	EventAgentToolResult EventType = "agent_tool_result"
	EventResponseText    EventType = "response_text"
	EventError           EventType = "error"
	EventDone            EventType = "done"
)

// Event is one turn-scoped emission. Which fields are meaningful depends on
// Type.
type Event struct {
	Type      EventType
	SessionID string

	// Content carries incremental stream text and agent thinking notes.
	Content string

	// Text is the complete assistant response (EventResponseText).
	Text string

	// Intent is the resolved tool or plan name (EventAction, EventDone).
	Intent string

	// Tool and Args describe an agent-loop tool invocation.
	Tool string
	Args map[string]any

	// Result is the dispatch envelope (EventAction, EventAgentToolResult).
	Result *dispatch.Result

	// HasContext and Sources describe RAG retrieval (EventRAGContext).
	HasContext bool
	Sources    []string

	// TTSHandled reports server-side synthesis (EventDone).
	TTSHandled bool

	// Message is the user-visible error text (EventError).
	Message string
}

// Emitter delivers turn events to the originating device, in order. A slow
// consumer makes Emit block, which back-pressures the turn.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, ev Event) error

// Emit implements Emitter.
func (f EmitterFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// AudioSink receives synthesized PCM audio for playback on the routed output
// device. The final call carries no audio and marks end of stream.
type AudioSink interface {
	SendAudio(ctx context.Context, pcm []byte, final bool) error
}
