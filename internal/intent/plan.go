// Package intent decides what to do with an utterance: answer
// conversationally, execute a single tool call, or run a bounded agent loop.
//
// Resolution combines several signals in a fixed order: a pending
// notification acknowledgement short-circuit, long-term memory capture,
// previously learned corrections retrieved by embedding distance, and an
// LLM-backed classifier over the top candidate tools. The outcome is one of
// three plan variants consumed by the turn engine.
package intent

import (
	"github.com/renfield-hub/renfield/internal/learn"
	"github.com/renfield-hub/renfield/pkg/rag"
)

// NotificationAckTool is the reserved tool name produced by the
// notification-ack shortcut. The turn engine routes it to the notification
// service instead of the tool dispatcher.
const NotificationAckTool = "hub__notification_ack"

// ToolCall names one tool invocation with its bound arguments.
type ToolCall struct {
	Name string
	Args map[string]any
}

// Plan is the resolver's decision, a closed set of three variants:
// [ConversationPlan], [DirectActionPlan] and [AgentPlan].
type Plan interface {
	isPlan()
}

// ConversationPlan invokes the LLM with the context window and a
// conversational system prompt. No tools are called.
type ConversationPlan struct {
	// Hint optionally nudges the generation prompt, e.g. when a low-confidence
	// tool candidate existed but was not executed.
	Hint string
}

// DirectActionPlan executes a single tool call, then generates a response
// that references the tool's result.
type DirectActionPlan struct {
	Call ToolCall

	// NeedsClarification is set when required arguments could not be bound
	// from the utterance or room/subject context. The turn engine asks the
	// clarifying question instead of executing the call.
	NeedsClarification bool

	// ClarifyQuestion is the question to ask when NeedsClarification is set.
	ClarifyQuestion string
}

// AgentPlan runs the bounded multi-step reasoning loop in which the LLM may
// emit successive tool calls.
type AgentPlan struct {
	// Hint optionally seeds the loop with the classifier's best guess.
	Hint string
}

func (ConversationPlan) isPlan() {}
func (DirectActionPlan) isPlan() {}
func (AgentPlan) isPlan()        {}

// Resolution is the full resolver output.
type Resolution struct {
	Plan Plan

	// Confidence is the classifier's (or correction's) confidence in [0, 1].
	Confidence float64

	// Source names the signal that produced the plan: "ack", "correction",
	// "classifier" or "fallback".
	Source string

	// Intent is the matched tool name, or "conversation"/"agent".
	Intent string

	// RAGUsed reports whether retrieval was attempted; Chunks holds whatever
	// it returned. An unavailable RAG service leaves RAGUsed true with no
	// chunks.
	RAGUsed bool
	Chunks  []rag.Chunk

	// MemoryCaptured is set when a long-term fact was extracted and saved.
	MemoryCaptured bool

	// Facts are the subject's stored long-term facts, newest first, for the
	// generation prompt.
	Facts []learn.Fact
}
