// Package turn orchestrates one conversational turn end to end: mutual
// exclusion per session, context window loading, intent resolution, plan
// execution with streaming, persistence and optional speech synthesis.
//
// The engine is deliberately forgiving. Tool failures become part of the
// prompt so the model can explain them; a store outage degrades persistence
// but never denies service; a mid-stream model failure finalizes the turn
// with whatever text was produced.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/renfield-hub/renfield/internal/convstore"
	"github.com/renfield-hub/renfield/internal/intent"
	"github.com/renfield-hub/renfield/internal/notify"
	"github.com/renfield-hub/renfield/internal/toolhost"
	"github.com/renfield-hub/renfield/internal/toolhost/dispatch"
	"github.com/renfield-hub/renfield/pkg/provider/llm"
	"github.com/renfield-hub/renfield/pkg/provider/tts"
)

// ErrTurnCancelled is returned when the turn's context was cancelled before
// completion. The caller emits session_end instead of done.
var ErrTurnCancelled = errors.New("turn: cancelled")

// Engine timing and agent-loop defaults.
const (
	DefaultLLMTimeout   = 120 * time.Second
	DefaultAgentTimeout = 60 * time.Second
	DefaultTTSTimeout   = 30 * time.Second
	DefaultAgentSteps   = 12
)

const defaultSystemPrompt = "You are Renfield, a helpful voice assistant for a smart home. " +
	"Keep answers brief and natural; they may be spoken aloud."

// llmFailureText stands in for the response when the model cannot be
// reached at all.
const llmFailureText = "I'm having trouble reaching my language model right now. Please try again in a moment."

// streamInterruptedSuffix is appended when the model fails mid-stream.
const streamInterruptedSuffix = "\n\nSorry, I was cut off before I could finish."

// Channel identifies the transport a turn arrived on. It determines the
// context window size.
type Channel string

const (
	ChannelREST      Channel = "rest"
	ChannelBrowser   Channel = "browser"
	ChannelSatellite Channel = "satellite"
)

// windowSize returns how many prior messages the channel's context carries.
func (c Channel) windowSize() int {
	switch c {
	case ChannelREST:
		return 20
	case ChannelSatellite:
		return 5
	default:
		return 10
	}
}

// Resolver is the intent-resolution surface the engine needs.
// *intent.Resolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, req intent.Request) intent.Resolution
}

// ToolDispatcher executes a single tool call. *dispatch.Dispatcher
// implements it.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, toolName string, args map[string]any) dispatch.Result
}

// ToolSource supplies tool descriptors for the agent loop.
type ToolSource interface {
	Tools() []toolhost.ToolDescriptor
}

// Request describes one inbound turn.
type Request struct {
	SessionID string
	Text      string
	Channel   Channel
	DeviceID  string
	RoomID    string
	Subject   string

	// Voice marks a voice-origin turn; the response is synthesized when an
	// AudioOut sink is present.
	Voice    bool
	AudioOut AudioSink

	UseRAG          bool
	KnowledgeBaseID string
	AttachmentIDs   []string

	// NoWait rejects the turn with ErrSessionBusy instead of queueing behind
	// the session's current turn.
	NoWait bool
}

// Config tunes the engine. Zero values are replaced with defaults.
type Config struct {
	SystemPrompt string
	LLMTimeout   time.Duration
	AgentTimeout time.Duration
	AgentSteps   int
	TTSTimeout   time.Duration
	Voice        tts.VoiceProfile
}

func (c Config) withDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = DefaultLLMTimeout
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = DefaultAgentTimeout
	}
	if c.AgentSteps <= 0 {
		c.AgentSteps = DefaultAgentSteps
	}
	if c.TTSTimeout <= 0 {
		c.TTSTimeout = DefaultTTSTimeout
	}
	return c
}

// Engine runs turns. Safe for concurrent use across sessions; within one
// session the registry serializes turns.
type Engine struct {
	cfg        Config
	store      convstore.Store
	resolver   Resolver
	dispatcher ToolDispatcher
	chat       llm.Provider
	tools      ToolSource
	sessions   *SessionRegistry

	speech    tts.Provider
	notifier  *notify.Service
	ragChat   llm.Provider
	agentChat llm.Provider
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSpeech wires the TTS provider used for voice-origin turns.
func WithSpeech(p tts.Provider) EngineOption {
	return func(e *Engine) { e.speech = p }
}

// WithNotifier wires the notification service backing the reserved
// acknowledgement tool.
func WithNotifier(n *notify.Service) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithRAGChat wires a dedicated model for retrieval-augmented turns.
// Without it, retrieval turns use the main chat model.
func WithRAGChat(p llm.Provider) EngineOption {
	return func(e *Engine) { e.ragChat = p }
}

// WithAgentChat wires a dedicated backend for the agent loop. Without it,
// the loop uses the main chat model.
func WithAgentChat(p llm.Provider) EngineOption {
	return func(e *Engine) { e.agentChat = p }
}

// NewEngine creates an Engine.
func NewEngine(cfg Config, store convstore.Store, resolver Resolver, dispatcher ToolDispatcher, chat llm.Provider, tools ToolSource, sessions *SessionRegistry, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:        cfg.withDefaults(),
		store:      store,
		resolver:   resolver,
		dispatcher: dispatcher,
		chat:       chat,
		tools:      tools,
		sessions:   sessions,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// turnState tracks per-turn degradation so the store warning is emitted at
// most once.
type turnState struct {
	req        Request
	emit       Emitter
	persistent bool
	warned     bool
}

// Run executes one turn and returns the full assistant text. Events are
// delivered through emit in order. On cancellation the partial assistant
// message is persisted (tagged partial) and ErrTurnCancelled is returned;
// no done event is emitted.
func (e *Engine) Run(ctx context.Context, req Request, emit Emitter) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", fmt.Errorf("turn: empty message")
	}

	var release func()
	var err error
	if req.NoWait {
		release, err = e.sessions.TryAcquire(req.SessionID)
	} else {
		release, err = e.sessions.Acquire(ctx, req.SessionID)
	}
	if err != nil {
		return "", err
	}
	defer release()

	st := &turnState{req: req, emit: emit, persistent: true}

	window, err := e.store.Window(ctx, req.SessionID, req.Channel.windowSize())
	if err != nil {
		e.storeDegraded(ctx, st, err)
		window = nil
	}

	if st.persistent {
		meta := map[string]any{"device_id": req.DeviceID, "room_id": req.RoomID, "channel": string(req.Channel)}
		if _, err := e.store.Append(ctx, req.SessionID, convstore.RoleUser, req.Text, meta); err != nil {
			e.storeDegraded(ctx, st, err)
		}
	}

	res := e.resolver.Resolve(ctx, intent.Request{
		Text:            req.Text,
		Window:          window,
		DeviceID:        req.DeviceID,
		RoomID:          req.RoomID,
		Subject:         req.Subject,
		UseRAG:          req.UseRAG,
		KnowledgeBaseID: req.KnowledgeBaseID,
		AttachmentIDs:   req.AttachmentIDs,
	})

	if res.RAGUsed {
		ev := Event{Type: EventRAGContext, SessionID: req.SessionID, HasContext: len(res.Chunks) > 0}
		for _, c := range res.Chunks {
			if c.Source != "" {
				ev.Sources = append(ev.Sources, c.Source)
			}
		}
		if err := emit.Emit(ctx, ev); err != nil {
			return "", err
		}
	}

	text, err := e.executePlan(ctx, st, window, res)
	if err != nil {
		return "", err
	}

	if ctx.Err() != nil {
		e.persistAssistant(st, text, res, true)
		return "", ErrTurnCancelled
	}

	e.persistAssistant(st, text, res, false)

	if err := emit.Emit(ctx, Event{Type: EventResponseText, SessionID: req.SessionID, Text: text}); err != nil {
		return "", err
	}

	ttsHandled := false
	if req.Voice && req.AudioOut != nil && e.speech != nil {
		ttsHandled = e.speak(ctx, req.AudioOut, text)
	}

	if err := emit.Emit(ctx, Event{Type: EventDone, SessionID: req.SessionID, Intent: res.Intent, TTSHandled: ttsHandled}); err != nil {
		return "", err
	}
	return text, nil
}

// executePlan dispatches on the plan variant and returns the full assistant
// text. A nil plan (resolver degraded) is treated as conversation.
func (e *Engine) executePlan(ctx context.Context, st *turnState, window []convstore.Message, res intent.Resolution) (string, error) {
	switch plan := res.Plan.(type) {
	case intent.DirectActionPlan:
		return e.runDirectAction(ctx, st, window, res, plan)
	case intent.AgentPlan:
		return e.runAgent(ctx, st, window, res, plan)
	case intent.ConversationPlan:
		return e.runConversation(ctx, st, window, res, plan.Hint)
	default:
		return e.runConversation(ctx, st, window, res, "")
	}
}

// runConversation streams a plain completion over the context window.
func (e *Engine) runConversation(ctx context.Context, st *turnState, window []convstore.Message, res intent.Resolution, hint string) (string, error) {
	var extra []string
	if hint != "" {
		extra = append(extra, "The user's request may relate to: "+hint+". You cannot execute it directly; respond conversationally.")
	}
	creq := e.completionRequest(window, st.req.Text, res, extra...)
	return e.streamCompletion(ctx, st, e.generator(res), creq)
}

// runDirectAction executes the single planned tool call, reports it as an
// action event and lets the model phrase the outcome. A clarification plan
// skips execution and asks the question instead.
func (e *Engine) runDirectAction(ctx context.Context, st *turnState, window []convstore.Message, res intent.Resolution, plan intent.DirectActionPlan) (string, error) {
	if plan.NeedsClarification {
		if err := st.emit.Emit(ctx, Event{Type: EventStream, SessionID: st.req.SessionID, Content: plan.ClarifyQuestion}); err != nil {
			return "", err
		}
		return plan.ClarifyQuestion, nil
	}

	result := e.dispatch(ctx, plan.Call)
	if err := st.emit.Emit(ctx, Event{Type: EventAction, SessionID: st.req.SessionID, Intent: plan.Call.Name, Result: &result}); err != nil {
		return "", err
	}

	envelope, _ := json.Marshal(result)
	instruction := fmt.Sprintf(
		"You just executed the tool %q with arguments %s. The result envelope was: %s. "+
			"Report the outcome to the user in one or two natural sentences. "+
			"If the call failed, explain the problem plainly and suggest what to do next.",
		plan.Call.Name, mustJSON(plan.Call.Args), envelope)

	creq := e.completionRequest(window, st.req.Text, res, instruction)
	return e.streamCompletion(ctx, st, e.generator(res), creq)
}

// runAgent drives the bounded multi-step loop: the model may request tool
// calls, which execute strictly sequentially, until it produces a final
// answer or hits the step or wall-clock cap.
func (e *Engine) runAgent(ctx context.Context, st *turnState, window []convstore.Message, res intent.Resolution, plan intent.AgentPlan) (string, error) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.AgentTimeout)
	defer cancel()

	var extra []string
	extra = append(extra, "You may call the provided tools to fulfil the request. Call one tool at a time and finish with a short spoken-style answer.")
	if plan.Hint != "" {
		extra = append(extra, "A likely starting point: "+plan.Hint+".")
	}
	creq := e.completionRequest(window, st.req.Text, res, extra...)
	creq.Tools = e.toolDefinitions()

	chat := e.chat
	if e.agentChat != nil {
		chat = e.agentChat
	}

	final := ""
	for step := 0; step < e.cfg.AgentSteps; step++ {
		resp, err := chat.Complete(actx, creq)
		if err != nil {
			if ctx.Err() != nil {
				return final, nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				final = "I ran out of time working on that. Here's how far I got; ask again to continue."
			} else {
				slog.Warn("agent completion failed", "session", st.req.SessionID, "error", err)
				final = llmFailureText
			}
			break
		}

		if len(resp.ToolCalls) == 0 {
			final = resp.Content
			break
		}

		if resp.Content != "" {
			if err := st.emit.Emit(ctx, Event{Type: EventAgentThinking, SessionID: st.req.SessionID, Content: resp.Content}); err != nil {
				return "", err
			}
		}

		creq.Messages = append(creq.Messages, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, tc := range resp.ToolCalls {
			args := parseToolArgs(tc.Arguments)
			if err := st.emit.Emit(ctx, Event{Type: EventAgentToolCall, SessionID: st.req.SessionID, Tool: tc.Name, Args: args}); err != nil {
				return "", err
			}

			result := e.dispatch(actx, intent.ToolCall{Name: tc.Name, Args: args})
			if err := st.emit.Emit(ctx, Event{Type: EventAgentToolResult, SessionID: st.req.SessionID, Tool: tc.Name, Result: &result}); err != nil {
				return "", err
			}

			envelope, _ := json.Marshal(result)
			creq.Messages = append(creq.Messages, llm.Message{Role: "tool", ToolCallID: tc.ID, Content: string(envelope)})
		}
	}
	if final == "" {
		final = "I had to stop before finishing; that needed more steps than I'm allowed. Ask again to continue."
	}

	if err := st.emit.Emit(ctx, Event{Type: EventStream, SessionID: st.req.SessionID, Content: final}); err != nil {
		return "", err
	}
	return final, nil
}

// dispatch routes a tool call either to the notification service (for the
// reserved acknowledgement tool) or to the dispatcher.
func (e *Engine) dispatch(ctx context.Context, call intent.ToolCall) dispatch.Result {
	if call.Name == intent.NotificationAckTool {
		return e.ackNotification(ctx, call.Args)
	}
	return e.dispatcher.Dispatch(ctx, call.Name, call.Args)
}

// ackNotification applies an acknowledgement through the notification
// service, shaped as a dispatch envelope so prompt construction stays
// uniform.
func (e *Engine) ackNotification(ctx context.Context, args map[string]any) dispatch.Result {
	if e.notifier == nil {
		return dispatch.Result{OK: false, Error: &dispatch.Error{
			Kind:    dispatch.KindProviderUnavailable,
			Message: "notifications are not configured",
		}}
	}
	id, _ := args["notification_id"].(string)
	action, _ := args["action"].(string)
	if action == "" {
		action = notify.ActionAcknowledged
	}
	n, err := e.notifier.Ack(ctx, id, action)
	if err != nil {
		return dispatch.Result{OK: false, Error: &dispatch.Error{
			Kind:    dispatch.KindToolInternalError,
			Message: fmt.Sprintf("acknowledge notification: %v", err),
		}}
	}
	return dispatch.Result{OK: true, Value: map[string]any{"notification_id": n.ID, "status": string(n.Status)}}
}

// generator picks the chat backend for response generation. Retrieval
// turns may run on a dedicated model.
func (e *Engine) generator(res intent.Resolution) llm.Provider {
	if res.RAGUsed && e.ragChat != nil {
		return e.ragChat
	}
	return e.chat
}

// streamCompletion streams the model response, forwarding each chunk and
// accumulating the full text. A mid-stream model failure finalizes with the
// produced text plus a short suffix; a failure to start the stream yields a
// fixed apology.
func (e *Engine) streamCompletion(ctx context.Context, st *turnState, chat llm.Provider, creq llm.CompletionRequest) (string, error) {
	lctx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
	defer cancel()

	ch, err := chat.StreamCompletion(lctx, creq)
	if err != nil {
		slog.Warn("completion stream failed to start", "session", st.req.SessionID, "error", err)
		if err := st.emit.Emit(ctx, Event{Type: EventStream, SessionID: st.req.SessionID, Content: llmFailureText}); err != nil {
			return "", err
		}
		return llmFailureText, nil
	}

	var sb strings.Builder
	failed := false
	for chunk := range ch {
		if chunk.FinishReason == "error" {
			failed = true
			continue
		}
		if chunk.Text == "" {
			continue
		}
		sb.WriteString(chunk.Text)
		if err := st.emit.Emit(ctx, Event{Type: EventStream, SessionID: st.req.SessionID, Content: chunk.Text}); err != nil {
			return "", err
		}
	}

	text := sb.String()
	if ctx.Err() != nil {
		return text, nil
	}
	if failed {
		if text == "" {
			text = llmFailureText
		} else {
			text += streamInterruptedSuffix
		}
		if err := st.emit.Emit(ctx, Event{Type: EventStream, SessionID: st.req.SessionID, Content: streamInterruptedSuffix}); err != nil {
			return "", err
		}
	}
	return text, nil
}

// completionRequest assembles the prompt from the window, the user message,
// retrieved chunks and any extra system instructions.
func (e *Engine) completionRequest(window []convstore.Message, userText string, res intent.Resolution, extra ...string) llm.CompletionRequest {
	parts := []string{e.cfg.SystemPrompt}
	parts = append(parts, extra...)
	if len(res.Facts) > 0 {
		var sb strings.Builder
		sb.WriteString("Things the user has told you to remember:\n")
		for _, f := range res.Facts {
			sb.WriteString("- ")
			sb.WriteString(f.Content)
			sb.WriteString("\n")
		}
		parts = append(parts, sb.String())
	}
	if len(res.Chunks) > 0 {
		var sb strings.Builder
		sb.WriteString("Relevant retrieved context:\n")
		for _, c := range res.Chunks {
			sb.WriteString("- ")
			sb.WriteString(c.Content)
			if c.Source != "" {
				sb.WriteString(" (source: " + c.Source + ")")
			}
			sb.WriteString("\n")
		}
		parts = append(parts, sb.String())
	}

	msgs := make([]llm.Message, 0, len(window)+1)
	for _, m := range window {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: userText})

	return llm.CompletionRequest{
		SystemPrompt: strings.Join(parts, "\n\n"),
		Messages:     msgs,
		Temperature:  0.7,
	}
}

// toolDefinitions converts the current tool snapshot for the model.
func (e *Engine) toolDefinitions() []llm.ToolDefinition {
	snapshot := e.tools.Tools()
	defs := make([]llm.ToolDefinition, 0, len(snapshot))
	for _, d := range snapshot {
		defs = append(defs, llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.InputSchema,
		})
	}
	return defs
}

// persistAssistant records the assistant message with intent metadata.
// Persistence failures degrade the turn, they never fail it.
func (e *Engine) persistAssistant(st *turnState, text string, res intent.Resolution, partial bool) {
	if !st.persistent || text == "" {
		return
	}
	meta := map[string]any{
		"intent":     res.Intent,
		"source":     res.Source,
		"confidence": res.Confidence,
	}
	if partial {
		meta["partial"] = true
	}
	// The turn's context may already be cancelled; persistence gets its own
	// short deadline.
	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.store.Append(pctx, st.req.SessionID, convstore.RoleAssistant, text, meta); err != nil {
		slog.Warn("assistant message not persisted", "session", st.req.SessionID, "error", err)
	}
}

// storeDegraded marks the turn non-persistent and surfaces the condition to
// the device exactly once.
func (e *Engine) storeDegraded(ctx context.Context, st *turnState, err error) {
	st.persistent = false
	if st.warned {
		return
	}
	st.warned = true
	slog.Error("conversation store unavailable, continuing without persistence", "session", st.req.SessionID, "error", err)
	if err := st.emit.Emit(ctx, Event{Type: EventError, SessionID: st.req.SessionID, Message: "conversation not persisted"}); err != nil {
		slog.Warn("store warning not delivered", "session", st.req.SessionID, "error", err)
	}
}

// speak synthesizes text and forwards PCM frames to the routed sink.
// Reports whether synthesis completed.
func (e *Engine) speak(ctx context.Context, sink AudioSink, text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	tctx, cancel := context.WithTimeout(ctx, e.cfg.TTSTimeout)
	defer cancel()

	in := make(chan string, 1)
	in <- text
	close(in)

	audio, err := e.speech.SynthesizeStream(tctx, in, e.cfg.Voice)
	if err != nil {
		slog.Warn("tts synthesis failed to start", "error", err)
		return false
	}
	sent := false
	for chunk := range audio {
		if err := sink.SendAudio(ctx, chunk, false); err != nil {
			slog.Warn("tts audio delivery failed", "error", err)
			return false
		}
		sent = true
	}
	if tctx.Err() != nil {
		return false
	}
	if err := sink.SendAudio(ctx, nil, true); err != nil {
		return false
	}
	return sent
}

func parseToolArgs(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
