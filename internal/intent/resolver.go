package intent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/renfield-hub/renfield/internal/convstore"
	"github.com/renfield-hub/renfield/internal/learn"
	"github.com/renfield-hub/renfield/internal/notify"
	"github.com/renfield-hub/renfield/internal/toolhost"
	"github.com/renfield-hub/renfield/pkg/provider/embeddings"
	"github.com/renfield-hub/renfield/pkg/provider/llm"
	"github.com/renfield-hub/renfield/pkg/rag"
)

// ToolSource supplies the current tool snapshot. *toolhost.Registry
// implements it.
type ToolSource interface {
	Tools() []toolhost.ToolDescriptor
}

// Config holds resolver tuning knobs. Zero values are replaced with
// defaults by NewResolver.
type Config struct {
	// AgentEnabled allows AgentPlan outcomes.
	AgentEnabled bool

	// MemoryEnabled allows long-term fact capture.
	MemoryEnabled bool

	// HighThreshold is the classifier confidence at or above which a single
	// tool match becomes a DirectActionPlan. Default 0.75.
	HighThreshold float64

	// LowThreshold is the confidence below which the resolver falls back to
	// conversation. Default 0.4.
	LowThreshold float64

	// TopK bounds how many candidate descriptors the classifier sees,
	// ordered by embedding similarity. Default 8.
	TopK int

	// CorrectionMaxDistance is the cosine distance at or under which a
	// learned correction is trusted directly. Default 0.25.
	CorrectionMaxDistance float64

	// RAGTopK bounds retrieval. Default 5.
	RAGTopK int
}

func (c Config) withDefaults() Config {
	if c.HighThreshold <= 0 {
		c.HighThreshold = 0.75
	}
	if c.LowThreshold <= 0 {
		c.LowThreshold = 0.4
	}
	if c.TopK <= 0 {
		c.TopK = 8
	}
	if c.CorrectionMaxDistance <= 0 {
		c.CorrectionMaxDistance = 0.25
	}
	if c.RAGTopK <= 0 {
		c.RAGTopK = 5
	}
	return c
}

// recentFactsLimit bounds how many stored facts ride along on a resolution.
const recentFactsLimit = 5

// Request carries one utterance plus its turn context into Resolve.
type Request struct {
	Text     string
	Window   []convstore.Message
	DeviceID string
	RoomID   string
	Subject  string

	UseRAG          bool
	KnowledgeBaseID string
	AttachmentIDs   []string
}

// Resolver maps utterances to plans. Safe for concurrent use.
type Resolver struct {
	cfg        Config
	classifier llm.Provider
	embedder   embeddings.Provider
	learner    learn.Store
	notifier   *notify.Service
	tools      ToolSource
	retriever  rag.Retriever

	candidates *candidateIndex
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLearner wires the correction and fact store. Without it, correction
// retrieval and memory capture are skipped.
func WithLearner(s learn.Store) Option {
	return func(r *Resolver) { r.learner = s }
}

// WithNotifier wires the notification service for the ack shortcut.
func WithNotifier(n *notify.Service) Option {
	return func(r *Resolver) { r.notifier = n }
}

// WithRetriever wires the RAG collaborator.
func WithRetriever(ret rag.Retriever) Option {
	return func(r *Resolver) { r.retriever = ret }
}

// NewResolver creates a Resolver. classifier is the intent-model LLM;
// embedder ranks tool candidates and retrieves corrections.
func NewResolver(cfg Config, classifier llm.Provider, embedder embeddings.Provider, tools ToolSource, opts ...Option) *Resolver {
	r := &Resolver{
		cfg:        cfg.withDefaults(),
		classifier: classifier,
		embedder:   embedder,
		tools:      tools,
		candidates: newCandidateIndex(embedder),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve runs the resolution procedure and returns the chosen plan. It
// never fails: every error path degrades to a ConversationPlan so the turn
// can still answer.
func (r *Resolver) Resolve(ctx context.Context, req Request) Resolution {
	res := Resolution{}

	// Pending-notification acknowledgement short-circuits everything else.
	if plan, ok := r.resolveAck(ctx, req); ok {
		res.Plan = plan
		res.Confidence = 1
		res.Source = "ack"
		res.Intent = NotificationAckTool
		return res
	}

	// Memory capture is a side effect; resolution continues regardless.
	if fact, ok := extractMemoryFact(req.Text); ok && r.cfg.MemoryEnabled && r.learner != nil {
		if err := r.learner.SaveFact(ctx, req.Subject, fact); err != nil {
			slog.Warn("memory capture failed", "subject", req.Subject, "error", err)
		} else {
			res.MemoryCaptured = true
		}
	}

	// Stored facts ride along so the generation prompt can use them.
	if r.cfg.MemoryEnabled && r.learner != nil && req.Subject != "" {
		facts, err := r.learner.RecentFacts(ctx, req.Subject, recentFactsLimit)
		if err != nil {
			slog.Warn("fact lookup failed", "subject", req.Subject, "error", err)
		} else {
			res.Facts = facts
		}
	}

	if req.UseRAG {
		res.RAGUsed = true
		res.Chunks = r.retrieve(ctx, req)
	}

	snapshot := r.tools.Tools()

	var embedding []float32
	if r.embedder != nil {
		var err error
		embedding, err = r.embedder.Embed(ctx, req.Text)
		if err != nil {
			slog.Warn("utterance embedding failed", "error", err)
			embedding = nil
		}
	}

	// A strongly matching learned correction bypasses the classifier.
	if c, ok := r.resolveCorrection(ctx, req, embedding, snapshot); ok {
		plan, _ := r.bindArguments(c.ToolName, c.Args, req, snapshot)
		res.Plan = plan
		res.Confidence = 1
		res.Source = "correction"
		res.Intent = c.ToolName
		return res
	}

	if len(snapshot) == 0 {
		res.Plan = ConversationPlan{}
		res.Source = "fallback"
		res.Intent = "conversation"
		return res
	}

	candidates := r.candidates.rank(ctx, embedding, snapshot, r.cfg.TopK)
	verdict, err := r.classify(ctx, req, candidates)
	if err != nil {
		slog.Warn("intent classification failed", "error", err)
		res.Plan = ConversationPlan{}
		res.Source = "fallback"
		res.Intent = "conversation"
		return res
	}

	res.Confidence = verdict.Confidence
	res.Source = "classifier"
	res.Intent = verdict.Intent

	switch {
	case verdict.Intent == "conversation" || verdict.Confidence < r.cfg.LowThreshold:
		res.Plan = ConversationPlan{}
		res.Intent = "conversation"

	case verdict.Intent == "agent":
		if r.cfg.AgentEnabled {
			res.Plan = AgentPlan{Hint: verdict.Hint}
		} else {
			res.Plan = ConversationPlan{Hint: verdict.Hint}
			res.Intent = "conversation"
		}

	case verdict.Confidence >= r.cfg.HighThreshold:
		plan, ok := r.bindArguments(verdict.Intent, verdict.Args, req, snapshot)
		if !ok {
			// The classifier named a tool that is no longer visible.
			res.Plan = ConversationPlan{Hint: verdict.Intent}
			res.Intent = "conversation"
			break
		}
		res.Plan = plan

	default:
		// Middling confidence: let the agent loop investigate, or hint the
		// conversation when agents are disabled.
		if r.cfg.AgentEnabled {
			res.Plan = AgentPlan{Hint: verdict.Intent}
			res.Intent = "agent"
		} else {
			res.Plan = ConversationPlan{Hint: verdict.Intent}
			res.Intent = "conversation"
		}
	}
	return res
}

// resolveAck produces the notification-ack plan when the utterance matches
// an ack shape and a pending notification is addressed to the subject.
func (r *Resolver) resolveAck(ctx context.Context, req Request) (Plan, bool) {
	if r.notifier == nil {
		return nil, false
	}
	action, ok := matchAckShape(req.Text)
	if !ok {
		return nil, false
	}
	pending, err := r.notifier.PendingFor(ctx, req.Subject, 1)
	if err != nil || len(pending) == 0 {
		return nil, false
	}
	return DirectActionPlan{Call: ToolCall{
		Name: NotificationAckTool,
		Args: map[string]any{
			"notification_id": pending[0].ID,
			"action":          action,
		},
	}}, true
}

// resolveCorrection looks up learned corrections near the utterance
// embedding. A match is trusted when it is close in embedding space, its
// pattern resembles the utterance, and its tool is still visible.
func (r *Resolver) resolveCorrection(ctx context.Context, req Request, embedding []float32, snapshot []toolhost.ToolDescriptor) (learn.Correction, bool) {
	if r.learner == nil || len(embedding) == 0 {
		return learn.Correction{}, false
	}
	matches, err := r.learner.NearestCorrections(ctx, embedding, 3)
	if err != nil {
		slog.Warn("correction lookup failed", "error", err)
		return learn.Correction{}, false
	}
	for _, m := range matches {
		if m.Distance > r.cfg.CorrectionMaxDistance {
			continue
		}
		if !patternMatches(m.Correction.Pattern, req.Text) {
			continue
		}
		if !toolVisible(snapshot, m.Correction.ToolName) {
			continue
		}
		return m.Correction, true
	}
	return learn.Correction{}, false
}

// retrieve fetches RAG chunks; failures degrade to no context.
func (r *Resolver) retrieve(ctx context.Context, req Request) []rag.Chunk {
	if r.retriever == nil {
		return nil
	}
	chunks, err := r.retriever.Retrieve(ctx, req.Text, req.KnowledgeBaseID, r.cfg.RAGTopK)
	if err != nil {
		slog.Warn("rag retrieval skipped", "error", err)
		return nil
	}
	return chunks
}

// matchAckShape reports whether text is a bare acknowledgement or dismissal
// of a pending notification, and which action it implies.
func matchAckShape(text string) (string, bool) {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.Map(func(r rune) rune {
		switch r {
		case '.', '!', ',', '?':
			return -1
		}
		return r
	}, t)
	t = strings.Join(strings.Fields(t), " ")

	dismiss := []string{"dismiss", "dismiss that", "dismiss it", "ignore that", "ignore it", "never mind", "nevermind"}
	for _, p := range dismiss {
		if t == p {
			return notify.ActionDismissed, true
		}
	}
	ack := []string{"ok", "okay", "got it", "ok got it", "okay got it", "thanks", "thank you", "ok thanks", "okay thanks", "acknowledge", "acknowledged", "understood", "will do"}
	for _, p := range ack {
		if t == p {
			return notify.ActionAcknowledged, true
		}
	}
	return "", false
}

// extractMemoryFact pulls a long-term fact from declarations like
// "remember that I work from home on Fridays".
func extractMemoryFact(text string) (string, bool) {
	t := strings.TrimSpace(text)
	lower := strings.ToLower(t)
	for _, prefix := range []string{"remember that ", "please remember that ", "remember: ", "remember "} {
		if strings.HasPrefix(lower, prefix) {
			fact := strings.TrimSpace(t[len(prefix):])
			if fact != "" {
				return fact, true
			}
		}
	}
	return "", false
}

func toolVisible(snapshot []toolhost.ToolDescriptor, name string) bool {
	for _, d := range snapshot {
		if d.Name == name {
			return true
		}
	}
	return false
}
