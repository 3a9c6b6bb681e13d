package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/renfield-hub/renfield/internal/toolhost"
	"github.com/renfield-hub/renfield/pkg/provider/embeddings"
	"github.com/renfield-hub/renfield/pkg/provider/llm"
)

// historyTail bounds how many window messages the classifier prompt carries.
const historyTail = 4

// verdict is the classifier's parsed decision.
type verdict struct {
	Intent     string         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Args       map[string]any `json:"args"`
	Hint       string         `json:"hint"`
}

// candidateIndex caches descriptor embeddings so ranking a stable tool
// snapshot costs one Embed per new descriptor, not per utterance.
type candidateIndex struct {
	embedder embeddings.Provider

	mu     sync.Mutex
	byName map[string][]float32
}

func newCandidateIndex(embedder embeddings.Provider) *candidateIndex {
	return &candidateIndex{embedder: embedder, byName: make(map[string][]float32)}
}

// rank orders the snapshot by descending cosine similarity to the utterance
// embedding and returns at most topK descriptors. With no embedding (or no
// embedder) the snapshot order is kept.
func (ci *candidateIndex) rank(ctx context.Context, utterance []float32, snapshot []toolhost.ToolDescriptor, topK int) []toolhost.ToolDescriptor {
	if len(snapshot) <= topK {
		topK = len(snapshot)
	}
	if len(utterance) == 0 || ci.embedder == nil {
		return snapshot[:topK]
	}

	type scored struct {
		d     toolhost.ToolDescriptor
		score float64
	}
	scoredAll := make([]scored, 0, len(snapshot))
	for _, d := range snapshot {
		vec, err := ci.embeddingFor(ctx, d)
		if err != nil {
			slog.Warn("descriptor embedding failed", "tool", d.Name, "error", err)
			scoredAll = append(scoredAll, scored{d: d, score: -1})
			continue
		}
		scoredAll = append(scoredAll, scored{d: d, score: cosineSimilarity(utterance, vec)})
	}
	sort.SliceStable(scoredAll, func(i, j int) bool { return scoredAll[i].score > scoredAll[j].score })

	out := make([]toolhost.ToolDescriptor, 0, topK)
	for _, s := range scoredAll[:topK] {
		out = append(out, s.d)
	}
	return out
}

func (ci *candidateIndex) embeddingFor(ctx context.Context, d toolhost.ToolDescriptor) ([]float32, error) {
	ci.mu.Lock()
	vec, ok := ci.byName[d.Name]
	ci.mu.Unlock()
	if ok {
		return vec, nil
	}

	vec, err := ci.embedder.Embed(ctx, d.Name+": "+d.Description)
	if err != nil {
		return nil, err
	}
	ci.mu.Lock()
	ci.byName[d.Name] = vec
	ci.mu.Unlock()
	return vec, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

const classifierSystemPrompt = `You are an intent classifier for a smart home voice assistant.
Given the user's utterance and a list of available tools, decide what to do.

Respond with a single JSON object and nothing else:
{"intent": "<tool name, or "conversation", or "agent">, "confidence": <0.0-1.0>, "args": {<tool arguments from the utterance>}, "hint": "<optional short note>"}

Rules:
- Use a tool name only when the utterance clearly requests that action.
- Use "conversation" for questions, chit-chat and anything no tool covers.
- Use "agent" when the request needs several steps or tools to complete.
- Only include argument values actually present in the utterance.`

// classify asks the intent model to pick among the candidate tools.
func (r *Resolver) classify(ctx context.Context, req Request, candidates []toolhost.ToolDescriptor) (verdict, error) {
	var sb strings.Builder
	sb.WriteString("Available tools:\n")
	for _, d := range candidates {
		fmt.Fprintf(&sb, "- %s: %s\n", d.Name, d.Description)
		if len(d.InputSchema) > 0 {
			if schema, err := json.Marshal(d.InputSchema); err == nil {
				fmt.Fprintf(&sb, "  schema: %s\n", schema)
			}
		}
	}
	if req.RoomID != "" {
		fmt.Fprintf(&sb, "\nThe user is in room %q.\n", req.RoomID)
	}
	if n := len(req.Window); n > 0 {
		sb.WriteString("\nRecent conversation:\n")
		start := n - historyTail
		if start < 0 {
			start = 0
		}
		for _, m := range req.Window[start:] {
			fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
		}
	}
	fmt.Fprintf(&sb, "\nUtterance: %s", req.Text)

	resp, err := r.classifier.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: classifierSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: sb.String()}},
		Temperature:  0.1,
		MaxTokens:    300,
	})
	if err != nil {
		return verdict{}, fmt.Errorf("intent: classify: %w", err)
	}
	return parseVerdict(resp.Content)
}

// parseVerdict decodes the model's JSON, tolerating surrounding prose and
// markdown code fences.
func parseVerdict(content string) (verdict, error) {
	raw := strings.TrimSpace(content)
	if i := strings.Index(raw, "{"); i >= 0 {
		if j := strings.LastIndex(raw, "}"); j > i {
			raw = raw[i : j+1]
		}
	}

	var v verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return verdict{}, fmt.Errorf("intent: parse verdict %q: %w", content, err)
	}
	if v.Intent == "" {
		return verdict{}, fmt.Errorf("intent: verdict missing intent: %q", content)
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	return v, nil
}
