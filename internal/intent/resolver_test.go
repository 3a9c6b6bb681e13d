package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/renfield-hub/renfield/internal/learn"
	"github.com/renfield-hub/renfield/internal/notify"
	"github.com/renfield-hub/renfield/internal/toolhost"
	embmock "github.com/renfield-hub/renfield/pkg/provider/embeddings/mock"
	llmmock "github.com/renfield-hub/renfield/pkg/provider/llm/mock"
	"github.com/renfield-hub/renfield/pkg/rag"
)

type staticTools []toolhost.ToolDescriptor

func (s staticTools) Tools() []toolhost.ToolDescriptor { return s }

type fakeRetriever struct {
	chunks []rag.Chunk
	err    error
}

func (f *fakeRetriever) Retrieve(context.Context, string, string, int) ([]rag.Chunk, error) {
	return f.chunks, f.err
}

func lightTool() toolhost.ToolDescriptor {
	return toolhost.ToolDescriptor{
		Name:        "homeassistant__light_turn_on",
		Description: "Turn on a light in a room",
		Provider:    "homeassistant",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"room": map[string]any{"type": "string"},
				"brightness": map[string]any{
					"type": "number",
				},
			},
			"required": []any{"room"},
		},
	}
}

func musicTool() toolhost.ToolDescriptor {
	return toolhost.ToolDescriptor{
		Name:        "music__play",
		Description: "Play music by genre",
		Provider:    "music",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"genre": map[string]any{
					"type": "string",
					"enum": []any{"jazz", "classical", "rock"},
				},
			},
			"required": []any{"genre"},
		},
	}
}

func TestResolveAckShortcut(t *testing.T) {
	ctx := context.Background()
	svc := notify.NewService(notify.NewMemory())
	n, err := svc.Create(ctx, notify.Notification{Subject: "alex", Message: "laundry is done"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	r := NewResolver(Config{}, llmmock.New(), embmock.New(8), staticTools{lightTool()},
		WithNotifier(svc))

	tests := []struct {
		text   string
		action string
	}{
		{"ok, got it!", notify.ActionAcknowledged},
		{"Dismiss that", notify.ActionDismissed},
	}
	for _, tt := range tests {
		res := r.Resolve(ctx, Request{Text: tt.text, Subject: "alex"})
		if res.Source != "ack" {
			t.Fatalf("%q: Source = %q, want ack", tt.text, res.Source)
		}
		plan, ok := res.Plan.(DirectActionPlan)
		if !ok {
			t.Fatalf("%q: Plan is %T, want DirectActionPlan", tt.text, res.Plan)
		}
		if plan.Call.Name != NotificationAckTool {
			t.Errorf("%q: tool = %q, want %q", tt.text, plan.Call.Name, NotificationAckTool)
		}
		if plan.Call.Args["notification_id"] != n.ID {
			t.Errorf("%q: notification_id = %v, want %q", tt.text, plan.Call.Args["notification_id"], n.ID)
		}
		if plan.Call.Args["action"] != tt.action {
			t.Errorf("%q: action = %v, want %q", tt.text, plan.Call.Args["action"], tt.action)
		}
	}
}

func TestResolveAckRequiresPendingNotification(t *testing.T) {
	// "ok" with nothing pending must not become an ack; it falls through to
	// the classifier.
	classifier := llmmock.New(llmmock.Response{Content: `{"intent": "conversation", "confidence": 0.9}`})
	svc := notify.NewService(notify.NewMemory())
	r := NewResolver(Config{}, classifier, embmock.New(8), staticTools{lightTool()},
		WithNotifier(svc))

	res := r.Resolve(context.Background(), Request{Text: "ok", Subject: "alex"})
	if res.Source == "ack" {
		t.Fatalf("resolved as ack with no pending notification")
	}
	if _, ok := res.Plan.(ConversationPlan); !ok {
		t.Errorf("Plan is %T, want ConversationPlan", res.Plan)
	}
}

func TestResolveMemoryCapture(t *testing.T) {
	ctx := context.Background()
	store := learn.NewMemory()
	classifier := llmmock.New(llmmock.Response{Content: `{"intent": "conversation", "confidence": 0.9}`})
	r := NewResolver(Config{MemoryEnabled: true}, classifier, embmock.New(8), staticTools{lightTool()},
		WithLearner(store))

	res := r.Resolve(ctx, Request{Text: "Remember that I work from home on Fridays", Subject: "alex"})
	if !res.MemoryCaptured {
		t.Fatal("MemoryCaptured = false, want true")
	}

	facts, err := store.RecentFacts(ctx, "alex", 5)
	if err != nil {
		t.Fatalf("RecentFacts: %v", err)
	}
	if len(facts) != 1 || facts[0].Content != "I work from home on Fridays" {
		t.Errorf("facts = %+v, want the captured declaration", facts)
	}

	// Capture is a side effect; the utterance still resolves.
	if _, ok := res.Plan.(ConversationPlan); !ok {
		t.Errorf("Plan is %T, want ConversationPlan", res.Plan)
	}
}

func TestResolveMemoryDisabled(t *testing.T) {
	store := learn.NewMemory()
	r := NewResolver(Config{}, llmmock.New(), embmock.New(8), staticTools{}, WithLearner(store))

	res := r.Resolve(context.Background(), Request{Text: "remember that I like jazz", Subject: "alex"})
	if res.MemoryCaptured {
		t.Error("MemoryCaptured = true with memory disabled")
	}
	if len(res.Facts) != 0 {
		t.Errorf("Facts = %+v with memory disabled", res.Facts)
	}
}

func TestResolveCarriesStoredFacts(t *testing.T) {
	ctx := context.Background()
	store := learn.NewMemory()
	for _, fact := range []string{"I work from home on Fridays", "the dog's name is Biscuit"} {
		if err := store.SaveFact(ctx, "alex", fact); err != nil {
			t.Fatalf("SaveFact: %v", err)
		}
	}
	if err := store.SaveFact(ctx, "morgan", "I dislike jazz"); err != nil {
		t.Fatalf("SaveFact: %v", err)
	}

	classifier := llmmock.New(llmmock.Response{Content: `{"intent": "conversation", "confidence": 0.9}`})
	r := NewResolver(Config{MemoryEnabled: true}, classifier, embmock.New(8), staticTools{lightTool()},
		WithLearner(store))

	res := r.Resolve(ctx, Request{Text: "what is my schedule like", Subject: "alex"})
	if len(res.Facts) != 2 {
		t.Fatalf("Facts = %+v, want the subject's two facts", res.Facts)
	}
	if res.Facts[0].Content != "the dog's name is Biscuit" {
		t.Errorf("Facts[0] = %+v, want newest first", res.Facts[0])
	}
	for _, f := range res.Facts {
		if f.Subject != "alex" {
			t.Errorf("fact for subject %q carried into another subject's turn", f.Subject)
		}
	}
}

func TestResolveCorrectionMatch(t *testing.T) {
	ctx := context.Background()
	emb := embmock.New(8)
	store := learn.NewMemory()

	utterance := "turn on the reading light"
	vec, err := emb.Embed(ctx, utterance)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	err = store.SaveCorrection(ctx, learn.Correction{
		Pattern:  utterance,
		ToolName: "homeassistant__light_turn_on",
		Args:     map[string]any{"room": "study"},
	}, vec)
	if err != nil {
		t.Fatalf("SaveCorrection: %v", err)
	}

	classifier := llmmock.New() // must not be consulted
	r := NewResolver(Config{}, classifier, emb, staticTools{lightTool()}, WithLearner(store))

	res := r.Resolve(ctx, Request{Text: utterance, Subject: "alex"})
	if res.Source != "correction" {
		t.Fatalf("Source = %q, want correction", res.Source)
	}
	plan, ok := res.Plan.(DirectActionPlan)
	if !ok {
		t.Fatalf("Plan is %T, want DirectActionPlan", res.Plan)
	}
	if plan.Call.Name != "homeassistant__light_turn_on" || plan.Call.Args["room"] != "study" {
		t.Errorf("Call = %+v, want corrected tool and args", plan.Call)
	}
	if len(classifier.Requests) != 0 {
		t.Errorf("classifier was consulted %d times, want 0", len(classifier.Requests))
	}
}

func TestResolveCorrectionIgnoredForHiddenTool(t *testing.T) {
	ctx := context.Background()
	emb := embmock.New(8)
	store := learn.NewMemory()

	utterance := "turn on the reading light"
	vec, _ := emb.Embed(ctx, utterance)
	if err := store.SaveCorrection(ctx, learn.Correction{
		Pattern:  utterance,
		ToolName: "gone__tool",
	}, vec); err != nil {
		t.Fatalf("SaveCorrection: %v", err)
	}

	classifier := llmmock.New(llmmock.Response{Content: `{"intent": "conversation", "confidence": 0.9}`})
	r := NewResolver(Config{}, classifier, emb, staticTools{lightTool()}, WithLearner(store))

	res := r.Resolve(ctx, Request{Text: utterance})
	if res.Source == "correction" {
		t.Fatal("correction for a hidden tool was trusted")
	}
}

func TestResolveHighConfidenceDirectAction(t *testing.T) {
	classifier := llmmock.New(llmmock.Response{
		Content: `{"intent": "homeassistant__light_turn_on", "confidence": 0.92, "args": {"room": "kitchen"}}`,
	})
	r := NewResolver(Config{}, classifier, embmock.New(8), staticTools{lightTool()})

	res := r.Resolve(context.Background(), Request{Text: "turn on the kitchen light"})
	if res.Source != "classifier" || res.Intent != "homeassistant__light_turn_on" {
		t.Fatalf("Source = %q, Intent = %q", res.Source, res.Intent)
	}
	plan, ok := res.Plan.(DirectActionPlan)
	if !ok {
		t.Fatalf("Plan is %T, want DirectActionPlan", res.Plan)
	}
	if plan.NeedsClarification {
		t.Error("NeedsClarification set with all required args bound")
	}
	if plan.Call.Args["room"] != "kitchen" {
		t.Errorf("room = %v, want kitchen", plan.Call.Args["room"])
	}
}

func TestResolveFillsRoomFromContext(t *testing.T) {
	classifier := llmmock.New(llmmock.Response{
		Content: `{"intent": "homeassistant__light_turn_on", "confidence": 0.9, "args": {}}`,
	})
	r := NewResolver(Config{}, classifier, embmock.New(8), staticTools{lightTool()})

	res := r.Resolve(context.Background(), Request{Text: "turn on the light", RoomID: "bedroom"})
	plan, ok := res.Plan.(DirectActionPlan)
	if !ok {
		t.Fatalf("Plan is %T, want DirectActionPlan", res.Plan)
	}
	if plan.NeedsClarification {
		t.Fatalf("NeedsClarification set, room should come from context: %+v", plan)
	}
	if plan.Call.Args["room"] != "bedroom" {
		t.Errorf("room = %v, want bedroom", plan.Call.Args["room"])
	}
}

func TestResolveMissingArgumentAsksClarification(t *testing.T) {
	classifier := llmmock.New(llmmock.Response{
		Content: `{"intent": "music__play", "confidence": 0.95, "args": {}}`,
	})
	r := NewResolver(Config{}, classifier, embmock.New(8), staticTools{musicTool()})

	res := r.Resolve(context.Background(), Request{Text: "play some music", RoomID: "bedroom"})
	plan, ok := res.Plan.(DirectActionPlan)
	if !ok {
		t.Fatalf("Plan is %T, want DirectActionPlan", res.Plan)
	}
	if !plan.NeedsClarification {
		t.Fatal("NeedsClarification = false, genre cannot be inferred")
	}
	if plan.ClarifyQuestion == "" {
		t.Error("ClarifyQuestion is empty")
	}
}

func TestResolveSnapsEnumValue(t *testing.T) {
	classifier := llmmock.New(llmmock.Response{
		Content: `{"intent": "music__play", "confidence": 0.95, "args": {"genre": "jaz"}}`,
	})
	r := NewResolver(Config{}, classifier, embmock.New(8), staticTools{musicTool()})

	res := r.Resolve(context.Background(), Request{Text: "play some jazz"})
	plan, ok := res.Plan.(DirectActionPlan)
	if !ok {
		t.Fatalf("Plan is %T, want DirectActionPlan", res.Plan)
	}
	if plan.Call.Args["genre"] != "jazz" {
		t.Errorf("genre = %v, want snapped value jazz", plan.Call.Args["genre"])
	}
}

func TestResolveLowConfidenceConversation(t *testing.T) {
	classifier := llmmock.New(llmmock.Response{
		Content: `{"intent": "homeassistant__light_turn_on", "confidence": 0.2}`,
	})
	r := NewResolver(Config{AgentEnabled: true}, classifier, embmock.New(8), staticTools{lightTool()})

	res := r.Resolve(context.Background(), Request{Text: "what do you think about lights"})
	if _, ok := res.Plan.(ConversationPlan); !ok {
		t.Fatalf("Plan is %T, want ConversationPlan", res.Plan)
	}
	if res.Intent != "conversation" {
		t.Errorf("Intent = %q, want conversation", res.Intent)
	}
}

func TestResolveMiddlingConfidence(t *testing.T) {
	response := `{"intent": "homeassistant__light_turn_on", "confidence": 0.6}`

	t.Run("agent enabled", func(t *testing.T) {
		r := NewResolver(Config{AgentEnabled: true},
			llmmock.New(llmmock.Response{Content: response}), embmock.New(8), staticTools{lightTool()})
		res := r.Resolve(context.Background(), Request{Text: "do something with the light"})
		if _, ok := res.Plan.(AgentPlan); !ok {
			t.Fatalf("Plan is %T, want AgentPlan", res.Plan)
		}
	})

	t.Run("agent disabled", func(t *testing.T) {
		r := NewResolver(Config{},
			llmmock.New(llmmock.Response{Content: response}), embmock.New(8), staticTools{lightTool()})
		res := r.Resolve(context.Background(), Request{Text: "do something with the light"})
		plan, ok := res.Plan.(ConversationPlan)
		if !ok {
			t.Fatalf("Plan is %T, want ConversationPlan", res.Plan)
		}
		if plan.Hint == "" {
			t.Error("Hint is empty, want the candidate tool carried as a hint")
		}
	})
}

func TestResolveAgentIntent(t *testing.T) {
	classifier := llmmock.New(llmmock.Response{
		Content: `{"intent": "agent", "confidence": 0.9, "hint": "check all rooms"}`,
	})
	r := NewResolver(Config{AgentEnabled: true}, classifier, embmock.New(8), staticTools{lightTool()})

	res := r.Resolve(context.Background(), Request{Text: "turn off every light that is on"})
	plan, ok := res.Plan.(AgentPlan)
	if !ok {
		t.Fatalf("Plan is %T, want AgentPlan", res.Plan)
	}
	if plan.Hint != "check all rooms" {
		t.Errorf("Hint = %q", plan.Hint)
	}
}

func TestResolveClassifierFailureFallsBack(t *testing.T) {
	classifier := llmmock.New(llmmock.Response{Err: errors.New("model offline")})
	r := NewResolver(Config{}, classifier, embmock.New(8), staticTools{lightTool()})

	res := r.Resolve(context.Background(), Request{Text: "turn on the light"})
	if res.Source != "fallback" {
		t.Fatalf("Source = %q, want fallback", res.Source)
	}
	if _, ok := res.Plan.(ConversationPlan); !ok {
		t.Errorf("Plan is %T, want ConversationPlan", res.Plan)
	}
}

func TestResolveNoToolsFallsBack(t *testing.T) {
	classifier := llmmock.New()
	r := NewResolver(Config{}, classifier, embmock.New(8), staticTools{})

	res := r.Resolve(context.Background(), Request{Text: "turn on the light"})
	if res.Source != "fallback" {
		t.Fatalf("Source = %q, want fallback", res.Source)
	}
	if len(classifier.Requests) != 0 {
		t.Errorf("classifier consulted with no tools available")
	}
}

func TestResolveRAGUnavailableSoftFails(t *testing.T) {
	classifier := llmmock.New(llmmock.Response{Content: `{"intent": "conversation", "confidence": 0.9}`})
	r := NewResolver(Config{}, classifier, embmock.New(8), staticTools{lightTool()},
		WithRetriever(&fakeRetriever{err: rag.ErrUnavailable}))

	res := r.Resolve(context.Background(), Request{Text: "what does the manual say", UseRAG: true})
	if !res.RAGUsed {
		t.Error("RAGUsed = false, want true even when retrieval fails")
	}
	if len(res.Chunks) != 0 {
		t.Errorf("Chunks = %+v, want none", res.Chunks)
	}
}

func TestResolveRAGAttachesChunks(t *testing.T) {
	classifier := llmmock.New(llmmock.Response{Content: `{"intent": "conversation", "confidence": 0.9}`})
	chunks := []rag.Chunk{{Content: "filter needs replacing monthly", Source: "manual.pdf", Score: 0.9}}
	r := NewResolver(Config{}, classifier, embmock.New(8), staticTools{lightTool()},
		WithRetriever(&fakeRetriever{chunks: chunks}))

	res := r.Resolve(context.Background(), Request{Text: "how often do I replace the filter", UseRAG: true})
	if !res.RAGUsed || len(res.Chunks) != 1 {
		t.Fatalf("RAGUsed = %v, Chunks = %+v", res.RAGUsed, res.Chunks)
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantIntent string
		wantErr    bool
	}{
		{
			name:       "bare json",
			content:    `{"intent": "conversation", "confidence": 0.8}`,
			wantIntent: "conversation",
		},
		{
			name:       "code fence",
			content:    "```json\n{\"intent\": \"music__play\", \"confidence\": 0.9}\n```",
			wantIntent: "music__play",
		},
		{
			name:       "surrounding prose",
			content:    `Sure! Here is my answer: {"intent": "agent", "confidence": 0.7} Hope that helps.`,
			wantIntent: "agent",
		},
		{
			name:    "no json",
			content: "I cannot decide.",
			wantErr: true,
		},
		{
			name:    "missing intent",
			content: `{"confidence": 0.5}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := parseVerdict(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseVerdict(%q) succeeded, want error", tt.content)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseVerdict: %v", err)
			}
			if v.Intent != tt.wantIntent {
				t.Errorf("Intent = %q, want %q", v.Intent, tt.wantIntent)
			}
		})
	}
}

func TestParseVerdictClampsConfidence(t *testing.T) {
	v, err := parseVerdict(`{"intent": "conversation", "confidence": 1.7}`)
	if err != nil {
		t.Fatalf("parseVerdict: %v", err)
	}
	if v.Confidence != 1 {
		t.Errorf("Confidence = %v, want clamped to 1", v.Confidence)
	}
}

func TestPatternMatches(t *testing.T) {
	tests := []struct {
		pattern, text string
		want          bool
	}{
		{"turn on the reading light", "turn on the reading light", true},
		{"Turn On The Reading Light", "turn on the reading light", true},
		{"turn on the reading light", "turn on the reading lights", true},
		{"turn on the reading light", "what is the weather", false},
		{"", "anything", false},
	}
	for _, tt := range tests {
		if got := patternMatches(tt.pattern, tt.text); got != tt.want {
			t.Errorf("patternMatches(%q, %q) = %v, want %v", tt.pattern, tt.text, got, tt.want)
		}
	}
}
