package convstore

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestAppendAssignsGapFreeSequences(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	for i := 1; i <= 5; i++ {
		msg, err := store.Append(ctx, "s1", RoleUser, fmt.Sprintf("message %d", i), nil)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if msg.Sequence != int64(i) {
			t.Fatalf("sequence = %d, want %d", msg.Sequence, i)
		}
	}
}

func TestWindowReturnsLastMessageJustAppended(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	for i := 0; i < 10; i++ {
		if _, err := store.Append(ctx, "s1", RoleUser, fmt.Sprintf("m%d", i), nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	last, err := store.Append(ctx, "s1", RoleAssistant, "final answer", map[string]any{"intent": "conversation"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	window, err := store.Window(ctx, "s1", 5)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(window) != 5 {
		t.Fatalf("len(window) = %d, want 5", len(window))
	}
	got := window[len(window)-1]
	if got.Sequence != last.Sequence || got.Content != last.Content {
		t.Errorf("last window entry = %+v, want %+v", got, last)
	}
	// Chronological order.
	for i := 1; i < len(window); i++ {
		if window[i].Sequence != window[i-1].Sequence+1 {
			t.Errorf("window not in order at %d: %d after %d", i, window[i].Sequence, window[i-1].Sequence)
		}
	}
}

func TestWindowBoundaries(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	if _, err := store.Append(ctx, "s1", RoleUser, "hi", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	tests := []struct {
		name    string
		session string
		max     int
		want    int
	}{
		{"zero max", "s1", 0, 0},
		{"unknown session", "nope", 5, 0},
		{"max larger than log", "s1", 100, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Window(ctx, tt.session, tt.max)
			if err != nil {
				t.Fatalf("Window: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestSearchCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	if _, err := store.Append(ctx, "kitchen", RoleUser, "Turn on the Kitchen Light", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := store.Append(ctx, "garage", RoleUser, "open the garage door", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	results, err := store.Search(ctx, "kitchen light", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if results[0].SessionID != "kitchen" {
		t.Errorf("SessionID = %q, want kitchen", results[0].SessionID)
	}

	none, err := store.Search(ctx, "bathroom", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no results, got %d", len(none))
	}
}

func TestSearchReturnsOneResultPerSession(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	for i := 0; i < 3; i++ {
		if _, err := store.Append(ctx, "s1", RoleUser, "the weather today", nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	results, err := store.Search(ctx, "weather", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("len(results) = %d, want 1 (one per session)", len(results))
	}
}

func TestListOrdersByUpdatedAtDescending(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := store.Append(ctx, id, RoleUser, "hi", nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// Touch "a" so it becomes most recent.
	if _, err := store.Append(ctx, "a", RoleUser, "again", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	infos, total, err := store.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(infos) != 3 || infos[0].SessionID != "a" {
		t.Errorf("first session = %q, want a (infos: %+v)", infos[0].SessionID, infos)
	}
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	if _, ok, err := store.Summarize(ctx, "missing"); err != nil || ok {
		t.Fatalf("Summarize(missing) = ok=%v err=%v, want ok=false err=nil", ok, err)
	}

	if _, err := store.Append(ctx, "s1", RoleUser, "first", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := store.Append(ctx, "s1", RoleAssistant, "last", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	sum, ok, err := store.Summarize(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("Summarize = ok=%v err=%v", ok, err)
	}
	if sum.MessageCount != 2 || sum.FirstMessage != "first" || sum.LastMessage != "last" {
		t.Errorf("summary = %+v", sum)
	}
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	if _, err := store.Append(ctx, "s1", RoleUser, "hi", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	window, err := store.Window(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(window) != 0 {
		t.Errorf("messages survived delete: %d", len(window))
	}
	// Deleting again is a no-op.
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestCleanupZeroDaysDeletesEverything(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	for _, id := range []string{"a", "b"} {
		if _, err := store.Append(ctx, id, RoleUser, "hi", nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// Backdate so updated_at < now().
	for _, s := range store.sessions {
		s.updatedAt = s.updatedAt.Add(-time.Minute)
	}

	removed, err := store.Cleanup(ctx, 0)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if _, total, _ := store.List(ctx, 10, 0); total != 0 {
		t.Errorf("sessions remain after cleanup: %d", total)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	for i := 0; i < 3; i++ {
		if _, err := store.Append(ctx, "busy", RoleUser, "x", nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if _, err := store.Append(ctx, "quiet", RoleUser, "y", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	st, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.SessionCount != 2 || st.MessageCount != 4 || st.BusiestSession != "busy" {
		t.Errorf("stats = %+v", st)
	}
}
