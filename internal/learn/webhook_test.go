package learn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	embmock "github.com/renfield-hub/renfield/pkg/provider/embeddings/mock"
)

func correctionMux(t *testing.T) (*Memory, *embmock.Provider, *http.ServeMux) {
	t.Helper()
	store := NewMemory()
	embedder := embmock.New(8)
	mux := http.NewServeMux()
	NewWebhook(store, embedder).Register(mux)
	return store, embedder, mux
}

func TestWebhookStoresRetrievableCorrection(t *testing.T) {
	store, embedder, mux := correctionMux(t)

	req := httptest.NewRequest("POST", "/api/learn/correction",
		strings.NewReader(`{"utterance":"hit the lights","tool_name":"home__light_on","args":{"room":"Kitchen"},"subject":"sat-kitchen"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}

	// The same utterance embeds to the same vector, so the stored correction
	// comes back at distance zero.
	vec, err := embedder.Embed(context.Background(), "hit the lights")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	matches, err := store.NearestCorrections(context.Background(), vec, 1)
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	m := matches[0]
	if m.Distance > 1e-6 {
		t.Errorf("distance = %v, want ~0", m.Distance)
	}
	if m.Correction.ToolName != "home__light_on" || m.Correction.Args["room"] != "Kitchen" || m.Correction.Subject != "sat-kitchen" {
		t.Errorf("correction = %+v", m.Correction)
	}
}

func TestWebhookRejectsIncompleteCorrections(t *testing.T) {
	_, _, mux := correctionMux(t)

	for name, body := range map[string]string{
		"no utterance": `{"tool_name":"home__light_on"}`,
		"no tool":      `{"utterance":"hit the lights"}`,
		"bad json":     `{{{`,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/learn/correction", strings.NewReader(body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}
