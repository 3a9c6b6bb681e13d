package learn

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/renfield-hub/renfield/pkg/provider/embeddings"
)

// Webhook is the HTTP intake for feedback corrections. A companion app or
// automation posts the misrouted utterance together with the tool call the
// user actually wanted; later utterances near it in embedding space resolve
// to that call without another trip through the classifier.
type Webhook struct {
	store    Store
	embedder embeddings.Provider
}

// NewWebhook creates the intake handler over the given store and embedder.
func NewWebhook(store Store, embedder embeddings.Provider) *Webhook {
	return &Webhook{store: store, embedder: embedder}
}

// Register adds the intake route to mux.
func (wh *Webhook) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/learn/correction", wh.create)
}

type correctionRequest struct {
	Utterance string         `json:"utterance"`
	ToolName  string         `json:"tool_name"`
	Args      map[string]any `json:"args"`
	Subject   string         `json:"subject"`
}

func (wh *Webhook) create(w http.ResponseWriter, r *http.Request) {
	var body correctionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Utterance == "" {
		httpError(w, http.StatusBadRequest, "utterance is required")
		return
	}
	if body.ToolName == "" {
		httpError(w, http.StatusBadRequest, "tool_name is required")
		return
	}

	embedding, err := wh.embedder.Embed(r.Context(), body.Utterance)
	if err != nil {
		slog.Error("correction intake embedding failed", "error", err)
		httpError(w, http.StatusBadGateway, "could not embed the utterance")
		return
	}

	c := Correction{
		Pattern:  body.Utterance,
		ToolName: body.ToolName,
		Args:     body.Args,
		Subject:  body.Subject,
	}
	if err := wh.store.SaveCorrection(r.Context(), c, embedding); err != nil {
		slog.Error("correction intake failed", "error", err)
		httpError(w, http.StatusInternalServerError, "could not store the correction")
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "recorded"})
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
