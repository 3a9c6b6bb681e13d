package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/renfield-hub/renfield/internal/convstore"
	"github.com/renfield-hub/renfield/internal/toolhost"
	"github.com/renfield-hub/renfield/internal/turn"
)

// defaultCleanupDays is applied when the cleanup endpoint omits `days`.
const defaultCleanupDays = 30

// ToolCatalog is the registry surface the REST API needs.
// *toolhost.Registry implements it.
type ToolCatalog interface {
	Tools() []toolhost.ToolDescriptor
	Status() []toolhost.ProviderStatus
	Refresh(ctx context.Context) int
}

// API serves the REST surface over conversations and tools.
type API struct {
	store   convstore.Store
	engine  TurnRunner
	catalog ToolCatalog
}

// NewAPI creates the REST handler set.
func NewAPI(store convstore.Store, engine TurnRunner, catalog ToolCatalog) *API {
	return &API{store: store, engine: engine, catalog: catalog}
}

// Register adds all REST routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/chat/conversations", a.listConversations)
	mux.HandleFunc("GET /api/chat/conversation/{session_id}/summary", a.summary)
	mux.HandleFunc("GET /api/chat/history/{session_id}", a.history)
	mux.HandleFunc("GET /api/chat/search", a.search)
	mux.HandleFunc("GET /api/chat/stats", a.stats)
	mux.HandleFunc("POST /api/chat/send", a.send)
	mux.HandleFunc("DELETE /api/chat/session/{session_id}", a.deleteSession)
	mux.HandleFunc("DELETE /api/chat/conversations/cleanup", a.cleanup)
	mux.HandleFunc("GET /api/tools", a.tools)
	mux.HandleFunc("GET /api/tools/status", a.toolStatus)
	mux.HandleFunc("POST /api/tools/refresh", a.refreshTools)
}

type conversationJSON struct {
	SessionID    string    `json:"session_id"`
	MessageCount int64     `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (a *API) listConversations(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	sessions, total, err := a.store.List(r.Context(), limit, offset)
	if err != nil {
		storeError(w, err)
		return
	}
	out := make([]conversationJSON, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, conversationJSON{
			SessionID:    s.SessionID,
			MessageCount: s.MessageCount,
			CreatedAt:    s.CreatedAt,
			UpdatedAt:    s.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out, "total": total})
}

func (a *API) summary(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	s, ok, err := a.store.Summarize(r.Context(), sessionID)
	if err != nil {
		storeError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":    s.SessionID,
		"message_count": s.MessageCount,
		"first_message": s.FirstMessage,
		"last_message":  s.LastMessage,
		"created_at":    s.CreatedAt,
		"updated_at":    s.UpdatedAt,
	})
}

type messageJSON struct {
	Sequence  int64          `json:"sequence"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (a *API) history(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	limit := queryInt(r, "limit", 50)

	msgs, err := a.store.Window(r.Context(), sessionID, limit)
	if err != nil {
		storeError(w, err)
		return
	}
	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON{
			Sequence:  m.Sequence,
			Role:      m.Role,
			Content:   m.Content,
			Metadata:  m.Metadata,
			Timestamp: m.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (a *API) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if len(q) < 2 {
		writeError(w, http.StatusBadRequest, "query must be at least 2 characters")
		return
	}
	limit := queryInt(r, "limit", 20)

	results, err := a.store.Search(r.Context(), q, limit)
	if err != nil {
		storeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		out = append(out, map[string]any{
			"session_id": res.SessionID,
			"snippet":    res.Snippet,
			"role":       res.Role,
			"timestamp":  res.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "results": out, "count": len(out)})
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	s, err := a.store.Stats(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_count":   s.SessionCount,
		"message_count":   s.MessageCount,
		"busiest_session": s.BusiestSession,
	})
}

type sendRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// send is the synchronous single-turn variant: no streaming, the full
// assistant text in one response. A busy session is rejected rather than
// queued.
func (a *API) send(w http.ResponseWriter, r *http.Request) {
	var body sendRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if body.SessionID == "" {
		body.SessionID = uuid.NewString()
	}

	discard := turn.EmitterFunc(func(context.Context, turn.Event) error { return nil })
	text, err := a.engine.Run(r.Context(), turn.Request{
		SessionID: body.SessionID,
		Text:      body.Message,
		Channel:   turn.ChannelREST,
		Subject:   "api",
		NoWait:    true,
	}, discard)
	if err != nil {
		if errors.Is(err, turn.ErrSessionBusy) {
			writeError(w, http.StatusConflict, "session busy")
			return
		}
		writeError(w, http.StatusInternalServerError, "turn failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": text, "session_id": body.SessionID})
}

func (a *API) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Delete(r.Context(), r.PathValue("session_id")); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) cleanup(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", defaultCleanupDays)
	if days < 0 {
		writeError(w, http.StatusBadRequest, "days must not be negative")
		return
	}
	deleted, err := a.store.Cleanup(r.Context(), days)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted_count": deleted, "cutoff_days": days})
}

type toolJSON struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Provider    string         `json:"provider"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

func (a *API) tools(w http.ResponseWriter, _ *http.Request) {
	snapshot := a.catalog.Tools()
	out := make([]toolJSON, 0, len(snapshot))
	for _, d := range snapshot {
		out = append(out, toolJSON{
			Name:        d.Name,
			Description: d.Description,
			Provider:    d.Provider,
			InputSchema: d.InputSchema,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out, "total": len(out)})
}

func (a *API) toolStatus(w http.ResponseWriter, _ *http.Request) {
	statuses := a.catalog.Status()
	out := make([]map[string]any, 0, len(statuses))
	for _, s := range statuses {
		entry := map[string]any{
			"name":       s.Name,
			"state":      string(s.State),
			"transport":  string(s.Transport),
			"tool_count": s.ToolCount,
		}
		if s.LastError != "" {
			entry["last_error"] = s.LastError
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (a *API) refreshTools(w http.ResponseWriter, r *http.Request) {
	ready := a.catalog.Refresh(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"servers_reconnected": ready})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, convstore.ErrStoreUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "conversation store unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// writeJSON encodes v as JSON with the given status. On encoding failure it
// falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}
