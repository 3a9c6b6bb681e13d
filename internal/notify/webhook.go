package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Webhook is the HTTP intake for proactive notifications. External systems
// (automations, timers, monitoring) post here; the gateway's fan-out
// listener handles delivery.
type Webhook struct {
	service *Service
}

// NewWebhook creates the intake handler over the given service.
func NewWebhook(service *Service) *Webhook {
	return &Webhook{service: service}
}

// Register adds the intake route to mux.
func (wh *Webhook) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/notify", wh.create)
}

type createRequest struct {
	Subject string `json:"subject"`
	RoomID  string `json:"room_id"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

func (wh *Webhook) create(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Message == "" {
		httpError(w, http.StatusBadRequest, "message is required")
		return
	}

	n, err := wh.service.Create(r.Context(), Notification{
		Subject: body.Subject,
		RoomID:  body.RoomID,
		Title:   body.Title,
		Message: body.Message,
	})
	if err != nil {
		slog.Error("notification intake failed", "error", err)
		httpError(w, http.StatusInternalServerError, "could not store the notification")
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":     n.ID,
		"status": string(n.Status),
	})
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
