// Package api provides HTTP handlers for the facegate API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/facegate/internal/domain"
	"github.com/ashureev/facegate/internal/session"
	"github.com/ashureev/facegate/internal/store"
)

const (
	defaultAttemptLimit = 50
	maxAttemptLimit     = 500
)

// Handler serves the read-only inspection API.
type Handler struct {
	repo     store.Repository
	registry *session.Registry
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, registry *session.Registry) *Handler {
	return &Handler{
		repo:     repo,
		registry: registry,
	}
}

// RegisterRoutes registers the root and /api routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Root)
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", h.Stats)
		r.Get("/attempts", h.Attempts)
		r.Get("/sessions", h.Sessions)
	})
}

// Root is a plain liveness response.
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"message": "Face recognition server is running"})
}

// Stats returns aggregated attempt counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	summary, err := h.repo.Summary(r.Context())
	if err != nil {
		slog.Error("Failed to load attempt summary", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"attempts":        summary,
		"active_sessions": h.registry.Len(),
	})
}

type attemptResponse struct {
	ID           int64          `json:"id"`
	SessionID    string         `json:"session_id"`
	Sequence     uint64         `json:"seq"`
	Outcome      domain.Outcome `json:"outcome"`
	PersonID     string         `json:"person_id,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	PayloadBytes int            `json:"payload_bytes"`
	Format       string         `json:"format,omitempty"`
	Width        int            `json:"width,omitempty"`
	Height       int            `json:"height,omitempty"`
	LatencyMs    float64        `json:"latency_ms"`
	CreatedAt    time.Time      `json:"created_at"`
}

func newAttemptResponse(a *domain.Attempt) attemptResponse {
	return attemptResponse{
		ID:           a.ID,
		SessionID:    a.SessionID,
		Sequence:     a.Sequence,
		Outcome:      a.Outcome,
		PersonID:     a.PersonID,
		Reason:       a.Reason,
		PayloadBytes: a.PayloadBytes,
		Format:       a.Format,
		Width:        a.Width,
		Height:       a.Height,
		LatencyMs:    float64(a.Latency) / float64(time.Millisecond),
		CreatedAt:    a.CreatedAt,
	}
}

// Attempts lists recent attempts, newest first, or with ?session= the latest
// attempts of one session in sequence order. Both paths honor ?limit.
func (h *Handler) Attempts(w http.ResponseWriter, r *http.Request) {
	var (
		attempts []*domain.Attempt
		err      error
	)
	limit, ok := parseLimit(r.URL.Query().Get("limit"))
	if !ok {
		Error(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if sid := r.URL.Query().Get("session"); sid != "" {
		attempts, err = h.repo.SessionAttempts(r.Context(), sid, limit)
	} else {
		attempts, err = h.repo.RecentAttempts(r.Context(), limit)
	}
	if err != nil {
		slog.Error("Failed to list attempts", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}

	out := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, newAttemptResponse(a))
	}
	JSON(w, http.StatusOK, map[string]interface{}{"attempts": out})
}

// Sessions lists the live session IDs.
func (h *Handler) Sessions(w http.ResponseWriter, _ *http.Request) {
	ids := h.registry.IDs()
	JSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(ids),
		"sessions": ids,
	})
}

func parseLimit(raw string) (int, bool) {
	if raw == "" {
		return defaultAttemptLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > maxAttemptLimit {
		n = maxAttemptLimit
	}
	return n, true
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
