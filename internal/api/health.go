package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/facegate/internal/store"
)

// HealthChecker reports whether an external dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo       store.Repository
	recognizer HealthChecker
	timeout    time.Duration
}

// NewHealthHandler creates a new health handler. recognizer may be nil when
// recognition runs in-process.
func NewHealthHandler(repo store.Repository, recognizer HealthChecker) *HealthHandler {
	return &HealthHandler{repo: repo, recognizer: recognizer, timeout: 5 * time.Second}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "dependency", "database", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.recognizer != nil {
		if err := h.recognizer.Health(ctx); err != nil {
			slog.Error("Health check failed", "dependency", "recognizer", "error", err)
			status["status"] = "degraded"
			checks["recognizer"] = "unreachable"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["recognizer"] = "ok"
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
