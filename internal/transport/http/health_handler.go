package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"keygate/internal/license"
	"keygate/internal/store"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	check  *license.HealthCheck
	store  store.Store
	logger *slog.Logger
	start  time.Time
}

// NewHealthHandler creates a health handler. check may be nil on the admin
// console, which has no engine; readiness then covers the store only.
func NewHealthHandler(check *license.HealthCheck, st store.Store, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		check:  check,
		store:  st,
		logger: logger.With(slog.String("handler", "health")),
		start:  time.Now(),
	}
}

// Liveness handles GET /healthz/live. It answers 200 as long as the process
// is serving requests.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{
		"status":  "ok",
		"version": Version,
		"uptime":  time.Since(h.start).String(),
	})
}

// Readiness handles GET /healthz. With an engine attached it reports the
// full component breakdown; otherwise it pings the store directly.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.check != nil {
		h.check.HTTPHandler()(w, r)
		return
	}

	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "store ping failed", slog.String("error", err.Error()))
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"status":  "healthy",
		"version": Version,
	})
}
