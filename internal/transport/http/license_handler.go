package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
	"keygate/internal/license"
	apiv1 "keygate/pkg/contracts/api/v1"
	"keygate/pkg/contracts/domain"
)

// LicenseHandler serves the activation engine surface inside the licensed
// application.
type LicenseHandler struct {
	engine   *license.Engine
	logger   *slog.Logger
	validate *validator.Validate
}

// NewLicenseHandler creates the engine-facing handler.
func NewLicenseHandler(engine *license.Engine, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		engine:   engine,
		logger:   logger.With(slog.String("handler", "license")),
		validate: validator.New(),
	}
}

// Routes returns the chi router for /api/license.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/activate", h.Activate)
	r.Get("/status", h.Status)
	r.Post("/refresh", h.Refresh)

	return r
}

// Activate handles POST /api/license/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.activate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/activate"),
		),
	)
	defer span.End()

	var req apiv1.ActivateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.logger.WarnContext(ctx, "activation request malformed", slog.String("error", err.Error()))
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.InvalidRequestWithError(err)))
		return
	}
	if err := h.validate.StructCtx(ctx, &req); err != nil {
		h.logger.WarnContext(ctx, "activation request invalid", slog.String("error", err.Error()))
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.InvalidRequestWithError(err)))
		return
	}

	span.SetAttributes(attribute.String("key.code", license.MaskCode(req.Code)))

	key, err := h.engine.Activate(ctx, req.Code, req.DeviceID)
	if err != nil {
		span.RecordError(err)
		h.logger.WarnContext(ctx, "activation failed",
			slog.String("code", license.MaskCode(req.Code)),
			slog.String("error", err.Error()),
		)
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.FromLicenseError(err)))
		return
	}

	h.logger.InfoContext(ctx, "activation succeeded",
		slog.String("code", license.MaskCode(key.Code)),
		slog.String("device_id", key.DeviceID),
	)

	render.JSON(w, r, &apiv1.ActivationResponse{
		Success:     true,
		Message:     "activation complete",
		Key:         key,
		ActivatedAt: key.ActivatedAt,
		TraceID:     infrastructure.TraceIDFromContext(ctx),
		Timestamp:   time.Now().UTC(),
	})
}

// Status handles GET /api/license/status. It reports the engine's current
// verdict without touching the remote store.
func (h *LicenseHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("license-handler")

	_, span := tracer.Start(ctx, "license_handler.status")
	defer span.End()

	verdict, key := h.engine.Status()
	span.SetAttributes(attribute.String("license.verdict", string(verdict)))

	render.JSON(w, r, verdictResponse(verdict, key))
}

// Refresh handles POST /api/license/refresh. It re-reads the bound record
// from the store before evaluating, for callers that want fresher state
// than the change feed has delivered.
func (h *LicenseHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.refresh")
	defer span.End()

	verdict, err := h.engine.Refresh(ctx)
	if err != nil {
		span.RecordError(err)
		h.logger.WarnContext(ctx, "license refresh failed", slog.String("error", err.Error()))
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.FromLicenseError(err)))
		return
	}

	_, key := h.engine.Status()
	span.SetAttributes(attribute.String("license.verdict", string(verdict)))

	render.JSON(w, r, verdictResponse(verdict, key))
}

func verdictResponse(verdict domain.Verdict, key *domain.ActivationKey) *apiv1.VerdictResponse {
	resp := &apiv1.VerdictResponse{
		Verdict:   verdict,
		Timestamp: time.Now().UTC(),
	}
	if key != nil {
		resp.Code = license.MaskCode(key.Code)
		resp.DeviceID = key.DeviceID
		resp.ExpiresAt = key.ExpiresAt
		if key.ExpiresAt != nil && verdict == domain.VerdictActive {
			remaining := time.Until(*key.ExpiresAt)
			if remaining > 0 {
				resp.DaysRemaining = int(remaining.Hours() / 24)
			}
		}
	}
	return resp
}
