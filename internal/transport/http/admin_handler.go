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

// AdminHandler serves the key issuer surface of the admin console.
type AdminHandler struct {
	issuer   *license.Issuer
	logger   *slog.Logger
	validate *validator.Validate
}

// NewAdminHandler creates the admin key management handler.
func NewAdminHandler(issuer *license.Issuer, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		issuer:   issuer,
		logger:   logger.With(slog.String("handler", "admin")),
		validate: validator.New(),
	}
}

// Routes returns the chi router for /api/keys.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Issue)
	r.Post("/{code}/reset", h.Reset)
	r.Delete("/{code}", h.Delete)

	return r
}

// Issue handles POST /api/keys.
func (h *AdminHandler) Issue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("admin-handler")

	ctx, span := tracer.Start(ctx, "admin_handler.issue",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/keys"),
		),
	)
	defer span.End()

	var req apiv1.IssueKeyRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.logger.WarnContext(ctx, "issue request malformed", slog.String("error", err.Error()))
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.InvalidRequestWithError(err)))
		return
	}
	if err := h.validate.StructCtx(ctx, &req); err != nil {
		h.logger.WarnContext(ctx, "issue request invalid", slog.String("error", err.Error()))
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.InvalidRequestWithError(err)))
		return
	}

	key, err := h.issuer.Issue(ctx, domain.ClientInfo{
		Name:  req.ClientName,
		Phone: req.ClientPhone,
		Notes: req.ClientNotes,
	}, req.DurationDays)
	if err != nil {
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "key issuance failed",
			slog.String("client", req.ClientName),
			slog.String("error", err.Error()),
		)
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.FromLicenseError(err)))
		return
	}

	span.SetAttributes(attribute.String("key.code", license.MaskCode(key.Code)))
	h.logger.InfoContext(ctx, "key issued",
		slog.String("code", license.MaskCode(key.Code)),
		slog.String("client", key.Client.Name),
		slog.Int("duration_days", key.DurationDays),
	)

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, &apiv1.KeyResponse{
		Key:       key,
		TraceID:   infrastructure.TraceIDFromContext(ctx),
		Timestamp: time.Now().UTC(),
	})
}

// List handles GET /api/keys.
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("admin-handler")

	ctx, span := tracer.Start(ctx, "admin_handler.list")
	defer span.End()

	keys, err := h.issuer.ListAll(ctx)
	if err != nil {
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "key listing failed", slog.String("error", err.Error()))
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.FromLicenseError(err)))
		return
	}

	span.SetAttributes(attribute.Int("keys.count", len(keys)))
	render.JSON(w, r, &apiv1.KeyListResponse{
		Keys:      keys,
		Count:     len(keys),
		Timestamp: time.Now().UTC(),
	})
}

// Reset handles POST /api/keys/{code}/reset.
func (h *AdminHandler) Reset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("admin-handler")
	code := chi.URLParam(r, "code")

	ctx, span := tracer.Start(ctx, "admin_handler.reset",
		trace.WithAttributes(attribute.String("key.code", license.MaskCode(code))),
	)
	defer span.End()

	key, err := h.issuer.Reset(ctx, code)
	if err != nil {
		span.RecordError(err)
		h.logger.WarnContext(ctx, "key reset failed",
			slog.String("code", license.MaskCode(code)),
			slog.String("error", err.Error()),
		)
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.FromLicenseError(err)))
		return
	}

	h.logger.InfoContext(ctx, "key reset", slog.String("code", license.MaskCode(code)))
	render.JSON(w, r, &apiv1.KeyResponse{
		Key:       key,
		TraceID:   infrastructure.TraceIDFromContext(ctx),
		Timestamp: time.Now().UTC(),
	})
}

// Delete handles DELETE /api/keys/{code}. Deletion is idempotent: deleting
// an absent key succeeds.
func (h *AdminHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("admin-handler")
	code := chi.URLParam(r, "code")

	ctx, span := tracer.Start(ctx, "admin_handler.delete",
		trace.WithAttributes(attribute.String("key.code", license.MaskCode(code))),
	)
	defer span.End()

	if err := h.issuer.Delete(ctx, code); err != nil {
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "key deletion failed",
			slog.String("code", license.MaskCode(code)),
			slog.String("error", err.Error()),
		)
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.FromLicenseError(err)))
		return
	}

	h.logger.InfoContext(ctx, "key deleted", slog.String("code", license.MaskCode(code)))
	render.NoContent(w, r)
}
