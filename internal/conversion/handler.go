package conversion

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-docflow/internal/documents"
	"github.com/odyssey-erp/odyssey-docflow/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

// Handler serves conversion endpoints.
type Handler struct {
	logger    *slog.Logger
	engine    *Engine
	validator *validator.Validate
}

// NewHandler constructs a conversion handler.
func NewHandler(logger *slog.Logger, engine *Engine) *Handler {
	return &Handler{logger: logger, engine: engine, validator: validator.New()}
}

// MountRoutes registers conversion routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/conversions", h.handleConvert)
	r.Get("/conversions/targets/{type}", h.handleTargets)
	r.Post("/documents/{type}/{id}/reverse", h.handleReverse)
}

func (h *Handler) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.Payload.IdempotencyKey == "" {
		req.Payload.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	req.Payload.ActorID = shared.ActorFromContext(r.Context())
	res, err := h.engine.Convert(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	httpx.JSON(w, status, res)
}

func (h *Handler) handleTargets(w http.ResponseWriter, r *http.Request) {
	t := documents.Type(chi.URLParam(r, "type"))
	if !t.Valid() {
		httpx.RespondError(w, shared.Validation("unknown document type %q", t))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"source_type": t, "targets": Targets(t)})
}

func (h *Handler) handleReverse(w http.ResponseWriter, r *http.Request) {
	ref, err := documents.RefFromPath(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in ReverseInput
	if r.ContentLength != 0 {
		if err := httpx.DecodeValid(r, h.validator, &in); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	in.Ref = ref
	in.ActorID = shared.ActorFromContext(r.Context())
	res, err := h.engine.Reverse(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("conversion request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.RespondError(w, err)
}
