package documents

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-docflow/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

// Handler exposes the registry over JSON.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs documents handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers document routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/documents", h.handleList)
	r.Post("/documents", h.handleCreate)
	r.Get("/documents/{type}/{id}", h.handleGet)
	r.Get("/documents/{type}/{id}/lineage", h.handleLineage)
	r.Post("/documents/{type}/{id}/transition", h.handleTransition)
}

type transitionRequest struct {
	Status Status `json:"status" validate:"required"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httpx.DecodeValid(r, h.validator, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.ActorID = shared.ActorFromContext(r.Context())
	doc, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, doc)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{Type: Type(r.URL.Query().Get("type"))}
	if filter.Type != "" && !filter.Type.Valid() {
		httpx.RespondError(w, shared.Validation("unknown document type %q", filter.Type))
		return
	}
	for _, s := range r.URL.Query()["status"] {
		filter.Statuses = append(filter.Statuses, Status(s))
	}
	var err error
	if filter.CustomerID, err = httpx.QueryInt64(r, "customer_id"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.Limit, err = httpx.QueryInt(r, "limit"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.Offset, err = httpx.QueryInt(r, "offset"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	docs, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ref, err := RefFromPath(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	doc, err := h.service.Get(r.Context(), ref)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) handleLineage(w http.ResponseWriter, r *http.Request) {
	ref, err := RefFromPath(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	lineage, err := h.service.Lineage(r.Context(), ref)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lineage)
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	ref, err := RefFromPath(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req transitionRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	doc, err := h.service.Transition(r.Context(), ref, req.Status, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("documents request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.RespondError(w, err)
}

// RefFromPath reads {type} and {id} URL parameters.
func RefFromPath(r *http.Request) (Ref, error) {
	t := Type(chi.URLParam(r, "type"))
	if !t.Valid() {
		return Ref{}, shared.Validation("unknown document type %q", t)
	}
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		return Ref{}, err
	}
	return Ref{Type: t, ID: id}, nil
}
