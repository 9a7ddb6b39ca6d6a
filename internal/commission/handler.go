package commission

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-docflow/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

// Handler serves commission endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs a commission handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers commission routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/commissions", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/compute/{saleID}", h.handleCompute)
		r.Get("/{id}", h.handleGet)
		r.Post("/{id}/approve", h.handleApprove)
		r.Post("/{id}/recalculate", h.handleRecalculate)
		r.Post("/{id}/pay", h.handlePay)
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	var (
		f   Filter
		err error
	)
	if f.AgentID, err = httpx.QueryInt64(r, "agent_id"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if f.SaleID, err = httpx.QueryInt64(r, "sale_id"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if f.Limit, err = httpx.QueryInt(r, "limit"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if f.Offset, err = httpx.QueryInt(r, "offset"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	q := r.URL.Query()
	f.Status = Status(q.Get("status"))
	f.PaymentStatus = PaymentStatus(q.Get("payment_status"))
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.RespondError(w, shared.Validation("%s must be RFC3339", name))
			return
		}
		*dst = &ts
	}
	out, err := h.service.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *Handler) handleCompute(w http.ResponseWriter, r *http.Request) {
	saleID, err := httpx.PathInt64(r, "saleID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, err := h.service.ComputeCommission(r.Context(), saleID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.service.Approve)
}

func (h *Handler) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.service.Recalculate)
}

func (h *Handler) handlePay(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.service.PayCommission)
}

func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64, int64) (Commission, error)) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, err := fn(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("commission request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.RespondError(w, err)
}
