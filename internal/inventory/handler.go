package inventory

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-docflow/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

// Handler wires HTTP endpoints for the stock ledger.
type Handler struct {
	logger    *slog.Logger
	ledger    *Ledger
	validator *validator.Validate
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, ledger *Ledger) *Handler {
	return &Handler{logger: logger, ledger: ledger, validator: validator.New()}
}

// MountRoutes registers stock and back-order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/stock/balance", h.handleBalance)
	r.Get("/stock/ledger", h.handleLedger)
	r.Post("/stock/adjustments", h.handleAdjustment)
	r.Get("/backorders", h.handleBackorders)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	productID, err := httpx.QueryInt64(r, "product_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	storeID, err := httpx.QueryInt64(r, "store_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if productID == nil || storeID == nil {
		httpx.RespondError(w, shared.Validation("product_id and store_id are required"))
		return
	}
	balance, err := h.ledger.GetBalance(r.Context(), *productID, *storeID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}

func (h *Handler) handleLedger(w http.ResponseWriter, r *http.Request) {
	var (
		filter LedgerFilter
		err    error
	)
	if filter.ProductID, err = httpx.QueryInt64(r, "product_id"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.StoreID, err = httpx.QueryInt64(r, "store_id"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.SourceID, err = httpx.QueryInt64(r, "source_id"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter.SourceType = r.URL.Query().Get("source_type")
	if raw := r.URL.Query().Get("reason"); raw != "" {
		reason := Reason(raw)
		if !reason.Valid() {
			httpx.RespondError(w, shared.Validation("unknown reason %q", raw))
			return
		}
		filter.Reason = &reason
	}
	if filter.From, filter.To, err = parseRange(r); err != nil {
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
	entries, err := h.ledger.ListStockLedger(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	var in AdjustmentInput
	if err := httpx.DecodeValid(r, h.validator, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.ActorID = shared.ActorFromContext(r.Context())
	if key := r.Header.Get("Idempotency-Key"); key != "" && in.IdempotencyKey == "" {
		in.IdempotencyKey = key
	}
	res, err := h.ledger.PostStockAdjustment(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed || res.Skipped {
		status = http.StatusOK
	}
	httpx.JSON(w, status, res)
}

func (h *Handler) handleBackorders(w http.ResponseWriter, r *http.Request) {
	var (
		filter BackorderFilter
		err    error
	)
	for name, dst := range map[string]**int64{
		"product_id":  &filter.ProductID,
		"store_id":    &filter.StoreID,
		"sale_id":     &filter.SaleID,
		"customer_id": &filter.CustomerID,
	} {
		if *dst, err = httpx.QueryInt64(r, name); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	switch status := BackorderStatus(r.URL.Query().Get("status")); status {
	case BackorderAny, BackorderOpen, BackorderResolved, BackorderCancelled:
		filter.Status = status
	default:
		httpx.RespondError(w, shared.Validation("unknown status %q", status))
		return
	}
	if filter.From, filter.To, err = parseRange(r); err != nil {
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
	backorders, err := h.ledger.ListBackorders(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"backorders": backorders})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("inventory request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.RespondError(w, err)
}

func parseRange(r *http.Request) (*time.Time, *time.Time, error) {
	parse := func(name string) (*time.Time, error) {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, shared.Validation("%s must be RFC3339", name)
		}
		return &t, nil
	}
	from, err := parse("from")
	if err != nil {
		return nil, nil, err
	}
	to, err := parse("to")
	if err != nil {
		return nil, nil, err
	}
	return from, to, nil
}
