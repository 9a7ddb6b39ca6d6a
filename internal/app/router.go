package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/odyssey-docflow/internal/commission"
	"github.com/odyssey-erp/odyssey-docflow/internal/conversion"
	"github.com/odyssey-erp/odyssey-docflow/internal/documents"
	"github.com/odyssey-erp/odyssey-docflow/internal/inventory"
	"github.com/odyssey-erp/odyssey-docflow/internal/observability"
	"github.com/odyssey-erp/odyssey-docflow/internal/reconciliation"
	"github.com/odyssey-erp/odyssey-docflow/jobs"
)

// Pinger reports backing-store reachability for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger                *slog.Logger
	Config                *Config
	DocumentsHandler      *documents.Handler
	ConversionHandler     *conversion.Handler
	InventoryHandler      *inventory.Handler
	CommissionHandler     *commission.Handler
	ReconciliationHandler *reconciliation.Handler
	JobHandler            *jobs.Handler
	Metrics               *observability.Metrics
	DB                    Pinger
}

// NewRouter constructs the chi.Router with docflow defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if params.DB != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := params.DB.Ping(ctx); err != nil {
				params.Logger.Warn("healthz database", slog.Any("error", err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	limit := 0
	if params.Config != nil {
		limit = params.Config.RateLimitPerMin
	}
	r.Route("/api", func(r chi.Router) {
		r.Use(LimitWrites(limit))
		if params.DocumentsHandler != nil {
			params.DocumentsHandler.MountRoutes(r)
		}
		if params.ConversionHandler != nil {
			params.ConversionHandler.MountRoutes(r)
		}
		if params.InventoryHandler != nil {
			params.InventoryHandler.MountRoutes(r)
		}
		if params.CommissionHandler != nil {
			params.CommissionHandler.MountRoutes(r)
		}
		if params.ReconciliationHandler != nil {
			params.ReconciliationHandler.MountRoutes(r)
		}
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}
