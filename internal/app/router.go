package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apotheca-erp/apotheca/internal/inventory"
	"github.com/apotheca-erp/apotheca/internal/lowstock"
	"github.com/apotheca-erp/apotheca/internal/observability"
	"github.com/apotheca-erp/apotheca/internal/platform/httpx"
	"github.com/apotheca-erp/apotheca/internal/procurement"
	"github.com/apotheca-erp/apotheca/internal/sales"
	"github.com/apotheca-erp/apotheca/internal/sequence"
	"github.com/apotheca-erp/apotheca/internal/stocktake"
	"github.com/apotheca-erp/apotheca/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger        *slog.Logger
	Config        *Config
	Authenticator *Authenticator
	Pool          *pgxpool.Pool
	Metrics       *observability.Metrics

	InventoryHandler   *inventory.Handler
	SalesHandler       *sales.Handler
	ProcurementHandler *procurement.Handler
	StocktakeHandler   *stocktake.Handler
	LowStockHandler    *lowstock.Handler
	SequenceHandler    *sequence.Handler
	JobHandler         *jobs.Handler
}

// NewRouter constructs the chi.Router. Everything under /api/v1 requires a bearer token.
func NewRouter(params RouterParams) http.Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}
	r.Use(requestLogger(params.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok"}
		if params.Pool != nil {
			if err := params.Pool.Ping(r.Context()); err != nil {
				params.Logger.Warn("health ping", slog.Any("error", err))
				httpx.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
				return
			}
		}
		httpx.JSON(w, http.StatusOK, status)
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if params.Authenticator != nil {
			r.Use(params.Authenticator.Middleware(params.Logger))
		}
		if params.InventoryHandler != nil {
			r.Route("/inventory", params.InventoryHandler.MountRoutes)
		}
		if params.SalesHandler != nil {
			params.SalesHandler.MountRoutes(r)
		}
		if params.ProcurementHandler != nil {
			params.ProcurementHandler.MountRoutes(r)
		}
		if params.StocktakeHandler != nil {
			params.StocktakeHandler.MountRoutes(r)
		}
		if params.LowStockHandler != nil {
			params.LowStockHandler.MountRoutes(r)
		}
		if params.SequenceHandler != nil {
			params.SequenceHandler.MountRoutes(r)
		}
		if params.JobHandler != nil {
			params.JobHandler.MountRoutes(r)
		}
	})
	return r
}
