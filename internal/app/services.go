package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/apotheca-erp/apotheca/internal/inventory"
	"github.com/apotheca-erp/apotheca/internal/lowstock"
	"github.com/apotheca-erp/apotheca/internal/platform/cache"
	"github.com/apotheca-erp/apotheca/internal/procurement"
	"github.com/apotheca-erp/apotheca/internal/sales"
	"github.com/apotheca-erp/apotheca/internal/sequence"
	"github.com/apotheca-erp/apotheca/internal/shared"
	"github.com/apotheca-erp/apotheca/internal/stocktake"
)

// ServiceDeps are the shared resources both binaries build services from.
type ServiceDeps struct {
	Config   *Config
	Pool     *pgxpool.Pool
	Redis    redis.UniversalClient
	Observer inventory.Observer
	Recorder inventory.DivergenceRecorder
	Logger   *slog.Logger
}

// Services is the wired domain layer.
type Services struct {
	Stock       *inventory.Service
	Sales       *sales.Service
	Procurement *procurement.Service
	Stocktake   *stocktake.Service
	LowStock    *lowstock.Deduplicator
	Sequences   *sequence.Service
	Idempotency *shared.IdempotencyStore
}

// BuildServices wires every domain service against postgres and redis.
func BuildServices(d ServiceDeps) *Services {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	cfg := d.Config
	audit := shared.NewAuditLogger(d.Pool)
	idem := shared.NewIdempotencyStore(d.Pool)
	assigner := sequence.NewAssigner(cfg.SequenceWidth)

	stock := inventory.NewService(inventory.NewRepository(d.Pool), audit, idem, inventory.ServiceConfig{
		StrictLotParity: cfg.StrictLotParity,
		CollationLocale: cfg.LotCollationLocale,
	}, d.Observer, d.Recorder, d.Logger.With(slog.String("module", "inventory")))

	proc := procurement.NewService(procurement.NewRepository(d.Pool), stock, assigner, audit, idem, d.Observer,
		d.Logger.With(slog.String("module", "procurement")))
	dedup := lowstock.NewDeduplicator(lowstock.NewRepository(d.Pool), stock, proc,
		cache.NewLocker(d.Redis, cfg.LowStockLockTTL, cfg.LowStockLockWait),
		d.Logger.With(slog.String("module", "lowstock")))
	proc.SetDraftObserver(dedup)

	return &Services{
		Stock:       stock,
		Sales:       sales.NewService(sales.NewRepository(d.Pool), stock, assigner, audit, idem, d.Observer, d.Logger.With(slog.String("module", "sales"))),
		Procurement: proc,
		Stocktake:   stocktake.NewService(stocktake.NewRepository(d.Pool), stock, assigner, audit, d.Observer, d.Logger.With(slog.String("module", "stocktake"))),
		LowStock:    dedup,
		Sequences:   sequence.NewService(sequence.NewRepository(d.Pool), assigner, d.Logger.With(slog.String("module", "sequence"))),
		Idempotency: idem,
	}
}
