package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/apotheca-erp/apotheca/internal/app"
	"github.com/apotheca-erp/apotheca/internal/inventory"
	"github.com/apotheca-erp/apotheca/internal/lowstock"
	"github.com/apotheca-erp/apotheca/internal/observability"
	"github.com/apotheca-erp/apotheca/internal/platform/cache"
	"github.com/apotheca-erp/apotheca/internal/platform/db"
	"github.com/apotheca-erp/apotheca/internal/platform/migrations"
	"github.com/apotheca-erp/apotheca/internal/procurement"
	"github.com/apotheca-erp/apotheca/internal/sales"
	"github.com/apotheca-erp/apotheca/internal/sequence"
	"github.com/apotheca-erp/apotheca/internal/stocktake"
	"github.com/apotheca-erp/apotheca/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("apotheca", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	if cfg.AutoMigrate {
		if err := migrate(cfg, logger); err != nil {
			return err
		}
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer closeRedis(redisClient, logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient := jobs.NewClient(redisOpts, logger)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	services := app.BuildServices(app.ServiceDeps{
		Config:   cfg,
		Pool:     pool,
		Redis:    redisClient,
		Observer: inventory.Observers{metrics, jobClient},
		Recorder: metrics,
		Logger:   logger,
	})

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Authenticator:      app.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer),
		Pool:               pool,
		Metrics:            metrics,
		InventoryHandler:   inventory.NewHandler(logger, services.Stock),
		SalesHandler:       sales.NewHandler(logger, services.Sales),
		ProcurementHandler: procurement.NewHandler(logger, services.Procurement),
		StocktakeHandler:   stocktake.NewHandler(logger, services.Stocktake),
		LowStockHandler:    lowstock.NewHandler(logger, services.LowStock),
		SequenceHandler:    sequence.NewHandler(logger, services.Sequences),
		JobHandler:         jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}
	return app.Serve(ctx, server, logger)
}

func migrate(cfg *app.Config, logger *slog.Logger) error {
	m, err := migrations.Open(cfg.PGDSN, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("migrator close", slog.Any("error", err))
		}
	}()
	if err := m.Up(); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func closeRedis(client *redis.Client, logger *slog.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn("redis close", slog.Any("error", err))
	}
}
