package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/apotheca-erp/apotheca/internal/app"
	jobmetrics "github.com/apotheca-erp/apotheca/internal/jobs"
	"github.com/apotheca-erp/apotheca/internal/platform/cache"
	"github.com/apotheca-erp/apotheca/internal/platform/db"
	"github.com/apotheca-erp/apotheca/jobs"
)

func main() {
	trigger := flag.String("trigger", "", "enqueue one task by type (e.g. inventory:lot-parity) and exit")
	flag.Parse()

	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}

	if *trigger != "" {
		if err := enqueue(ctx, redisOpts, *trigger, logger); err != nil {
			logger.Error("trigger", slog.String("task", *trigger), slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, cfg, redisOpts, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func enqueue(ctx context.Context, opts asynq.RedisClientOpt, name string, logger *slog.Logger) error {
	task, err := jobs.TaskByName(name)
	if err != nil {
		return err
	}
	client := jobs.NewClient(opts, logger)
	defer client.Close()
	info, err := client.Enqueue(ctx, task, asynq.MaxRetry(3))
	if err != nil {
		return err
	}
	logger.Info("task enqueued", slog.String("task", info.Type), slog.String("id", info.ID))
	return nil
}

func run(ctx context.Context, cfg *app.Config, redisOpts asynq.RedisClientOpt, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)
	services := app.BuildServices(app.ServiceDeps{
		Config: cfg,
		Pool:   pool,
		Redis:  redisClient,
		Logger: logger,
	})

	parityJob := jobs.NewLotParityJob(services.Stock, logger, metrics)
	backfillJob := jobs.NewSequenceBackfillJob(services.Sequences, logger, metrics)
	syncJob := jobs.NewLowStockSyncJob(services.LowStock, logger, metrics)
	cleanupJob := jobs.NewIdempotencyCleanupJob(services.Idempotency, logger, metrics)

	syncAll, err := jobs.NewLowStockSyncTask(nil)
	if err != nil {
		return err
	}
	cleanup, err := jobs.NewIdempotencyCleanupTask(int(cfg.IdempotencyRetention.Hours()))
	if err != nil {
		return err
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLotParityScan, Handler: parityJob.Handle},
			{Type: jobs.TaskSequenceBackfill, Handler: backfillJob.Handle},
			{Type: jobs.TaskLowStockSync, Handler: syncJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 */6 * * *", Task: jobs.NewLotParityScanTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "*/15 * * * *", Task: syncAll, Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: "30 3 * * *", Task: cleanup, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		return err
	}
	return worker.Run(ctx)
}
