package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/apotheca-erp/apotheca/internal/jobs"
	"github.com/apotheca-erp/apotheca/internal/lowstock"
)

// LowStockSyncer is satisfied by *lowstock.Deduplicator.
type LowStockSyncer interface {
	Sync(ctx context.Context, tenantID uuid.UUID) (lowstock.Status, error)
	SyncAll(ctx context.Context) (int, error)
}

// LowStockSyncJob keeps tracked reorder drafts aligned with current stock.
type LowStockSyncJob struct {
	syncer  LowStockSyncer
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewLowStockSyncJob constructs the job.
func NewLowStockSyncJob(syncer LowStockSyncer, logger *slog.Logger, metrics *jobmetrics.Metrics) *LowStockSyncJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &LowStockSyncJob{syncer: syncer, logger: logger, metrics: metrics}
}

// Handle syncs one tenant or, without a tenant in the payload, every tracked tenant.
func (j *LowStockSyncJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.syncer == nil {
		return errors.New("lowstock sync: handler not configured")
	}
	var payload LowStockSyncPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("lowstock sync payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	tracker := j.metrics.Track(TaskLowStockSync)
	defer func() { err = tracker.End(err) }()

	if payload.TenantID != nil {
		st, err := j.syncer.Sync(ctx, *payload.TenantID)
		if err != nil {
			return err
		}
		j.metrics.AddItems(TaskLowStockSync, 1)
		j.logger.Debug("low-stock sync", slog.String("tenant_id", payload.TenantID.String()),
			slog.Int("low_stock", len(st.LowStock)), slog.Bool("handled", st.Handled))
		return nil
	}
	n, err := j.syncer.SyncAll(ctx)
	j.metrics.AddItems(TaskLowStockSync, n)
	if err != nil {
		return err
	}
	j.logger.Info("low-stock sync completed", slog.Int("tenants", n))
	return nil
}
