package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskLotParityScan checks every tenant's lots against their stock counters.
	TaskLotParityScan = "inventory:lot-parity"
	// TaskSequenceBackfill assigns missing document sequence numbers.
	TaskSequenceBackfill = "sequence:backfill"
	// TaskLowStockSync aligns tracked reorder drafts with the low-stock set.
	TaskLowStockSync = "lowstock:sync"
	// TaskIdempotencyCleanup drops expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// LowStockSyncPayload scopes a sync to one tenant. A nil tenant syncs every
// tenant that tracks a draft.
type LowStockSyncPayload struct {
	TenantID *uuid.UUID `json:"tenant_id,omitempty"`
}

// IdempotencyCleanupPayload sets how long keys are retained.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// Retention returns the retention window, defaulting to seven days.
func (p IdempotencyCleanupPayload) Retention() time.Duration {
	if p.RetentionHours <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(p.RetentionHours) * time.Hour
}

// NewLotParityScanTask builds the scheduled parity scan.
func NewLotParityScanTask() *asynq.Task {
	return asynq.NewTask(TaskLotParityScan, nil, asynq.Queue(QueueDefault))
}

// NewSequenceBackfillTask builds the sequence backfill task.
func NewSequenceBackfillTask() *asynq.Task {
	return asynq.NewTask(TaskSequenceBackfill, nil, asynq.Queue(QueueDefault))
}

// NewLowStockSyncTask builds a low-stock sync for tenantID, or for all tracked tenants when nil.
func NewLowStockSyncTask(tenantID *uuid.UUID) (*asynq.Task, error) {
	body, err := json.Marshal(LowStockSyncPayload{TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLowStockSync, body, asynq.Queue(QueueDefault)), nil
}

// NewIdempotencyCleanupTask builds the cleanup task.
func NewIdempotencyCleanupTask(retentionHours int) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: retentionHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}

// TaskByName builds a task with default payload for manual triggering.
func TaskByName(name string) (*asynq.Task, error) {
	switch name {
	case TaskLotParityScan:
		return NewLotParityScanTask(), nil
	case TaskSequenceBackfill:
		return NewSequenceBackfillTask(), nil
	case TaskLowStockSync:
		return NewLowStockSyncTask(nil)
	case TaskIdempotencyCleanup:
		return NewIdempotencyCleanupTask(0)
	default:
		return nil, fmt.Errorf("jobs: unsupported task %q", name)
	}
}
