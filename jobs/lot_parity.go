package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/apotheca-erp/apotheca/internal/jobs"
)

// ParityScanner is satisfied by *inventory.Service.
type ParityScanner interface {
	ScanAllTenants(ctx context.Context) (int, error)
}

// LotParityJob reports lot-tracked products whose lots drifted from the counter.
type LotParityJob struct {
	scanner ParityScanner
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewLotParityJob constructs the job.
func NewLotParityJob(scanner ParityScanner, logger *slog.Logger, metrics *jobmetrics.Metrics) *LotParityJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &LotParityJob{scanner: scanner, logger: logger, metrics: metrics}
}

// Handle runs the scan. Divergences are reported by the scanner itself; the
// job only fails when the scan could not complete.
func (j *LotParityJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.scanner == nil {
		return errors.New("lot parity: handler not configured")
	}
	tracker := j.metrics.Track(TaskLotParityScan)
	defer func() { err = tracker.End(err) }()

	start := time.Now()
	found, err := j.scanner.ScanAllTenants(ctx)
	if err != nil {
		j.logger.Error("lot parity scan failed", slog.Any("error", err))
		return err
	}
	j.metrics.AddItems(TaskLotParityScan, found)
	level := slog.LevelInfo
	if found > 0 {
		level = slog.LevelWarn
	}
	j.logger.Log(ctx, level, "lot parity scan completed",
		slog.Int("divergences", found), slog.Duration("duration", time.Since(start)))
	return nil
}
