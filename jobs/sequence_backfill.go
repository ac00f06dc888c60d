package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/apotheca-erp/apotheca/internal/jobs"
)

// SequenceBackfiller is satisfied by *sequence.Service.
type SequenceBackfiller interface {
	BackfillAll(ctx context.Context) (int, error)
}

// SequenceBackfillJob fills in missing document sequence numbers.
type SequenceBackfillJob struct {
	backfiller SequenceBackfiller
	logger     *slog.Logger
	metrics    *jobmetrics.Metrics
}

// NewSequenceBackfillJob constructs the job.
func NewSequenceBackfillJob(backfiller SequenceBackfiller, logger *slog.Logger, metrics *jobmetrics.Metrics) *SequenceBackfillJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &SequenceBackfillJob{backfiller: backfiller, logger: logger, metrics: metrics}
}

// Handle runs the backfill across all tenants and kinds.
func (j *SequenceBackfillJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.backfiller == nil {
		return errors.New("sequence backfill: handler not configured")
	}
	tracker := j.metrics.Track(TaskSequenceBackfill)
	defer func() { err = tracker.End(err) }()

	n, err := j.backfiller.BackfillAll(ctx)
	j.metrics.AddItems(TaskSequenceBackfill, n)
	if err != nil {
		j.logger.Error("sequence backfill failed", slog.Int("assigned", n), slog.Any("error", err))
		return err
	}
	j.logger.Info("sequence backfill completed", slog.Int("assigned", n))
	return nil
}
