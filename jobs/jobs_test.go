package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/apotheca-erp/apotheca/internal/inventory"
	jobmetrics "github.com/apotheca-erp/apotheca/internal/jobs"
	"github.com/apotheca-erp/apotheca/internal/lowstock"
)

type stubScanner struct {
	found int
	err   error
}

func (s stubScanner) ScanAllTenants(context.Context) (int, error) { return s.found, s.err }

type stubSyncer struct {
	tenants []uuid.UUID
	all     int
}

func (s *stubSyncer) Sync(_ context.Context, tenantID uuid.UUID) (lowstock.Status, error) {
	s.tenants = append(s.tenants, tenantID)
	return lowstock.Status{}, nil
}

func (s *stubSyncer) SyncAll(context.Context) (int, error) {
	s.all++
	return 2, nil
}

type stubCleaner struct {
	olderThan time.Duration
}

func (s *stubCleaner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	s.olderThan = olderThan
	return 5, nil
}

type recordingEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (r *recordingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.tasks = append(r.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (r *recordingEnqueuer) Close() error { return nil }

func TestLotParityJobPropagatesScanFailure(t *testing.T) {
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	ctx := context.Background()

	require.NoError(t, NewLotParityJob(stubScanner{found: 2}, nil, metrics).Handle(ctx, NewLotParityScanTask()))

	boom := errors.New("db down")
	err := NewLotParityJob(stubScanner{err: boom}, nil, metrics).Handle(ctx, NewLotParityScanTask())
	require.ErrorIs(t, err, boom)

	var unset *LotParityJob
	require.Error(t, unset.Handle(ctx, NewLotParityScanTask()))
}

func TestLowStockSyncJobScopes(t *testing.T) {
	ctx := context.Background()
	syncer := &stubSyncer{}
	job := NewLowStockSyncJob(syncer, nil, nil)

	tenant := uuid.New()
	task, err := NewLowStockSyncTask(&tenant)
	require.NoError(t, err)
	require.NoError(t, job.Handle(ctx, task))
	require.Equal(t, []uuid.UUID{tenant}, syncer.tenants)

	all, err := NewLowStockSyncTask(nil)
	require.NoError(t, err)
	require.NoError(t, job.Handle(ctx, all))
	require.Equal(t, 1, syncer.all)

	err = job.Handle(ctx, asynq.NewTask(TaskLowStockSync, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestIdempotencyCleanupRetention(t *testing.T) {
	ctx := context.Background()
	cleaner := &stubCleaner{}
	job := NewIdempotencyCleanupJob(cleaner, nil, nil)

	task, err := NewIdempotencyCleanupTask(48)
	require.NoError(t, err)
	require.NoError(t, job.Handle(ctx, task))
	require.Equal(t, 48*time.Hour, cleaner.olderThan)

	require.NoError(t, job.Handle(ctx, asynq.NewTask(TaskIdempotencyCleanup, nil)))
	require.Equal(t, 7*24*time.Hour, cleaner.olderThan)
}

func TestClientQueuesLowStockSyncOnStockChange(t *testing.T) {
	enq := &recordingEnqueuer{}
	client := NewClientWith(enq, nil)
	tenant := uuid.New()

	var obs inventory.Observer = client
	obs.HandleStockChanged(context.Background(), inventory.StockChangedEvent{
		TenantID:   tenant,
		Kind:       inventory.MovementSaleSync,
		ProductIDs: []uuid.UUID{uuid.New()},
	})
	require.Len(t, enq.tasks, 1)
	require.Equal(t, TaskLowStockSync, enq.tasks[0].Type())

	var payload LowStockSyncPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.Equal(t, tenant, *payload.TenantID)

	enq.err = asynq.ErrDuplicateTask
	require.NoError(t, client.EnqueueLowStockSync(context.Background(), tenant))
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) { return s.info, s.err }

func TestHealthEndpoint(t *testing.T) {
	serve := func(h *Handler) *httptest.ResponseRecorder {
		r := chi.NewRouter()
		h.MountRoutes(r)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
		return rec
	}

	rec := serve(NewHandler(stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3, Archived: 1}}, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got queueHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, queueHealth{Queue: QueueDefault, Pending: 3, Failed: 1}, got)

	rec = serve(NewHandler(stubInspector{err: errors.New("redis down")}, nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTaskByName(t *testing.T) {
	for _, name := range []string{TaskLotParityScan, TaskSequenceBackfill, TaskLowStockSync, TaskIdempotencyCleanup} {
		task, err := TaskByName(name)
		require.NoError(t, err, name)
		require.Equal(t, name, task.Type())
	}
	_, err := TaskByName("mail:send")
	require.Error(t, err)
}
