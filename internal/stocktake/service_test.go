package stocktake

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/apotheca-erp/apotheca/internal/inventory"
	"github.com/apotheca-erp/apotheca/internal/inventory/inventorytest"
	"github.com/apotheca-erp/apotheca/internal/sequence"
	"github.com/apotheca-erp/apotheca/internal/shared"
	_ "github.com/apotheca-erp/apotheca/testing"
)

type memoryRepo struct {
	*inventorytest.Store
	sessions map[uuid.UUID]Session
}

type memoryTx struct {
	*inventorytest.Store
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{Store: inventorytest.NewStore(), sessions: make(map[uuid.UUID]Session)}
}

func cloneSession(s Session) Session {
	s.Lines = append([]Line(nil), s.Lines...)
	return s
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.Store.RunTx(func() error {
		saved := make(map[uuid.UUID]Session, len(r.sessions))
		for k, v := range r.sessions {
			saved[k] = cloneSession(v)
		}
		if err := fn(ctx, &memoryTx{Store: r.Store, repo: r}); err != nil {
			r.sessions = saved
			return err
		}
		return nil
	})
}

func (r *memoryRepo) GetSession(_ context.Context, tenantID, sessionID uuid.UUID) (Session, error) {
	s, ok := r.sessions[sessionID]
	if !ok || s.TenantID != tenantID {
		return Session{}, shared.ErrNotFound
	}
	return cloneSession(s), nil
}

func (r *memoryRepo) ListSessions(_ context.Context, tenantID uuid.UUID, _ int) ([]Session, error) {
	var out []Session
	for _, s := range r.sessions {
		if s.TenantID == tenantID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (tx *memoryTx) LockKind(context.Context, uuid.UUID, sequence.Kind) error { return nil }

func (tx *memoryTx) ListRecords(_ context.Context, tenantID uuid.UUID, _ sequence.Kind) ([]sequence.Record, error) {
	var out []sequence.Record
	for _, s := range tx.repo.sessions {
		if s.TenantID == tenantID {
			n := s.Sequence
			out = append(out, sequence.Record{ID: s.ID, Code: s.Code, Sequence: &n, CreatedAt: s.CreatedAt})
		}
	}
	return out, nil
}

func (tx *memoryTx) UpdateRecord(_ context.Context, _ uuid.UUID, _ sequence.Kind, a sequence.Assignment) error {
	s := tx.repo.sessions[a.ID]
	s.Sequence, s.Code = a.Sequence, a.Code
	tx.repo.sessions[a.ID] = s
	return nil
}

func (tx *memoryTx) InsertSession(_ context.Context, s Session) error {
	tx.Store.Writes++
	tx.repo.sessions[s.ID] = cloneSession(s)
	return nil
}

func (tx *memoryTx) GetSessionForUpdate(ctx context.Context, tenantID, sessionID uuid.UUID) (Session, error) {
	return tx.repo.GetSession(ctx, tenantID, sessionID)
}

func (tx *memoryTx) UpdateSessionStatus(_ context.Context, s Session) error {
	tx.Store.Writes++
	cur := tx.repo.sessions[s.ID]
	cur.Status, cur.StartedAt, cur.FinalizedAt = s.Status, s.StartedAt, s.FinalizedAt
	tx.repo.sessions[s.ID] = cur
	return nil
}

func (tx *memoryTx) UpdateLines(_ context.Context, sessionID uuid.UUID, lines []Line) error {
	if len(lines) == 0 {
		return nil
	}
	tx.Store.Writes++
	cur := cloneSession(tx.repo.sessions[sessionID])
	for _, l := range lines {
		for i := range cur.Lines {
			if cur.Lines[i].ID == l.ID {
				cur.Lines[i].Counted, cur.Lines[i].Variance = l.Counted, l.Variance
			}
		}
	}
	tx.repo.sessions[sessionID] = cur
	return nil
}

var testNow = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *memoryRepo, uuid.UUID) {
	t.Helper()
	repo := newMemoryRepo()
	clock := func() time.Time { return testNow }
	stock := inventory.NewService(repo.Store, nil, nil, inventory.ServiceConfig{Clock: clock}, nil, nil, nil)
	svc := NewService(repo, stock, sequence.NewAssigner(5), nil, nil, nil).WithClock(clock)
	return svc, repo, uuid.New()
}

func ptr(n int) *int { return &n }

func TestCreateSnapshotsExpectedQuantities(t *testing.T) {
	svc, repo, tenant := newTestService(t)
	a := repo.AddProduct(tenant, "Aspirin", 10, 0)
	b := repo.AddProduct(tenant, "Bisoprolol", 4, 0)
	repo.AddProduct(uuid.New(), "Other tenant", 9, 0)

	session, err := svc.Create(context.Background(), CreateInput{TenantID: tenant})
	require.NoError(t, err)
	require.Equal(t, "STK-00001", session.Code)
	require.Equal(t, StatusDraft, session.Status)
	require.Len(t, session.Lines, 2)
	require.Equal(t, a.ID, session.Lines[0].ProductID)
	require.Equal(t, 10, session.Lines[0].Expected)
	require.Equal(t, b.ID, session.Lines[1].ProductID)

	only, err := svc.Create(context.Background(), CreateInput{TenantID: tenant, ProductIDs: []uuid.UUID{b.ID, b.ID}})
	require.NoError(t, err)
	require.Equal(t, "STK-00002", only.Code)
	require.Len(t, only.Lines, 1)
}

func TestCreateRejectsForeignProduct(t *testing.T) {
	svc, repo, tenant := newTestService(t)
	other := repo.AddProduct(uuid.New(), "Foreign", 1, 0)

	_, err := svc.Create(context.Background(), CreateInput{TenantID: tenant, ProductIDs: []uuid.UUID{other.ID}})
	require.ErrorIs(t, err, shared.ErrUnauthorized)
}

func TestFinalizeLifecycle(t *testing.T) {
	svc, repo, tenant := newTestService(t)
	ctx := context.Background()
	a := repo.AddProduct(tenant, "Aspirin", 10, 0)
	b := repo.AddProduct(tenant, "Bisoprolol", 4, 0)
	c := repo.AddProduct(tenant, "Cetirizine", 6, 0)

	session, err := svc.Create(ctx, CreateInput{TenantID: tenant})
	require.NoError(t, err)

	_, err = svc.Finalize(ctx, CountsInput{TenantID: tenant, SessionID: session.ID})
	require.ErrorIs(t, err, shared.ErrNotStarted)
	_, err = svc.RecordCounts(ctx, CountsInput{TenantID: tenant, SessionID: session.ID})
	require.ErrorIs(t, err, shared.ErrNotStarted)

	_, err = svc.Start(ctx, tenant, session.ID, nil)
	require.NoError(t, err)

	_, err = svc.RecordCounts(ctx, CountsInput{TenantID: tenant, SessionID: session.ID, Counts: []Count{{ProductID: b.ID, Quantity: 6}}})
	require.NoError(t, err)

	result, err := svc.Finalize(ctx, CountsInput{TenantID: tenant, SessionID: session.ID, Counts: []Count{{ProductID: a.ID, Quantity: 7}}})
	require.NoError(t, err)
	require.Equal(t, 2, result.Adjusted)
	require.Equal(t, StatusFinalized, result.Session.Status)
	require.NotNil(t, result.Session.FinalizedAt)

	require.Equal(t, 7, repo.Stock(a.ID))
	require.Equal(t, 6, repo.Stock(b.ID), "stored count is used when none is supplied")
	require.Equal(t, 6, repo.Stock(c.ID), "uncounted lines default to expected")

	movements := repo.MovementsFor(a.ID)
	require.Len(t, movements, 1)
	require.Equal(t, inventory.MovementStocktakeSync, movements[0].Kind)
	require.Equal(t, -3, movements[0].Delta)
	require.Equal(t, session.ID.String(), movements[0].SourceID)
	require.Equal(t, "Stocktake "+session.Code, movements[0].Reason)
	require.Empty(t, repo.MovementsFor(c.ID))

	stored, err := svc.Get(ctx, tenant, session.ID)
	require.NoError(t, err)
	for _, line := range stored.Lines {
		require.NotNil(t, line.Counted)
		require.NotNil(t, line.Variance)
	}

	_, err = svc.Finalize(ctx, CountsInput{TenantID: tenant, SessionID: session.ID})
	require.ErrorIs(t, err, shared.ErrAlreadyFinalized)
	_, err = svc.Start(ctx, tenant, session.ID, nil)
	require.ErrorIs(t, err, shared.ErrAlreadyFinalized)
}

func TestFinalizeNegativeResultWritesNothing(t *testing.T) {
	svc, repo, tenant := newTestService(t)
	ctx := context.Background()
	a := repo.AddProduct(tenant, "Aspirin", 5, 0)
	b := repo.AddProduct(tenant, "Bisoprolol", 5, 0)

	session, err := svc.Create(ctx, CreateInput{TenantID: tenant})
	require.NoError(t, err)
	_, err = svc.Start(ctx, tenant, session.ID, nil)
	require.NoError(t, err)

	// b drops to 2 after the snapshot, so counting 2 against expected 5 is -3
	require.NoError(t, repo.UpdateProductStock(ctx, b.ID, 2))

	before := repo.Writes
	_, err = svc.Finalize(ctx, CountsInput{TenantID: tenant, SessionID: session.ID, Counts: []Count{
		{ProductID: a.ID, Quantity: 4},
		{ProductID: b.ID, Quantity: 2},
	}})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.Equal(t, before, repo.Writes)
	require.Equal(t, 5, repo.Stock(a.ID))
	require.Equal(t, 2, repo.Stock(b.ID))

	stored, err := svc.Get(ctx, tenant, session.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCounting, stored.Status)
	require.Nil(t, stored.Lines[0].Variance)
}

func TestFinalizeRejectsUnknownProduct(t *testing.T) {
	svc, repo, tenant := newTestService(t)
	ctx := context.Background()
	a := repo.AddProduct(tenant, "Aspirin", 5, 0)
	outside := repo.AddProduct(tenant, "Not counted", 5, 0)

	session, err := svc.Create(ctx, CreateInput{TenantID: tenant, ProductIDs: []uuid.UUID{a.ID}})
	require.NoError(t, err)
	_, err = svc.Start(ctx, tenant, session.ID, nil)
	require.NoError(t, err)

	_, err = svc.Finalize(ctx, CountsInput{TenantID: tenant, SessionID: session.ID, Counts: []Count{{ProductID: outside.ID, Quantity: 1}}})
	require.ErrorIs(t, err, shared.ErrInvalidProduct)

	_, err = svc.Finalize(ctx, CountsInput{TenantID: tenant, SessionID: session.ID, Counts: []Count{{ProductID: a.ID, Quantity: -1}}})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestFinalizeFlagsLotDivergence(t *testing.T) {
	svc, repo, tenant := newTestService(t)
	ctx := context.Background()
	a := repo.AddProduct(tenant, "Aspirin", 5, 0)
	repo.AddLot(tenant, a.ID, "A1", time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), 5)

	session, err := svc.Create(ctx, CreateInput{TenantID: tenant})
	require.NoError(t, err)
	_, err = svc.Start(ctx, tenant, session.ID, nil)
	require.NoError(t, err)

	result, err := svc.Finalize(ctx, CountsInput{TenantID: tenant, SessionID: session.ID, Counts: []Count{{ProductID: a.ID, Quantity: 3}}})
	require.NoError(t, err)
	require.Equal(t, 1, result.Adjusted)
	require.Len(t, result.Divergences, 1)
	require.Equal(t, inventory.Divergence{ProductID: a.ID, Aggregate: 3, LotSum: 5}, result.Divergences[0])
	require.Equal(t, 5, repo.LotSum(a.ID), "stocktake never touches lots")
	require.Equal(t, ptr(-2), result.Session.Lines[0].Variance)
}
