package inventory_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/apotheca-erp/apotheca/internal/inventory"
	"github.com/apotheca-erp/apotheca/internal/inventory/inventorytest"
	"github.com/apotheca-erp/apotheca/internal/shared"
	_ "github.com/apotheca-erp/apotheca/testing"
)

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{keys: make(map[string]string)}
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = module
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type memoryAudit struct {
	logs []shared.AuditLog
}

func (m *memoryAudit) Record(_ context.Context, log shared.AuditLog) error {
	m.logs = append(m.logs, log)
	return nil
}

type recordingObserver struct {
	events []inventory.StockChangedEvent
}

func (o *recordingObserver) HandleStockChanged(_ context.Context, evt inventory.StockChangedEvent) {
	o.events = append(o.events, evt)
}

func TestCreateProductRecordsOpeningStock(t *testing.T) {
	store := inventorytest.NewStore()
	audit := &memoryAudit{}
	obs := &recordingObserver{}
	svc := inventory.NewService(store, audit, nil, inventory.ServiceConfig{}, obs, nil, nil)
	tenant := uuid.New()

	p, err := svc.CreateProduct(context.Background(), inventory.CreateProductInput{
		TenantID: tenant, Name: "  Omeprazole 20mg ", OpeningStock: 12, LowStockThreshold: 4,
	})
	require.NoError(t, err)
	require.Equal(t, "Omeprazole 20mg", p.Name)
	require.Equal(t, 12, store.Stock(p.ID))

	moves := store.MovementsFor(p.ID)
	require.Len(t, moves, 1)
	require.Equal(t, inventory.MovementInitial, moves[0].Kind)
	require.Len(t, audit.logs, 1)
	require.Len(t, obs.events, 1)

	_, err = svc.CreateProduct(context.Background(), inventory.CreateProductInput{TenantID: tenant, Name: " "})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestSetStockKinds(t *testing.T) {
	store := inventorytest.NewStore()
	tenant := uuid.New()
	p := store.AddProduct(tenant, "Loratadine", 0, 0)
	svc := inventory.NewService(store, nil, nil, inventory.ServiceConfig{}, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.SetStock(ctx, inventory.SetStockInput{TenantID: tenant, ProductID: p.ID, Quantity: 8})
	require.NoError(t, err)
	_, err = svc.SetStock(ctx, inventory.SetStockInput{TenantID: tenant, ProductID: p.ID, Quantity: 5})
	require.NoError(t, err)

	moves := store.MovementsFor(p.ID)
	require.Len(t, moves, 2)
	require.Equal(t, inventory.MovementInitial, moves[0].Kind)
	require.Equal(t, 8, moves[0].Delta)
	require.Equal(t, inventory.MovementManualEdit, moves[1].Kind)
	require.Equal(t, -3, moves[1].Delta)
	require.Equal(t, 5, store.Stock(p.ID))

	_, err = svc.SetStock(ctx, inventory.SetStockInput{TenantID: tenant, ProductID: p.ID, Quantity: -1})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestAdjustStock(t *testing.T) {
	store := inventorytest.NewStore()
	tenant := uuid.New()
	p := store.AddProduct(tenant, "Zinc", 4, 0)
	idem := newMemoryIdempotency()
	svc := inventory.NewService(store, nil, idem, inventory.ServiceConfig{}, nil, nil, nil)
	ctx := context.Background()

	updated, err := svc.AdjustStock(ctx, inventory.AdjustmentInput{
		TenantID: tenant, ProductID: p.ID, Delta: -3, Reason: "Broken blister", IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	require.Equal(t, 1, updated.StockQuantity)

	_, err = svc.AdjustStock(ctx, inventory.AdjustmentInput{
		TenantID: tenant, ProductID: p.ID, Delta: -3, Reason: "Broken blister", IdempotencyKey: "k1",
	})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)

	_, err = svc.AdjustStock(ctx, inventory.AdjustmentInput{
		TenantID: tenant, ProductID: p.ID, Delta: -2, Reason: "Expired", IdempotencyKey: "k2",
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.Equal(t, 1, store.Stock(p.ID))
	require.NotContains(t, idem.keys, "ADJ:"+tenant.String()+":k2")

	_, err = svc.AdjustStock(ctx, inventory.AdjustmentInput{TenantID: tenant, ProductID: p.ID, Delta: 0, Reason: "noop"})
	require.ErrorIs(t, err, inventory.ErrInvalidQuantity)
	require.ErrorIs(t, err, shared.ErrValidation)

	moves := store.MovementsFor(p.ID)
	require.Len(t, moves, 1)
	require.Equal(t, inventory.MovementManualAdjustment, moves[0].Kind)
	require.Equal(t, "Broken blister", moves[0].Reason)
}

func TestListLotsAndTrace(t *testing.T) {
	store := inventorytest.NewStore()
	tenant := uuid.New()
	p := seedTracked(store, tenant)
	svc, _ := newService(store, true)
	ctx := context.Background()

	_, err := svc.AllocateFEFO(ctx, inventory.ConsumeInput{
		TenantID: tenant, SaleID: uuid.New(), Reference: "SAL-00010",
		Lines: []inventory.SaleLine{{LineID: uuid.New(), ProductID: p.ID, Quantity: 5}},
	})
	require.NoError(t, err)

	lots, err := svc.ListLots(ctx, tenant, p.ID, false)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	require.Equal(t, "B", lots[0].LotCode)

	lots, err = svc.ListLots(ctx, tenant, p.ID, true)
	require.NoError(t, err)
	require.Len(t, lots, 2)
	require.Equal(t, "A", lots[0].LotCode)

	trace, err := svc.TraceLot(ctx, tenant, p.ID, " a ")
	require.NoError(t, err)
	require.Equal(t, 5, trace.Consumed)
	require.Len(t, trace.Allocations, 1)
	require.Len(t, trace.Movements, 1)

	_, err = svc.TraceLot(ctx, tenant, p.ID, "missing")
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = svc.ListLots(ctx, uuid.New(), p.ID, false)
	require.ErrorIs(t, err, shared.ErrUnauthorized)
}

func TestListMovementsPages(t *testing.T) {
	store := inventorytest.NewStore()
	tenant := uuid.New()
	p := store.AddProduct(tenant, "Vitamin C", 0, 0)
	svc := inventory.NewService(store, nil, nil, inventory.ServiceConfig{}, nil, nil, nil)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := svc.SetStock(ctx, inventory.SetStockInput{TenantID: tenant, ProductID: p.ID, Quantity: i})
		require.NoError(t, err)
	}

	page, err := svc.ListMovements(ctx, inventory.MovementFilter{TenantID: tenant, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Movements, 2)
	require.NotNil(t, page.Next)

	var all []inventory.Movement
	filter := inventory.MovementFilter{TenantID: tenant, Limit: 2}
	for {
		page, err := svc.ListMovements(ctx, filter)
		require.NoError(t, err)
		all = append(all, page.Movements...)
		if page.Next == nil {
			break
		}
		filter.After = page.Next
	}
	require.Len(t, all, 5)

	_, err = svc.ListMovements(ctx, inventory.MovementFilter{})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCheckParityAndScan(t *testing.T) {
	store := inventorytest.NewStore()
	t1, t2 := uuid.New(), uuid.New()
	bad := store.AddProduct(t1, "Drift", 10, 0)
	store.AddLot(t1, bad.ID, "X", expiryA, 7)
	seedTracked(store, t2)
	svc, rec := newService(store, false)

	out, err := svc.CheckParity(context.Background(), t1)
	require.NoError(t, err)
	require.Equal(t, []inventory.Divergence{{ProductID: bad.ID, Aggregate: 10, LotSum: 7}}, out)

	total, err := svc.ScanAllTenants(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, 2, rec.total)
}
