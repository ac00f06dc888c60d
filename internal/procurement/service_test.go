package procurement

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
	docs map[uuid.UUID]Document
}

type memoryTx struct {
	*inventorytest.Store
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{Store: inventorytest.NewStore(), docs: make(map[uuid.UUID]Document)}
}

func cloneDoc(d Document) Document {
	d.Lines = append([]Line(nil), d.Lines...)
	for i := range d.Lines {
		d.Lines[i].Lots = nil
	}
	return d
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.Store.RunTx(func() error {
		saved := make(map[uuid.UUID]Document, len(r.docs))
		for k, v := range r.docs {
			saved[k] = v
		}
		if err := fn(ctx, &memoryTx{Store: r.Store, repo: r}); err != nil {
			r.docs = saved
			return err
		}
		return nil
	})
}

func (r *memoryRepo) load(ctx context.Context, tenantID, documentID uuid.UUID) (Document, error) {
	doc, ok := r.docs[documentID]
	if !ok || doc.TenantID != tenantID {
		return Document{}, shared.ErrNotFound
	}
	doc = cloneDoc(doc)
	allocs, _ := r.Store.ListReceiptAllocations(ctx, tenantID, documentID)
	attachLots(doc.Lines, allocs)
	return doc, nil
}

func (r *memoryRepo) GetDocument(ctx context.Context, tenantID, documentID uuid.UUID) (Document, error) {
	return r.load(ctx, tenantID, documentID)
}

func (r *memoryRepo) ListDocuments(_ context.Context, filter ListFilter) (DocumentPage, error) {
	var page DocumentPage
	for _, d := range r.docs {
		if d.TenantID == filter.TenantID && (filter.Kind == "" || d.Kind == filter.Kind) {
			page.Documents = append(page.Documents, d)
		}
	}
	return page, nil
}

func (tx *memoryTx) LockKind(context.Context, uuid.UUID, sequence.Kind) error { return nil }

func (tx *memoryTx) ListRecords(_ context.Context, tenantID uuid.UUID, kind sequence.Kind) ([]sequence.Record, error) {
	var out []sequence.Record
	for _, d := range tx.repo.docs {
		if d.TenantID != tenantID || string(d.Kind) != kind.Name {
			continue
		}
		n := d.Sequence
		out = append(out, sequence.Record{ID: d.ID, Code: d.Code, Sequence: &n, CreatedAt: d.CreatedAt})
	}
	return out, nil
}

func (tx *memoryTx) UpdateRecord(_ context.Context, _ uuid.UUID, _ sequence.Kind, a sequence.Assignment) error {
	d := tx.repo.docs[a.ID]
	d.Sequence, d.Code = a.Sequence, a.Code
	tx.repo.docs[a.ID] = d
	return nil
}

func (tx *memoryTx) InsertDocument(ctx context.Context, doc Document) error {
	tx.repo.docs[doc.ID] = cloneDoc(doc)
	return tx.ReplaceDocumentLines(ctx, doc)
}

func (tx *memoryTx) GetDocumentForUpdate(ctx context.Context, tenantID, documentID uuid.UUID) (Document, error) {
	return tx.repo.load(ctx, tenantID, documentID)
}

func (tx *memoryTx) UpdateDocumentHeader(_ context.Context, doc Document) error {
	cur := tx.repo.docs[doc.ID]
	cur.Status, cur.SupplierName, cur.Note, cur.UpdatedAt = doc.Status, doc.SupplierName, doc.Note, doc.UpdatedAt
	tx.repo.docs[doc.ID] = cur
	return nil
}

func (tx *memoryTx) ReplaceDocumentLines(ctx context.Context, doc Document) error {
	cur := tx.repo.docs[doc.ID]
	cur.Lines = cloneDoc(doc).Lines
	tx.repo.docs[doc.ID] = cur
	return tx.ReplaceReceiptAllocations(ctx, doc.TenantID, doc.ID, doc.receiptAllocations())
}

func (tx *memoryTx) DeleteDocument(ctx context.Context, tenantID, documentID uuid.UUID) error {
	if d, ok := tx.repo.docs[documentID]; !ok || d.TenantID != tenantID {
		return shared.ErrNotFound
	}
	delete(tx.repo.docs, documentID)
	return tx.ReplaceReceiptAllocations(ctx, tenantID, documentID, nil)
}

type recordingDrafts struct {
	events []DraftEvent
}

func (r *recordingDrafts) OnDraftLeftDraft(_ context.Context, evt DraftEvent) error {
	r.events = append(r.events, evt)
	return nil
}

var (
	testNow = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	expiryA = time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC)
	expiryB = time.Date(2027, 6, 30, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	repo    *memoryRepo
	stock   *inventory.Service
	svc     *Service
	drafts  *recordingDrafts
	tenant  uuid.UUID
	product inventory.Product
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMemoryRepo()
	clock := func() time.Time { return testNow }
	stock := inventory.NewService(repo.Store, nil, nil, inventory.ServiceConfig{Clock: clock}, nil, nil, nil)
	svc := NewService(repo, stock, sequence.NewAssigner(5), nil, nil, nil, nil).WithClock(clock)
	drafts := &recordingDrafts{}
	svc.SetDraftObserver(drafts)
	tenant := uuid.New()
	product := repo.AddProduct(tenant, "Amoxicillin 500mg", 0, 5)
	return &fixture{repo: repo, stock: stock, svc: svc, drafts: drafts, tenant: tenant, product: product}
}

func (f *fixture) delivery(t *testing.T, lines ...LineInput) Document {
	t.Helper()
	doc, err := f.svc.Create(context.Background(), CreateInput{TenantID: f.tenant, Kind: KindDelivery, SupplierName: "Medika", Lines: lines})
	require.NoError(t, err)
	return doc
}

func (f *fixture) move(t *testing.T, doc Document, to Status) (Document, error) {
	t.Helper()
	return f.svc.ChangeStatus(context.Background(), StatusInput{TenantID: f.tenant, DocumentID: doc.ID, Status: to})
}

func (f *fixture) receive(t *testing.T, doc Document) Document {
	t.Helper()
	doc, err := f.move(t, doc, StatusSent)
	require.NoError(t, err)
	doc, err = f.move(t, doc, StatusReceived)
	require.NoError(t, err)
	return doc
}

func lotLine(productID uuid.UUID, lots ...LotDeclaration) LineInput {
	qty := 0
	for _, l := range lots {
		qty += l.Quantity
	}
	return LineInput{ProductID: productID, Quantity: qty, Lots: lots}
}

func TestReceiveDeliveryCreatesLots(t *testing.T) {
	f := newFixture(t)
	doc := f.delivery(t, lotLine(f.product.ID,
		LotDeclaration{Code: "l1", Expiry: expiryA, Quantity: 6},
		LotDeclaration{Code: "L2", Expiry: expiryB, Quantity: 4},
	))
	require.Equal(t, "DLV-00001", doc.Code)

	sent, err := f.move(t, doc, StatusSent)
	require.NoError(t, err)
	require.Equal(t, StatusSent, sent.Status)
	require.Zero(t, f.repo.Stock(f.product.ID))

	received, err := f.move(t, sent, StatusReceived)
	require.NoError(t, err)
	require.Equal(t, StatusReceived, received.Status)
	require.Equal(t, 10, f.repo.Stock(f.product.ID))
	require.Equal(t, 10, f.repo.LotSum(f.product.ID))

	l1, ok := f.repo.Lot(f.product.ID, "L1")
	require.True(t, ok)
	require.Equal(t, 6, l1.Quantity)
	require.Equal(t, inventory.LotSourceReceipt, l1.SourceKind)
	require.NotNil(t, l1.SourceDocumentID)
	require.Equal(t, doc.ID, *l1.SourceDocumentID)

	movements := f.repo.MovementsFor(f.product.ID)
	require.Len(t, movements, 1)
	require.Equal(t, inventory.MovementReceiptSync, movements[0].Kind)
	require.Equal(t, 10, movements[0].Delta)
	require.Equal(t, doc.ID.String(), movements[0].SourceID)
	require.Empty(t, f.drafts.events, "deliveries never notify the draft observer")
}

func TestReceiveRequiresLotDeclarations(t *testing.T) {
	f := newFixture(t)
	doc := f.delivery(t, LineInput{ProductID: f.product.ID, Quantity: 5})
	doc, err := f.move(t, doc, StatusSent)
	require.NoError(t, err)

	_, err = f.move(t, doc, StatusReceived)
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Zero(t, f.repo.Stock(f.product.ID))

	stored, err := f.svc.Get(context.Background(), f.tenant, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSent, stored.Status)
}

func TestEditReceivedDeliveryAppliesDelta(t *testing.T) {
	f := newFixture(t)
	doc := f.receive(t, f.delivery(t, lotLine(f.product.ID,
		LotDeclaration{Code: "L1", Expiry: expiryA, Quantity: 6},
		LotDeclaration{Code: "L2", Expiry: expiryB, Quantity: 4},
	)))

	_, err := f.svc.Update(context.Background(), UpdateInput{
		TenantID:   f.tenant,
		DocumentID: doc.ID,
		Lines: []LineInput{lotLine(f.product.ID,
			LotDeclaration{Code: "L1", Expiry: expiryA, Quantity: 8},
			LotDeclaration{Code: "L3", Expiry: expiryB, Quantity: 1},
		)},
	})
	require.NoError(t, err)

	require.Equal(t, 9, f.repo.Stock(f.product.ID))
	require.Equal(t, 9, f.repo.LotSum(f.product.ID))
	l1, _ := f.repo.Lot(f.product.ID, "L1")
	require.Equal(t, 8, l1.Quantity)
	l2, _ := f.repo.Lot(f.product.ID, "L2")
	require.Zero(t, l2.Quantity)
	l3, ok := f.repo.Lot(f.product.ID, "L3")
	require.True(t, ok)
	require.Equal(t, 1, l3.Quantity)
	require.Equal(t, 9, f.repo.LedgerSum(f.product.ID))

	stored, err := f.svc.Get(context.Background(), f.tenant, doc.ID)
	require.NoError(t, err)
	require.Len(t, stored.Lines, 1)
	require.Len(t, stored.Lines[0].Lots, 2)
}

func TestPastExpiryNeverReachesStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	doc := f.delivery(t, lotLine(f.product.ID, LotDeclaration{Code: "L1", Expiry: expiryA, Quantity: 5}))

	_, err := f.svc.Update(ctx, UpdateInput{
		TenantID:   f.tenant,
		DocumentID: doc.ID,
		Lines:      []LineInput{lotLine(f.product.ID, LotDeclaration{Code: "L1", Expiry: past, Quantity: 5})},
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	doc, err = f.move(t, doc, StatusSent)
	require.NoError(t, err)

	// The declared expiry has passed by the time the goods arrive.
	f.svc.WithClock(func() time.Time { return expiryA.AddDate(0, 0, 1) })
	_, err = f.move(t, doc, StatusReceived)
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Zero(t, f.repo.Stock(f.product.ID))
	_, ok := f.repo.Lot(f.product.ID, "L1")
	require.False(t, ok)
}

func TestEditReceivedDeliveryKeepsExpiredLot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.receive(t, f.delivery(t,
		lotLine(f.product.ID, LotDeclaration{Code: "L1", Expiry: expiryA, Quantity: 5}),
	))
	f.svc.WithClock(func() time.Time { return expiryA.AddDate(0, 1, 0) })

	_, err := f.svc.Update(ctx, UpdateInput{
		TenantID:   f.tenant,
		DocumentID: doc.ID,
		Lines:      []LineInput{lotLine(f.product.ID, LotDeclaration{Code: "L1", Expiry: expiryA, Quantity: 4})},
	})
	require.NoError(t, err)
	require.Equal(t, 4, f.repo.Stock(f.product.ID))

	_, err = f.svc.Update(ctx, UpdateInput{
		TenantID:   f.tenant,
		DocumentID: doc.ID,
		Lines:      []LineInput{lotLine(f.product.ID, LotDeclaration{Code: "L1", Expiry: expiryA.AddDate(0, 0, -7), Quantity: 4})},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
	l1, _ := f.repo.Lot(f.product.ID, "L1")
	require.True(t, l1.ExpiryDate.Equal(expiryA))
}

func TestEditReceivedDeliveryRejectsExpiryChange(t *testing.T) {
	f := newFixture(t)
	doc := f.receive(t, f.delivery(t, lotLine(f.product.ID, LotDeclaration{Code: "L1", Expiry: expiryA, Quantity: 5})))

	_, err := f.svc.Update(context.Background(), UpdateInput{
		TenantID:   f.tenant,
		DocumentID: doc.ID,
		Lines:      []LineInput{lotLine(f.product.ID, LotDeclaration{Code: "L1", Expiry: expiryB, Quantity: 5})},
	})
	require.ErrorIs(t, err, shared.ErrLotCollision)

	stored, err := f.svc.Get(context.Background(), f.tenant, doc.ID)
	require.NoError(t, err)
	require.True(t, stored.Lines[0].Lots[0].Expiry.Equal(expiryA))
	l1, _ := f.repo.Lot(f.product.ID, "L1")
	require.True(t, l1.ExpiryDate.Equal(expiryA))
	require.Equal(t, 5, l1.Quantity)
}

func TestCancelReceivedDeliveryReversesStock(t *testing.T) {
	f := newFixture(t)
	doc := f.receive(t, f.delivery(t, lotLine(f.product.ID, LotDeclaration{Code: "L1", Expiry: expiryA, Quantity: 7})))

	_, err := f.move(t, doc, StatusCancelled)
	require.NoError(t, err)
	require.Zero(t, f.repo.Stock(f.product.ID))
	require.Zero(t, f.repo.LotSum(f.product.ID))
	require.Zero(t, f.repo.LedgerSum(f.product.ID))

	movements := f.repo.MovementsFor(f.product.ID)
	require.Len(t, movements, 2)
	require.Contains(t, movements[1].Reason, "reversed")
}

func TestReceiveCollidesWithExistingLot(t *testing.T) {
	f := newFixture(t)
	f.repo.AddLot(f.tenant, f.product.ID, "L1", expiryB, 3)
	doc := f.delivery(t, lotLine(f.product.ID, LotDeclaration{Code: "L1", Expiry: expiryA, Quantity: 5}))
	doc, err := f.move(t, doc, StatusSent)
	require.NoError(t, err)

	_, err = f.move(t, doc, StatusReceived)
	require.ErrorIs(t, err, shared.ErrLotCollision)
	l1, _ := f.repo.Lot(f.product.ID, "L1")
	require.Equal(t, 3, l1.Quantity)
	require.Zero(t, f.repo.Stock(f.product.ID))
	require.Empty(t, f.repo.MovementsFor(f.product.ID))
}

func TestCancelAfterSaleUnderflowsLot(t *testing.T) {
	f := newFixture(t)
	doc := f.receive(t, f.delivery(t, lotLine(f.product.ID, LotDeclaration{Code: "L1", Expiry: expiryA, Quantity: 5})))

	_, err := f.stock.AllocateFEFO(context.Background(), inventory.ConsumeInput{
		TenantID: f.tenant,
		SaleID:   uuid.New(),
		Lines:    []inventory.SaleLine{{LineID: uuid.New(), ProductID: f.product.ID, Quantity: 3}},
	})
	require.NoError(t, err)

	_, err = f.move(t, doc, StatusCancelled)
	require.ErrorIs(t, err, shared.ErrLotUnderflow)
	require.Equal(t, 2, f.repo.Stock(f.product.ID))
	require.Equal(t, 2, f.repo.LotSum(f.product.ID))
}

func TestDeleteReceivedDeliveryRestoresStock(t *testing.T) {
	f := newFixture(t)
	doc := f.receive(t, f.delivery(t, lotLine(f.product.ID, LotDeclaration{Code: "L1", Expiry: expiryA, Quantity: 4})))

	require.NoError(t, f.svc.Delete(context.Background(), f.tenant, doc.ID, nil))
	require.Zero(t, f.repo.Stock(f.product.ID))
	_, err := f.svc.Get(context.Background(), f.tenant, doc.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestStatusTransitions(t *testing.T) {
	f := newFixture(t)
	doc := f.delivery(t, lotLine(f.product.ID, LotDeclaration{Code: "L1", Expiry: expiryA, Quantity: 1}))

	_, err := f.move(t, doc, StatusReceived)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	cancelled, err := f.move(t, doc, StatusCancelled)
	require.NoError(t, err)
	_, err = f.move(t, cancelled, StatusSent)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	_, err = f.svc.Update(context.Background(), UpdateInput{TenantID: f.tenant, DocumentID: doc.ID})
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestCreateRejectsForeignProduct(t *testing.T) {
	f := newFixture(t)
	other := f.repo.AddProduct(uuid.New(), "Foreign", 10, 0)

	_, err := f.svc.Create(context.Background(), CreateInput{
		TenantID: f.tenant,
		Kind:     KindOrder,
		Lines:    []LineInput{{ProductID: other.ID, Quantity: 1}},
	})
	require.ErrorIs(t, err, shared.ErrUnauthorized)
}

func TestOrderLeavingDraftNotifiesObserver(t *testing.T) {
	f := newFixture(t)
	doc, err := f.svc.CreateReorderDraft(context.Background(), f.tenant, []uuid.UUID{f.product.ID})
	require.NoError(t, err)
	require.Equal(t, "PO-00001", doc.Code)

	_, err = f.move(t, doc, StatusSent)
	require.NoError(t, err)
	require.Len(t, f.drafts.events, 1)
	require.Equal(t, doc.ID, f.drafts.events[0].DocumentID)
	require.Equal(t, StatusSent, f.drafts.events[0].Status)
	require.False(t, f.drafts.events[0].Deleted)
	require.Zero(t, f.repo.Stock(f.product.ID), "orders never apply stock")
}

func TestDraftLinesKeepUserQuantities(t *testing.T) {
	f := newFixture(t)
	second := f.repo.AddProduct(f.tenant, "Cetirizine 10mg", 0, 2)
	third := f.repo.AddProduct(f.tenant, "Loratadine 10mg", 0, 2)
	ctx := context.Background()

	doc, err := f.svc.CreateReorderDraft(ctx, f.tenant, []uuid.UUID{f.product.ID, second.ID})
	require.NoError(t, err)
	require.Len(t, doc.Lines, 2)

	_, err = f.svc.Update(ctx, UpdateInput{
		TenantID:   f.tenant,
		DocumentID: doc.ID,
		Lines: []LineInput{
			{ProductID: f.product.ID},
			{ProductID: second.ID, Quantity: 12},
		},
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.RemoveDraftLines(ctx, f.tenant, doc.ID, []uuid.UUID{f.product.ID, second.ID}))
	require.NoError(t, f.svc.AddDraftLines(ctx, f.tenant, doc.ID, []uuid.UUID{third.ID, second.ID}))

	stored, err := f.svc.GetDraft(ctx, f.tenant, doc.ID)
	require.NoError(t, err)
	require.Len(t, stored.Lines, 2)
	require.Equal(t, second.ID, stored.Lines[0].ProductID)
	require.Equal(t, 12, stored.Lines[0].Quantity)
	require.Equal(t, third.ID, stored.Lines[1].ProductID)
	require.Equal(t, 2, stored.Lines[1].Position)
}

func TestValidateLots(t *testing.T) {
	product := uuid.New()
	past := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		line     Line
		needLots bool
		applied  map[appliedLot]struct{}
		wantErr  bool
	}{
		{name: "ok", line: Line{ProductID: product, Quantity: 5, Lots: []LotDeclaration{{Code: "A", Expiry: expiryA, Quantity: 5}}}},
		{name: "sum mismatch", line: Line{ProductID: product, Quantity: 5, Lots: []LotDeclaration{{Code: "A", Expiry: expiryA, Quantity: 4}}}, wantErr: true},
		{name: "duplicate code", line: Line{ProductID: product, Quantity: 4, Lots: []LotDeclaration{{Code: "A", Expiry: expiryA, Quantity: 2}, {Code: "A", Expiry: expiryA, Quantity: 2}}}, wantErr: true},
		{name: "zero lot", line: Line{ProductID: product, Quantity: 0, Lots: []LotDeclaration{{Code: "A", Expiry: expiryA, Quantity: 0}}}, wantErr: true},
		{name: "expired new lot", line: Line{ProductID: product, Quantity: 1, Lots: []LotDeclaration{{Code: "A", Expiry: past, Quantity: 1}}}, wantErr: true},
		{name: "expired lot already in stock", line: Line{ProductID: product, Quantity: 1, Lots: []LotDeclaration{{Code: "A", Expiry: past, Quantity: 1}}},
			applied: map[appliedLot]struct{}{{productID: product, code: "A", expiry: "2025-12-01"}: {}}},
		{name: "in stock under another expiry", line: Line{ProductID: product, Quantity: 1, Lots: []LotDeclaration{{Code: "A", Expiry: past, Quantity: 1}}},
			applied: map[appliedLot]struct{}{{productID: product, code: "A", expiry: "2027-01-31"}: {}}, wantErr: true},
		{name: "missing lots when required", line: Line{ProductID: product, Quantity: 3}, needLots: true, wantErr: true},
		{name: "missing lots on draft", line: Line{ProductID: product, Quantity: 3}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateLots([]Line{tc.line}, tc.needLots, tc.applied, testNow)
			if tc.wantErr {
				require.ErrorIs(t, err, shared.ErrValidation)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestAggregateLotsCollision(t *testing.T) {
	product := uuid.New()
	_, _, err := aggregateLots([]Line{
		{ID: uuid.New(), ProductID: product, Lots: []LotDeclaration{{Code: "A", Expiry: expiryA, Quantity: 1}}},
		{ID: uuid.New(), ProductID: product, Lots: []LotDeclaration{{Code: "a", Expiry: expiryB, Quantity: 1}}},
	})
	require.ErrorIs(t, err, shared.ErrLotCollision)

	agg, order, err := aggregateLots([]Line{
		{ID: uuid.New(), ProductID: product, Lots: []LotDeclaration{{Code: "A", Expiry: expiryA, Quantity: 2}}},
		{ID: uuid.New(), ProductID: product, Lots: []LotDeclaration{{Code: "A", Expiry: expiryA, Quantity: 3}}},
	})
	require.NoError(t, err)
	require.Len(t, order, 1)
	require.Equal(t, 5, agg[order[0]].quantity)
}
