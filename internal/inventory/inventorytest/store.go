// Package inventorytest provides an in-memory inventory store for tests of
// packages that move stock.
package inventorytest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apotheca-erp/apotheca/internal/inventory"
	"github.com/apotheca-erp/apotheca/internal/shared"
)

// Store implements inventory.TxRepository and inventory.RepositoryPort in memory.
// A failed transaction restores the state captured when it began.
type Store struct {
	mu sync.Mutex

	Products      map[uuid.UUID]inventory.Product
	Lots          map[uuid.UUID]inventory.StockLot
	Movements     []inventory.Movement
	SaleAllocs    []inventory.SaleAllocation
	ReceiptAllocs []inventory.ReceiptAllocation

	// Writes counts mutating calls, including those later rolled back.
	Writes int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		Products: make(map[uuid.UUID]inventory.Product),
		Lots:     make(map[uuid.UUID]inventory.StockLot),
	}
}

type snapshot struct {
	products      map[uuid.UUID]inventory.Product
	lots          map[uuid.UUID]inventory.StockLot
	movements     []inventory.Movement
	saleAllocs    []inventory.SaleAllocation
	receiptAllocs []inventory.ReceiptAllocation
}

func (s *Store) capture() snapshot {
	snap := snapshot{
		products:      make(map[uuid.UUID]inventory.Product, len(s.Products)),
		lots:          make(map[uuid.UUID]inventory.StockLot, len(s.Lots)),
		movements:     append([]inventory.Movement(nil), s.Movements...),
		saleAllocs:    append([]inventory.SaleAllocation(nil), s.SaleAllocs...),
		receiptAllocs: append([]inventory.ReceiptAllocation(nil), s.ReceiptAllocs...),
	}
	for k, v := range s.Products {
		snap.products[k] = v
	}
	for k, v := range s.Lots {
		snap.lots[k] = v
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.Products = snap.products
	s.Lots = snap.lots
	s.Movements = snap.movements
	s.SaleAllocs = snap.saleAllocs
	s.ReceiptAllocs = snap.receiptAllocs
}

// RunTx serializes fn against other transactions and rolls the store back when fn fails.
// Fakes of other modules wrap their own state changes around it.
func (s *Store) RunTx(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.capture()
	if err := fn(); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// WithTx implements inventory.RepositoryPort.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	return s.RunTx(func() error { return fn(ctx, s) })
}

// AddProduct seeds a product.
func (s *Store) AddProduct(tenantID uuid.UUID, name string, quantity, threshold int) inventory.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := inventory.Product{
		ID:                uuid.New(),
		TenantID:          tenantID,
		Name:              name,
		StockQuantity:     quantity,
		LowStockThreshold: threshold,
		UpdatedAt:         time.Now().UTC(),
	}
	s.Products[p.ID] = p
	return p
}

// AddLot seeds a lot without touching the product counter.
func (s *Store) AddLot(tenantID, productID uuid.UUID, code string, expiry time.Time, quantity int) inventory.StockLot {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	lot := inventory.StockLot{
		ID:         uuid.New(),
		TenantID:   tenantID,
		ProductID:  productID,
		LotCode:    inventory.NormalizeLotCode(code),
		ExpiryDate: inventory.NormalizeExpiry(expiry),
		Quantity:   quantity,
		SourceKind: inventory.LotSourceReceipt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.Lots[lot.ID] = lot
	return lot
}

// Stock returns the counter of a product.
func (s *Store) Stock(productID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Products[productID].StockQuantity
}

// Lot returns the lot with code, if any.
func (s *Store) Lot(productID uuid.UUID, code string) (inventory.StockLot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code = inventory.NormalizeLotCode(code)
	for _, l := range s.Lots {
		if l.ProductID == productID && l.LotCode == code {
			return l, true
		}
	}
	return inventory.StockLot{}, false
}

// LotSum returns the total quantity held in lots of a product.
func (s *Store) LotSum(productID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := 0
	for _, l := range s.Lots {
		if l.ProductID == productID {
			sum += l.Quantity
		}
	}
	return sum
}

// MovementsFor returns the ledger rows of a product in insertion order.
func (s *Store) MovementsFor(productID uuid.UUID) []inventory.Movement {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.Movement
	for _, m := range s.Movements {
		if m.ProductID == productID {
			out = append(out, m)
		}
	}
	return out
}

// LedgerSum sums the deltas recorded for a product.
func (s *Store) LedgerSum(productID uuid.UUID) int {
	sum := 0
	for _, m := range s.MovementsFor(productID) {
		sum += m.Delta
	}
	return sum
}

func (s *Store) GetProductForUpdate(_ context.Context, productID uuid.UUID) (inventory.Product, error) {
	p, ok := s.Products[productID]
	if !ok {
		return inventory.Product{}, shared.ErrNotFound
	}
	return p, nil
}

func (s *Store) UpdateProductStock(_ context.Context, productID uuid.UUID, quantity int) error {
	s.Writes++
	p, ok := s.Products[productID]
	if !ok {
		return shared.ErrNotFound
	}
	p.StockQuantity = quantity
	s.Products[productID] = p
	return nil
}

func (s *Store) InsertProduct(_ context.Context, p inventory.Product) error {
	s.Writes++
	s.Products[p.ID] = p
	return nil
}

func (s *Store) ListProductsForUpdate(_ context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]inventory.Product, error) {
	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []inventory.Product
	for _, p := range s.Products {
		if p.TenantID != tenantID {
			continue
		}
		if len(ids) > 0 {
			if _, ok := want[p.ID]; !ok {
				continue
			}
		}
		out = append(out, p)
	}
	sortProducts(out)
	return out, nil
}

func (s *Store) HasMovements(_ context.Context, tenantID, productID uuid.UUID) (bool, error) {
	for _, m := range s.Movements {
		if m.TenantID == tenantID && m.ProductID == productID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListLotsForUpdate(_ context.Context, tenantID, productID uuid.UUID) ([]inventory.StockLot, error) {
	var out []inventory.StockLot
	for _, l := range s.Lots {
		if l.TenantID == tenantID && l.ProductID == productID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiryDate.Equal(out[j].ExpiryDate) {
			return out[i].ExpiryDate.Before(out[j].ExpiryDate)
		}
		return out[i].LotCode < out[j].LotCode
	})
	return out, nil
}

func (s *Store) FindLotForUpdate(_ context.Context, tenantID, productID uuid.UUID, code string) (inventory.StockLot, error) {
	for _, l := range s.Lots {
		if l.TenantID == tenantID && l.ProductID == productID && l.LotCode == code {
			return l, nil
		}
	}
	return inventory.StockLot{}, inventory.ErrLotNotFound
}

func (s *Store) InsertLot(_ context.Context, lot inventory.StockLot) error {
	s.Writes++
	for _, l := range s.Lots {
		if l.TenantID == lot.TenantID && l.ProductID == lot.ProductID && l.LotCode == lot.LotCode {
			return shared.ErrLotCollision
		}
	}
	s.Lots[lot.ID] = lot
	return nil
}

func (s *Store) UpdateLotQuantity(_ context.Context, lotID uuid.UUID, quantity int) error {
	s.Writes++
	l, ok := s.Lots[lotID]
	if !ok {
		return inventory.ErrLotNotFound
	}
	l.Quantity = quantity
	s.Lots[lotID] = l
	return nil
}

func (s *Store) InsertMovement(_ context.Context, m inventory.Movement) error {
	s.Writes++
	s.Movements = append(s.Movements, m)
	return nil
}

func (s *Store) InsertSaleAllocations(_ context.Context, allocs []inventory.SaleAllocation) error {
	s.Writes++
	s.SaleAllocs = append(s.SaleAllocs, allocs...)
	return nil
}

func (s *Store) ListSaleAllocations(_ context.Context, tenantID, saleID uuid.UUID) ([]inventory.SaleAllocation, error) {
	var out []inventory.SaleAllocation
	for _, a := range s.SaleAllocs {
		if a.TenantID == tenantID && a.SaleID == saleID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) DeleteSaleAllocations(_ context.Context, tenantID, saleID uuid.UUID) error {
	s.Writes++
	kept := s.SaleAllocs[:0:0]
	for _, a := range s.SaleAllocs {
		if a.TenantID == tenantID && a.SaleID == saleID {
			continue
		}
		kept = append(kept, a)
	}
	s.SaleAllocs = kept
	return nil
}

func (s *Store) ListReceiptAllocations(_ context.Context, tenantID, documentID uuid.UUID) ([]inventory.ReceiptAllocation, error) {
	var out []inventory.ReceiptAllocation
	for _, a := range s.ReceiptAllocs {
		if a.TenantID == tenantID && a.DocumentID == documentID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) ReplaceReceiptAllocations(_ context.Context, tenantID, documentID uuid.UUID, allocs []inventory.ReceiptAllocation) error {
	s.Writes++
	kept := s.ReceiptAllocs[:0:0]
	for _, a := range s.ReceiptAllocs {
		if a.TenantID == tenantID && a.DocumentID == documentID {
			continue
		}
		kept = append(kept, a)
	}
	for _, a := range allocs {
		a.TenantID = tenantID
		a.DocumentID = documentID
		kept = append(kept, a)
	}
	s.ReceiptAllocs = kept
	return nil
}

// GetProduct implements inventory.RepositoryPort.
func (s *Store) GetProduct(_ context.Context, tenantID, productID uuid.UUID) (inventory.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Products[productID]
	if !ok || p.TenantID != tenantID {
		return inventory.Product{}, shared.ErrNotFound
	}
	return p, nil
}

// ListProducts implements inventory.RepositoryPort.
func (s *Store) ListProducts(ctx context.Context, tenantID uuid.UUID) ([]inventory.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ListProductsForUpdate(ctx, tenantID, nil)
}

// ListLots implements inventory.RepositoryPort.
func (s *Store) ListLots(ctx context.Context, tenantID, productID uuid.UUID, includeEmpty bool) ([]inventory.StockLot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lots, _ := s.ListLotsForUpdate(ctx, tenantID, productID)
	if includeEmpty {
		return lots, nil
	}
	out := lots[:0]
	for _, l := range lots {
		if l.Quantity > 0 {
			out = append(out, l)
		}
	}
	return out, nil
}

// GetLotByCode implements inventory.RepositoryPort.
func (s *Store) GetLotByCode(ctx context.Context, tenantID, productID uuid.UUID, code string) (inventory.StockLot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FindLotForUpdate(ctx, tenantID, productID, code)
}

// ListAllocationsByLot implements inventory.RepositoryPort.
func (s *Store) ListAllocationsByLot(_ context.Context, tenantID, productID uuid.UUID, code string) ([]inventory.SaleAllocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.SaleAllocation
	for _, a := range s.SaleAllocs {
		if a.TenantID == tenantID && a.ProductID == productID && a.LotCode == code {
			out = append(out, a)
		}
	}
	return out, nil
}

// ListMovements implements inventory.RepositoryPort. Rows keep insertion order
// and the cursor id marks the last row returned.
func (s *Store) ListMovements(_ context.Context, filter inventory.MovementFilter) (inventory.MovementPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := shared.ClampLimit(filter.Limit)
	code := inventory.NormalizeLotCode(filter.LotCode)
	started := filter.After == nil
	var page inventory.MovementPage
	for _, m := range s.Movements {
		if !started {
			if m.ID == filter.After.ID {
				started = true
			}
			continue
		}
		if m.TenantID != filter.TenantID {
			continue
		}
		if filter.ProductID != nil && m.ProductID != *filter.ProductID {
			continue
		}
		if filter.SourceID != "" && m.SourceID != filter.SourceID {
			continue
		}
		if code != "" && m.LotCode != code {
			continue
		}
		if len(page.Movements) == limit {
			last := page.Movements[limit-1]
			page.Next = &inventory.MovementCursor{CreatedAt: last.CreatedAt, ID: last.ID}
			break
		}
		page.Movements = append(page.Movements, m)
	}
	return page, nil
}

// ScanParity implements inventory.RepositoryPort.
func (s *Store) ScanParity(_ context.Context, tenantID uuid.UUID) ([]inventory.Divergence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sums := make(map[uuid.UUID]int)
	for _, l := range s.Lots {
		if l.TenantID == tenantID {
			sums[l.ProductID] += l.Quantity
		}
	}
	var out []inventory.Divergence
	for id, sum := range sums {
		if p := s.Products[id]; p.StockQuantity != sum {
			out = append(out, inventory.Divergence{ProductID: id, Aggregate: p.StockQuantity, LotSum: sum})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID.String() < out[j].ProductID.String() })
	return out, nil
}

// ListTenants implements inventory.RepositoryPort.
func (s *Store) ListTenants(_ context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	for _, p := range s.Products {
		if _, ok := seen[p.TenantID]; ok {
			continue
		}
		seen[p.TenantID] = struct{}{}
		out = append(out, p.TenantID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func sortProducts(ps []inventory.Product) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Name != ps[j].Name {
			return ps[i].Name < ps[j].Name
		}
		return ps[i].ID.String() < ps[j].ID.String()
	})
}

var (
	_ inventory.TxRepository   = (*Store)(nil)
	_ inventory.RepositoryPort = (*Store)(nil)
)
