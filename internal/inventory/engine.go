package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apotheca-erp/apotheca/internal/shared"
)

// Engine consumes and restores stock for sales under the FEFO policy.
type Engine struct {
	registry *Registry
	ledger   *Ledger
	clock    func() time.Time
}

// NewEngine wires an Engine.
func NewEngine(registry *Registry, ledger *Ledger, clock func() time.Time) *Engine {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{registry: registry, ledger: ledger, clock: clock}
}

// OwnedProduct locks a product and verifies it belongs to tenantID.
// A missing product is reported as ErrUnauthorized so existence does not leak across tenants.
func OwnedProduct(ctx context.Context, store ProductStore, tenantID, productID uuid.UUID) (Product, error) {
	product, err := store.GetProductForUpdate(ctx, productID)
	if errors.Is(err, shared.ErrNotFound) {
		return Product{}, fmt.Errorf("%w: product %s", shared.ErrUnauthorized, productID)
	}
	if err != nil {
		return Product{}, err
	}
	if product.TenantID != tenantID {
		return Product{}, fmt.Errorf("%w: product %s", shared.ErrUnauthorized, productID)
	}
	return product, nil
}

type productDemand struct {
	productID uuid.UUID
	lines     []SaleLine
	total     int
}

func groupByProduct(lines []SaleLine) []productDemand {
	index := make(map[uuid.UUID]int)
	var groups []productDemand
	for _, line := range lines {
		i, ok := index[line.ProductID]
		if !ok {
			i = len(groups)
			index[line.ProductID] = i
			groups = append(groups, productDemand{productID: line.ProductID})
		}
		groups[i].lines = append(groups[i].lines, line)
		groups[i].total += line.Quantity
	}
	return groups
}

type consumeStep struct {
	product    Product
	demand     productDemand
	lotTracked bool
	plan       Plan
}

// SaleReason is the ledger reason used for sale movements.
func SaleReason(reference string) string {
	if reference == "" {
		return "Sale"
	}
	return "Sale " + reference
}

// Consume allocates the lines of a sale. Every product is validated before the
// first write so a shortfall on any product leaves the store untouched.
func (e *Engine) Consume(ctx context.Context, tx TxRepository, in ConsumeInput) ([]SaleAllocation, error) {
	for _, line := range in.Lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: line %s quantity must be positive", shared.ErrValidation, line.LineID)
		}
	}

	groups := groupByProduct(in.Lines)
	steps := make([]consumeStep, 0, len(groups))
	for _, group := range groups {
		product, err := OwnedProduct(ctx, tx, in.TenantID, group.productID)
		if err != nil {
			return nil, err
		}
		lots, err := tx.ListLotsForUpdate(ctx, in.TenantID, product.ID)
		if err != nil {
			return nil, err
		}
		step := consumeStep{product: product, demand: group, lotTracked: len(lots) > 0}
		if step.lotTracked {
			plan, err := PlanFEFO(group.lines, e.registry.Available(lots))
			if err != nil {
				return nil, fmt.Errorf("product %s: %w", product.Name, err)
			}
			step.plan = plan
		}
		if product.StockQuantity < group.total {
			return nil, fmt.Errorf("%w: product %s has %d, requested %d", shared.ErrInsufficientStock, product.Name, product.StockQuantity, group.total)
		}
		steps = append(steps, step)
	}

	reason := SaleReason(in.Reference)
	sourceID := in.SaleID.String()
	now := e.clock()
	var allocations []SaleAllocation
	for _, step := range steps {
		product := step.product
		if err := tx.UpdateProductStock(ctx, product.ID, product.StockQuantity-step.demand.total); err != nil {
			return nil, err
		}
		if !step.lotTracked {
			if err := e.ledger.Record(ctx, tx, Entry{
				TenantID:    in.TenantID,
				ProductID:   product.ID,
				ProductName: product.Name,
				Delta:       -step.demand.total,
				Kind:        MovementSaleSync,
				Reason:      reason,
				SourceID:    sourceID,
				ActorID:     in.ActorID,
			}); err != nil {
				return nil, err
			}
			continue
		}
		for _, take := range step.plan.Takes {
			if _, err := e.registry.AdjustLot(ctx, tx, take.Lot, -take.Quantity); err != nil {
				return nil, err
			}
			ref := take.Lot.Ref()
			if err := e.ledger.Record(ctx, tx, Entry{
				TenantID:    in.TenantID,
				ProductID:   product.ID,
				ProductName: product.Name,
				Delta:       -take.Quantity,
				Kind:        MovementSaleSync,
				Reason:      reason + " (FEFO)",
				SourceID:    sourceID,
				Lot:         &ref,
				ActorID:     in.ActorID,
			}); err != nil {
				return nil, err
			}
		}
		for _, draw := range step.plan.Draws {
			allocations = append(allocations, SaleAllocation{
				ID:         uuid.New(),
				TenantID:   in.TenantID,
				SaleID:     in.SaleID,
				SaleLineID: draw.LineID,
				ProductID:  product.ID,
				LotCode:    draw.Lot.LotCode,
				ExpiryDate: draw.Lot.ExpiryDate,
				Quantity:   draw.Quantity,
				CreatedAt:  now,
			})
		}
	}
	if len(allocations) > 0 {
		if err := tx.InsertSaleAllocations(ctx, allocations); err != nil {
			return nil, err
		}
	}
	return allocations, nil
}

type lotKey struct {
	productID uuid.UUID
	code      string
}

type lotRestore struct {
	key      lotKey
	expiry   time.Time
	quantity int
	existing *StockLot
	lineID   uuid.UUID
}

// Reverse restores what a prior Consume took. Allocated units return to the
// lot they came from, recreating it as a MIGRATION lot when it no longer exists.
// Lines without allocations only re-credit the counter.
func (e *Engine) Reverse(ctx context.Context, tx TxRepository, in ReverseInput) error {
	allocatedLines := make(map[uuid.UUID]struct{}, len(in.Allocations))
	for _, alloc := range in.Allocations {
		allocatedLines[alloc.SaleLineID] = struct{}{}
	}

	var order []uuid.UUID
	products := make(map[uuid.UUID]Product)
	plain := make(map[uuid.UUID]int)
	restore := make(map[uuid.UUID]int)
	touch := func(productID uuid.UUID) error {
		if _, ok := products[productID]; ok {
			return nil
		}
		product, err := OwnedProduct(ctx, tx, in.TenantID, productID)
		if err != nil {
			return err
		}
		products[productID] = product
		order = append(order, productID)
		return nil
	}

	for _, line := range in.Lines {
		if _, ok := allocatedLines[line.LineID]; ok {
			continue
		}
		if line.Quantity <= 0 {
			continue
		}
		if err := touch(line.ProductID); err != nil {
			return err
		}
		plain[line.ProductID] += line.Quantity
		restore[line.ProductID] += line.Quantity
	}

	var lotOrder []lotKey
	lots := make(map[lotKey]*lotRestore)
	for _, alloc := range in.Allocations {
		if alloc.Quantity <= 0 {
			continue
		}
		if err := touch(alloc.ProductID); err != nil {
			return err
		}
		restore[alloc.ProductID] += alloc.Quantity
		key := lotKey{productID: alloc.ProductID, code: NormalizeLotCode(alloc.LotCode)}
		entry, ok := lots[key]
		if !ok {
			entry = &lotRestore{key: key, expiry: alloc.ExpiryDate, lineID: alloc.SaleLineID}
			existing, err := tx.FindLotForUpdate(ctx, in.TenantID, alloc.ProductID, key.code)
			switch {
			case err == nil:
				entry.existing = &existing
			case errors.Is(err, ErrLotNotFound):
			default:
				return err
			}
			lots[key] = entry
			lotOrder = append(lotOrder, key)
		}
		entry.quantity += alloc.Quantity
	}

	reason := SaleReason(in.Reference) + " reversed"
	sourceID := in.SaleID.String()
	for _, productID := range order {
		product := products[productID]
		if err := tx.UpdateProductStock(ctx, productID, product.StockQuantity+restore[productID]); err != nil {
			return err
		}
		if err := e.ledger.Record(ctx, tx, Entry{
			TenantID:    in.TenantID,
			ProductID:   productID,
			ProductName: product.Name,
			Delta:       plain[productID],
			Kind:        MovementSaleSync,
			Reason:      reason,
			SourceID:    sourceID,
			ActorID:     in.ActorID,
		}); err != nil {
			return err
		}
	}

	for _, key := range lotOrder {
		entry := lots[key]
		if entry.existing != nil {
			if _, err := e.registry.AdjustLot(ctx, tx, *entry.existing, entry.quantity); err != nil {
				return err
			}
			continue
		}
		saleID := in.SaleID
		lineID := entry.lineID
		if _, err := e.registry.UpsertLot(ctx, tx, UpsertLotInput{
			TenantID:         in.TenantID,
			ProductID:        key.productID,
			LotCode:          key.code,
			ExpiryDate:       entry.expiry,
			Quantity:         entry.quantity,
			SourceKind:       LotSourceMigration,
			SourceDocumentID: &saleID,
			SourceLineID:     &lineID,
		}); err != nil {
			return err
		}
	}

	for _, alloc := range in.Allocations {
		if alloc.Quantity <= 0 {
			continue
		}
		product := products[alloc.ProductID]
		ref := LotRef{Code: NormalizeLotCode(alloc.LotCode), Expiry: alloc.ExpiryDate}
		if err := e.ledger.Record(ctx, tx, Entry{
			TenantID:    in.TenantID,
			ProductID:   alloc.ProductID,
			ProductName: product.Name,
			Delta:       alloc.Quantity,
			Kind:        MovementSaleSync,
			Reason:      reason + " (FEFO)",
			SourceID:    sourceID,
			Lot:         &ref,
			ActorID:     in.ActorID,
		}); err != nil {
			return err
		}
	}

	if len(in.Allocations) > 0 {
		if err := tx.DeleteSaleAllocations(ctx, in.TenantID, in.SaleID); err != nil {
			return err
		}
	}
	return nil
}
