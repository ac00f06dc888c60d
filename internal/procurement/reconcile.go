package procurement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apotheca-erp/apotheca/internal/inventory"
	"github.com/apotheca-erp/apotheca/internal/shared"
)

// Reconciler moves stock and lots when a delivery starts, stops or keeps
// applying stock.
type Reconciler struct {
	registry *inventory.Registry
	ledger   *inventory.Ledger
}

// NewReconciler wires a Reconciler on the shared lot registry and ledger.
func NewReconciler(registry *inventory.Registry, ledger *inventory.Ledger) *Reconciler {
	return &Reconciler{registry: registry, ledger: ledger}
}

// ReconcileInput describes a disposition change of one document.
type ReconcileInput struct {
	TenantID          uuid.UUID
	DocumentID        uuid.UUID
	Reference         string
	ActorID           *uuid.UUID
	Before            []Line
	After             []Line
	DispositionBefore Disposition
	DispositionAfter  Disposition
}

type declaredLot struct {
	expiry   time.Time
	quantity int
	lineID   uuid.UUID
}

type lotChange struct {
	key      receiptKey
	delta    int
	expiry   time.Time
	lineID   uuid.UUID
	existing *inventory.StockLot
}

// aggregateLots sums declarations per (product, lot code). The same code
// declared with two expiries is a collision.
func aggregateLots(lines []Line) (map[receiptKey]*declaredLot, []receiptKey, error) {
	out := make(map[receiptKey]*declaredLot)
	var order []receiptKey
	for _, line := range lines {
		for _, lot := range line.Lots {
			key := receiptKey{productID: line.ProductID, code: inventory.NormalizeLotCode(lot.Code)}
			expiry := inventory.NormalizeExpiry(lot.Expiry)
			agg, ok := out[key]
			if !ok {
				agg = &declaredLot{expiry: expiry, lineID: line.ID}
				out[key] = agg
				order = append(order, key)
			} else if !agg.expiry.Equal(expiry) {
				return nil, nil, fmt.Errorf("%w: lot %s declared with expiries %s and %s", shared.ErrLotCollision, key.code,
					agg.expiry.Format(time.DateOnly), expiry.Format(time.DateOnly))
			}
			agg.quantity += lot.Quantity
		}
	}
	return out, order, nil
}

// Reconcile applies the difference between the lots a document held before
// and the lots it holds after the change. All lots and products are checked
// before the first write. It returns the products whose stock moved.
func (r *Reconciler) Reconcile(ctx context.Context, tx inventory.TxRepository, in ReconcileInput) ([]uuid.UUID, error) {
	applyBefore := in.DispositionBefore.AppliesStock()
	applyAfter := in.DispositionAfter.AppliesStock()
	if !applyBefore && !applyAfter {
		return nil, nil
	}

	before := map[receiptKey]*declaredLot{}
	after := map[receiptKey]*declaredLot{}
	var beforeOrder, afterOrder []receiptKey
	var err error
	if applyBefore {
		if before, beforeOrder, err = aggregateLots(in.Before); err != nil {
			return nil, err
		}
	}
	if applyAfter {
		if after, afterOrder, err = aggregateLots(in.After); err != nil {
			return nil, err
		}
	}
	keys := append([]receiptKey{}, afterOrder...)
	for _, key := range beforeOrder {
		if _, ok := after[key]; !ok {
			keys = append(keys, key)
		}
	}

	products := make(map[uuid.UUID]inventory.Product)
	productDelta := make(map[uuid.UUID]int)
	var productOrder []uuid.UUID
	var changes []lotChange
	for _, key := range keys {
		prev, next := before[key], after[key]
		decl := next
		if decl == nil {
			decl = prev
		}
		delta := 0
		if next != nil {
			delta += next.quantity
		}
		if prev != nil {
			delta -= prev.quantity
		}
		// Re-dating a lot that is already in stock is refused even when the
		// quantity stays the same, so declarations never disagree with the registry.
		if prev != nil && next != nil && !prev.expiry.Equal(next.expiry) {
			return nil, fmt.Errorf("%w: lot %s expiry changed from %s to %s", shared.ErrLotCollision, key.code,
				prev.expiry.Format(time.DateOnly), next.expiry.Format(time.DateOnly))
		}
		if delta == 0 {
			continue
		}
		if _, ok := products[key.productID]; !ok {
			product, err := inventory.OwnedProduct(ctx, tx, in.TenantID, key.productID)
			if err != nil {
				return nil, err
			}
			products[key.productID] = product
			productOrder = append(productOrder, key.productID)
		}
		change := lotChange{key: key, delta: delta, expiry: decl.expiry, lineID: decl.lineID}
		lot, err := tx.FindLotForUpdate(ctx, in.TenantID, key.productID, key.code)
		switch {
		case err == nil:
			if err := inventory.CheckExpiry(lot, decl.expiry); err != nil {
				return nil, err
			}
			if _, err := inventory.Adjusted(lot, delta); err != nil {
				return nil, err
			}
			change.existing = &lot
		case errors.Is(err, inventory.ErrLotNotFound):
			if delta < 0 {
				return nil, fmt.Errorf("%w: lot %s does not exist, change %d", shared.ErrLotUnderflow, key.code, delta)
			}
		default:
			return nil, err
		}
		productDelta[key.productID] += delta
		changes = append(changes, change)
	}
	for _, id := range productOrder {
		product := products[id]
		if product.StockQuantity+productDelta[id] < 0 {
			return nil, fmt.Errorf("%w: product %s has %d, change %d", shared.ErrInsufficientStock,
				product.Name, product.StockQuantity, productDelta[id])
		}
	}

	for _, c := range changes {
		if c.existing != nil {
			if _, err := r.registry.AdjustLot(ctx, tx, *c.existing, c.delta); err != nil {
				return nil, err
			}
			continue
		}
		docID, lineID := in.DocumentID, c.lineID
		if _, err := r.registry.UpsertLot(ctx, tx, inventory.UpsertLotInput{
			TenantID:         in.TenantID,
			ProductID:        c.key.productID,
			LotCode:          c.key.code,
			ExpiryDate:       c.expiry,
			Quantity:         c.delta,
			SourceKind:       inventory.LotSourceReceipt,
			SourceDocumentID: &docID,
			SourceLineID:     &lineID,
		}); err != nil {
			return nil, err
		}
	}

	reason := receiptReason(in.Reference, applyBefore, applyAfter)
	var touched []uuid.UUID
	for _, id := range productOrder {
		delta := productDelta[id]
		if delta == 0 {
			continue
		}
		product := products[id]
		if err := tx.UpdateProductStock(ctx, id, product.StockQuantity+delta); err != nil {
			return nil, err
		}
		if err := r.ledger.Record(ctx, tx, inventory.Entry{
			TenantID:    in.TenantID,
			ProductID:   id,
			ProductName: product.Name,
			Delta:       delta,
			Kind:        inventory.MovementReceiptSync,
			Reason:      reason,
			SourceID:    in.DocumentID.String(),
			ActorID:     in.ActorID,
		}); err != nil {
			return nil, err
		}
		touched = append(touched, id)
	}
	return touched, nil
}

func receiptReason(reference string, applyBefore, applyAfter bool) string {
	reason := "Delivery"
	if reference != "" {
		reason += " " + reference
	}
	switch {
	case applyBefore && applyAfter:
		return reason + " edited"
	case applyBefore:
		return reason + " reversed"
	default:
		return reason + " received"
	}
}
