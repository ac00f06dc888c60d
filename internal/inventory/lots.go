package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/apotheca-erp/apotheca/internal/shared"
)

// LotStore is the persistence surface the registry needs.
type LotStore interface {
	ListLotsForUpdate(ctx context.Context, tenantID, productID uuid.UUID) ([]StockLot, error)
	FindLotForUpdate(ctx context.Context, tenantID, productID uuid.UUID, code string) (StockLot, error)
	InsertLot(ctx context.Context, lot StockLot) error
	UpdateLotQuantity(ctx context.Context, lotID uuid.UUID, quantity int) error
}

// NormalizeLotCode trims and uppercases a lot code.
func NormalizeLotCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizeExpiry truncates t to its calendar day at UTC midnight.
func NormalizeExpiry(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Registry implements the lot primitives on top of a LotStore.
type Registry struct {
	tag   language.Tag
	clock func() time.Time
}

// NewRegistry builds a Registry ordering ties by the collation rules of tag.
func NewRegistry(tag language.Tag, clock func() time.Time) *Registry {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Registry{tag: tag, clock: clock}
}

// SortFEFO orders lots by expiry ascending, then lot code under the registry collation.
func (r *Registry) SortFEFO(lots []StockLot) {
	col := collate.New(r.tag)
	sort.SliceStable(lots, func(i, j int) bool {
		ei, ej := lots[i].ExpiryDate, lots[j].ExpiryDate
		if !ei.Equal(ej) {
			return ei.Before(ej)
		}
		return col.CompareString(lots[i].LotCode, lots[j].LotCode) < 0
	})
}

// Available filters lots to those with stock and returns them in FEFO order.
func (r *Registry) Available(lots []StockLot) []StockLot {
	out := make([]StockLot, 0, len(lots))
	for _, lot := range lots {
		if lot.Quantity > 0 {
			out = append(out, lot)
		}
	}
	r.SortFEFO(out)
	return out
}

// AvailableLots loads and orders the lots of a product that still hold stock.
func (r *Registry) AvailableLots(ctx context.Context, store LotStore, tenantID, productID uuid.UUID) ([]StockLot, error) {
	lots, err := store.ListLotsForUpdate(ctx, tenantID, productID)
	if err != nil {
		return nil, err
	}
	return r.Available(lots), nil
}

// Adjusted returns lot with delta applied or ErrLotUnderflow.
func Adjusted(lot StockLot, delta int) (StockLot, error) {
	next := lot.Quantity + delta
	if next < 0 {
		return lot, fmt.Errorf("%w: lot %s holds %d, change %d", shared.ErrLotUnderflow, lot.LotCode, lot.Quantity, delta)
	}
	lot.Quantity = next
	return lot, nil
}

// CheckExpiry returns ErrLotCollision when expiry differs from the lot's.
func CheckExpiry(lot StockLot, expiry time.Time) error {
	if !NormalizeExpiry(expiry).Equal(NormalizeExpiry(lot.ExpiryDate)) {
		return fmt.Errorf("%w: lot %s expires %s, declared %s", shared.ErrLotCollision, lot.LotCode,
			lot.ExpiryDate.Format(time.DateOnly), expiry.Format(time.DateOnly))
	}
	return nil
}

// AdjustLot applies delta to lot and persists the new quantity.
func (r *Registry) AdjustLot(ctx context.Context, store LotStore, lot StockLot, delta int) (StockLot, error) {
	next, err := Adjusted(lot, delta)
	if err != nil {
		return lot, err
	}
	if delta == 0 {
		return next, nil
	}
	if err := store.UpdateLotQuantity(ctx, lot.ID, next.Quantity); err != nil {
		return lot, err
	}
	next.UpdatedAt = r.clock()
	return next, nil
}

// UpsertLotInput declares units of a lot.
type UpsertLotInput struct {
	TenantID         uuid.UUID
	ProductID        uuid.UUID
	LotCode          string
	ExpiryDate       time.Time
	Quantity         int
	SourceKind       LotSource
	SourceDocumentID *uuid.UUID
	SourceLineID     *uuid.UUID
}

// UpsertLot adds quantity to the lot with the same code or creates it.
// An existing lot with another expiry yields ErrLotCollision.
func (r *Registry) UpsertLot(ctx context.Context, store LotStore, in UpsertLotInput) (StockLot, error) {
	code := NormalizeLotCode(in.LotCode)
	if code == "" {
		return StockLot{}, fmt.Errorf("%w: lot code required", shared.ErrValidation)
	}
	if in.Quantity < 0 {
		return StockLot{}, fmt.Errorf("%w: lot %s quantity %d", shared.ErrLotUnderflow, code, in.Quantity)
	}
	expiry := NormalizeExpiry(in.ExpiryDate)
	existing, err := store.FindLotForUpdate(ctx, in.TenantID, in.ProductID, code)
	switch {
	case err == nil:
		if err := CheckExpiry(existing, expiry); err != nil {
			return StockLot{}, err
		}
		return r.AdjustLot(ctx, store, existing, in.Quantity)
	case errors.Is(err, ErrLotNotFound):
	default:
		return StockLot{}, err
	}
	source := in.SourceKind
	if source == "" {
		source = LotSourceReceipt
	}
	now := r.clock()
	lot := StockLot{
		ID:               uuid.New(),
		TenantID:         in.TenantID,
		ProductID:        in.ProductID,
		LotCode:          code,
		ExpiryDate:       expiry,
		Quantity:         in.Quantity,
		SourceKind:       source,
		SourceDocumentID: in.SourceDocumentID,
		SourceLineID:     in.SourceLineID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.InsertLot(ctx, lot); err != nil {
		return StockLot{}, err
	}
	return lot, nil
}
