package inventory

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// MovementKind enumerates the causes recorded in the stock ledger.
type MovementKind string

const (
	// MovementInitial is the opening quantity of a product.
	MovementInitial MovementKind = "INITIAL"
	// MovementManualEdit records a direct edit of the on-hand counter.
	MovementManualEdit MovementKind = "MANUAL_EDIT"
	// MovementReceiptSync records stock applied or withdrawn by a delivery document.
	MovementReceiptSync MovementKind = "RECEIPT_SYNC"
	// MovementSaleSync records stock consumed or restored by a sale.
	MovementSaleSync MovementKind = "SALE_SYNC"
	// MovementManualAdjustment records a signed adjustment with a free-text reason.
	MovementManualAdjustment MovementKind = "MANUAL_ADJUSTMENT"
	// MovementStocktakeSync records a stocktake variance.
	MovementStocktakeSync MovementKind = "STOCKTAKE_SYNC"
)

// Valid reports whether k is a known movement kind.
func (k MovementKind) Valid() bool {
	switch k {
	case MovementInitial, MovementManualEdit, MovementReceiptSync, MovementSaleSync, MovementManualAdjustment, MovementStocktakeSync:
		return true
	}
	return false
}

// LotSource describes how a lot came into existence.
type LotSource string

const (
	// LotSourceReceipt marks a lot created by a received delivery.
	LotSourceReceipt LotSource = "RECEIPT"
	// LotSourceMigration marks a lot recreated while reversing a sale.
	LotSourceMigration LotSource = "MIGRATION"
)

// Product is the tenant-owned stock aggregate.
type Product struct {
	ID                uuid.UUID `json:"id"`
	TenantID          uuid.UUID `json:"tenant_id"`
	Name              string    `json:"name"`
	StockQuantity     int       `json:"stock_quantity"`
	LowStockThreshold int       `json:"low_stock_threshold"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// IsLowStock reports whether the product sits at or below its threshold.
func (p Product) IsLowStock() bool {
	return p.StockQuantity <= p.LowStockThreshold
}

// StockLot is a batch of one product sharing a code and expiry date.
type StockLot struct {
	ID               uuid.UUID  `json:"id"`
	TenantID         uuid.UUID  `json:"tenant_id"`
	ProductID        uuid.UUID  `json:"product_id"`
	LotCode          string     `json:"lot_code"`
	ExpiryDate       time.Time  `json:"expiry_date"`
	Quantity         int        `json:"quantity"`
	SourceKind       LotSource  `json:"source_kind"`
	SourceDocumentID *uuid.UUID `json:"source_document_id,omitempty"`
	SourceLineID     *uuid.UUID `json:"source_line_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Ref returns the code/expiry pair of the lot.
func (l StockLot) Ref() LotRef {
	return LotRef{Code: l.LotCode, Expiry: l.ExpiryDate}
}

// LotRef identifies a lot on a ledger entry.
type LotRef struct {
	Code   string    `json:"code"`
	Expiry time.Time `json:"expiry"`
}

// SaleAllocation records how many units of one sale line were drawn from one lot.
type SaleAllocation struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	SaleID     uuid.UUID `json:"sale_id"`
	SaleLineID uuid.UUID `json:"sale_line_id"`
	ProductID  uuid.UUID `json:"product_id"`
	LotCode    string    `json:"lot_code"`
	ExpiryDate time.Time `json:"expiry_date"`
	Quantity   int       `json:"quantity"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReceiptAllocation records a lot declared against one procurement line.
type ReceiptAllocation struct {
	ID             uuid.UUID `json:"id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	DocumentID     uuid.UUID `json:"document_id"`
	DocumentLineID uuid.UUID `json:"document_line_id"`
	ProductID      uuid.UUID `json:"product_id"`
	LotCode        string    `json:"lot_code"`
	ExpiryDate     time.Time `json:"expiry_date"`
	Quantity       int       `json:"quantity"`
}

// Movement is one immutable ledger row.
type Movement struct {
	ID          uuid.UUID    `json:"id"`
	TenantID    uuid.UUID    `json:"tenant_id"`
	ProductID   uuid.UUID    `json:"product_id"`
	ProductName string       `json:"product_name"`
	Delta       int          `json:"delta"`
	Kind        MovementKind `json:"kind"`
	Reason      string       `json:"reason"`
	SourceID    string       `json:"source_id"`
	LotCode     string       `json:"lot_code"`
	LotExpiry   *time.Time   `json:"lot_expiry,omitempty"`
	ActorID     *uuid.UUID   `json:"actor_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// MovementFilter narrows a ledger listing.
type MovementFilter struct {
	TenantID  uuid.UUID
	ProductID *uuid.UUID
	SourceID  string
	LotCode   string
	After     *MovementCursor
	Limit     int
}

// MovementCursor is the keyset position of the last row seen.
type MovementCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// MovementPage is one page of ledger rows in chronological order.
type MovementPage struct {
	Movements []Movement
	Next      *MovementCursor
}

// SaleLine is one demand line handed to the FEFO engine.
type SaleLine struct {
	LineID    uuid.UUID
	ProductID uuid.UUID
	Quantity  int
}

// ConsumeInput describes a sale to allocate.
type ConsumeInput struct {
	TenantID  uuid.UUID
	SaleID    uuid.UUID
	Reference string
	ActorID   *uuid.UUID
	Lines     []SaleLine
}

// ReverseInput describes a prior sale to restore.
type ReverseInput struct {
	TenantID    uuid.UUID
	SaleID      uuid.UUID
	Reference   string
	ActorID     *uuid.UUID
	Lines       []SaleLine
	Allocations []SaleAllocation
}

// AdjustmentInput describes a signed manual adjustment.
type AdjustmentInput struct {
	TenantID       uuid.UUID
	ProductID      uuid.UUID
	Delta          int
	Reason         string
	ActorID        *uuid.UUID
	IdempotencyKey string
}

// SetStockInput overwrites the on-hand counter of a product.
type SetStockInput struct {
	TenantID  uuid.UUID
	ProductID uuid.UUID
	Quantity  int
	Reason    string
	ActorID   *uuid.UUID
}

// LotTrace is the recall view of one lot.
type LotTrace struct {
	Lot         StockLot         `json:"lot"`
	Movements   []Movement       `json:"movements"`
	Allocations []SaleAllocation `json:"allocations"`
	Consumed    int              `json:"consumed"`
}

// Divergence reports a lot-tracked product whose lots do not sum to its counter.
type Divergence struct {
	ProductID uuid.UUID `json:"product_id"`
	Aggregate int       `json:"aggregate"`
	LotSum    int       `json:"lot_sum"`
}

// ErrLotNotFound indicates no lot exists for the requested code.
var ErrLotNotFound = errors.New("inventory: lot not found")

// ErrInvalidQuantity indicates invalid qty.
var ErrInvalidQuantity = errors.New("inventory: quantity must be non zero")

// ErrLotParity is returned in strict mode when lots and counter disagree after a write.
var ErrLotParity = errors.New("inventory: lot quantities diverge from stock counter")

// CreateProductInput registers a product with its opening stock.
type CreateProductInput struct {
	TenantID          uuid.UUID
	Name              string
	OpeningStock      int
	LowStockThreshold int
	ActorID           *uuid.UUID
}
