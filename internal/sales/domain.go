package sales

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/apotheca-erp/apotheca/internal/inventory"
)

// Sale is a point-of-sale transaction consuming stock.
type Sale struct {
	ID          uuid.UUID                  `json:"id"`
	TenantID    uuid.UUID                  `json:"tenant_id"`
	Code        string                     `json:"code"`
	Sequence    int                        `json:"sequence"`
	SoldAt      time.Time                  `json:"sold_at"`
	Note        string                     `json:"note,omitempty"`
	CreatedBy   *uuid.UUID                 `json:"created_by,omitempty"`
	CreatedAt   time.Time                  `json:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
	Lines       []SaleLine                 `json:"lines"`
	Allocations []inventory.SaleAllocation `json:"allocations"`
}

// Total sums the line amounts.
func (s Sale) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.Lines {
		total = total.Add(l.Amount())
	}
	return total
}

// SaleLine is one product sold.
type SaleLine struct {
	ID        uuid.UUID       `json:"id"`
	ProductID uuid.UUID       `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Position  int             `json:"position"`
}

// Amount is quantity times unit price.
func (l SaleLine) Amount() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// LineInput is a requested sale line.
type LineInput struct {
	ProductID uuid.UUID       `json:"product_id" validate:"required"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// CreateSaleRequest is the payload of POST /sales.
type CreateSaleRequest struct {
	SoldAt *time.Time  `json:"sold_at,omitempty"`
	Note   string      `json:"note" validate:"max=500"`
	Lines  []LineInput `json:"lines" validate:"required,min=1,dive"`
}

// UpdateSaleRequest is the payload of PUT /sales/{id}.
type UpdateSaleRequest struct {
	SoldAt *time.Time  `json:"sold_at,omitempty"`
	Note   string      `json:"note" validate:"max=500"`
	Lines  []LineInput `json:"lines" validate:"required,min=1,dive"`
}

// CreateInput carries a new sale to the service.
type CreateInput struct {
	TenantID       uuid.UUID
	ActorID        *uuid.UUID
	SoldAt         time.Time
	Note           string
	Lines          []LineInput
	IdempotencyKey string
}

// UpdateInput replaces the lines of an existing sale.
type UpdateInput struct {
	TenantID uuid.UUID
	SaleID   uuid.UUID
	ActorID  *uuid.UUID
	SoldAt   time.Time
	Note     string
	Lines    []LineInput
}

// ListFilter pages the sales of a tenant, newest first.
type ListFilter struct {
	TenantID uuid.UUID
	Before   *SaleCursor
	Limit    int
}

// SaleCursor is the keyset position of the last sale seen.
type SaleCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// SalePage is one page of sales without lines.
type SalePage struct {
	Sales []Sale
	Next  *SaleCursor
}

func engineLines(lines []SaleLine) []inventory.SaleLine {
	out := make([]inventory.SaleLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, inventory.SaleLine{LineID: l.ID, ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return out
}
