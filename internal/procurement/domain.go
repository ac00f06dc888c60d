package procurement

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/apotheca-erp/apotheca/internal/inventory"
)

// Kind distinguishes reorder documents from supplier deliveries.
type Kind string

const (
	KindOrder    Kind = "ORDER"
	KindDelivery Kind = "DELIVERY"
)

// Valid reports whether k is a known document kind.
func (k Kind) Valid() bool {
	return k == KindOrder || k == KindDelivery
}

// Status is the lifecycle state of a procurement document.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusSent      Status = "SENT"
	StatusReceived  Status = "RECEIVED"
	StatusCancelled Status = "CANCELLED"
)

var transitions = map[Status][]Status{
	StatusDraft:    {StatusSent, StatusCancelled},
	StatusSent:     {StatusReceived, StatusCancelled},
	StatusReceived: {StatusCancelled},
}

// CanTransition reports whether a document may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Disposition is the (kind, status) pair that decides whether a document holds stock.
type Disposition struct {
	Kind   Kind
	Status Status
}

// AppliesStock is true only for received deliveries.
func (d Disposition) AppliesStock() bool {
	return d.Kind == KindDelivery && d.Status == StatusReceived
}

// Document is a reorder or a delivery.
type Document struct {
	ID           uuid.UUID  `json:"id"`
	TenantID     uuid.UUID  `json:"tenant_id"`
	Code         string     `json:"code"`
	Sequence     int        `json:"sequence"`
	Kind         Kind       `json:"kind"`
	Status       Status     `json:"status"`
	SupplierName string     `json:"supplier_name"`
	Note         string     `json:"note"`
	CreatedBy    *uuid.UUID `json:"created_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Lines        []Line     `json:"lines"`
}

// Disposition returns the document's current disposition.
func (d Document) Disposition() Disposition {
	return Disposition{Kind: d.Kind, Status: d.Status}
}

// Line is a document line. Lots carry the declared batches of a delivery.
type Line struct {
	ID        uuid.UUID        `json:"id"`
	ProductID uuid.UUID        `json:"product_id"`
	Quantity  int              `json:"quantity"`
	UnitCost  decimal.Decimal  `json:"unit_cost"`
	Position  int              `json:"position"`
	Lots      []LotDeclaration `json:"lots,omitempty"`
}

// LotDeclaration names a batch received on a line.
type LotDeclaration struct {
	Code     string    `json:"code" validate:"required,max=64"`
	Expiry   time.Time `json:"expiry" validate:"required"`
	Quantity int       `json:"quantity" validate:"gt=0"`
}

// receiptAllocations flattens the declared lots of a document.
func (d Document) receiptAllocations() []inventory.ReceiptAllocation {
	var out []inventory.ReceiptAllocation
	for _, line := range d.Lines {
		for _, lot := range line.Lots {
			out = append(out, inventory.ReceiptAllocation{
				ID:             uuid.New(),
				TenantID:       d.TenantID,
				DocumentID:     d.ID,
				DocumentLineID: line.ID,
				ProductID:      line.ProductID,
				LotCode:        lot.Code,
				ExpiryDate:     lot.Expiry,
				Quantity:       lot.Quantity,
			})
		}
	}
	return out
}

// attachLots distributes persisted receipt allocations back onto their lines.
func attachLots(lines []Line, allocs []inventory.ReceiptAllocation) {
	byLine := make(map[uuid.UUID][]LotDeclaration, len(lines))
	for _, a := range allocs {
		byLine[a.DocumentLineID] = append(byLine[a.DocumentLineID], LotDeclaration{
			Code:     a.LotCode,
			Expiry:   a.ExpiryDate,
			Quantity: a.Quantity,
		})
	}
	for i := range lines {
		lines[i].Lots = byLine[lines[i].ID]
	}
}

// LineInput is a submitted document line.
type LineInput struct {
	ProductID uuid.UUID        `json:"product_id" validate:"required"`
	Quantity  int              `json:"quantity" validate:"gte=0"`
	UnitCost  decimal.Decimal  `json:"unit_cost"`
	Lots      []LotDeclaration `json:"lots" validate:"dive"`
}

// CreateDocumentRequest is the payload of POST /procurement/documents.
type CreateDocumentRequest struct {
	Kind         Kind        `json:"kind" validate:"required,oneof=ORDER DELIVERY"`
	SupplierName string      `json:"supplier_name" validate:"max=200"`
	Note         string      `json:"note" validate:"max=1000"`
	Lines        []LineInput `json:"lines" validate:"dive"`
}

// UpdateDocumentRequest is the payload of PUT /procurement/documents/{id}.
type UpdateDocumentRequest struct {
	SupplierName string      `json:"supplier_name" validate:"max=200"`
	Note         string      `json:"note" validate:"max=1000"`
	Lines        []LineInput `json:"lines" validate:"dive"`
}

// ChangeStatusRequest is the payload of POST /procurement/documents/{id}/status.
type ChangeStatusRequest struct {
	Status Status `json:"status" validate:"required,oneof=SENT RECEIVED CANCELLED"`
}

// CreateInput carries a new document.
type CreateInput struct {
	TenantID       uuid.UUID
	ActorID        *uuid.UUID
	Kind           Kind
	SupplierName   string
	Note           string
	Lines          []LineInput
	IdempotencyKey string
}

// UpdateInput replaces the header fields and lines of a document.
type UpdateInput struct {
	TenantID     uuid.UUID
	DocumentID   uuid.UUID
	ActorID      *uuid.UUID
	SupplierName string
	Note         string
	Lines        []LineInput
}

// StatusInput moves a document through its lifecycle.
type StatusInput struct {
	TenantID   uuid.UUID
	DocumentID uuid.UUID
	ActorID    *uuid.UUID
	Status     Status
}

// ListFilter narrows document listings.
type ListFilter struct {
	TenantID uuid.UUID
	Kind     Kind
	Status   Status
	Before   *DocumentCursor
	Limit    int
}

// DocumentCursor is a keyset position.
type DocumentCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// DocumentPage is one page of documents, newest first.
type DocumentPage struct {
	Documents []Document
	Next      *DocumentCursor
}
