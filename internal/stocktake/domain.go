// Package stocktake reconciles physical counts with the stock counters.
package stocktake

import (
	"time"

	"github.com/google/uuid"

	"github.com/apotheca-erp/apotheca/internal/inventory"
)

// Status of a count session.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusCounting  Status = "COUNTING"
	StatusFinalized Status = "FINALIZED"
)

// Session is one stocktake. Lines snapshot the expected quantities at creation.
type Session struct {
	ID          uuid.UUID  `json:"id"`
	TenantID    uuid.UUID  `json:"tenant_id"`
	Code        string     `json:"code"`
	Sequence    int        `json:"sequence"`
	Status      Status     `json:"status"`
	Note        string     `json:"note"`
	CreatedBy   *uuid.UUID `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
	Lines       []Line     `json:"lines"`
}

// Line is the count of one product.
type Line struct {
	ID          uuid.UUID `json:"id"`
	ProductID   uuid.UUID `json:"product_id"`
	ProductName string    `json:"product_name"`
	Expected    int       `json:"expected_quantity"`
	Counted     *int      `json:"counted_quantity,omitempty"`
	Variance    *int      `json:"variance,omitempty"`
}

// Count is a counted quantity submitted for a product.
type Count struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Quantity  int       `json:"quantity" validate:"gte=0"`
}

// CreateSessionRequest is the payload of POST /stocktakes.
type CreateSessionRequest struct {
	Note       string      `json:"note" validate:"max=1000"`
	ProductIDs []uuid.UUID `json:"product_ids"`
}

// CountsRequest carries counts for POST /stocktakes/{id}/counts and /finalize.
type CountsRequest struct {
	Counts []Count `json:"counts" validate:"dive"`
}

// CreateInput opens a session. An empty ProductIDs snapshots every product of the tenant.
type CreateInput struct {
	TenantID   uuid.UUID
	ActorID    *uuid.UUID
	Note       string
	ProductIDs []uuid.UUID
}

// CountsInput submits counts to a session.
type CountsInput struct {
	TenantID  uuid.UUID
	SessionID uuid.UUID
	ActorID   *uuid.UUID
	Counts    []Count
}

// FinalizeResult reports what a finalize changed.
type FinalizeResult struct {
	Session     Session                `json:"session"`
	Adjusted    int                    `json:"adjusted"`
	Divergences []inventory.Divergence `json:"divergences"`
}
