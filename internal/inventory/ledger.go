package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apotheca-erp/apotheca/internal/shared"
)

// MovementWriter appends ledger rows.
type MovementWriter interface {
	InsertMovement(ctx context.Context, m Movement) error
}

// Entry is a ledger append request.
type Entry struct {
	TenantID    uuid.UUID
	ProductID   uuid.UUID
	ProductName string
	Delta       int
	Kind        MovementKind
	Reason      string
	SourceID    string
	Lot         *LotRef
	ActorID     *uuid.UUID
}

// Ledger writes immutable stock movements.
type Ledger struct {
	clock func() time.Time
}

// NewLedger constructs a Ledger stamping rows with clock.
func NewLedger(clock func() time.Time) *Ledger {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{clock: clock}
}

// Record appends one movement. A zero delta writes nothing.
func (l *Ledger) Record(ctx context.Context, w MovementWriter, e Entry) error {
	if e.Delta == 0 {
		return nil
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: movement kind %q", shared.ErrValidation, e.Kind)
	}
	m := Movement{
		ID:          uuid.New(),
		TenantID:    e.TenantID,
		ProductID:   e.ProductID,
		ProductName: e.ProductName,
		Delta:       e.Delta,
		Kind:        e.Kind,
		Reason:      e.Reason,
		SourceID:    e.SourceID,
		ActorID:     e.ActorID,
		CreatedAt:   l.clock(),
	}
	if e.Lot != nil {
		m.LotCode = e.Lot.Code
		expiry := NormalizeExpiry(e.Lot.Expiry)
		m.LotExpiry = &expiry
	}
	return w.InsertMovement(ctx, m)
}
