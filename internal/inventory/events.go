package inventory

import (
	"time"

	"github.com/google/uuid"
)

// StockChangedEvent is emitted after a committed operation moved stock.
type StockChangedEvent struct {
	TenantID   uuid.UUID
	Kind       MovementKind
	SourceID   string
	ProductIDs []uuid.UUID
	At         time.Time
}
