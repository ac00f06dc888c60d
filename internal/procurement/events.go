package procurement

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DraftEvent reports that a reorder document is no longer an open draft.
type DraftEvent struct {
	TenantID   uuid.UUID
	DocumentID uuid.UUID
	Status     Status
	Deleted    bool
	At         time.Time
}

// DraftObserver receives reorder drafts leaving DRAFT. The low-stock
// deduplicator registers itself here.
type DraftObserver interface {
	OnDraftLeftDraft(ctx context.Context, evt DraftEvent) error
}
