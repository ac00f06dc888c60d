package procurement

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/apotheca-erp/apotheca/internal/inventory"
)

func (s *Service) draftLeft(ctx context.Context, doc Document, deleted bool) {
	if s.drafts == nil || doc.Kind != KindOrder {
		return
	}
	evt := DraftEvent{TenantID: doc.TenantID, DocumentID: doc.ID, Status: doc.Status, Deleted: deleted, At: s.clock()}
	if err := s.drafts.OnDraftLeftDraft(ctx, evt); err != nil {
		s.logger.Warn("draft observer", slog.String("document_id", doc.ID.String()), slog.Any("error", err))
	}
}

func (s *Service) stockChanged(ctx context.Context, doc Document, products []uuid.UUID) {
	inventory.Notify(ctx, s.observer, inventory.StockChangedEvent{
		TenantID:   doc.TenantID,
		Kind:       inventory.MovementReceiptSync,
		SourceID:   doc.ID.String(),
		ProductIDs: products,
		At:         s.clock(),
	})
}
