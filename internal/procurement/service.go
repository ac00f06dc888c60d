package procurement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/apotheca-erp/apotheca/internal/inventory"
	"github.com/apotheca-erp/apotheca/internal/sequence"
	"github.com/apotheca-erp/apotheca/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetDocument(ctx context.Context, tenantID, documentID uuid.UUID) (Document, error)
	ListDocuments(ctx context.Context, filter ListFilter) (DocumentPage, error)
}

// StockPort exposes the lot registry, ledger and parity checker, satisfied by *inventory.Service.
type StockPort interface {
	Registry() *inventory.Registry
	Ledger() *inventory.Ledger
	Parity() *inventory.ParityChecker
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates procurement documents and their stock effect.
type Service struct {
	repo        RepositoryPort
	stock       StockPort
	reconciler  *Reconciler
	assigner    *sequence.Assigner
	audit       AuditPort
	idempotency shared.IdempotencyPort
	observer    inventory.Observer
	drafts      DraftObserver
	logger      *slog.Logger
	clock       func() time.Time
}

// NewService constructs procurement service.
func NewService(repo RepositoryPort, stock StockPort, assigner *sequence.Assigner, audit AuditPort, idem shared.IdempotencyPort, observer inventory.Observer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if assigner == nil {
		assigner = sequence.NewAssigner(0)
	}
	return &Service{
		repo:        repo,
		stock:       stock,
		reconciler:  NewReconciler(stock.Registry(), stock.Ledger()),
		assigner:    assigner,
		audit:       audit,
		idempotency: idem,
		observer:    observer,
		logger:      logger,
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// SetDraftObserver registers the observer told about reorder drafts leaving DRAFT.
func (s *Service) SetDraftObserver(obs DraftObserver) {
	s.drafts = obs
}

// Reconciler exposes the lot reconciler.
func (s *Service) Reconciler() *Reconciler { return s.reconciler }

func sequenceKind(kind Kind) sequence.Kind {
	if kind == KindDelivery {
		return sequence.KindDelivery
	}
	return sequence.KindOrder
}

// Create stores a new DRAFT document.
func (s *Service) Create(ctx context.Context, input CreateInput) (Document, error) {
	if !input.Kind.Valid() {
		return Document{}, fmt.Errorf("%w: document kind %q", shared.ErrValidation, input.Kind)
	}
	lines, err := buildLines(input.Lines)
	if err != nil {
		return Document{}, err
	}
	if err := validateLots(lines, false, nil, s.clock()); err != nil {
		return Document{}, err
	}
	key := ""
	if input.IdempotencyKey != "" && s.idempotency != nil {
		key = shared.IdempotencyKey("PROC", input.TenantID, input.IdempotencyKey)
		if err := s.idempotency.CheckAndInsert(ctx, key, "procurement.create"); err != nil {
			return Document{}, err
		}
	}
	now := s.clock()
	doc := Document{
		ID:           uuid.New(),
		TenantID:     input.TenantID,
		Kind:         input.Kind,
		Status:       StatusDraft,
		SupplierName: strings.TrimSpace(input.SupplierName),
		Note:         strings.TrimSpace(input.Note),
		CreatedBy:    input.ActorID,
		CreatedAt:    now,
		UpdatedAt:    now,
		Lines:        lines,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := s.checkProducts(ctx, tx, doc.TenantID, doc.Lines); err != nil {
			return err
		}
		n, code, err := s.assigner.Next(ctx, tx, doc.TenantID, sequenceKind(doc.Kind))
		if err != nil {
			return err
		}
		doc.Sequence, doc.Code = n, code
		return tx.InsertDocument(ctx, doc)
	})
	if err != nil {
		if key != "" {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Document{}, err
	}
	s.recordAudit(ctx, doc, input.ActorID, "procurement:create", map[string]any{"code": doc.Code, "kind": doc.Kind, "lines": len(doc.Lines)})
	return doc, nil
}

// Update replaces header fields and lines. A received delivery is reconciled
// against its previous lots in the same transaction.
func (s *Service) Update(ctx context.Context, input UpdateInput) (Document, error) {
	lines, err := buildLines(input.Lines)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	var touched []uuid.UUID
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		prior, err := tx.GetDocumentForUpdate(ctx, input.TenantID, input.DocumentID)
		if err != nil {
			return err
		}
		if prior.Status == StatusCancelled {
			return fmt.Errorf("%w: document %s is cancelled", shared.ErrInvalidState, prior.Code)
		}
		disp := prior.Disposition()
		if err := validateLots(lines, disp.AppliesStock(), appliedLots(prior), s.clock()); err != nil {
			return err
		}
		if err := s.checkProducts(ctx, tx, prior.TenantID, lines); err != nil {
			return err
		}
		touched, err = s.reconciler.Reconcile(ctx, tx, ReconcileInput{
			TenantID:          prior.TenantID,
			DocumentID:        prior.ID,
			Reference:         prior.Code,
			ActorID:           input.ActorID,
			Before:            prior.Lines,
			After:             lines,
			DispositionBefore: disp,
			DispositionAfter:  disp,
		})
		if err != nil {
			return err
		}
		doc = prior
		doc.Lines = lines
		doc.SupplierName = strings.TrimSpace(input.SupplierName)
		doc.Note = strings.TrimSpace(input.Note)
		doc.UpdatedAt = s.clock()
		if err := tx.ReplaceDocumentLines(ctx, doc); err != nil {
			return err
		}
		if err := tx.UpdateDocumentHeader(ctx, doc); err != nil {
			return err
		}
		_, err = s.stock.Parity().Check(ctx, tx, doc.TenantID, touched)
		return err
	})
	if err != nil {
		return Document{}, err
	}
	s.recordAudit(ctx, doc, input.ActorID, "procurement:update", map[string]any{"code": doc.Code, "lines": len(doc.Lines)})
	s.stockChanged(ctx, doc, touched)
	return doc, nil
}

// ChangeStatus moves a document to another status, receiving or un-receiving
// stock when the disposition starts or stops applying.
func (s *Service) ChangeStatus(ctx context.Context, input StatusInput) (Document, error) {
	var doc Document
	var from Status
	var touched []uuid.UUID
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		prior, err := tx.GetDocumentForUpdate(ctx, input.TenantID, input.DocumentID)
		if err != nil {
			return err
		}
		if !CanTransition(prior.Status, input.Status) {
			return fmt.Errorf("%w: %s cannot move from %s to %s", shared.ErrInvalidState, prior.Code, prior.Status, input.Status)
		}
		from = prior.Status
		next := Disposition{Kind: prior.Kind, Status: input.Status}
		if next.AppliesStock() && !prior.Disposition().AppliesStock() {
			if err := validateLots(prior.Lines, true, nil, s.clock()); err != nil {
				return err
			}
		}
		touched, err = s.reconciler.Reconcile(ctx, tx, ReconcileInput{
			TenantID:          prior.TenantID,
			DocumentID:        prior.ID,
			Reference:         prior.Code,
			ActorID:           input.ActorID,
			Before:            prior.Lines,
			After:             prior.Lines,
			DispositionBefore: prior.Disposition(),
			DispositionAfter:  next,
		})
		if err != nil {
			return err
		}
		doc = prior
		doc.Status = input.Status
		doc.UpdatedAt = s.clock()
		if err := tx.UpdateDocumentHeader(ctx, doc); err != nil {
			return err
		}
		_, err = s.stock.Parity().Check(ctx, tx, doc.TenantID, touched)
		return err
	})
	if err != nil {
		return Document{}, err
	}
	s.recordAudit(ctx, doc, input.ActorID, "procurement:status", map[string]any{"code": doc.Code, "from": from, "to": doc.Status})
	if from == StatusDraft {
		s.draftLeft(ctx, doc, false)
	}
	s.stockChanged(ctx, doc, touched)
	return doc, nil
}

// Delete removes a document, first reversing any stock it still holds.
func (s *Service) Delete(ctx context.Context, tenantID, documentID uuid.UUID, actorID *uuid.UUID) error {
	var prior Document
	var touched []uuid.UUID
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		prior, err = tx.GetDocumentForUpdate(ctx, tenantID, documentID)
		if err != nil {
			return err
		}
		touched, err = s.reconciler.Reconcile(ctx, tx, ReconcileInput{
			TenantID:          tenantID,
			DocumentID:        prior.ID,
			Reference:         prior.Code,
			ActorID:           actorID,
			Before:            prior.Lines,
			DispositionBefore: prior.Disposition(),
			DispositionAfter:  Disposition{Kind: prior.Kind, Status: StatusCancelled},
		})
		if err != nil {
			return err
		}
		if err := tx.DeleteDocument(ctx, tenantID, documentID); err != nil {
			return err
		}
		_, err = s.stock.Parity().Check(ctx, tx, tenantID, touched)
		return err
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, prior, actorID, "procurement:delete", map[string]any{"code": prior.Code})
	if prior.Status == StatusDraft {
		s.draftLeft(ctx, prior, true)
	}
	s.stockChanged(ctx, prior, touched)
	return nil
}

// Get returns a document with its lines.
func (s *Service) Get(ctx context.Context, tenantID, documentID uuid.UUID) (Document, error) {
	return s.repo.GetDocument(ctx, tenantID, documentID)
}

// List pages the documents of a tenant.
func (s *Service) List(ctx context.Context, filter ListFilter) (DocumentPage, error) {
	return s.repo.ListDocuments(ctx, filter)
}

// CreateReorderDraft opens an ORDER draft with one zero-quantity line per product.
func (s *Service) CreateReorderDraft(ctx context.Context, tenantID uuid.UUID, productIDs []uuid.UUID) (Document, error) {
	inputs := make([]LineInput, 0, len(productIDs))
	for _, id := range productIDs {
		inputs = append(inputs, LineInput{ProductID: id})
	}
	return s.Create(ctx, CreateInput{
		TenantID: tenantID,
		Kind:     KindOrder,
		Note:     "Low-stock reorder",
		Lines:    inputs,
	})
}

// GetDraft returns a document for the low-stock deduplicator.
func (s *Service) GetDraft(ctx context.Context, tenantID, documentID uuid.UUID) (Document, error) {
	return s.repo.GetDocument(ctx, tenantID, documentID)
}

// AddDraftLines appends zero-quantity lines for products not yet on an open reorder draft.
func (s *Service) AddDraftLines(ctx context.Context, tenantID, documentID uuid.UUID, productIDs []uuid.UUID) error {
	return s.editDraft(ctx, tenantID, documentID, func(doc *Document) bool {
		present := make(map[uuid.UUID]struct{}, len(doc.Lines))
		for _, line := range doc.Lines {
			present[line.ProductID] = struct{}{}
		}
		changed := false
		for _, id := range productIDs {
			if _, ok := present[id]; ok {
				continue
			}
			present[id] = struct{}{}
			doc.Lines = append(doc.Lines, Line{ID: uuid.New(), ProductID: id})
			changed = true
		}
		return changed
	})
}

// RemoveDraftLines drops the lines of productIDs that still have a zero quantity.
// Lines the user already filled in are kept.
func (s *Service) RemoveDraftLines(ctx context.Context, tenantID, documentID uuid.UUID, productIDs []uuid.UUID) error {
	drop := make(map[uuid.UUID]struct{}, len(productIDs))
	for _, id := range productIDs {
		drop[id] = struct{}{}
	}
	return s.editDraft(ctx, tenantID, documentID, func(doc *Document) bool {
		kept := doc.Lines[:0]
		for _, line := range doc.Lines {
			if _, ok := drop[line.ProductID]; ok && line.Quantity == 0 {
				continue
			}
			kept = append(kept, line)
		}
		changed := len(kept) != len(doc.Lines)
		doc.Lines = kept
		return changed
	})
}

func (s *Service) editDraft(ctx context.Context, tenantID, documentID uuid.UUID, edit func(*Document) bool) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetDocumentForUpdate(ctx, tenantID, documentID)
		if err != nil {
			return err
		}
		if doc.Kind != KindOrder || doc.Status != StatusDraft {
			return fmt.Errorf("%w: %s is not an open reorder draft", shared.ErrInvalidState, doc.Code)
		}
		if !edit(&doc) {
			return nil
		}
		for i := range doc.Lines {
			doc.Lines[i].Position = i + 1
		}
		doc.UpdatedAt = s.clock()
		if err := tx.ReplaceDocumentLines(ctx, doc); err != nil {
			return err
		}
		return tx.UpdateDocumentHeader(ctx, doc)
	})
}

// checkProducts verifies every line references a product of the tenant.
func (s *Service) checkProducts(ctx context.Context, tx TxRepository, tenantID uuid.UUID, lines []Line) error {
	seen := make(map[uuid.UUID]struct{}, len(lines))
	for _, line := range lines {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		if _, err := inventory.OwnedProduct(ctx, tx, tenantID, line.ProductID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, doc Document, actorID *uuid.UUID, action string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		TenantID: doc.TenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   "procurement_document",
		EntityID: doc.ID.String(),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}
