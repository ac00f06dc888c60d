package stocktake

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
	GetSession(ctx context.Context, tenantID, sessionID uuid.UUID) (Session, error)
	ListSessions(ctx context.Context, tenantID uuid.UUID, limit int) ([]Session, error)
}

// StockPort exposes the ledger and parity checker, satisfied by *inventory.Service.
type StockPort interface {
	Ledger() *inventory.Ledger
	Parity() *inventory.ParityChecker
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service runs count sessions.
type Service struct {
	repo     RepositoryPort
	stock    StockPort
	assigner *sequence.Assigner
	audit    AuditPort
	observer inventory.Observer
	logger   *slog.Logger
	clock    func() time.Time
}

// NewService constructs the stocktake service.
func NewService(repo RepositoryPort, stock StockPort, assigner *sequence.Assigner, audit AuditPort, observer inventory.Observer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if assigner == nil {
		assigner = sequence.NewAssigner(0)
	}
	return &Service{
		repo:     repo,
		stock:    stock,
		assigner: assigner,
		audit:    audit,
		observer: observer,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// Create opens a DRAFT session with the current counters as expected quantities.
func (s *Service) Create(ctx context.Context, input CreateInput) (Session, error) {
	now := s.clock()
	session := Session{
		ID:        uuid.New(),
		TenantID:  input.TenantID,
		Status:    StatusDraft,
		Note:      strings.TrimSpace(input.Note),
		CreatedBy: input.ActorID,
		CreatedAt: now,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		products, err := s.snapshot(ctx, tx, input.TenantID, input.ProductIDs)
		if err != nil {
			return err
		}
		if len(products) == 0 {
			return fmt.Errorf("%w: no products to count", shared.ErrValidation)
		}
		for _, p := range products {
			session.Lines = append(session.Lines, Line{
				ID:          uuid.New(),
				ProductID:   p.ID,
				ProductName: p.Name,
				Expected:    p.StockQuantity,
			})
		}
		n, code, err := s.assigner.Next(ctx, tx, session.TenantID, sequence.KindStocktake)
		if err != nil {
			return err
		}
		session.Sequence, session.Code = n, code
		return tx.InsertSession(ctx, session)
	})
	if err != nil {
		return Session{}, err
	}
	s.recordAudit(ctx, session, input.ActorID, "stocktake:create", map[string]any{"code": session.Code, "lines": len(session.Lines)})
	return session, nil
}

func (s *Service) snapshot(ctx context.Context, tx TxRepository, tenantID uuid.UUID, ids []uuid.UUID) ([]inventory.Product, error) {
	if len(ids) == 0 {
		return tx.ListProductsForUpdate(ctx, tenantID, nil)
	}
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]inventory.Product, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		p, err := inventory.OwnedProduct(ctx, tx, tenantID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Start moves a DRAFT session to COUNTING.
func (s *Service) Start(ctx context.Context, tenantID, sessionID uuid.UUID, actorID *uuid.UUID) (Session, error) {
	var session Session
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		session, err = tx.GetSessionForUpdate(ctx, tenantID, sessionID)
		if err != nil {
			return err
		}
		switch session.Status {
		case StatusFinalized:
			return fmt.Errorf("%w: %s", shared.ErrAlreadyFinalized, session.Code)
		case StatusCounting:
			return fmt.Errorf("%w: %s already started", shared.ErrInvalidState, session.Code)
		}
		now := s.clock()
		session.Status = StatusCounting
		session.StartedAt = &now
		return tx.UpdateSessionStatus(ctx, session)
	})
	if err != nil {
		return Session{}, err
	}
	s.recordAudit(ctx, session, actorID, "stocktake:start", map[string]any{"code": session.Code})
	return session, nil
}

// RecordCounts stores counted quantities while the session is COUNTING.
func (s *Service) RecordCounts(ctx context.Context, input CountsInput) (Session, error) {
	var session Session
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		session, err = tx.GetSessionForUpdate(ctx, input.TenantID, input.SessionID)
		if err != nil {
			return err
		}
		if err := checkCounting(session); err != nil {
			return err
		}
		counts, err := indexCounts(session, input.Counts)
		if err != nil {
			return err
		}
		var changed []Line
		for i := range session.Lines {
			qty, ok := counts[session.Lines[i].ProductID]
			if !ok {
				continue
			}
			session.Lines[i].Counted = &qty
			changed = append(changed, session.Lines[i])
		}
		return tx.UpdateLines(ctx, session.ID, changed)
	})
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

// Finalize applies the variances of a COUNTING session to the stock counters.
// Lines without a count keep their stored count or, failing that, the expected
// quantity. A variance that would drive a counter negative aborts the whole call.
func (s *Service) Finalize(ctx context.Context, input CountsInput) (FinalizeResult, error) {
	var result FinalizeResult
	var adjusted []uuid.UUID
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		session, err := tx.GetSessionForUpdate(ctx, input.TenantID, input.SessionID)
		if err != nil {
			return err
		}
		if err := checkCounting(session); err != nil {
			return err
		}
		counts, err := indexCounts(session, input.Counts)
		if err != nil {
			return err
		}

		type adjustment struct {
			product  inventory.Product
			variance int
		}
		var pending []adjustment
		for i := range session.Lines {
			line := &session.Lines[i]
			counted := line.Expected
			if qty, ok := counts[line.ProductID]; ok {
				counted = qty
			} else if line.Counted != nil {
				counted = *line.Counted
			}
			variance := counted - line.Expected
			line.Counted = &counted
			line.Variance = &variance
			if variance == 0 {
				continue
			}
			product, err := inventory.OwnedProduct(ctx, tx, session.TenantID, line.ProductID)
			if err != nil {
				return err
			}
			if product.StockQuantity+variance < 0 {
				return fmt.Errorf("%w: product %s has %d, variance %d", shared.ErrInsufficientStock,
					product.Name, product.StockQuantity, variance)
			}
			pending = append(pending, adjustment{product: product, variance: variance})
		}

		if err := tx.UpdateLines(ctx, session.ID, session.Lines); err != nil {
			return err
		}
		reason := "Stocktake " + session.Code
		for _, a := range pending {
			if err := tx.UpdateProductStock(ctx, a.product.ID, a.product.StockQuantity+a.variance); err != nil {
				return err
			}
			if err := s.stock.Ledger().Record(ctx, tx, inventory.Entry{
				TenantID:    session.TenantID,
				ProductID:   a.product.ID,
				ProductName: a.product.Name,
				Delta:       a.variance,
				Kind:        inventory.MovementStocktakeSync,
				Reason:      reason,
				SourceID:    session.ID.String(),
				ActorID:     input.ActorID,
			}); err != nil {
				return err
			}
			adjusted = append(adjusted, a.product.ID)
		}
		now := s.clock()
		session.Status = StatusFinalized
		session.FinalizedAt = &now
		if err := tx.UpdateSessionStatus(ctx, session); err != nil {
			return err
		}
		divergences, err := s.stock.Parity().Inspect(ctx, tx, session.TenantID, adjusted)
		if err != nil {
			return err
		}
		result = FinalizeResult{Session: session, Adjusted: len(pending), Divergences: divergences}
		return nil
	})
	if err != nil {
		return FinalizeResult{}, err
	}
	s.recordAudit(ctx, result.Session, input.ActorID, "stocktake:finalize", map[string]any{
		"code":        result.Session.Code,
		"adjusted":    result.Adjusted,
		"divergences": len(result.Divergences),
	})
	inventory.Notify(ctx, s.observer, inventory.StockChangedEvent{
		TenantID:   result.Session.TenantID,
		Kind:       inventory.MovementStocktakeSync,
		SourceID:   result.Session.ID.String(),
		ProductIDs: adjusted,
		At:         s.clock(),
	})
	return result, nil
}

// Get returns a session with its lines.
func (s *Service) Get(ctx context.Context, tenantID, sessionID uuid.UUID) (Session, error) {
	return s.repo.GetSession(ctx, tenantID, sessionID)
}

// List returns recent sessions.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, limit int) ([]Session, error) {
	return s.repo.ListSessions(ctx, tenantID, limit)
}

func checkCounting(session Session) error {
	switch session.Status {
	case StatusFinalized:
		return fmt.Errorf("%w: %s", shared.ErrAlreadyFinalized, session.Code)
	case StatusDraft:
		return fmt.Errorf("%w: %s", shared.ErrNotStarted, session.Code)
	}
	return nil
}

func indexCounts(session Session, counts []Count) (map[uuid.UUID]int, error) {
	inSession := make(map[uuid.UUID]struct{}, len(session.Lines))
	for _, line := range session.Lines {
		inSession[line.ProductID] = struct{}{}
	}
	out := make(map[uuid.UUID]int, len(counts))
	for _, c := range counts {
		if _, ok := inSession[c.ProductID]; !ok {
			return nil, fmt.Errorf("%w: product %s is not part of %s", shared.ErrInvalidProduct, c.ProductID, session.Code)
		}
		if c.Quantity < 0 {
			return nil, fmt.Errorf("%w: count for %s must be >= 0", shared.ErrValidation, c.ProductID)
		}
		out[c.ProductID] = c.Quantity
	}
	return out, nil
}

func (s *Service) recordAudit(ctx context.Context, session Session, actorID *uuid.UUID, action string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		TenantID: session.TenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   "stocktake_session",
		EntityID: session.ID.String(),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}
