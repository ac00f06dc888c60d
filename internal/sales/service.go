package sales

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

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSale(ctx context.Context, tenantID, saleID uuid.UUID) (Sale, error)
	ListSales(ctx context.Context, filter ListFilter) (SalePage, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// StockPort exposes the shared stock primitives, satisfied by *inventory.Service.
type StockPort interface {
	Engine() *inventory.Engine
	Parity() *inventory.ParityChecker
}

// Service coordinates sales with stock consumption.
type Service struct {
	repo        RepositoryPort
	stock       StockPort
	assigner    *sequence.Assigner
	audit       AuditPort
	idempotency shared.IdempotencyPort
	observer    inventory.Observer
	logger      *slog.Logger
	clock       func() time.Time
}

// NewService constructs a sales service.
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

// Create persists a sale and allocates its stock.
func (s *Service) Create(ctx context.Context, input CreateInput) (Sale, error) {
	lines, err := buildLines(input.Lines)
	if err != nil {
		return Sale{}, err
	}
	key := ""
	if input.IdempotencyKey != "" && s.idempotency != nil {
		key = shared.IdempotencyKey("SALE", input.TenantID, input.IdempotencyKey)
		if err := s.idempotency.CheckAndInsert(ctx, key, "sales.create"); err != nil {
			return Sale{}, err
		}
	}
	now := s.clock()
	sale := Sale{
		ID:        uuid.New(),
		TenantID:  input.TenantID,
		SoldAt:    orNow(input.SoldAt, now),
		Note:      strings.TrimSpace(input.Note),
		CreatedBy: input.ActorID,
		CreatedAt: now,
		UpdatedAt: now,
		Lines:     lines,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		n, code, err := s.assigner.Next(ctx, tx, sale.TenantID, sequence.KindSale)
		if err != nil {
			return err
		}
		sale.Sequence, sale.Code = n, code
		if err := tx.InsertSale(ctx, sale); err != nil {
			return err
		}
		sale.Allocations, err = s.stock.Engine().Consume(ctx, tx, inventory.ConsumeInput{
			TenantID:  sale.TenantID,
			SaleID:    sale.ID,
			Reference: sale.Code,
			ActorID:   input.ActorID,
			Lines:     engineLines(sale.Lines),
		})
		if err != nil {
			return err
		}
		_, err = s.stock.Parity().Check(ctx, tx, sale.TenantID, productIDs(sale.Lines))
		return err
	})
	if err != nil {
		if key != "" {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Sale{}, err
	}
	s.recordAudit(ctx, sale, input.ActorID, "sales:create", map[string]any{
		"code":  sale.Code,
		"lines": len(sale.Lines),
		"total": sale.Total().StringFixed(2),
	})
	s.notify(ctx, sale.TenantID, sale.ID, productIDs(sale.Lines))
	return sale, nil
}

// Update reverses the previous lines and consumes the new ones in one transaction.
func (s *Service) Update(ctx context.Context, input UpdateInput) (Sale, error) {
	lines, err := buildLines(input.Lines)
	if err != nil {
		return Sale{}, err
	}
	var sale Sale
	var touched []uuid.UUID
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		prior, err := tx.GetSaleForUpdate(ctx, input.TenantID, input.SaleID)
		if err != nil {
			return err
		}
		if err := s.reverse(ctx, tx, prior, input.ActorID); err != nil {
			return err
		}
		sale = prior
		sale.Lines = lines
		sale.SoldAt = orNow(input.SoldAt, prior.SoldAt)
		sale.Note = strings.TrimSpace(input.Note)
		sale.UpdatedAt = s.clock()
		if err := tx.ReplaceSaleLines(ctx, sale.TenantID, sale.ID, sale.Lines); err != nil {
			return err
		}
		if err := tx.UpdateSaleHeader(ctx, sale); err != nil {
			return err
		}
		sale.Allocations, err = s.stock.Engine().Consume(ctx, tx, inventory.ConsumeInput{
			TenantID:  sale.TenantID,
			SaleID:    sale.ID,
			Reference: sale.Code,
			ActorID:   input.ActorID,
			Lines:     engineLines(sale.Lines),
		})
		if err != nil {
			return err
		}
		touched = union(productIDs(prior.Lines), productIDs(sale.Lines))
		_, err = s.stock.Parity().Check(ctx, tx, sale.TenantID, touched)
		return err
	})
	if err != nil {
		return Sale{}, err
	}
	s.recordAudit(ctx, sale, input.ActorID, "sales:update", map[string]any{
		"code":  sale.Code,
		"lines": len(sale.Lines),
		"total": sale.Total().StringFixed(2),
	})
	s.notify(ctx, sale.TenantID, sale.ID, touched)
	return sale, nil
}

// Delete restores the stock of a sale and removes it.
func (s *Service) Delete(ctx context.Context, tenantID, saleID uuid.UUID, actorID *uuid.UUID) error {
	var prior Sale
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		prior, err = tx.GetSaleForUpdate(ctx, tenantID, saleID)
		if err != nil {
			return err
		}
		if err := s.reverse(ctx, tx, prior, actorID); err != nil {
			return err
		}
		if err := tx.DeleteSale(ctx, tenantID, saleID); err != nil {
			return err
		}
		_, err = s.stock.Parity().Check(ctx, tx, tenantID, productIDs(prior.Lines))
		return err
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, prior, actorID, "sales:delete", map[string]any{"code": prior.Code})
	s.notify(ctx, tenantID, saleID, productIDs(prior.Lines))
	return nil
}

// Get returns a sale with its lines and allocations.
func (s *Service) Get(ctx context.Context, tenantID, saleID uuid.UUID) (Sale, error) {
	return s.repo.GetSale(ctx, tenantID, saleID)
}

// List pages the sales of a tenant.
func (s *Service) List(ctx context.Context, filter ListFilter) (SalePage, error) {
	return s.repo.ListSales(ctx, filter)
}

func (s *Service) reverse(ctx context.Context, tx TxRepository, prior Sale, actorID *uuid.UUID) error {
	allocs, err := tx.ListSaleAllocations(ctx, prior.TenantID, prior.ID)
	if err != nil {
		return err
	}
	if allocs == nil {
		allocs = []inventory.SaleAllocation{}
	}
	return s.stock.Engine().Reverse(ctx, tx, inventory.ReverseInput{
		TenantID:    prior.TenantID,
		SaleID:      prior.ID,
		Reference:   prior.Code,
		ActorID:     actorID,
		Lines:       engineLines(prior.Lines),
		Allocations: allocs,
	})
}

func (s *Service) notify(ctx context.Context, tenantID, saleID uuid.UUID, products []uuid.UUID) {
	inventory.Notify(ctx, s.observer, inventory.StockChangedEvent{
		TenantID:   tenantID,
		Kind:       inventory.MovementSaleSync,
		SourceID:   saleID.String(),
		ProductIDs: products,
		At:         s.clock(),
	})
}

func (s *Service) recordAudit(ctx context.Context, sale Sale, actorID *uuid.UUID, action string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		TenantID: sale.TenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   "sale",
		EntityID: sale.ID.String(),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

func buildLines(inputs []LineInput) ([]SaleLine, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: at least one line required", shared.ErrValidation)
	}
	lines := make([]SaleLine, 0, len(inputs))
	for i, in := range inputs {
		if in.ProductID == uuid.Nil {
			return nil, fmt.Errorf("%w: line %d product required", shared.ErrValidation, i+1)
		}
		if in.Quantity <= 0 {
			return nil, fmt.Errorf("%w: line %d quantity must be positive", shared.ErrValidation, i+1)
		}
		if in.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("%w: line %d unit price must be >= 0", shared.ErrValidation, i+1)
		}
		lines = append(lines, SaleLine{
			ID:        uuid.New(),
			ProductID: in.ProductID,
			Quantity:  in.Quantity,
			UnitPrice: in.UnitPrice.Round(2),
			Position:  i + 1,
		})
	}
	return lines, nil
}

func productIDs(lines []SaleLine) []uuid.UUID {
	return inventory.AffectedProducts(engineLines(lines))
}

func union(a, b []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(a)+len(b))
	out := make([]uuid.UUID, 0, len(a)+len(b))
	for _, id := range append(append([]uuid.UUID{}, a...), b...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func orNow(t time.Time, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t.UTC()
}
