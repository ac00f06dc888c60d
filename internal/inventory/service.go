package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/apotheca-erp/apotheca/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetProduct(ctx context.Context, tenantID, productID uuid.UUID) (Product, error)
	ListProducts(ctx context.Context, tenantID uuid.UUID) ([]Product, error)
	ListLots(ctx context.Context, tenantID, productID uuid.UUID, includeEmpty bool) ([]StockLot, error)
	GetLotByCode(ctx context.Context, tenantID, productID uuid.UUID, code string) (StockLot, error)
	ListAllocationsByLot(ctx context.Context, tenantID, productID uuid.UUID, code string) ([]SaleAllocation, error)
	ListMovements(ctx context.Context, filter MovementFilter) (MovementPage, error)
	ScanParity(ctx context.Context, tenantID uuid.UUID) ([]Divergence, error)
	ListTenants(ctx context.Context) ([]uuid.UUID, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	StrictLotParity bool
	CollationLocale string
	Clock           func() time.Time
}

// Service coordinates inventory operations.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency shared.IdempotencyPort
	observer    Observer
	logger      *slog.Logger
	clock       func() time.Time

	registry *Registry
	ledger   *Ledger
	engine   *Engine
	parity   *ParityChecker
}

// NewService builds Service together with the engine components other modules share.
func NewService(repo RepositoryPort, audit AuditPort, idem shared.IdempotencyPort, cfg ServiceConfig, observer Observer, recorder DivergenceRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	tag := language.Und
	if cfg.CollationLocale != "" {
		parsed, err := language.Parse(cfg.CollationLocale)
		if err != nil {
			logger.Warn("invalid collation locale, using root", slog.String("locale", cfg.CollationLocale), slog.Any("error", err))
		} else {
			tag = parsed
		}
	}
	registry := NewRegistry(tag, clock)
	ledger := NewLedger(clock)
	return &Service{
		repo:        repo,
		audit:       audit,
		idempotency: idem,
		observer:    observer,
		logger:      logger,
		clock:       clock,
		registry:    registry,
		ledger:      ledger,
		engine:      NewEngine(registry, ledger, clock),
		parity:      NewParityChecker(cfg.StrictLotParity, logger, recorder),
	}
}

// Registry returns the lot registry.
func (s *Service) Registry() *Registry { return s.registry }

// Ledger returns the movement ledger.
func (s *Service) Ledger() *Ledger { return s.ledger }

// Engine returns the FEFO engine.
func (s *Service) Engine() *Engine { return s.engine }

// Parity returns the parity checker.
func (s *Service) Parity() *ParityChecker { return s.parity }

// CreateProduct registers a product. A positive opening stock is recorded as INITIAL.
func (s *Service) CreateProduct(ctx context.Context, input CreateProductInput) (Product, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Product{}, fmt.Errorf("%w: name required", shared.ErrValidation)
	}
	if input.OpeningStock < 0 || input.LowStockThreshold < 0 {
		return Product{}, fmt.Errorf("%w: quantities must be >= 0", shared.ErrValidation)
	}
	product := Product{
		ID:                uuid.New(),
		TenantID:          input.TenantID,
		Name:              name,
		StockQuantity:     input.OpeningStock,
		LowStockThreshold: input.LowStockThreshold,
		UpdatedAt:         s.clock(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertProduct(ctx, product); err != nil {
			return err
		}
		return s.ledger.Record(ctx, tx, Entry{
			TenantID:    product.TenantID,
			ProductID:   product.ID,
			ProductName: product.Name,
			Delta:       product.StockQuantity,
			Kind:        MovementInitial,
			Reason:      "Opening stock",
			ActorID:     input.ActorID,
		})
	})
	if err != nil {
		return Product{}, err
	}
	s.recordAudit(ctx, product.TenantID, input.ActorID, "inventory:create", product.ID, map[string]any{
		"name":          product.Name,
		"opening_stock": product.StockQuantity,
	})
	Notify(ctx, s.observer, StockChangedEvent{TenantID: product.TenantID, Kind: MovementInitial, ProductIDs: []uuid.UUID{product.ID}, At: s.clock()})
	return product, nil
}

// GetProduct returns a tenant-owned product.
func (s *Service) GetProduct(ctx context.Context, tenantID, productID uuid.UUID) (Product, error) {
	return s.ownedReadOnly(ctx, tenantID, productID)
}

// ListProducts returns the products of a tenant.
func (s *Service) ListProducts(ctx context.Context, tenantID uuid.UUID) ([]Product, error) {
	return s.repo.ListProducts(ctx, tenantID)
}

// RecordMovement appends a ledger row for a product whose counter the caller already changed.
func (s *Service) RecordMovement(ctx context.Context, entry Entry) error {
	if entry.Delta == 0 {
		return nil
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		product, err := OwnedProduct(ctx, tx, entry.TenantID, entry.ProductID)
		if err != nil {
			return err
		}
		if entry.ProductName == "" {
			entry.ProductName = product.Name
		}
		return s.ledger.Record(ctx, tx, entry)
	})
}

// AllocateFEFO consumes stock for a sale that is persisted elsewhere.
func (s *Service) AllocateFEFO(ctx context.Context, in ConsumeInput) ([]SaleAllocation, error) {
	var allocations []SaleAllocation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		allocations, err = s.engine.Consume(ctx, tx, in)
		if err != nil {
			return err
		}
		_, err = s.parity.Check(ctx, tx, in.TenantID, linesProducts(in.Lines))
		return err
	})
	if err != nil {
		return nil, err
	}
	Notify(ctx, s.observer, StockChangedEvent{TenantID: in.TenantID, Kind: MovementSaleSync, SourceID: in.SaleID.String(), ProductIDs: linesProducts(in.Lines), At: s.clock()})
	return allocations, nil
}

// ReverseAllocations restores a prior allocation. When in.Allocations is nil the
// persisted allocations of the sale are used.
func (s *Service) ReverseAllocations(ctx context.Context, in ReverseInput) error {
	var touched []uuid.UUID
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if in.Allocations == nil {
			allocs, err := tx.ListSaleAllocations(ctx, in.TenantID, in.SaleID)
			if err != nil {
				return err
			}
			in.Allocations = allocs
		}
		if err := s.engine.Reverse(ctx, tx, in); err != nil {
			return err
		}
		touched = reverseProducts(in)
		_, err := s.parity.Check(ctx, tx, in.TenantID, touched)
		return err
	})
	if err != nil {
		return err
	}
	Notify(ctx, s.observer, StockChangedEvent{TenantID: in.TenantID, Kind: MovementSaleSync, SourceID: in.SaleID.String(), ProductIDs: touched, At: s.clock()})
	return nil
}

// AdjustStock applies a signed manual adjustment to the counter.
func (s *Service) AdjustStock(ctx context.Context, input AdjustmentInput) (Product, error) {
	if input.Delta == 0 {
		return Product{}, fmt.Errorf("%w: %w", shared.ErrValidation, ErrInvalidQuantity)
	}
	if input.Reason == "" {
		return Product{}, fmt.Errorf("%w: reason required", shared.ErrValidation)
	}
	key := ""
	if input.IdempotencyKey != "" && s.idempotency != nil {
		key = shared.IdempotencyKey("ADJ", input.TenantID, input.IdempotencyKey)
		if err := s.idempotency.CheckAndInsert(ctx, key, "inventory.adjustment"); err != nil {
			return Product{}, err
		}
	}
	var updated Product
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		product, err := OwnedProduct(ctx, tx, input.TenantID, input.ProductID)
		if err != nil {
			return err
		}
		next := product.StockQuantity + input.Delta
		if next < 0 {
			return fmt.Errorf("%w: product %s has %d, adjustment %d", shared.ErrInsufficientStock, product.Name, product.StockQuantity, input.Delta)
		}
		if err := tx.UpdateProductStock(ctx, product.ID, next); err != nil {
			return err
		}
		if err := s.ledger.Record(ctx, tx, Entry{
			TenantID:    input.TenantID,
			ProductID:   product.ID,
			ProductName: product.Name,
			Delta:       input.Delta,
			Kind:        MovementManualAdjustment,
			Reason:      input.Reason,
			SourceID:    input.IdempotencyKey,
			ActorID:     input.ActorID,
		}); err != nil {
			return err
		}
		product.StockQuantity = next
		updated = product
		_, err = s.parity.Check(ctx, tx, input.TenantID, []uuid.UUID{product.ID})
		return err
	})
	if err != nil {
		if key != "" {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Product{}, err
	}
	s.recordAudit(ctx, input.TenantID, input.ActorID, "inventory:adjust", updated.ID, map[string]any{
		"delta":  input.Delta,
		"reason": input.Reason,
	})
	Notify(ctx, s.observer, StockChangedEvent{TenantID: input.TenantID, Kind: MovementManualAdjustment, ProductIDs: []uuid.UUID{updated.ID}, At: s.clock()})
	return updated, nil
}

// SetStock overwrites the counter. The first movement of a product is recorded
// as INITIAL, later ones as MANUAL_EDIT.
func (s *Service) SetStock(ctx context.Context, input SetStockInput) (Product, error) {
	if input.Quantity < 0 {
		return Product{}, fmt.Errorf("%w: quantity must be >= 0", shared.ErrValidation)
	}
	var updated Product
	var kind MovementKind
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		product, err := OwnedProduct(ctx, tx, input.TenantID, input.ProductID)
		if err != nil {
			return err
		}
		seen, err := tx.HasMovements(ctx, input.TenantID, product.ID)
		if err != nil {
			return err
		}
		kind = MovementManualEdit
		if !seen {
			kind = MovementInitial
		}
		delta := input.Quantity - product.StockQuantity
		if delta != 0 {
			if err := tx.UpdateProductStock(ctx, product.ID, input.Quantity); err != nil {
				return err
			}
		}
		reason := input.Reason
		if reason == "" {
			reason = "Stock edited"
			if kind == MovementInitial {
				reason = "Opening stock"
			}
		}
		if err := s.ledger.Record(ctx, tx, Entry{
			TenantID:    input.TenantID,
			ProductID:   product.ID,
			ProductName: product.Name,
			Delta:       delta,
			Kind:        kind,
			Reason:      reason,
			ActorID:     input.ActorID,
		}); err != nil {
			return err
		}
		product.StockQuantity = input.Quantity
		updated = product
		_, err = s.parity.Check(ctx, tx, input.TenantID, []uuid.UUID{product.ID})
		return err
	})
	if err != nil {
		return Product{}, err
	}
	s.recordAudit(ctx, input.TenantID, input.ActorID, "inventory:set", updated.ID, map[string]any{
		"quantity": input.Quantity,
		"kind":     string(kind),
	})
	Notify(ctx, s.observer, StockChangedEvent{TenantID: input.TenantID, Kind: kind, ProductIDs: []uuid.UUID{updated.ID}, At: s.clock()})
	return updated, nil
}

// ListMovements pages the ledger of a tenant.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) (MovementPage, error) {
	if filter.TenantID == uuid.Nil {
		return MovementPage{}, fmt.Errorf("%w: tenant required", shared.ErrValidation)
	}
	return s.repo.ListMovements(ctx, filter)
}

// ListLots returns the lots of a tenant-owned product in FEFO order.
func (s *Service) ListLots(ctx context.Context, tenantID, productID uuid.UUID, includeEmpty bool) ([]StockLot, error) {
	if _, err := s.ownedReadOnly(ctx, tenantID, productID); err != nil {
		return nil, err
	}
	lots, err := s.repo.ListLots(ctx, tenantID, productID, includeEmpty)
	if err != nil {
		return nil, err
	}
	s.registry.SortFEFO(lots)
	return lots, nil
}

// TraceLot gathers the movements and sale allocations referencing one lot.
func (s *Service) TraceLot(ctx context.Context, tenantID, productID uuid.UUID, code string) (LotTrace, error) {
	if _, err := s.ownedReadOnly(ctx, tenantID, productID); err != nil {
		return LotTrace{}, err
	}
	code = NormalizeLotCode(code)
	lot, err := s.repo.GetLotByCode(ctx, tenantID, productID, code)
	if errors.Is(err, ErrLotNotFound) {
		return LotTrace{}, fmt.Errorf("%w: lot %s", shared.ErrNotFound, code)
	}
	if err != nil {
		return LotTrace{}, err
	}
	trace := LotTrace{Lot: lot}
	pid := productID
	filter := MovementFilter{TenantID: tenantID, ProductID: &pid, LotCode: code, Limit: 500}
	for {
		page, err := s.repo.ListMovements(ctx, filter)
		if err != nil {
			return LotTrace{}, err
		}
		trace.Movements = append(trace.Movements, page.Movements...)
		if page.Next == nil {
			break
		}
		filter.After = page.Next
	}
	trace.Allocations, err = s.repo.ListAllocationsByLot(ctx, tenantID, productID, code)
	if err != nil {
		return LotTrace{}, err
	}
	for _, a := range trace.Allocations {
		trace.Consumed += a.Quantity
	}
	return trace, nil
}

// CheckParity scans every lot-tracked product of a tenant.
func (s *Service) CheckParity(ctx context.Context, tenantID uuid.UUID) ([]Divergence, error) {
	out, err := s.repo.ScanParity(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	s.parity.Report(tenantID, out)
	return out, nil
}

// ScanAllTenants runs CheckParity for every tenant and returns the total divergence count.
func (s *Service) ScanAllTenants(ctx context.Context) (int, error) {
	tenants, err := s.repo.ListTenants(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, tenantID := range tenants {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		out, err := s.CheckParity(ctx, tenantID)
		if err != nil {
			return total, fmt.Errorf("tenant %s: %w", tenantID, err)
		}
		total += len(out)
	}
	return total, nil
}

func (s *Service) ownedReadOnly(ctx context.Context, tenantID, productID uuid.UUID) (Product, error) {
	product, err := s.repo.GetProduct(ctx, tenantID, productID)
	if errors.Is(err, shared.ErrNotFound) {
		return Product{}, fmt.Errorf("%w: product %s", shared.ErrUnauthorized, productID)
	}
	return product, err
}

func (s *Service) recordAudit(ctx context.Context, tenantID uuid.UUID, actorID *uuid.UUID, action string, productID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   "product",
		EntityID: productID.String(),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

func linesProducts(lines []SaleLine) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(lines))
	out := make([]uuid.UUID, 0, len(lines))
	for _, l := range lines {
		if _, ok := seen[l.ProductID]; ok {
			continue
		}
		seen[l.ProductID] = struct{}{}
		out = append(out, l.ProductID)
	}
	return out
}

func reverseProducts(in ReverseInput) []uuid.UUID {
	out := linesProducts(in.Lines)
	seen := make(map[uuid.UUID]struct{}, len(out))
	for _, id := range out {
		seen[id] = struct{}{}
	}
	for _, a := range in.Allocations {
		if _, ok := seen[a.ProductID]; ok {
			continue
		}
		seen[a.ProductID] = struct{}{}
		out = append(out, a.ProductID)
	}
	return out
}

// AffectedProducts lists the distinct products of a set of sale lines.
func AffectedProducts(lines []SaleLine) []uuid.UUID {
	return linesProducts(lines)
}
