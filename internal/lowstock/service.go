package lowstock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/apotheca-erp/apotheca/internal/inventory"
	"github.com/apotheca-erp/apotheca/internal/procurement"
	"github.com/apotheca-erp/apotheca/internal/shared"
)

// StatePort persists alert state.
type StatePort interface {
	LoadState(ctx context.Context, tenantID uuid.UUID) (AlertState, error)
	SaveState(ctx context.Context, state AlertState) error
	TenantsWithTrackedDrafts(ctx context.Context) ([]uuid.UUID, error)
}

// ProductSource lists the products of a tenant, satisfied by *inventory.Service.
type ProductSource interface {
	ListProducts(ctx context.Context, tenantID uuid.UUID) ([]inventory.Product, error)
}

// DraftStore is the reorder-draft surface of *procurement.Service.
type DraftStore interface {
	CreateReorderDraft(ctx context.Context, tenantID uuid.UUID, productIDs []uuid.UUID) (procurement.Document, error)
	GetDraft(ctx context.Context, tenantID, documentID uuid.UUID) (procurement.Document, error)
	AddDraftLines(ctx context.Context, tenantID, documentID uuid.UUID, productIDs []uuid.UUID) error
	RemoveDraftLines(ctx context.Context, tenantID, documentID uuid.UUID, productIDs []uuid.UUID) error
}

// Locker guards a key across processes, satisfied by *cache.Locker.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// Deduplicator keeps one reorder draft per low-stock set and remembers which
// set was last handled so an unchanged set does not alert again.
type Deduplicator struct {
	state    StatePort
	products ProductSource
	drafts   DraftStore
	locker   Locker
	group    singleflight.Group
	logger   *slog.Logger
	clock    func() time.Time
}

// NewDeduplicator wires the deduplicator. A nil locker disables cross-process locking.
func NewDeduplicator(state StatePort, products ProductSource, drafts DraftStore, locker Locker, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{
		state:    state,
		products: products,
		drafts:   drafts,
		locker:   locker,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (d *Deduplicator) WithClock(clock func() time.Time) *Deduplicator {
	if clock != nil {
		d.clock = clock
	}
	return d
}

type snapshot struct {
	low       []inventory.Product
	signature string
}

// current computes the low-stock set. Concurrent callers for one tenant share a single read.
func (d *Deduplicator) current(ctx context.Context, tenantID uuid.UUID) (snapshot, error) {
	v, err, _ := d.group.Do(tenantID.String(), func() (any, error) {
		products, err := d.products.ListProducts(ctx, tenantID)
		if err != nil {
			return snapshot{}, err
		}
		return snapshot{low: lowStock(products), signature: Signature(products)}, nil
	})
	if err != nil {
		return snapshot{}, fmt.Errorf("lowstock: list products: %w", err)
	}
	return v.(snapshot), nil
}

// Signature returns the current low-stock signature of a tenant.
func (d *Deduplicator) Signature(ctx context.Context, tenantID uuid.UUID) (string, error) {
	snap, err := d.current(ctx, tenantID)
	return snap.signature, err
}

func (d *Deduplicator) lock(ctx context.Context, tenantID uuid.UUID) (func(), error) {
	if d.locker == nil {
		return func() {}, nil
	}
	return d.locker.Acquire(ctx, shared.LowStockLockKey(tenantID))
}

// openDraft resolves the tracked draft. It reports false when nothing is tracked
// or the tracked document no longer is an open draft.
func (d *Deduplicator) openDraft(ctx context.Context, state AlertState) (procurement.Document, bool, error) {
	if state.TrackedOrderID == nil {
		return procurement.Document{}, false, nil
	}
	doc, err := d.drafts.GetDraft(ctx, state.TenantID, *state.TrackedOrderID)
	if errors.Is(err, shared.ErrNotFound) {
		return procurement.Document{}, false, nil
	}
	if err != nil {
		return procurement.Document{}, false, err
	}
	return doc, doc.Status == procurement.StatusDraft, nil
}

// CreateDraft returns the tracked open draft with its signature refreshed, or
// opens a new reorder draft with one zero-quantity line per low-stock product.
func (d *Deduplicator) CreateDraft(ctx context.Context, tenantID uuid.UUID) (procurement.Document, error) {
	release, err := d.lock(ctx, tenantID)
	if err != nil {
		return procurement.Document{}, err
	}
	defer release()

	snap, err := d.current(ctx, tenantID)
	if err != nil {
		return procurement.Document{}, err
	}
	state, err := d.state.LoadState(ctx, tenantID)
	if err != nil {
		return procurement.Document{}, err
	}
	doc, open, err := d.openDraft(ctx, state)
	if err != nil {
		return procurement.Document{}, err
	}
	if !open {
		if len(snap.low) == 0 {
			return procurement.Document{}, fmt.Errorf("%w: no products are low on stock", shared.ErrValidation)
		}
		doc, err = d.drafts.CreateReorderDraft(ctx, tenantID, productIDs(snap.low))
		if err != nil {
			return procurement.Document{}, err
		}
		state.TrackedOrderID = &doc.ID
		d.logger.Info("reorder draft opened", slog.String("tenant_id", tenantID.String()),
			slog.String("code", doc.Code), slog.Int("products", len(snap.low)))
	}
	state.TrackedSignature = snap.signature
	state.UpdatedAt = d.clock()
	if err := d.state.SaveState(ctx, state); err != nil {
		return procurement.Document{}, err
	}
	return doc, nil
}

// Sync aligns the tracked draft with the current low-stock set. Newly low
// products gain a line; products no longer low lose theirs unless the line
// already carries a quantity.
func (d *Deduplicator) Sync(ctx context.Context, tenantID uuid.UUID) (Status, error) {
	release, err := d.lock(ctx, tenantID)
	if err != nil {
		return Status{}, err
	}
	defer release()

	snap, err := d.current(ctx, tenantID)
	if err != nil {
		return Status{}, err
	}
	state, err := d.state.LoadState(ctx, tenantID)
	if err != nil {
		return Status{}, err
	}
	doc, open, err := d.openDraft(ctx, state)
	if err != nil {
		return Status{}, err
	}
	switch {
	case open:
		if err := d.reshape(ctx, doc, snap.low); err != nil {
			return Status{}, err
		}
		if state.TrackedSignature == snap.signature {
			break
		}
		state.TrackedSignature = snap.signature
		state.UpdatedAt = d.clock()
		if err := d.state.SaveState(ctx, state); err != nil {
			return Status{}, err
		}
	case state.TrackedOrderID != nil:
		d.logger.Warn("tracked reorder draft is gone", slog.String("tenant_id", tenantID.String()),
			slog.String("document_id", state.TrackedOrderID.String()))
		state.clearTracked()
		state.UpdatedAt = d.clock()
		if err := d.state.SaveState(ctx, state); err != nil {
			return Status{}, err
		}
	}
	return d.status(snap, state, open), nil
}

func (d *Deduplicator) reshape(ctx context.Context, doc procurement.Document, low []inventory.Product) error {
	isLow := make(map[uuid.UUID]struct{}, len(low))
	for _, p := range low {
		isLow[p.ID] = struct{}{}
	}
	onDraft := make(map[uuid.UUID]struct{}, len(doc.Lines))
	var drop []uuid.UUID
	for _, line := range doc.Lines {
		onDraft[line.ProductID] = struct{}{}
		if _, ok := isLow[line.ProductID]; !ok {
			drop = append(drop, line.ProductID)
		}
	}
	var add []uuid.UUID
	for _, p := range low {
		if _, ok := onDraft[p.ID]; !ok {
			add = append(add, p.ID)
		}
	}
	if len(add) > 0 {
		if err := d.drafts.AddDraftLines(ctx, doc.TenantID, doc.ID, add); err != nil {
			return err
		}
	}
	if len(drop) > 0 {
		if err := d.drafts.RemoveDraftLines(ctx, doc.TenantID, doc.ID, drop); err != nil {
			return err
		}
	}
	return nil
}

// OnDraftLeftDraft implements procurement.DraftObserver. A tracked draft that
// was sent or cancelled marks the current signature as handled; a deleted one
// only stops being tracked.
func (d *Deduplicator) OnDraftLeftDraft(ctx context.Context, evt procurement.DraftEvent) error {
	release, err := d.lock(ctx, evt.TenantID)
	if err != nil {
		return err
	}
	defer release()

	state, err := d.state.LoadState(ctx, evt.TenantID)
	if err != nil {
		return err
	}
	if state.TrackedOrderID == nil || *state.TrackedOrderID != evt.DocumentID {
		return nil
	}
	state.clearTracked()
	if !evt.Deleted {
		snap, err := d.current(ctx, evt.TenantID)
		if err != nil {
			return err
		}
		state.HandledSignature = snap.signature
	}
	state.UpdatedAt = d.clock()
	return d.state.SaveState(ctx, state)
}

// Status reports the current signature and whether it was already handled.
func (d *Deduplicator) Status(ctx context.Context, tenantID uuid.UUID) (Status, error) {
	snap, err := d.current(ctx, tenantID)
	if err != nil {
		return Status{}, err
	}
	state, err := d.state.LoadState(ctx, tenantID)
	if err != nil {
		return Status{}, err
	}
	_, open, err := d.openDraft(ctx, state)
	if err != nil {
		return Status{}, err
	}
	return d.status(snap, state, open), nil
}

// IsHandled reports whether the current low-stock set needs no alert.
func (d *Deduplicator) IsHandled(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	st, err := d.Status(ctx, tenantID)
	return st.Handled, err
}

func (d *Deduplicator) status(snap snapshot, state AlertState, open bool) Status {
	st := Status{
		Signature: snap.signature,
		Handled:   snap.signature == state.HandledSignature && !open,
		LowStock:  snap.low,
	}
	if open {
		st.TrackedDraftID = state.TrackedOrderID
	}
	return st
}

// TenantsWithTrackedDrafts lists tenants the periodic sync has to visit.
func (d *Deduplicator) TenantsWithTrackedDrafts(ctx context.Context) ([]uuid.UUID, error) {
	return d.state.TenantsWithTrackedDrafts(ctx)
}

// SyncAll syncs every tenant with a tracked draft and reports how many succeeded.
func (d *Deduplicator) SyncAll(ctx context.Context) (int, error) {
	tenants, err := d.TenantsWithTrackedDrafts(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	synced := 0
	for _, tenantID := range tenants {
		if _, err := d.Sync(ctx, tenantID); err != nil {
			d.logger.Warn("low-stock sync", slog.String("tenant_id", tenantID.String()), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
			continue
		}
		synced++
	}
	return synced, errors.Join(errs...)
}
