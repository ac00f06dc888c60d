package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apotheca-erp/apotheca/internal/platform/db"
	"github.com/apotheca-erp/apotheca/internal/shared"
)

// ProductStore reads and writes the stock counter.
type ProductStore interface {
	GetProductForUpdate(ctx context.Context, productID uuid.UUID) (Product, error)
	UpdateProductStock(ctx context.Context, productID uuid.UUID, quantity int) error
}

// AllocationStore persists sale and receipt allocations.
type AllocationStore interface {
	InsertSaleAllocations(ctx context.Context, allocs []SaleAllocation) error
	ListSaleAllocations(ctx context.Context, tenantID, saleID uuid.UUID) ([]SaleAllocation, error)
	DeleteSaleAllocations(ctx context.Context, tenantID, saleID uuid.UUID) error
	ListReceiptAllocations(ctx context.Context, tenantID, documentID uuid.UUID) ([]ReceiptAllocation, error)
	ReplaceReceiptAllocations(ctx context.Context, tenantID, documentID uuid.UUID, allocs []ReceiptAllocation) error
}

// TxRepository exposes transactional operations shared by every stock-moving module.
type TxRepository interface {
	ProductStore
	LotStore
	MovementWriter
	AllocationStore
	InsertProduct(ctx context.Context, p Product) error
	ListProductsForUpdate(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]Product, error)
	HasMovements(ctx context.Context, tenantID, productID uuid.UUID) (bool, error)
}

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes the callback inside a serializable transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

// NewTxRepository binds the inventory queries to q, usually a pgx.Tx owned by the caller.
func NewTxRepository(q db.Querier) TxRepository {
	return &txRepo{q: q}
}

type txRepo struct {
	q db.Querier
}

const productColumns = `id, tenant_id, name, stock_quantity, low_stock_threshold, updated_at`

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.StockQuantity, &p.LowStockThreshold, &p.UpdatedAt)
	return p, err
}

func (r *txRepo) GetProductForUpdate(ctx context.Context, productID uuid.UUID) (Product, error) {
	p, err := scanProduct(r.q.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, shared.ErrNotFound
	}
	return p, err
}

func (r *txRepo) InsertProduct(ctx context.Context, p Product) error {
	_, err := r.q.Exec(ctx, `INSERT INTO products (id, tenant_id, name, stock_quantity, low_stock_threshold, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`, p.ID, p.TenantID, p.Name, p.StockQuantity, p.LowStockThreshold, p.UpdatedAt)
	return err
}

func (r *txRepo) ListProductsForUpdate(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]Product, error) {
	var rows pgx.Rows
	var err error
	if len(ids) == 0 {
		rows, err = r.q.Query(ctx, `SELECT `+productColumns+` FROM products WHERE tenant_id = $1 ORDER BY name, id FOR UPDATE`, tenantID)
	} else {
		rows, err = r.q.Query(ctx, `SELECT `+productColumns+` FROM products WHERE tenant_id = $1 AND id = ANY($2) ORDER BY name, id FOR UPDATE`, tenantID, ids)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *txRepo) UpdateProductStock(ctx context.Context, productID uuid.UUID, quantity int) error {
	tag, err := r.q.Exec(ctx, `UPDATE products SET stock_quantity = $2, updated_at = NOW() WHERE id = $1`, productID, quantity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

const lotColumns = `id, tenant_id, product_id, lot_code, expiry_date, quantity, source_kind, source_document_id, source_line_id, created_at, updated_at`

func scanLot(row pgx.Row) (StockLot, error) {
	var l StockLot
	var source string
	err := row.Scan(&l.ID, &l.TenantID, &l.ProductID, &l.LotCode, &l.ExpiryDate, &l.Quantity, &source,
		&l.SourceDocumentID, &l.SourceLineID, &l.CreatedAt, &l.UpdatedAt)
	l.SourceKind = LotSource(source)
	l.ExpiryDate = NormalizeExpiry(l.ExpiryDate)
	return l, err
}

func collectLots(rows pgx.Rows) ([]StockLot, error) {
	defer rows.Close()
	var out []StockLot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *txRepo) ListLotsForUpdate(ctx context.Context, tenantID, productID uuid.UUID) ([]StockLot, error) {
	rows, err := r.q.Query(ctx, `SELECT `+lotColumns+` FROM stock_lots
		WHERE tenant_id = $1 AND product_id = $2
		ORDER BY expiry_date ASC, lot_code ASC
		FOR UPDATE`, tenantID, productID)
	if err != nil {
		return nil, err
	}
	return collectLots(rows)
}

func (r *txRepo) FindLotForUpdate(ctx context.Context, tenantID, productID uuid.UUID, code string) (StockLot, error) {
	l, err := scanLot(r.q.QueryRow(ctx, `SELECT `+lotColumns+` FROM stock_lots
		WHERE tenant_id = $1 AND product_id = $2 AND lot_code = $3
		FOR UPDATE`, tenantID, productID, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return StockLot{}, ErrLotNotFound
	}
	return l, err
}

func (r *txRepo) InsertLot(ctx context.Context, lot StockLot) error {
	_, err := r.q.Exec(ctx, `INSERT INTO stock_lots (`+lotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		lot.ID, lot.TenantID, lot.ProductID, lot.LotCode, lot.ExpiryDate, lot.Quantity, string(lot.SourceKind),
		lot.SourceDocumentID, lot.SourceLineID, lot.CreatedAt, lot.UpdatedAt)
	return err
}

func (r *txRepo) UpdateLotQuantity(ctx context.Context, lotID uuid.UUID, quantity int) error {
	_, err := r.q.Exec(ctx, `UPDATE stock_lots SET quantity = $2, updated_at = NOW() WHERE id = $1`, lotID, quantity)
	return err
}

func (r *txRepo) InsertMovement(ctx context.Context, m Movement) error {
	var lotCode *string
	if m.LotCode != "" {
		lotCode = &m.LotCode
	}
	_, err := r.q.Exec(ctx, `INSERT INTO stock_movements
		(id, tenant_id, product_id, product_name, delta, kind, reason, source_id, lot_code, lot_expiry, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.TenantID, m.ProductID, m.ProductName, m.Delta, string(m.Kind), m.Reason, m.SourceID,
		lotCode, m.LotExpiry, m.ActorID, m.CreatedAt)
	return err
}

func (r *txRepo) HasMovements(ctx context.Context, tenantID, productID uuid.UUID) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stock_movements WHERE tenant_id = $1 AND product_id = $2)`,
		tenantID, productID).Scan(&exists)
	return exists, err
}

func (r *txRepo) InsertSaleAllocations(ctx context.Context, allocs []SaleAllocation) error {
	for _, a := range allocs {
		_, err := r.q.Exec(ctx, `INSERT INTO sale_allocations
			(id, tenant_id, sale_id, sale_line_id, product_id, lot_code, expiry_date, quantity, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			a.ID, a.TenantID, a.SaleID, a.SaleLineID, a.ProductID, a.LotCode, a.ExpiryDate, a.Quantity, a.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert sale allocation: %w", err)
		}
	}
	return nil
}

func (r *txRepo) ListSaleAllocations(ctx context.Context, tenantID, saleID uuid.UUID) ([]SaleAllocation, error) {
	return querySaleAllocations(ctx, r.q, `WHERE tenant_id = $1 AND sale_id = $2`, tenantID, saleID)
}

func (r *txRepo) DeleteSaleAllocations(ctx context.Context, tenantID, saleID uuid.UUID) error {
	_, err := r.q.Exec(ctx, `DELETE FROM sale_allocations WHERE tenant_id = $1 AND sale_id = $2`, tenantID, saleID)
	return err
}

func (r *txRepo) ListReceiptAllocations(ctx context.Context, tenantID, documentID uuid.UUID) ([]ReceiptAllocation, error) {
	rows, err := r.q.Query(ctx, `SELECT id, tenant_id, document_id, document_line_id, product_id, lot_code, expiry_date, quantity
		FROM receipt_allocations WHERE tenant_id = $1 AND document_id = $2 ORDER BY document_line_id, lot_code`, tenantID, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReceiptAllocation
	for rows.Next() {
		var a ReceiptAllocation
		if err := rows.Scan(&a.ID, &a.TenantID, &a.DocumentID, &a.DocumentLineID, &a.ProductID, &a.LotCode, &a.ExpiryDate, &a.Quantity); err != nil {
			return nil, err
		}
		a.ExpiryDate = NormalizeExpiry(a.ExpiryDate)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *txRepo) ReplaceReceiptAllocations(ctx context.Context, tenantID, documentID uuid.UUID, allocs []ReceiptAllocation) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM receipt_allocations WHERE tenant_id = $1 AND document_id = $2`, tenantID, documentID); err != nil {
		return err
	}
	for _, a := range allocs {
		_, err := r.q.Exec(ctx, `INSERT INTO receipt_allocations
			(id, tenant_id, document_id, document_line_id, product_id, lot_code, expiry_date, quantity)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			a.ID, tenantID, documentID, a.DocumentLineID, a.ProductID, a.LotCode, a.ExpiryDate, a.Quantity)
		if err != nil {
			return fmt.Errorf("insert receipt allocation: %w", err)
		}
	}
	return nil
}

func querySaleAllocations(ctx context.Context, q db.Querier, where string, args ...any) ([]SaleAllocation, error) {
	rows, err := q.Query(ctx, `SELECT id, tenant_id, sale_id, sale_line_id, product_id, lot_code, expiry_date, quantity, created_at
		FROM sale_allocations `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SaleAllocation
	for rows.Next() {
		var a SaleAllocation
		if err := rows.Scan(&a.ID, &a.TenantID, &a.SaleID, &a.SaleLineID, &a.ProductID, &a.LotCode, &a.ExpiryDate, &a.Quantity, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.ExpiryDate = NormalizeExpiry(a.ExpiryDate)
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetProduct returns a tenant-owned product without locking it.
func (r *Repository) GetProduct(ctx context.Context, tenantID, productID uuid.UUID) (Product, error) {
	p, err := scanProduct(r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 AND tenant_id = $2`, productID, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, shared.ErrNotFound
	}
	return p, err
}

// ListProducts returns every product of a tenant.
func (r *Repository) ListProducts(ctx context.Context, tenantID uuid.UUID) ([]Product, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+productColumns+` FROM products WHERE tenant_id = $1 ORDER BY name, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListLots returns the lots of a product, optionally including exhausted ones.
func (r *Repository) ListLots(ctx context.Context, tenantID, productID uuid.UUID, includeEmpty bool) ([]StockLot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lotColumns+` FROM stock_lots
		WHERE tenant_id = $1 AND product_id = $2 AND ($3 OR quantity > 0)
		ORDER BY expiry_date ASC, lot_code ASC`, tenantID, productID, includeEmpty)
	if err != nil {
		return nil, err
	}
	return collectLots(rows)
}

// GetLotByCode returns one lot without locking.
func (r *Repository) GetLotByCode(ctx context.Context, tenantID, productID uuid.UUID, code string) (StockLot, error) {
	l, err := scanLot(r.pool.QueryRow(ctx, `SELECT `+lotColumns+` FROM stock_lots
		WHERE tenant_id = $1 AND product_id = $2 AND lot_code = $3`, tenantID, productID, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return StockLot{}, ErrLotNotFound
	}
	return l, err
}

// ListAllocationsByLot returns every sale allocation drawn from a lot.
func (r *Repository) ListAllocationsByLot(ctx context.Context, tenantID, productID uuid.UUID, code string) ([]SaleAllocation, error) {
	return querySaleAllocations(ctx, r.pool, `WHERE tenant_id = $1 AND product_id = $2 AND lot_code = $3`, tenantID, productID, code)
}

// ListMovements pages the ledger chronologically.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) (MovementPage, error) {
	limit := shared.ClampLimit(filter.Limit)
	args := []any{filter.TenantID}
	where := `WHERE tenant_id = $1`
	if filter.ProductID != nil {
		args = append(args, *filter.ProductID)
		where += fmt.Sprintf(` AND product_id = $%d`, len(args))
	}
	if filter.SourceID != "" {
		args = append(args, filter.SourceID)
		where += fmt.Sprintf(` AND source_id = $%d`, len(args))
	}
	if filter.LotCode != "" {
		args = append(args, NormalizeLotCode(filter.LotCode))
		where += fmt.Sprintf(` AND lot_code = $%d`, len(args))
	}
	if filter.After != nil {
		args = append(args, filter.After.CreatedAt, filter.After.ID)
		where += fmt.Sprintf(` AND (created_at, id) > ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, limit+1)
	rows, err := r.pool.Query(ctx, `SELECT id, tenant_id, product_id, product_name, delta, kind, reason, source_id,
		COALESCE(lot_code, ''), lot_expiry, actor_id, created_at
		FROM stock_movements `+where+fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d`, len(args)), args...)
	if err != nil {
		return MovementPage{}, err
	}
	defer rows.Close()
	var page MovementPage
	for rows.Next() {
		var m Movement
		var kind string
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ProductID, &m.ProductName, &m.Delta, &kind, &m.Reason, &m.SourceID,
			&m.LotCode, &m.LotExpiry, &m.ActorID, &m.CreatedAt); err != nil {
			return MovementPage{}, err
		}
		m.Kind = MovementKind(kind)
		page.Movements = append(page.Movements, m)
	}
	if err := rows.Err(); err != nil {
		return MovementPage{}, err
	}
	if len(page.Movements) > limit {
		page.Movements = page.Movements[:limit]
		last := page.Movements[limit-1]
		page.Next = &MovementCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return page, nil
}

// ScanParity compares lot sums to counters for every lot-tracked product of a tenant.
func (r *Repository) ScanParity(ctx context.Context, tenantID uuid.UUID) ([]Divergence, error) {
	rows, err := r.pool.Query(ctx, `SELECT p.id, p.stock_quantity, SUM(l.quantity)::int
		FROM products p JOIN stock_lots l ON l.product_id = p.id AND l.tenant_id = p.tenant_id
		WHERE p.tenant_id = $1
		GROUP BY p.id, p.stock_quantity
		HAVING p.stock_quantity <> SUM(l.quantity)
		ORDER BY p.id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Divergence
	for rows.Next() {
		var d Divergence
		if err := rows.Scan(&d.ProductID, &d.Aggregate, &d.LotSum); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListTenants returns every tenant owning at least one product.
func (r *Repository) ListTenants(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM products ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
