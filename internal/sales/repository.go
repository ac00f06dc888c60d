package sales

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apotheca-erp/apotheca/internal/inventory"
	"github.com/apotheca-erp/apotheca/internal/platform/db"
	"github.com/apotheca-erp/apotheca/internal/sequence"
	"github.com/apotheca-erp/apotheca/internal/shared"
)

// TxRepository exposes transactional operations.
type TxRepository interface {
	inventory.TxRepository
	sequence.Store
	InsertSale(ctx context.Context, sale Sale) error
	GetSaleForUpdate(ctx context.Context, tenantID, saleID uuid.UUID) (Sale, error)
	UpdateSaleHeader(ctx context.Context, sale Sale) error
	ReplaceSaleLines(ctx context.Context, tenantID, saleID uuid.UUID, lines []SaleLine) error
	DeleteSale(ctx context.Context, tenantID, saleID uuid.UUID) error
}

// Repository provides PostgreSQL backed persistence for sales.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	inventory.TxRepository
	sequence.Store
	q db.Querier
}

// WithTx wraps callback in a serializable transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{
			TxRepository: inventory.NewTxRepository(tx),
			Store:        sequence.NewTxStore(tx),
			q:            tx,
		})
	})
}

func (r *txRepo) InsertSale(ctx context.Context, sale Sale) error {
	_, err := r.q.Exec(ctx, `INSERT INTO sales (id, tenant_id, code, sequence, sold_at, note, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		sale.ID, sale.TenantID, sale.Code, sale.Sequence, sale.SoldAt, sale.Note, sale.CreatedBy, sale.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert sale: %w", err)
	}
	return r.insertLines(ctx, sale.TenantID, sale.ID, sale.Lines)
}

func (r *txRepo) insertLines(ctx context.Context, tenantID, saleID uuid.UUID, lines []SaleLine) error {
	for _, l := range lines {
		_, err := r.q.Exec(ctx, `INSERT INTO sale_lines (id, tenant_id, sale_id, product_id, quantity, unit_price, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			l.ID, tenantID, saleID, l.ProductID, l.Quantity, l.UnitPrice, l.Position)
		if err != nil {
			return fmt.Errorf("insert sale line: %w", err)
		}
	}
	return nil
}

func (r *txRepo) GetSaleForUpdate(ctx context.Context, tenantID, saleID uuid.UUID) (Sale, error) {
	sale, err := scanSale(r.q.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales
		WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, saleID))
	if err != nil {
		return Sale{}, err
	}
	sale.Lines, err = loadLines(ctx, r.q, saleID)
	return sale, err
}

func (r *txRepo) UpdateSaleHeader(ctx context.Context, sale Sale) error {
	_, err := r.q.Exec(ctx, `UPDATE sales SET sold_at = $3, note = $4, updated_at = $5 WHERE tenant_id = $1 AND id = $2`,
		sale.TenantID, sale.ID, sale.SoldAt, sale.Note, sale.UpdatedAt)
	return err
}

func (r *txRepo) ReplaceSaleLines(ctx context.Context, tenantID, saleID uuid.UUID, lines []SaleLine) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM sale_lines WHERE tenant_id = $1 AND sale_id = $2`, tenantID, saleID); err != nil {
		return err
	}
	return r.insertLines(ctx, tenantID, saleID, lines)
}

func (r *txRepo) DeleteSale(ctx context.Context, tenantID, saleID uuid.UUID) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM sales WHERE tenant_id = $1 AND id = $2`, tenantID, saleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

const saleColumns = `id, tenant_id, code, COALESCE(sequence, 0), sold_at, note, created_by, created_at, updated_at`

func scanSale(row pgx.Row) (Sale, error) {
	var s Sale
	err := row.Scan(&s.ID, &s.TenantID, &s.Code, &s.Sequence, &s.SoldAt, &s.Note, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Sale{}, shared.ErrNotFound
	}
	return s, err
}

func loadLines(ctx context.Context, q db.Querier, saleID uuid.UUID) ([]SaleLine, error) {
	rows, err := q.Query(ctx, `SELECT id, product_id, quantity, unit_price, position
		FROM sale_lines WHERE sale_id = $1 ORDER BY position`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SaleLine
	for rows.Next() {
		var l SaleLine
		if err := rows.Scan(&l.ID, &l.ProductID, &l.Quantity, &l.UnitPrice, &l.Position); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetSale returns a sale with its lines and allocations.
func (r *Repository) GetSale(ctx context.Context, tenantID, saleID uuid.UUID) (Sale, error) {
	sale, err := scanSale(r.pool.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE tenant_id = $1 AND id = $2`, tenantID, saleID))
	if err != nil {
		return Sale{}, err
	}
	if sale.Lines, err = loadLines(ctx, r.pool, saleID); err != nil {
		return Sale{}, err
	}
	sale.Allocations, err = inventory.NewTxRepository(r.pool).ListSaleAllocations(ctx, tenantID, saleID)
	return sale, err
}

// ListSales pages sales newest first.
func (r *Repository) ListSales(ctx context.Context, filter ListFilter) (SalePage, error) {
	limit := shared.ClampLimit(filter.Limit)
	args := []any{filter.TenantID}
	where := `WHERE tenant_id = $1`
	if filter.Before != nil {
		args = append(args, filter.Before.CreatedAt, filter.Before.ID)
		where += ` AND (created_at, id) < ($2, $3)`
	}
	args = append(args, limit+1)
	rows, err := r.pool.Query(ctx, `SELECT `+saleColumns+` FROM sales `+where+
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)), args...)
	if err != nil {
		return SalePage{}, err
	}
	defer rows.Close()
	var page SalePage
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return SalePage{}, err
		}
		page.Sales = append(page.Sales, s)
	}
	if err := rows.Err(); err != nil {
		return SalePage{}, err
	}
	if len(page.Sales) > limit {
		page.Sales = page.Sales[:limit]
		last := page.Sales[limit-1]
		page.Next = &SaleCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return page, nil
}
