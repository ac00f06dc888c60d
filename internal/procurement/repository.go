package procurement

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
	InsertDocument(ctx context.Context, doc Document) error
	GetDocumentForUpdate(ctx context.Context, tenantID, documentID uuid.UUID) (Document, error)
	UpdateDocumentHeader(ctx context.Context, doc Document) error
	ReplaceDocumentLines(ctx context.Context, doc Document) error
	DeleteDocument(ctx context.Context, tenantID, documentID uuid.UUID) error
}

// Repository provides PostgreSQL backed persistence.
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

func (r *txRepo) InsertDocument(ctx context.Context, doc Document) error {
	_, err := r.q.Exec(ctx, `INSERT INTO procurement_documents
		(id, tenant_id, code, sequence, kind, status, supplier_name, note, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		doc.ID, doc.TenantID, doc.Code, doc.Sequence, doc.Kind, doc.Status, doc.SupplierName, doc.Note,
		doc.CreatedBy, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert procurement document: %w", err)
	}
	return r.ReplaceDocumentLines(ctx, doc)
}

func (r *txRepo) GetDocumentForUpdate(ctx context.Context, tenantID, documentID uuid.UUID) (Document, error) {
	doc, err := scanDocument(r.q.QueryRow(ctx, `SELECT `+documentColumns+` FROM procurement_documents
		WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, documentID))
	if err != nil {
		return Document{}, err
	}
	if doc.Lines, err = loadLines(ctx, r.q, documentID); err != nil {
		return Document{}, err
	}
	allocs, err := r.ListReceiptAllocations(ctx, tenantID, documentID)
	if err != nil {
		return Document{}, err
	}
	attachLots(doc.Lines, allocs)
	return doc, nil
}

func (r *txRepo) UpdateDocumentHeader(ctx context.Context, doc Document) error {
	_, err := r.q.Exec(ctx, `UPDATE procurement_documents
		SET status = $3, supplier_name = $4, note = $5, updated_at = $6
		WHERE tenant_id = $1 AND id = $2`,
		doc.TenantID, doc.ID, doc.Status, doc.SupplierName, doc.Note, doc.UpdatedAt)
	return err
}

// ReplaceDocumentLines rewrites the lines and the declared lots of doc.
func (r *txRepo) ReplaceDocumentLines(ctx context.Context, doc Document) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM procurement_lines WHERE tenant_id = $1 AND document_id = $2`, doc.TenantID, doc.ID); err != nil {
		return err
	}
	for _, l := range doc.Lines {
		_, err := r.q.Exec(ctx, `INSERT INTO procurement_lines (id, tenant_id, document_id, product_id, quantity, unit_cost, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			l.ID, doc.TenantID, doc.ID, l.ProductID, l.Quantity, l.UnitCost, l.Position)
		if err != nil {
			return fmt.Errorf("insert procurement line: %w", err)
		}
	}
	return r.ReplaceReceiptAllocations(ctx, doc.TenantID, doc.ID, doc.receiptAllocations())
}

func (r *txRepo) DeleteDocument(ctx context.Context, tenantID, documentID uuid.UUID) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM procurement_documents WHERE tenant_id = $1 AND id = $2`, tenantID, documentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

const documentColumns = `id, tenant_id, code, COALESCE(sequence, 0), kind, status, supplier_name, note, created_by, created_at, updated_at`

func scanDocument(row pgx.Row) (Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.TenantID, &d.Code, &d.Sequence, &d.Kind, &d.Status, &d.SupplierName, &d.Note,
		&d.CreatedBy, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, shared.ErrNotFound
	}
	return d, err
}

func loadLines(ctx context.Context, q db.Querier, documentID uuid.UUID) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT id, product_id, quantity, unit_cost, position
		FROM procurement_lines WHERE document_id = $1 ORDER BY position`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.ProductID, &l.Quantity, &l.UnitCost, &l.Position); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetDocument returns a document with its lines and declared lots.
func (r *Repository) GetDocument(ctx context.Context, tenantID, documentID uuid.UUID) (Document, error) {
	doc, err := scanDocument(r.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM procurement_documents
		WHERE tenant_id = $1 AND id = $2`, tenantID, documentID))
	if err != nil {
		return Document{}, err
	}
	if doc.Lines, err = loadLines(ctx, r.pool, documentID); err != nil {
		return Document{}, err
	}
	allocs, err := inventory.NewTxRepository(r.pool).ListReceiptAllocations(ctx, tenantID, documentID)
	if err != nil {
		return Document{}, err
	}
	attachLots(doc.Lines, allocs)
	return doc, nil
}

// ListDocuments pages documents newest first. Lines are not loaded.
func (r *Repository) ListDocuments(ctx context.Context, filter ListFilter) (DocumentPage, error) {
	limit := shared.ClampLimit(filter.Limit)
	args := []any{filter.TenantID}
	where := `WHERE tenant_id = $1`
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		where += fmt.Sprintf(` AND kind = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.Before != nil {
		args = append(args, filter.Before.CreatedAt, filter.Before.ID)
		where += fmt.Sprintf(` AND (created_at, id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, limit+1)
	rows, err := r.pool.Query(ctx, `SELECT `+documentColumns+` FROM procurement_documents `+where+
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)), args...)
	if err != nil {
		return DocumentPage{}, err
	}
	defer rows.Close()
	var page DocumentPage
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return DocumentPage{}, err
		}
		page.Documents = append(page.Documents, d)
	}
	if err := rows.Err(); err != nil {
		return DocumentPage{}, err
	}
	if len(page.Documents) > limit {
		page.Documents = page.Documents[:limit]
		last := page.Documents[limit-1]
		page.Next = &DocumentCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return page, nil
}
