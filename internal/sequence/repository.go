package sequence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apotheca-erp/apotheca/internal/platform/db"
)

type source struct {
	table  string
	filter string
}

var sources = map[string]source{
	KindSale.Name:      {table: "sales"},
	KindOrder.Name:     {table: "procurement_documents", filter: ` AND kind = 'ORDER'`},
	KindDelivery.Name:  {table: "procurement_documents", filter: ` AND kind = 'DELIVERY'`},
	KindStocktake.Name: {table: "stocktake_sessions"},
}

func sourceFor(kind Kind) (source, error) {
	src, ok := sources[kind.Name]
	if !ok {
		return source{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind.Name)
	}
	return src, nil
}

// NewTxStore binds Store to q, usually a transaction owned by another module.
func NewTxStore(q db.Querier) Store {
	return &pgStore{q: q}
}

type pgStore struct {
	q db.Querier
}

func (s *pgStore) LockKind(ctx context.Context, tenantID uuid.UUID, kind Kind) error {
	_, err := s.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "sequence:"+tenantID.String()+":"+kind.Name)
	return err
}

func (s *pgStore) ListRecords(ctx context.Context, tenantID uuid.UUID, kind Kind) ([]Record, error) {
	src, err := sourceFor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.q.Query(ctx, `SELECT id, code, sequence, created_at FROM `+src.table+`
		WHERE tenant_id = $1`+src.filter+` ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Code, &r.Sequence, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *pgStore) UpdateRecord(ctx context.Context, tenantID uuid.UUID, kind Kind, a Assignment) error {
	src, err := sourceFor(kind)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, `UPDATE `+src.table+` SET sequence = $3, code = $4 WHERE tenant_id = $1 AND id = $2`,
		tenantID, a.ID, a.Sequence, a.Code)
	return err
}

// Repository runs sequence maintenance in its own transactions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes fn inside a serializable transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, Store) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxStore(tx))
	})
}

// ListTenants returns tenants owning any numbered record.
func (r *Repository) ListTenants(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT tenant_id FROM sales
		UNION SELECT tenant_id FROM procurement_documents
		UNION SELECT tenant_id FROM stocktake_sessions`)
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
