package stocktake

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
	InsertSession(ctx context.Context, session Session) error
	GetSessionForUpdate(ctx context.Context, tenantID, sessionID uuid.UUID) (Session, error)
	UpdateSessionStatus(ctx context.Context, session Session) error
	UpdateLines(ctx context.Context, sessionID uuid.UUID, lines []Line) error
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
	tx pgx.Tx
}

// WithTx wraps callback in a serializable transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{
			TxRepository: inventory.NewTxRepository(tx),
			Store:        sequence.NewTxStore(tx),
			tx:           tx,
		})
	})
}

func (r *txRepo) InsertSession(ctx context.Context, s Session) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stocktake_sessions (id, tenant_id, code, sequence, status, note, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.TenantID, s.Code, s.Sequence, s.Status, s.Note, s.CreatedBy, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert stocktake session: %w", err)
	}
	for _, l := range s.Lines {
		_, err := r.tx.Exec(ctx, `INSERT INTO stocktake_lines (id, tenant_id, session_id, product_id, product_name, expected_quantity)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			l.ID, s.TenantID, s.ID, l.ProductID, l.ProductName, l.Expected)
		if err != nil {
			return fmt.Errorf("insert stocktake line: %w", err)
		}
	}
	return nil
}

func (r *txRepo) GetSessionForUpdate(ctx context.Context, tenantID, sessionID uuid.UUID) (Session, error) {
	s, err := scanSession(r.tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM stocktake_sessions
		WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, sessionID))
	if err != nil {
		return Session{}, err
	}
	s.Lines, err = loadLines(ctx, r.tx, sessionID)
	return s, err
}

func (r *txRepo) UpdateSessionStatus(ctx context.Context, s Session) error {
	_, err := r.tx.Exec(ctx, `UPDATE stocktake_sessions SET status = $3, started_at = $4, finalized_at = $5
		WHERE tenant_id = $1 AND id = $2`, s.TenantID, s.ID, s.Status, s.StartedAt, s.FinalizedAt)
	return err
}

func (r *txRepo) UpdateLines(ctx context.Context, sessionID uuid.UUID, lines []Line) error {
	batch := &pgx.Batch{}
	for _, l := range lines {
		batch.Queue(`UPDATE stocktake_lines SET counted_quantity = $3, variance = $4 WHERE session_id = $1 AND id = $2`,
			sessionID, l.ID, l.Counted, l.Variance)
	}
	if batch.Len() == 0 {
		return nil
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

const sessionColumns = `id, tenant_id, code, COALESCE(sequence, 0), status, note, created_by, created_at, started_at, finalized_at`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.TenantID, &s.Code, &s.Sequence, &s.Status, &s.Note, &s.CreatedBy, &s.CreatedAt, &s.StartedAt, &s.FinalizedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, shared.ErrNotFound
	}
	return s, err
}

func loadLines(ctx context.Context, q db.Querier, sessionID uuid.UUID) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT id, product_id, product_name, expected_quantity, counted_quantity, variance
		FROM stocktake_lines WHERE session_id = $1 ORDER BY product_name, product_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.ProductID, &l.ProductName, &l.Expected, &l.Counted, &l.Variance); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetSession returns a session with its lines.
func (r *Repository) GetSession(ctx context.Context, tenantID, sessionID uuid.UUID) (Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM stocktake_sessions
		WHERE tenant_id = $1 AND id = $2`, tenantID, sessionID))
	if err != nil {
		return Session{}, err
	}
	s.Lines, err = loadLines(ctx, r.pool, sessionID)
	return s, err
}

// ListSessions returns the most recent sessions of a tenant without lines.
func (r *Repository) ListSessions(ctx context.Context, tenantID uuid.UUID, limit int) ([]Session, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+` FROM stocktake_sessions
		WHERE tenant_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, tenantID, shared.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
