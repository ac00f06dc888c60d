package lowstock

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists AlertState rows.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LoadState returns the stored state or an empty one for tenants never alerted.
func (r *Repository) LoadState(ctx context.Context, tenantID uuid.UUID) (AlertState, error) {
	state := AlertState{TenantID: tenantID}
	err := r.pool.QueryRow(ctx, `SELECT tracked_order_id, COALESCE(tracked_signature, ''), COALESCE(handled_signature, ''), updated_at
		FROM tenant_alert_state WHERE tenant_id = $1`, tenantID).
		Scan(&state.TrackedOrderID, &state.TrackedSignature, &state.HandledSignature, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return AlertState{TenantID: tenantID}, nil
	}
	if err != nil {
		return AlertState{}, fmt.Errorf("load alert state: %w", err)
	}
	return state, nil
}

// SaveState upserts the state of one tenant.
func (r *Repository) SaveState(ctx context.Context, state AlertState) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO tenant_alert_state (tenant_id, tracked_order_id, tracked_signature, handled_signature, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5)
		ON CONFLICT (tenant_id) DO UPDATE SET
			tracked_order_id = EXCLUDED.tracked_order_id,
			tracked_signature = EXCLUDED.tracked_signature,
			handled_signature = EXCLUDED.handled_signature,
			updated_at = EXCLUDED.updated_at`,
		state.TenantID, state.TrackedOrderID, state.TrackedSignature, state.HandledSignature, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save alert state: %w", err)
	}
	return nil
}

// TenantsWithTrackedDrafts lists tenants that currently track a reorder draft.
func (r *Repository) TenantsWithTrackedDrafts(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT tenant_id FROM tenant_alert_state
		WHERE tracked_order_id IS NOT NULL ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}
