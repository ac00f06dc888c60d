package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrIdempotencyConflict is returned when a request key was already claimed.
var ErrIdempotencyConflict = errors.New("shared: idempotent request already processed")

// IdempotencyPort is what services need to claim and release request keys.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// IdempotencyKey scopes a client supplied key to an operation and tenant.
func IdempotencyKey(operation string, tenantID uuid.UUID, key string) string {
	return fmt.Sprintf("%s:%s:%s", operation, tenantID, key)
}

// IdempotencyStore keeps claimed keys in idempotency_keys until Cleanup drops them.
type IdempotencyStore struct {
	pool  *pgxpool.Pool
	clock func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, clock: func() time.Time { return time.Now().UTC() }}
}

// CheckAndInsert claims key for module. A key claimed before yields ErrIdempotencyConflict.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if s == nil || s.pool == nil {
		return errors.New("shared: idempotency store not configured")
	}
	if key == "" || module == "" {
		return fmt.Errorf("%w: idempotency key and module required", ErrValidation)
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO idempotency_keys (key, module, created_at)
		VALUES ($1, $2, $3) ON CONFLICT (key) DO NOTHING`, key, module, s.clock())
	if err != nil {
		return fmt.Errorf("shared: claim idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIdempotencyConflict
	}
	return nil
}

// Delete releases a key after the guarded operation failed.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.pool == nil || key == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key)
	return err
}

// Cleanup drops keys claimed before the retention window and returns how many went.
func (s *IdempotencyStore) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, s.clock().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("shared: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
