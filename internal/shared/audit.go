package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog is one committed business operation. Meta is stored as JSONB.
type AuditLog struct {
	TenantID uuid.UUID
	ActorID  *uuid.UUID
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

func (l AuditLog) validate() error {
	switch {
	case l.TenantID == uuid.Nil:
		return errors.New("shared: audit log without tenant")
	case l.Action == "", l.Entity == "", l.EntityID == "":
		return errors.New("shared: audit log requires action, entity and entity id")
	}
	return nil
}

// AuditLogger appends to audit_logs.
type AuditLogger struct {
	pool  *pgxpool.Pool
	clock func() time.Time
}

func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool, clock: func() time.Time { return time.Now().UTC() }}
}

// Record inserts entry, stamping it with the current time when At is unset.
func (l *AuditLogger) Record(ctx context.Context, entry AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("shared: audit logger not configured")
	}
	if err := entry.validate(); err != nil {
		return err
	}
	if entry.At.IsZero() {
		entry.At = l.clock()
	}
	var meta []byte
	if len(entry.Meta) > 0 {
		var err error
		if meta, err = json.Marshal(entry.Meta); err != nil {
			return fmt.Errorf("shared: encode audit meta: %w", err)
		}
	}
	_, err := l.pool.Exec(ctx, `INSERT INTO audit_logs (tenant_id, actor_id, action, entity, entity_id, meta, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.TenantID, entry.ActorID, entry.Action, entry.Entity, entry.EntityID, meta, entry.At)
	if err != nil {
		return fmt.Errorf("shared: insert audit log: %w", err)
	}
	return nil
}
