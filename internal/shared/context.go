package shared

import (
	"context"

	"github.com/google/uuid"
)

// Principal identifies the tenant and actor behind a request.
type Principal struct {
	TenantID uuid.UUID
	ActorID  uuid.UUID
}

type principalContextKey struct{}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	if !ok || p.TenantID == uuid.Nil {
		return Principal{}, false
	}
	return p, true
}

// ActorRef returns a pointer to the actor id or nil when unknown.
func (p Principal) ActorRef() *uuid.UUID {
	if p.ActorID == uuid.Nil {
		return nil
	}
	id := p.ActorID
	return &id
}
