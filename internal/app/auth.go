package app

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/apotheca-erp/apotheca/internal/platform/httpx"
	"github.com/apotheca-erp/apotheca/internal/shared"
)

// Claims carries the tenant next to the registered claims. Subject is the actor id.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// Authenticator issues and verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
	clock  func() time.Time
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, clock: time.Now}
}

// Issue signs a token for the principal, valid for ttl.
func (a *Authenticator) Issue(p shared.Principal, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("app: jwt secret is empty")
	}
	now := a.clock()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   p.ActorID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: p.TenantID.String(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse verifies a token and returns its principal.
func (a *Authenticator) Parse(raw string) (shared.Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.clock)}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	var claims Claims
	if _, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return shared.Principal{}, err
	}
	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil || tenantID == uuid.Nil {
		return shared.Principal{}, fmt.Errorf("app: token has no tenant")
	}
	p := shared.Principal{TenantID: tenantID}
	if claims.Subject != "" {
		actorID, err := uuid.Parse(claims.Subject)
		if err != nil {
			return shared.Principal{}, fmt.Errorf("app: token subject is not an actor id: %w", err)
		}
		p.ActorID = actorID
	}
	return p, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// principal on the request context.
func (a *Authenticator) Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				httpx.RespondError(w, httpx.ErrUnauthenticated)
				return
			}
			p, err := a.Parse(strings.TrimSpace(raw))
			if err != nil {
				logger.Debug("rejected bearer token", slog.String("path", r.URL.Path), slog.Any("error", err))
				httpx.RespondError(w, httpx.ErrUnauthenticated)
				return
			}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), p)))
		})
	}
}
