package sequence

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// RepositoryPort abstracts the transactional store for Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, Store) error) error
	ListTenants(ctx context.Context) ([]uuid.UUID, error)
}

// Service exposes backfill to HTTP and jobs.
type Service struct {
	repo     RepositoryPort
	assigner *Assigner
	logger   *slog.Logger
}

// NewService constructs Service.
func NewService(repo RepositoryPort, assigner *Assigner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, assigner: assigner, logger: logger}
}

// Backfill assigns missing sequences for one tenant and kind.
func (s *Service) Backfill(ctx context.Context, tenantID uuid.UUID, kind Kind) (int, error) {
	var written int
	err := s.repo.WithTx(ctx, func(ctx context.Context, store Store) error {
		var err error
		written, err = s.assigner.Backfill(ctx, store, tenantID, kind)
		return err
	})
	if err != nil {
		return 0, err
	}
	if written > 0 {
		s.logger.Info("sequence backfill",
			slog.String("tenant_id", tenantID.String()),
			slog.String("kind", kind.Name),
			slog.Int("written", written))
	}
	return written, nil
}

// BackfillAll runs Backfill for every tenant and kind.
func (s *Service) BackfillAll(ctx context.Context) (int, error) {
	tenants, err := s.repo.ListTenants(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, tenantID := range tenants {
		for _, kind := range Kinds {
			n, err := s.Backfill(ctx, tenantID, kind)
			if err != nil {
				return total, fmt.Errorf("tenant %s %s: %w", tenantID, kind.Name, err)
			}
			total += n
		}
	}
	return total, nil
}
