package inventory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// DivergenceRecorder counts parity violations.
type DivergenceRecorder interface {
	RecordLotDivergence(count int)
}

// ParityChecker verifies that lot quantities sum to the counter of lot-tracked products.
type ParityChecker struct {
	strict   bool
	logger   *slog.Logger
	recorder DivergenceRecorder
}

// NewParityChecker builds a checker. In strict mode any divergence fails the caller's transaction.
func NewParityChecker(strict bool, logger *slog.Logger, recorder DivergenceRecorder) *ParityChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ParityChecker{strict: strict, logger: logger, recorder: recorder}
}

// Check inspects productIDs inside the caller's transaction. Products without lots are skipped.
// In strict mode a divergence is returned as ErrLotParity.
func (c *ParityChecker) Check(ctx context.Context, tx TxRepository, tenantID uuid.UUID, productIDs []uuid.UUID) ([]Divergence, error) {
	out, err := c.Inspect(ctx, tx, tenantID, productIDs)
	if err != nil || len(out) == 0 {
		return out, err
	}
	if c.strict {
		return out, fmt.Errorf("%w: %d product(s)", ErrLotParity, len(out))
	}
	return out, nil
}

// Inspect reports divergences without failing on them. Stocktake uses it
// because a counted variance never touches lots.
func (c *ParityChecker) Inspect(ctx context.Context, tx TxRepository, tenantID uuid.UUID, productIDs []uuid.UUID) ([]Divergence, error) {
	if c == nil {
		return nil, nil
	}
	seen := make(map[uuid.UUID]struct{}, len(productIDs))
	var out []Divergence
	for _, id := range productIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		lots, err := tx.ListLotsForUpdate(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		if len(lots) == 0 {
			continue
		}
		product, err := tx.GetProductForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		sum := 0
		for _, lot := range lots {
			sum += lot.Quantity
		}
		if sum != product.StockQuantity {
			out = append(out, Divergence{ProductID: id, Aggregate: product.StockQuantity, LotSum: sum})
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	c.Report(tenantID, out)
	return out, nil
}

// Report logs and counts divergences found by Check or a tenant scan.
func (c *ParityChecker) Report(tenantID uuid.UUID, divergences []Divergence) {
	if c == nil || len(divergences) == 0 {
		return
	}
	for _, d := range divergences {
		c.logger.Warn("lot parity divergence",
			slog.String("tenant_id", tenantID.String()),
			slog.String("product_id", d.ProductID.String()),
			slog.Int("aggregate", d.Aggregate),
			slog.Int("lot_sum", d.LotSum))
	}
	if c.recorder != nil {
		c.recorder.RecordLotDivergence(len(divergences))
	}
}
