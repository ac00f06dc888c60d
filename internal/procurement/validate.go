package procurement

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apotheca-erp/apotheca/internal/inventory"
	"github.com/apotheca-erp/apotheca/internal/shared"
)

type receiptKey struct {
	productID uuid.UUID
	code      string
}

// buildLines normalizes submitted lines and assigns ids and positions.
func buildLines(inputs []LineInput) ([]Line, error) {
	lines := make([]Line, 0, len(inputs))
	for i, in := range inputs {
		if in.ProductID == uuid.Nil {
			return nil, fmt.Errorf("%w: line %d product required", shared.ErrValidation, i+1)
		}
		if in.Quantity < 0 {
			return nil, fmt.Errorf("%w: line %d quantity must be >= 0", shared.ErrValidation, i+1)
		}
		if in.UnitCost.IsNegative() {
			return nil, fmt.Errorf("%w: line %d unit cost must be >= 0", shared.ErrValidation, i+1)
		}
		line := Line{
			ID:        uuid.New(),
			ProductID: in.ProductID,
			Quantity:  in.Quantity,
			UnitCost:  in.UnitCost.Round(2),
			Position:  i + 1,
		}
		for _, lot := range in.Lots {
			line.Lots = append(line.Lots, LotDeclaration{
				Code:     inventory.NormalizeLotCode(lot.Code),
				Expiry:   inventory.NormalizeExpiry(lot.Expiry),
				Quantity: lot.Quantity,
			})
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// appliedLot identifies a lot declaration by product, code and expiry day.
type appliedLot struct {
	productID uuid.UUID
	code      string
	expiry    string
}

func appliedKey(productID uuid.UUID, lot LotDeclaration) appliedLot {
	return appliedLot{productID: productID, code: lot.Code, expiry: inventory.NormalizeExpiry(lot.Expiry).Format(time.DateOnly)}
}

// appliedLots returns the declarations doc has already put into stock. It is
// empty unless the document currently applies stock.
func appliedLots(doc Document) map[appliedLot]struct{} {
	if !doc.Disposition().AppliesStock() {
		return nil
	}
	out := make(map[appliedLot]struct{})
	for _, line := range doc.Lines {
		for _, lot := range line.Lots {
			out[appliedKey(line.ProductID, lot)] = struct{}{}
		}
	}
	return out
}

// validateLots checks the lot declarations of lines. When requireLots is set
// every line with a quantity must be fully declared. A past expiry is accepted
// only for a declaration already in stock with that same expiry.
func validateLots(lines []Line, requireLots bool, applied map[appliedLot]struct{}, today time.Time) error {
	today = inventory.NormalizeExpiry(today)
	for _, line := range lines {
		if len(line.Lots) == 0 {
			if requireLots && line.Quantity > 0 {
				return fmt.Errorf("%w: line %d requires lot declarations", shared.ErrValidation, line.Position)
			}
			continue
		}
		seen := make(map[string]struct{}, len(line.Lots))
		sum := 0
		for _, lot := range line.Lots {
			if lot.Code == "" {
				return fmt.Errorf("%w: line %d lot code required", shared.ErrValidation, line.Position)
			}
			if lot.Quantity <= 0 {
				return fmt.Errorf("%w: line %d lot %s quantity must be positive", shared.ErrValidation, line.Position, lot.Code)
			}
			if _, dup := seen[lot.Code]; dup {
				return fmt.Errorf("%w: line %d declares lot %s twice", shared.ErrValidation, line.Position, lot.Code)
			}
			seen[lot.Code] = struct{}{}
			if lot.Expiry.Before(today) {
				if _, ok := applied[appliedKey(line.ProductID, lot)]; !ok {
					return fmt.Errorf("%w: line %d lot %s expired on %s", shared.ErrValidation, line.Position, lot.Code, lot.Expiry.Format(time.DateOnly))
				}
			}
			sum += lot.Quantity
		}
		if sum != line.Quantity {
			return fmt.Errorf("%w: line %d lots total %d, line quantity %d", shared.ErrValidation, line.Position, sum, line.Quantity)
		}
	}
	return nil
}
