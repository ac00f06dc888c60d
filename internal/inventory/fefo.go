package inventory

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/apotheca-erp/apotheca/internal/shared"
)

// Draw pairs one sale line with one lot and the units taken.
type Draw struct {
	LineID   uuid.UUID
	Lot      StockLot
	Quantity int
}

// LotTake is the total drawn from one lot across all lines.
type LotTake struct {
	Lot      StockLot
	Quantity int
}

// Plan is the outcome of PlanFEFO for a single product.
type Plan struct {
	Draws []Draw
	Takes []LotTake
}

// PlanFEFO distributes the demand of lines (one product, input order) over lots,
// which must already be sorted in FEFO order with positive quantities.
//
// Capacity is reserved lot by lot until the total demand is covered, then lines
// and reserved lots are walked with two cursors so a lot may feed several lines
// and a line may span several lots.
func PlanFEFO(lines []SaleLine, lots []StockLot) (Plan, error) {
	total := 0
	for _, line := range lines {
		if line.Quantity < 0 {
			return Plan{}, fmt.Errorf("%w: line %s quantity %d", shared.ErrValidation, line.LineID, line.Quantity)
		}
		total += line.Quantity
	}
	if total == 0 {
		return Plan{}, nil
	}

	var takes []LotTake
	remaining := total
	capacity := 0
	for _, lot := range lots {
		if remaining == 0 {
			break
		}
		if lot.Quantity <= 0 {
			continue
		}
		take := min(lot.Quantity, remaining)
		takes = append(takes, LotTake{Lot: lot, Quantity: take})
		remaining -= take
		capacity += lot.Quantity
	}
	if remaining > 0 {
		return Plan{}, fmt.Errorf("%w: requested %d, available %d", shared.ErrInsufficientLotStock, total, capacity)
	}

	draws := make([]Draw, 0, len(lines)+len(takes))
	lotIdx := 0
	lotLeft := takes[0].Quantity
	for _, line := range lines {
		lineLeft := line.Quantity
		for lineLeft > 0 {
			if lotLeft == 0 {
				lotIdx++
				lotLeft = takes[lotIdx].Quantity
			}
			n := min(lineLeft, lotLeft)
			draws = append(draws, Draw{LineID: line.LineID, Lot: takes[lotIdx].Lot, Quantity: n})
			lineLeft -= n
			lotLeft -= n
		}
	}
	return Plan{Draws: draws, Takes: takes}, nil
}
