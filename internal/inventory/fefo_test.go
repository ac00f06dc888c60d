package inventory

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/apotheca-erp/apotheca/internal/shared"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func lot(code string, expiry time.Time, qty int) StockLot {
	return StockLot{ID: uuid.New(), LotCode: code, ExpiryDate: expiry, Quantity: qty}
}

func TestPlanFEFOSplitsAcrossLots(t *testing.T) {
	a := lot("A", day(2026, 1, 1), 5)
	b := lot("B", day(2026, 6, 1), 5)
	line := SaleLine{LineID: uuid.New(), ProductID: uuid.New(), Quantity: 7}

	plan, err := PlanFEFO([]SaleLine{line}, []StockLot{a, b})
	require.NoError(t, err)
	require.Len(t, plan.Takes, 2)
	require.Equal(t, 5, plan.Takes[0].Quantity)
	require.Equal(t, "A", plan.Takes[0].Lot.LotCode)
	require.Equal(t, 2, plan.Takes[1].Quantity)
	require.Len(t, plan.Draws, 2)
	require.Equal(t, line.LineID, plan.Draws[1].LineID)
	require.Equal(t, "B", plan.Draws[1].Lot.LotCode)
}

func TestPlanFEFOTwoCursorWalk(t *testing.T) {
	a := lot("A", day(2026, 1, 1), 5)
	b := lot("B", day(2026, 6, 1), 5)
	l1 := SaleLine{LineID: uuid.New(), Quantity: 3}
	l2 := SaleLine{LineID: uuid.New(), Quantity: 4}

	plan, err := PlanFEFO([]SaleLine{l1, l2}, []StockLot{a, b})
	require.NoError(t, err)
	require.Equal(t, []Draw{
		{LineID: l1.LineID, Lot: a, Quantity: 3},
		{LineID: l2.LineID, Lot: a, Quantity: 2},
		{LineID: l2.LineID, Lot: b, Quantity: 2},
	}, plan.Draws)

	perLine := map[uuid.UUID]int{}
	for _, d := range plan.Draws {
		perLine[d.LineID] += d.Quantity
	}
	require.Equal(t, 3, perLine[l1.LineID])
	require.Equal(t, 4, perLine[l2.LineID])
}

func TestPlanFEFOShortfall(t *testing.T) {
	lots := []StockLot{lot("A", day(2026, 1, 1), 5), lot("B", day(2026, 6, 1), 5)}
	_, err := PlanFEFO([]SaleLine{{LineID: uuid.New(), Quantity: 11}}, lots)
	require.ErrorIs(t, err, shared.ErrInsufficientLotStock)
	require.Contains(t, err.Error(), "requested 11, available 10")
}

func TestPlanFEFOZeroDemand(t *testing.T) {
	plan, err := PlanFEFO([]SaleLine{{LineID: uuid.New(), Quantity: 0}}, nil)
	require.NoError(t, err)
	require.Empty(t, plan.Draws)
}

func TestPlanFEFORejectsNegativeLine(t *testing.T) {
	_, err := PlanFEFO([]SaleLine{{LineID: uuid.New(), Quantity: -1}}, nil)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestPlanFEFOSkipsEmptyLots(t *testing.T) {
	empty := lot("A", day(2026, 1, 1), 0)
	b := lot("B", day(2026, 6, 1), 4)
	plan, err := PlanFEFO([]SaleLine{{LineID: uuid.New(), Quantity: 4}}, []StockLot{empty, b})
	require.NoError(t, err)
	require.Len(t, plan.Takes, 1)
	require.Equal(t, "B", plan.Takes[0].Lot.LotCode)
}
