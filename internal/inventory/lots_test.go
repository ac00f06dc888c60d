package inventory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/apotheca-erp/apotheca/internal/shared"
)

func TestNormalizeLotCode(t *testing.T) {
	require.Equal(t, "AB-12", NormalizeLotCode("  ab-12\t"))
	require.Equal(t, "", NormalizeLotCode("   "))
}

func TestNormalizeExpiry(t *testing.T) {
	jakarta := time.FixedZone("WIB", 7*3600)
	got := NormalizeExpiry(time.Date(2026, 3, 9, 23, 30, 0, 0, jakarta))
	require.Equal(t, day(2026, 3, 9), got)
}

func TestSortFEFOOrdersByExpiryThenCode(t *testing.T) {
	reg := NewRegistry(language.Und, nil)
	lots := []StockLot{
		lot("Z9", day(2026, 5, 1), 1),
		lot("B2", day(2026, 2, 1), 1),
		lot("A1", day(2026, 2, 1), 1),
	}
	reg.SortFEFO(lots)
	require.Equal(t, "A1", lots[0].LotCode)
	require.Equal(t, "B2", lots[1].LotCode)
	require.Equal(t, "Z9", lots[2].LotCode)
}

func TestAvailableDropsEmptyLots(t *testing.T) {
	reg := NewRegistry(language.Und, nil)
	out := reg.Available([]StockLot{lot("B", day(2026, 2, 1), 0), lot("A", day(2026, 3, 1), 2)})
	require.Len(t, out, 1)
	require.Equal(t, "A", out[0].LotCode)
}

func TestAdjustedUnderflow(t *testing.T) {
	l := lot("A", day(2026, 1, 1), 2)
	_, err := Adjusted(l, -3)
	require.ErrorIs(t, err, shared.ErrLotUnderflow)

	next, err := Adjusted(l, -2)
	require.NoError(t, err)
	require.Equal(t, 0, next.Quantity)
}

func TestCheckExpiryCollision(t *testing.T) {
	l := lot("A", day(2026, 1, 1), 2)
	require.NoError(t, CheckExpiry(l, time.Date(2026, 1, 1, 15, 0, 0, 0, time.UTC)))
	require.ErrorIs(t, CheckExpiry(l, day(2026, 2, 1)), shared.ErrLotCollision)
}
