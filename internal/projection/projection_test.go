package projection

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ksred/remit-api/internal/pending"
)

func ptr(v float64) *float64 { return &v }

func TestAggregateSumsDebitsAndCredits(t *testing.T) {
	records := []pending.PendingSettlement{
		{ID: "1", SellCurrency: "USD", BuyCurrency: "NGN", SellAmount: 10.00, BuyAmount: 14500},
		{ID: "2", SellCurrency: "usd", BuyCurrency: "GHS", SellAmount: 5.00, BuyAmount: 97.5},
	}

	totals := Aggregate(records)

	require.Equal(t, PendingTotals{PendingDebit: 15, PendingCredit: 0, HasPending: true}, totals["USD"])
	require.Equal(t, PendingTotals{PendingDebit: 0, PendingCredit: 14500, HasPending: true}, totals["NGN"])
	require.Equal(t, PendingTotals{PendingDebit: 0, PendingCredit: 97.5, HasPending: true}, totals["GHS"])
	require.NotContains(t, totals, "EUR")
}

func TestAggregateSkipsRecordsWithNoCurrencies(t *testing.T) {
	records := []pending.PendingSettlement{
		{ID: "broken", SellAmount: 10, BuyAmount: 20},
		{ID: "ok", SellCurrency: "CAD", BuyCurrency: "NGN", SellAmount: 25, BuyAmount: 26525},
	}

	totals := Aggregate(records)
	require.Len(t, totals, 2)
	require.True(t, totals["CAD"].HasPending)
}

func TestProjectOverlaysPendingDeltas(t *testing.T) {
	records := []pending.PendingSettlement{
		{ID: "1", SellCurrency: "CAD", BuyCurrency: "NGN", SellAmount: 25.00, BuyAmount: 26525.00},
	}
	totals := Aggregate(records)

	projected := Project(ptr(100.00), "CAD", totals)
	require.NotNil(t, projected)
	require.InDelta(t, 75.00, *projected, 1e-9)

	credited := Project(ptr(1000.00), "ngn", totals)
	require.NotNil(t, credited)
	require.InDelta(t, 27525.00, *credited, 1e-9)
}

func TestProjectUnknownCurrencyUnchanged(t *testing.T) {
	totals := Aggregate(nil)
	raw := ptr(42.00)
	require.Equal(t, raw, Project(raw, "EUR", totals))
}

func TestProjectNilRawStaysNil(t *testing.T) {
	records := []pending.PendingSettlement{
		{ID: "1", SellCurrency: "CAD", BuyCurrency: "NGN", SellAmount: 25, BuyAmount: 26525},
	}
	require.Nil(t, Project(nil, "CAD", Aggregate(records)))
}

func TestProjectMatchesFoldFormula(t *testing.T) {
	records := []pending.PendingSettlement{
		{ID: "1", SellCurrency: "USD", BuyCurrency: "NGN", SellAmount: 10, BuyAmount: 14500},
		{ID: "2", SellCurrency: "CAD", BuyCurrency: "USD", SellAmount: 20, BuyAmount: 14.6},
		{ID: "3", SellCurrency: "USD", BuyCurrency: "KES", SellAmount: 7.5, BuyAmount: 1050},
	}
	totals := Aggregate(records)

	// raw - sum(sell where sellCurrency==USD) + sum(buy where buyCurrency==USD)
	expected := 500.00 - (10 + 7.5) + 14.6
	projected := Project(ptr(500.00), "USD", totals)
	require.NotNil(t, projected)
	require.InDelta(t, expected, *projected, 1e-9)
}

func TestHasPending(t *testing.T) {
	records := []pending.PendingSettlement{
		{ID: "1", SellCurrency: "USD", BuyCurrency: "NGN", SellAmount: 10, BuyAmount: 14500},
	}
	totals := Aggregate(records)

	require.True(t, HasPending("usd", totals))
	require.True(t, HasPending("NGN", totals))
	require.False(t, HasPending("EUR", totals))
}

func TestWithinTolerance(t *testing.T) {
	require.True(t, WithinTolerance(75.00, 75.00, 0.01))
	require.True(t, WithinTolerance(75.009, 75.00, 0.01))
	require.True(t, WithinTolerance(74.995, 75.00, 0.01))
	require.False(t, WithinTolerance(75.02, 75.00, 0.01))
	require.False(t, WithinTolerance(74.98999, 75.00, 0.01))
	require.True(t, WithinTolerance(100, 90, 10))
}
