package ledger

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestLedger(t *testing.T) *Database {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Balance{}))
	return NewDatabase(db)
}

func TestGetBalanceMissingAccount(t *testing.T) {
	l := newTestLedger(t)

	result, err := l.GetBalance("user-1", "CAD")
	require.NoError(t, err, "a missing account is not an error")
	require.False(t, result.Success)
}

func TestSetAndGetBalance(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.SetBalance("user-1", "cad", 100.00))

	result, err := l.GetBalance("user-1", "CAD")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.InDelta(t, 100.00, result.Balance, 1e-9)

	// Upsert overwrites.
	require.NoError(t, l.SetBalance("user-1", "CAD", 250.00))
	result, err = l.GetBalance("user-1", "CAD")
	require.NoError(t, err)
	require.InDelta(t, 250.00, result.Balance, 1e-9)
}

func TestApplyConversion(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.SetBalance("user-1", "CAD", 100.00))
	require.NoError(t, l.SetBalance("user-1", "NGN", 1000.00))

	require.NoError(t, l.ApplyConversion("user-1", "CAD", "NGN", 25.00, 26525.00))

	sell, err := l.GetBalance("user-1", "CAD")
	require.NoError(t, err)
	require.InDelta(t, 75.00, sell.Balance, 1e-9)

	buy, err := l.GetBalance("user-1", "NGN")
	require.NoError(t, err)
	require.InDelta(t, 27525.00, buy.Balance, 1e-9)
}

func TestApplyConversionCreatesBuyCurrency(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.SetBalance("user-1", "USD", 50.00))
	require.NoError(t, l.ApplyConversion("user-1", "USD", "KES", 10.00, 1400.00))

	buy, err := l.GetBalance("user-1", "KES")
	require.NoError(t, err)
	require.True(t, buy.Success)
	require.InDelta(t, 1400.00, buy.Balance, 1e-9)
}

func TestApplyConversionInsufficientFunds(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.SetBalance("user-1", "USD", 5.00))

	err := l.ApplyConversion("user-1", "USD", "KES", 10.00, 1400.00)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// Nothing moved.
	sell, err := l.GetBalance("user-1", "USD")
	require.NoError(t, err)
	require.InDelta(t, 5.00, sell.Balance, 1e-9)

	buy, err := l.GetBalance("user-1", "KES")
	require.NoError(t, err)
	require.False(t, buy.Success)
}

func TestBalancesAreScopedPerUser(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.SetBalance("user-1", "USD", 100.00))
	require.NoError(t, l.SetBalance("user-2", "USD", 7.00))

	result, err := l.GetBalance("user-2", "USD")
	require.NoError(t, err)
	require.InDelta(t, 7.00, result.Balance, 1e-9)

	balances, err := l.GetUserBalances("user-1")
	require.NoError(t, err)
	require.Len(t, balances, 1)
	require.InDelta(t, 100.00, balances[0].Amount, 1e-9)
}
