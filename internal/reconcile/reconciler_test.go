package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ksred/remit-api/internal/ledger"
	"github.com/ksred/remit-api/internal/pending"
)

// stubBalances is an in-memory BalanceSource.
type stubBalances struct {
	mu       sync.Mutex
	balances map[string]float64
	err      error
}

func (s *stubBalances) GetBalance(userID, currency string) (ledger.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return ledger.Result{}, s.err
	}
	amount, ok := s.balances[currency]
	if !ok {
		return ledger.Result{Success: false}, nil
	}
	return ledger.Result{Success: true, Balance: amount}, nil
}

func (s *stubBalances) set(currency string, amount float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances == nil {
		s.balances = make(map[string]float64)
	}
	s.balances[currency] = amount
}

func newTestStore(t *testing.T) *pending.Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&pending.CacheEntry{}))
	return pending.NewStore(db)
}

// newTestReconciler builds a reconciler whose poller is left unstarted, so
// ticks run only when tests invoke them directly.
func newTestReconciler(t *testing.T, balances *stubBalances, cfg Config) *Reconciler {
	t.Helper()

	cfg.UserID = "user-1"
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Hour
	}
	return New(newTestStore(t), balances, cfg)
}

func ptr(v float64) *float64 { return &v }

func TestOptimisticBalanceLifecycle(t *testing.T) {
	r := newTestReconciler(t, &stubBalances{}, Config{})

	r.AddSettlement(pending.Input{
		SellCurrency:      "CAD",
		BuyCurrency:       "NGN",
		SellAmount:        25.00,
		BuyAmount:         26525.00,
		SellBalanceBefore: ptr(100.00),
	})

	before := r.GetOptimisticBalance(ptr(100.00), "CAD")
	require.NotNil(t, before)
	require.InDelta(t, 75.00, *before, 1e-9)
	require.True(t, r.HasPendingForCurrency("CAD"))

	require.True(t, r.CheckAndClearIfSettled("CAD", 75.00, 75.00, 0.01))

	require.Empty(t, r.Settlements())
	require.False(t, r.HasPendingForCurrency("CAD"))

	after := r.GetOptimisticBalance(ptr(75.00), "CAD")
	require.NotNil(t, after)
	require.InDelta(t, 75.00, *after, 1e-9)
}

func TestCheckAndClearLeavesStateOutsideTolerance(t *testing.T) {
	r := newTestReconciler(t, &stubBalances{}, Config{})

	r.AddSettlement(pending.Input{
		SellCurrency: "CAD", BuyCurrency: "NGN",
		SellAmount: 25, BuyAmount: 26525,
	})

	require.False(t, r.CheckAndClearIfSettled("CAD", 80.00, 75.00, 0.01))
	require.Len(t, r.Settlements(), 1)
	require.True(t, r.HasPendingForCurrency("CAD"))
}

func TestCheckAndClearRemovesAllRecordsTouchingCurrency(t *testing.T) {
	r := newTestReconciler(t, &stubBalances{}, Config{})

	r.AddSettlement(pending.Input{SellCurrency: "USD", BuyCurrency: "NGN", SellAmount: 10, BuyAmount: 14500})
	r.AddSettlement(pending.Input{SellCurrency: "CAD", BuyCurrency: "USD", SellAmount: 20, BuyAmount: 14.6})
	survivor := r.AddSettlement(pending.Input{SellCurrency: "GBP", BuyCurrency: "GHS", SellAmount: 5, BuyAmount: 97.5})

	require.True(t, r.CheckAndClearIfSettled("USD", 100.00, 100.00, 0.01))

	remaining := r.Settlements()
	require.Len(t, remaining, 1)
	require.Equal(t, survivor.ID, remaining[0].ID)
}

func TestCheckAndClearIsIdempotent(t *testing.T) {
	r := newTestReconciler(t, &stubBalances{}, Config{})

	r.AddSettlement(pending.Input{SellCurrency: "USD", BuyCurrency: "NGN", SellAmount: 10, BuyAmount: 14500})

	// Fast reconciler-level pass and slow screen-level pass may both clear;
	// the second call must be harmless.
	require.True(t, r.CheckAndClearIfSettled("USD", 90.00, 90.00, 0.01))
	require.True(t, r.CheckAndClearIfSettled("USD", 90.00, 90.00, 0.01))
	require.Empty(t, r.Settlements())
}

func TestCheckAndClearDefaultTolerance(t *testing.T) {
	r := newTestReconciler(t, &stubBalances{}, Config{})

	r.AddSettlement(pending.Input{SellCurrency: "USD", BuyCurrency: "NGN", SellAmount: 10, BuyAmount: 14500})

	// Non-positive tolerance selects the default of one cent.
	require.True(t, r.CheckAndClearIfSettled("USD", 90.005, 90.00, 0))
	require.Empty(t, r.Settlements())
}

func TestTickConfirmsWhenBothLegsLand(t *testing.T) {
	balances := &stubBalances{}
	confirmed := 0
	r := newTestReconciler(t, balances, Config{
		OnSettlementConfirmed: func() { confirmed++ },
	})

	r.AddSettlement(pending.Input{
		SellCurrency:      "CAD",
		BuyCurrency:       "NGN",
		SellAmount:        25.00,
		BuyAmount:         26525.00,
		SellBalanceBefore: ptr(100.00),
		BuyBalanceBefore:  ptr(1000.00),
	})

	// Backend has not settled yet: balances still at their baselines.
	balances.set("CAD", 100.00)
	balances.set("NGN", 1000.00)
	r.tick(context.Background())
	require.Len(t, r.Settlements(), 1)
	require.Zero(t, confirmed)

	// One leg landed, the other has not: record stays whole.
	balances.set("CAD", 75.00)
	r.tick(context.Background())
	require.Len(t, r.Settlements(), 1)

	// Both legs within tolerance of baseline -/+ amount.
	balances.set("NGN", 27525.00)
	r.tick(context.Background())
	require.Empty(t, r.Settlements())
	require.Equal(t, 1, confirmed)

	// The tick that follows must not fire the callback again.
	r.tick(context.Background())
	require.Equal(t, 1, confirmed)
}

func TestTickDefersOnLookupFailure(t *testing.T) {
	balances := &stubBalances{err: errors.New("network down")}
	r := newTestReconciler(t, balances, Config{})

	r.AddSettlement(pending.Input{
		SellCurrency:      "CAD",
		BuyCurrency:       "NGN",
		SellAmount:        25.00,
		BuyAmount:         26525.00,
		SellBalanceBefore: ptr(100.00),
		BuyBalanceBefore:  ptr(1000.00),
	})

	r.tick(context.Background())
	require.Len(t, r.Settlements(), 1, "lookup failure defers confirmation")

	// A missing account is indistinguishable from not-yet-settled.
	balances.err = nil
	r.tick(context.Background())
	require.Len(t, r.Settlements(), 1)
}

func TestTickRequiresBaselineToConfirm(t *testing.T) {
	balances := &stubBalances{}
	balances.set("CAD", 75.00)
	balances.set("NGN", 27525.00)

	r := newTestReconciler(t, balances, Config{})
	r.AddSettlement(pending.Input{
		SellCurrency: "CAD",
		BuyCurrency:  "NGN",
		SellAmount:   25.00,
		BuyAmount:    26525.00,
		// No baselines captured: neither leg can auto-confirm.
	})

	r.tick(context.Background())
	require.Len(t, r.Settlements(), 1)
}

func TestTickRetiresDegenerateZeroLegRecord(t *testing.T) {
	r := newTestReconciler(t, &stubBalances{}, Config{})

	r.AddSettlement(pending.Input{SellCurrency: "CAD", BuyCurrency: "NGN"})

	r.tick(context.Background())
	require.Empty(t, r.Settlements(), "zero-amount legs require no confirmation")
}

func TestTickHonorsToleranceOnLegs(t *testing.T) {
	balances := &stubBalances{}
	// Within a cent of the expected settled values.
	balances.set("CAD", 75.004)
	balances.set("NGN", 27524.996)

	r := newTestReconciler(t, balances, Config{})
	r.AddSettlement(pending.Input{
		SellCurrency:      "CAD",
		BuyCurrency:       "NGN",
		SellAmount:        25.00,
		BuyAmount:         26525.00,
		SellBalanceBefore: ptr(100.00),
		BuyBalanceBefore:  ptr(1000.00),
	})

	r.tick(context.Background())
	require.Empty(t, r.Settlements())
}

func TestPollingArmsOnlyWhilePending(t *testing.T) {
	r := newTestReconciler(t, &stubBalances{}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	require.False(t, r.IsPolling(), "empty store: no idle tick cost")

	record := r.AddSettlement(pending.Input{
		SellCurrency: "USD", BuyCurrency: "NGN", SellAmount: 10, BuyAmount: 14500,
	})
	require.True(t, r.IsPolling())

	r.RemoveSettlement(record.ID)
	require.Eventually(t, func() bool { return !r.IsPolling() },
		time.Second, 5*time.Millisecond)
}

func TestConfirmedCallbackFiresOncePerTransition(t *testing.T) {
	var mu sync.Mutex
	confirmed := 0
	r := newTestReconciler(t, &stubBalances{}, Config{
		OnSettlementConfirmed: func() {
			mu.Lock()
			confirmed++
			mu.Unlock()
		},
	})

	first := r.AddSettlement(pending.Input{SellCurrency: "USD", BuyCurrency: "NGN", SellAmount: 10, BuyAmount: 14500})
	r.RemoveSettlement(first.ID)

	mu.Lock()
	require.Equal(t, 1, confirmed)
	mu.Unlock()

	// Repeated refreshes of an already-empty store fire nothing.
	r.Refresh()
	r.tick(context.Background())

	mu.Lock()
	require.Equal(t, 1, confirmed)
	mu.Unlock()

	// A second full cycle fires again: once per transition, not once ever.
	second := r.AddSettlement(pending.Input{SellCurrency: "GBP", BuyCurrency: "GHS", SellAmount: 5, BuyAmount: 97.5})
	r.RemoveSettlement(second.ID)

	mu.Lock()
	require.Equal(t, 2, confirmed)
	mu.Unlock()
}

func TestSingleFlightGuardSkipsOverlappingTicks(t *testing.T) {
	balances := &stubBalances{}
	r := newTestReconciler(t, balances, Config{})

	r.AddSettlement(pending.Input{SellCurrency: "USD", BuyCurrency: "NGN", SellAmount: 10, BuyAmount: 14500})

	// Hold the guard as an in-progress pass would.
	r.mu.Lock()
	r.checking = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.tick(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tick should return immediately while the guard is held")
	}

	r.mu.Lock()
	r.checking = false
	r.mu.Unlock()
}

func TestRefreshRebuildsSnapshotFromStore(t *testing.T) {
	r := newTestReconciler(t, &stubBalances{}, Config{})

	r.AddSettlement(pending.Input{SellCurrency: "USD", BuyCurrency: "NGN", SellAmount: 10, BuyAmount: 14500})
	r.AddSettlement(pending.Input{SellCurrency: "USD", BuyCurrency: "GHS", SellAmount: 5, BuyAmount: 97.5})

	totals := r.PendingByCurrency()
	require.InDelta(t, 15.0, totals["USD"].PendingDebit, 1e-9)
	require.True(t, totals["USD"].HasPending)

	// Mutations behind the reconciler's back are picked up on refresh.
	r.ClearForCurrency("USD")
	require.Empty(t, r.Settlements())
	require.Empty(t, r.PendingByCurrency())
}
