// Package reconcile owns the optimistic settlement policy: it exposes the
// projected pending view to callers, drives confirmation polling against the
// authoritative balance source, and decides when a pending record is resolved.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/remit-api/internal/ledger"
	"github.com/ksred/remit-api/internal/pending"
	"github.com/ksred/remit-api/internal/poll"
	"github.com/ksred/remit-api/internal/projection"
)

// DefaultPollInterval is the confirmation polling period while settlements are
// outstanding. The poller is disarmed entirely when the list is empty, so an
// idle reconciler costs nothing.
const DefaultPollInterval = 5 * time.Second

// BalanceSource is the consumed collaborator: an authoritative balance lookup.
// A failed lookup and a not-yet-settled balance are indistinguishable to the
// reconciler; both defer confirmation to the next cycle.
type BalanceSource interface {
	GetBalance(userID, currency string) (ledger.Result, error)
}

// Config configures a Reconciler. UserID is the single current-user identifier
// the balance source is queried with.
type Config struct {
	UserID       string
	PollInterval time.Duration
	Tolerance    float64
	// OnSettlementConfirmed fires exactly once each time the pending list
	// transitions from non-empty to empty. Screens use it to force an
	// authoritative refetch once all optimism has cleared.
	OnSettlementConfirmed func()
}

// Reconciler is the stateful handle screens integrate with. It is explicitly
// constructed and owned; one instance per user, started once and stopped on
// teardown. Screens never touch the pending store directly.
type Reconciler struct {
	store    *pending.Store
	balances BalanceSource
	cfg      Config
	poller   *poll.Poller
	logger   zerolog.Logger

	mu         sync.Mutex
	snapshot   []pending.PendingSettlement
	totals     projection.PendingByCurrency
	checking   bool // single-flight guard for the confirmation pass
	hadPending bool // tracks the non-empty -> empty transition
}

func New(store *pending.Store, balances BalanceSource, cfg Config) *Reconciler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = projection.DefaultTolerance
	}

	r := &Reconciler{
		store:    store,
		balances: balances,
		cfg:      cfg,
		totals:   projection.PendingByCurrency{},
		logger: log.With().
			Str("component", "reconciler").
			Str("user_id", cfg.UserID).
			Logger(),
	}
	r.poller = poll.New(r.tick, poll.Config{
		Interval:            cfg.PollInterval,
		Enabled:             false,
		FetchOnStart:        true,
		SuspendInBackground: true,
	})
	return r
}

// Start binds the reconciler to a context and loads the persisted pending
// state. Polling arms itself only if settlements survived the restart.
func (r *Reconciler) Start(ctx context.Context) {
	r.poller.Start(ctx)
	r.Refresh()
	r.logger.Info().Msg("reconciler started")
}

// Stop disarms polling. An in-flight confirmation pass is allowed to finish.
func (r *Reconciler) Stop() {
	r.poller.Stop()
	r.logger.Info().Msg("reconciler stopped")
}

// Pause suspends polling while the host process is backgrounded.
func (r *Reconciler) Pause() { r.poller.Pause() }

// Resume re-arms polling after a Pause, checking once immediately.
func (r *Reconciler) Resume() { r.poller.Resume() }

// Refresh re-reads the durable store into the in-memory snapshot.
func (r *Reconciler) Refresh() {
	r.apply(r.store.Load())
}

// Settlements returns a copy of the current pending snapshot.
func (r *Reconciler) Settlements() []pending.PendingSettlement {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]pending.PendingSettlement, len(r.snapshot))
	copy(out, r.snapshot)
	return out
}

// PendingByCurrency returns a copy of the current per-currency aggregation.
func (r *Reconciler) PendingByCurrency() projection.PendingByCurrency {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(projection.PendingByCurrency, len(r.totals))
	for k, v := range r.totals {
		out[k] = v
	}
	return out
}

// IsPolling reports whether the confirmation loop is currently armed.
func (r *Reconciler) IsPolling() bool {
	return r.poller.Active()
}

// AddSettlement records a new pending conversion and refreshes the snapshot,
// arming the poller.
func (r *Reconciler) AddSettlement(in pending.Input) pending.PendingSettlement {
	record := r.store.Add(in)
	r.Refresh()
	return record
}

// RemoveSettlement deletes one pending record by ID and refreshes.
func (r *Reconciler) RemoveSettlement(id string) {
	r.store.Remove(id)
	r.Refresh()
}

// ClearForCurrency drops every pending record touching the currency. This is
// the manual escape hatch for a wallet whose balance already looks right.
func (r *Reconciler) ClearForCurrency(code string) {
	r.store.ClearForCurrency(code)
	r.Refresh()
}

// CheckAndClearIfSettled is the confirmation primitive: if the actual balance
// matches the expected one within tolerance, every pending record touching the
// currency is cleared and true is returned. Otherwise state is untouched.
// Redundant calls are safe, so multiple polling cadences may invoke it
// independently. A non-positive tolerance selects the default.
func (r *Reconciler) CheckAndClearIfSettled(code string, actual, expected, tolerance float64) bool {
	if tolerance <= 0 {
		tolerance = r.cfg.Tolerance
	}

	if !projection.WithinTolerance(actual, expected, tolerance) {
		return false
	}

	code = pending.NormalizeCurrency(code)
	r.logger.Info().
		Str("currency", code).
		Float64("actual", actual).
		Float64("expected", expected).
		Float64("tolerance", tolerance).
		Msg("balance settled within tolerance, clearing pending records")

	r.ClearForCurrency(code)
	return true
}

// GetOptimisticBalance overlays pending deltas for the currency onto a raw
// balance. A nil raw balance stays nil.
func (r *Reconciler) GetOptimisticBalance(raw *float64, code string) *float64 {
	r.mu.Lock()
	totals := r.totals
	r.mu.Unlock()

	return projection.Project(raw, code, totals)
}

// HasPendingForCurrency reports whether any pending record touches the
// currency.
func (r *Reconciler) HasPendingForCurrency(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return projection.HasPending(code, r.totals)
}

// apply installs a freshly loaded record list as the current snapshot, arms or
// disarms the poller, and fires the confirmed callback on the non-empty ->
// empty transition.
func (r *Reconciler) apply(records []pending.PendingSettlement) {
	r.mu.Lock()
	allConfirmed := len(records) == 0 && r.hadPending
	r.hadPending = len(records) > 0
	r.snapshot = records
	r.totals = projection.Aggregate(records)
	r.mu.Unlock()

	r.poller.SetEnabled(len(records) > 0)

	if allConfirmed {
		r.logger.Info().Msg("all pending settlements confirmed")
		if r.cfg.OnSettlementConfirmed != nil {
			r.cfg.OnSettlementConfirmed()
		}
	}
}

// tick is one confirmation pass: reload the store, fetch fresh authoritative
// balances for every affected currency, retire records whose legs have all
// landed. The guard flag makes overlapping ticks no-ops; the snapshot is always
// rebuilt from the store rather than patched, so interleaved writers cannot
// compound drift.
func (r *Reconciler) tick(ctx context.Context) {
	r.mu.Lock()
	if r.checking {
		r.mu.Unlock()
		return
	}
	r.checking = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.checking = false
		r.mu.Unlock()
	}()

	if ctx.Err() != nil {
		return
	}

	records := r.store.Load()
	if len(records) == 0 {
		r.apply(records)
		return
	}

	fresh := r.fetchAffectedBalances(records)

	removed := 0
	for _, record := range records {
		if !r.recordSettled(record, fresh) {
			continue
		}
		r.logger.Info().
			Str("settlement_id", record.ID).
			Str("conversion_id", record.ConversionID).
			Str("sell_currency", record.SellCurrency).
			Str("buy_currency", record.BuyCurrency).
			Msg("pending settlement confirmed on both legs")
		r.store.Remove(record.ID)
		removed++
	}

	if removed > 0 {
		r.logger.Info().Int("confirmed", removed).Msg("confirmation pass retired settlements")
	}

	r.apply(r.store.Load())
}

// fetchAffectedBalances looks up the authoritative balance once per currency
// touched by the record list. Lookup failures are logged and recorded as
// unsuccessful results; the affected legs simply stay unconfirmed this cycle.
func (r *Reconciler) fetchAffectedBalances(records []pending.PendingSettlement) map[string]ledger.Result {
	fresh := make(map[string]ledger.Result)

	for _, record := range records {
		for _, code := range []string{record.SellCurrency, record.BuyCurrency} {
			code = pending.NormalizeCurrency(code)
			if code == "" {
				continue
			}
			if _, done := fresh[code]; done {
				continue
			}

			result, err := r.balances.GetBalance(r.cfg.UserID, code)
			if err != nil {
				r.logger.Warn().Err(err).
					Str("currency", code).
					Msg("balance lookup failed, deferring confirmation to next cycle")
				result = ledger.Result{Success: false}
			}
			fresh[code] = result
		}
	}

	return fresh
}

// recordSettled applies the two-leg confirmation rule: a zero-amount leg needs
// no confirmation; any other leg confirms only when a baseline was captured and
// the fresh authoritative balance matches baseline -/+ amount within tolerance.
// A record is retired whole or not at all.
func (r *Reconciler) recordSettled(record pending.PendingSettlement, fresh map[string]ledger.Result) bool {
	sellOK := r.legSettled(record.SellCurrency, record.SellAmount, record.SellBalanceBefore, -1, fresh)
	buyOK := r.legSettled(record.BuyCurrency, record.BuyAmount, record.BuyBalanceBefore, +1, fresh)
	return sellOK && buyOK
}

func (r *Reconciler) legSettled(code string, amount float64, baseline *float64, sign float64, fresh map[string]ledger.Result) bool {
	if amount == 0 {
		return true
	}
	if baseline == nil {
		// No anchor to compare against: this leg can only be cleared via the
		// opposite leg going to zero, manual clearing, or expiry.
		return false
	}

	result, ok := fresh[pending.NormalizeCurrency(code)]
	if !ok || !result.Success {
		return false
	}

	expected := *baseline + sign*amount
	return projection.WithinTolerance(result.Balance, expected, r.cfg.Tolerance)
}
