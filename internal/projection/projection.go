// Package projection turns pending settlement records into display-ready
// optimistic balances. It is pure computation: no I/O, no hidden state, every
// function is total over its inputs.
package projection

import (
	"math"

	"github.com/ksred/remit-api/internal/pending"
)

// DefaultTolerance is the maximum discrepancy, in major currency units, allowed
// between an observed and an expected balance for confirmation to succeed.
// Intermediate rounding in conversion plus float representation make exact
// equality unreliable; one cent is close enough.
const DefaultTolerance = 0.01

// PendingTotals is the per-currency sum of in-flight debits and credits.
type PendingTotals struct {
	PendingDebit  float64 `json:"pending_debit"`
	PendingCredit float64 `json:"pending_credit"`
	HasPending    bool    `json:"has_pending"`
}

// PendingByCurrency maps normalized currency codes to their pending totals.
type PendingByCurrency map[string]PendingTotals

// Aggregate folds the record list into per-currency totals. Each record
// contributes its sell amount as a debit against the sell currency and its buy
// amount as a credit to the buy currency. Records with no currencies should not
// exist, but are skipped rather than allowed to poison the fold.
func Aggregate(records []pending.PendingSettlement) PendingByCurrency {
	out := make(PendingByCurrency, len(records))

	for _, r := range records {
		sell := pending.NormalizeCurrency(r.SellCurrency)
		buy := pending.NormalizeCurrency(r.BuyCurrency)
		if sell == "" && buy == "" {
			continue
		}

		if sell != "" {
			totals := out[sell]
			totals.PendingDebit += r.SellAmount
			totals.HasPending = true
			out[sell] = totals
		}
		if buy != "" {
			totals := out[buy]
			totals.PendingCredit += r.BuyAmount
			totals.HasPending = true
			out[buy] = totals
		}
	}

	return out
}

// Project overlays the pending deltas for a currency onto a raw balance:
// raw - pendingDebit + pendingCredit. A nil raw balance short-circuits to nil;
// the projector never fabricates a number where the authoritative value itself
// is unknown.
func Project(raw *float64, code string, totals PendingByCurrency) *float64 {
	if raw == nil {
		return nil
	}

	t, ok := totals[pending.NormalizeCurrency(code)]
	if !ok {
		return raw
	}

	projected := *raw - t.PendingDebit + t.PendingCredit
	return &projected
}

// HasPending reports whether any record touches the given currency.
func HasPending(code string, totals PendingByCurrency) bool {
	return totals[pending.NormalizeCurrency(code)].HasPending
}

// WithinTolerance reports whether two balances agree within eps. This is the
// single confirmation policy point: it is deliberately independent of currency
// formatting so it can be tested and swapped in isolation.
func WithinTolerance(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}
