package wallet

import (
	"github.com/ksred/remit-api/internal/pending"
	"github.com/ksred/remit-api/internal/projection"
)

// ConversionRequest is the screen-facing payload to initiate a conversion.
type ConversionRequest struct {
	SellCurrency string  `json:"sell_currency" binding:"required"`
	BuyCurrency  string  `json:"buy_currency" binding:"required"`
	SellAmount   float64 `json:"sell_amount" binding:"required,gt=0"`
	BuyAmount    float64 `json:"buy_amount" binding:"required,gt=0"`
}

// BalanceView is what a balance screen renders: the raw authoritative value
// overlaid with pending deltas. Both balances are null when the authoritative
// value is unknown.
type BalanceView struct {
	Currency          string   `json:"currency"`
	RawBalance        *float64 `json:"raw_balance"`
	OptimisticBalance *float64 `json:"optimistic_balance"`
	HasPending        bool     `json:"has_pending"`
}

// ConversionView is returned after a conversion is accepted for settlement.
type ConversionView struct {
	ConversionID string                    `json:"conversion_id"`
	Settlement   pending.PendingSettlement `json:"settlement"`
}

// SettlementsView is the pending-settlements screen snapshot.
type SettlementsView struct {
	Settlements       []pending.PendingSettlement  `json:"settlements"`
	PendingByCurrency projection.PendingByCurrency `json:"pending_by_currency"`
	IsPolling         bool                         `json:"is_polling"`
}

// SeedRequest sets authoritative balances. Internal/testing surface only.
type SeedRequest struct {
	Balances map[string]float64 `json:"balances" binding:"required"`
}
