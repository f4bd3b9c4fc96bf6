package pending

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// RetentionWindow is how long a pending settlement may live before it is
// considered abandoned and purged on the next load.
const RetentionWindow = 30 * time.Minute

// PendingSettlement represents one in-flight currency conversion that has not
// yet been confirmed against the authoritative ledger.
type PendingSettlement struct {
	ID                string   `json:"id"`
	SellCurrency      string   `json:"sell_currency"`
	BuyCurrency       string   `json:"buy_currency"`
	SellAmount        float64  `json:"sell_amount"`
	BuyAmount         float64  `json:"buy_amount"`
	SellBalanceBefore *float64 `json:"sell_balance_before,omitempty"`
	BuyBalanceBefore  *float64 `json:"buy_balance_before,omitempty"`
	CreatedAt         int64    `json:"created_at"` // epoch milliseconds
	ConversionID      string   `json:"conversion_id,omitempty"`
}

// Input carries the caller-supplied fields of a new pending settlement.
// ID and CreatedAt are stamped by the store.
type Input struct {
	SellCurrency      string
	BuyCurrency       string
	SellAmount        float64
	BuyAmount         float64
	SellBalanceBefore *float64
	BuyBalanceBefore  *float64
	ConversionID      string
}

// Touches reports whether either leg of the record is in the given currency.
// The code is expected to be normalized already.
func (p PendingSettlement) Touches(code string) bool {
	return NormalizeCurrency(p.SellCurrency) == code || NormalizeCurrency(p.BuyCurrency) == code
}

// Expired reports whether the record is older than the retention window.
func (p PendingSettlement) Expired(now time.Time) bool {
	created := time.UnixMilli(p.CreatedAt)
	return now.Sub(created) > RetentionWindow
}

// NormalizeCurrency upper-cases and trims a currency code. All aggregation and
// comparison keys go through this.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CacheEntry is a namespaced key/value blob. The pending settlement list is one
// entry; other app caches get their own keys and never share this one.
type CacheEntry struct {
	gorm.Model `json:"-"`
	Key        string `gorm:"uniqueIndex" json:"key"`
	Value      string `json:"value"`
}
