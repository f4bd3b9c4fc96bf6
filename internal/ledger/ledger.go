// Package ledger is the authoritative balance source: the per-user per-currency
// balances the backend settlement pipeline writes into. The reconciliation
// layer only ever reads it through GetBalance.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/remit-api/internal/pending"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

// Balance is one authoritative wallet balance row.
type Balance struct {
	gorm.Model `json:"-"`
	UserID     string    `gorm:"uniqueIndex:idx_user_currency" json:"user_id"`
	Currency   string    `gorm:"uniqueIndex:idx_user_currency" json:"currency"`
	Amount     float64   `json:"amount"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Result is the outcome of a balance lookup. A missing account comes back as
// Success=false with no error: the reconciler must not distinguish "no account"
// from "not yet settled", both just defer confirmation to the next cycle.
type Result struct {
	Success bool    `json:"success"`
	Balance float64 `json:"balance"`
}

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetBalance fetches the authoritative balance for one currency of one user.
func (d *Database) GetBalance(userID, currency string) (Result, error) {
	currency = pending.NormalizeCurrency(currency)

	var balance Balance
	err := d.db.Where("user_id = ? AND currency = ?", userID, currency).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Result{Success: false}, nil
		}
		return Result{Success: false}, fmt.Errorf("failed to fetch balance: %w", err)
	}

	return Result{Success: true, Balance: balance.Amount}, nil
}

// ApplyConversion debits the sell currency and credits the buy currency in a
// single transaction. This is what the settlement pipeline calls when a
// conversion finally lands.
func (d *Database) ApplyConversion(userID, sellCurrency, buyCurrency string, sellAmount, buyAmount float64) error {
	sellCurrency = pending.NormalizeCurrency(sellCurrency)
	buyCurrency = pending.NormalizeCurrency(buyCurrency)

	return d.db.Transaction(func(tx *gorm.DB) error {
		var sell Balance
		if err := tx.Where("user_id = ? AND currency = ?", userID, sellCurrency).First(&sell).Error; err != nil {
			return fmt.Errorf("failed to fetch sell balance: %w", err)
		}
		if sell.Amount < sellAmount {
			return ErrInsufficientFunds
		}

		if err := tx.Model(&Balance{}).
			Where("user_id = ? AND currency = ?", userID, sellCurrency).
			Update("amount", sell.Amount-sellAmount).Error; err != nil {
			return fmt.Errorf("failed to debit sell balance: %w", err)
		}

		var buy Balance
		err := tx.Where("user_id = ? AND currency = ?", userID, buyCurrency).First(&buy).Error
		switch {
		case err == nil:
			if err := tx.Model(&Balance{}).
				Where("user_id = ? AND currency = ?", userID, buyCurrency).
				Update("amount", buy.Amount+buyAmount).Error; err != nil {
				return fmt.Errorf("failed to credit buy balance: %w", err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			created := Balance{UserID: userID, Currency: buyCurrency, Amount: buyAmount}
			if err := tx.Create(&created).Error; err != nil {
				return fmt.Errorf("failed to create buy balance: %w", err)
			}
		default:
			return fmt.Errorf("failed to fetch buy balance: %w", err)
		}

		log.Info().
			Str("component", "ledger").
			Str("user_id", userID).
			Str("sell_currency", sellCurrency).
			Str("buy_currency", buyCurrency).
			Float64("sell_amount", sellAmount).
			Float64("buy_amount", buyAmount).
			Msg("conversion applied to authoritative balances")

		return nil
	})
}

// SetBalance upserts one balance row. Used for seeding demo and test data.
func (d *Database) SetBalance(userID, currency string, amount float64) error {
	currency = pending.NormalizeCurrency(currency)

	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "currency"}},
		DoUpdates: clause.AssignmentColumns([]string{"amount", "updated_at"}),
	}).Create(&Balance{UserID: userID, Currency: currency, Amount: amount}).Error
}

// GetUserBalances lists all balances for a user, most recently updated first.
func (d *Database) GetUserBalances(userID string) ([]Balance, error) {
	var balances []Balance
	if err := d.db.Where("user_id = ?", userID).Order("updated_at DESC").Find(&balances).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch balances: %w", err)
	}
	return balances, nil
}
