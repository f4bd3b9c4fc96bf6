// Package pipeline simulates the backend settlement pipeline: an opaque
// asynchronous service that eventually applies a conversion to the
// authoritative ledger. The reconciliation layer treats it as a black box.
package pipeline

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ksred/remit-api/internal/ledger"
	"github.com/ksred/remit-api/internal/pending"
)

// ConversionRequest describes one currency conversion to settle.
type ConversionRequest struct {
	SellCurrency string
	BuyCurrency  string
	SellAmount   float64
	BuyAmount    float64
}

// Pipeline applies conversions to the ledger after a simulated settlement
// delay. Latency and success rate model a real settlement pipeline's
// multi-second to multi-minute tail and occasional failures.
type Pipeline struct {
	ledger      *ledger.Database
	MinLatency  time.Duration
	MaxLatency  time.Duration
	SuccessRate float64 // 0-1, probability the settlement lands
}

func New(l *ledger.Database) *Pipeline {
	return &Pipeline{
		ledger:      l,
		MinLatency:  2 * time.Second,
		MaxLatency:  20 * time.Second,
		SuccessRate: 0.98,
	}
}

// SubmitConversion accepts a conversion for asynchronous settlement and
// returns the backend-assigned conversion ID immediately. The actual ledger
// update happens later, on the pipeline's own schedule.
func (p *Pipeline) SubmitConversion(ctx context.Context, userID string, req ConversionRequest) string {
	conversionID := "CNV_" + uuid.New().String()

	logger := log.With().
		Str("component", "settlement_pipeline").
		Str("conversion_id", conversionID).
		Str("user_id", userID).
		Str("sell_currency", pending.NormalizeCurrency(req.SellCurrency)).
		Str("buy_currency", pending.NormalizeCurrency(req.BuyCurrency)).
		Float64("sell_amount", req.SellAmount).
		Float64("buy_amount", req.BuyAmount).
		Logger()

	latency := p.settleLatency()
	logger.Info().Dur("settle_after", latency).Msg("conversion accepted for settlement")

	go func() {
		timer := time.NewTimer(latency)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			logger.Warn().Msg("settlement abandoned, pipeline shutting down")
			return
		case <-timer.C:
		}

		if rand.Float64() > p.SuccessRate {
			logger.Error().Msg("settlement failed, authoritative balances unchanged")
			return
		}

		err := p.ledger.ApplyConversion(userID, req.SellCurrency, req.BuyCurrency, req.SellAmount, req.BuyAmount)
		if err != nil {
			logger.Error().Err(err).Msg("failed to apply conversion to ledger")
			return
		}

		logger.Info().Msg("conversion settled")
	}()

	return conversionID
}

func (p *Pipeline) settleLatency() time.Duration {
	if p.MaxLatency <= p.MinLatency {
		return p.MinLatency
	}
	return p.MinLatency + time.Duration(rand.Int63n(int64(p.MaxLatency-p.MinLatency)))
}
