package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/remit-api/internal/ledger"
	"github.com/ksred/remit-api/internal/pending"
	"github.com/ksred/remit-api/internal/pipeline"
	"github.com/ksred/remit-api/internal/reconcile"
)

var (
	ErrInvalidCurrency   = errors.New("currency codes must be three letters")
	ErrSameCurrency      = errors.New("sell and buy currency must differ")
	ErrInsufficientFunds = errors.New("insufficient available balance")
	ErrServiceNotStarted = errors.New("wallet service not started")
)

// Service glues the reconciliation layer to the HTTP surface. It owns one
// reconciler per user, created lazily on first touch and torn down with the
// service; handlers never reach past it into the pending store.
type Service struct {
	db       *gorm.DB
	ledger   *ledger.Database
	pipeline *pipeline.Pipeline

	mu          sync.Mutex
	ctx         context.Context
	reconcilers map[string]*reconcile.Reconciler
	userLocks   map[string]*sync.Mutex
}

func NewService(db *gorm.DB, l *ledger.Database, p *pipeline.Pipeline) *Service {
	return &Service{
		db:          db,
		ledger:      l,
		pipeline:    p,
		reconcilers: make(map[string]*reconcile.Reconciler),
		userLocks:   make(map[string]*sync.Mutex),
	}
}

// Start binds the service to its lifetime context. Reconcilers created later
// inherit it.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
}

// Stop tears down every reconciler.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for userID, r := range s.reconcilers {
		r.Stop()
		delete(s.reconcilers, userID)
	}
}

// reconcilerFor returns the user's reconciler, creating and starting it on
// first use.
func (s *Service) reconcilerFor(userID string) (*reconcile.Reconciler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return nil, ErrServiceNotStarted
	}

	if r, ok := s.reconcilers[userID]; ok {
		return r, nil
	}

	store := pending.NewUserStore(s.db, userID)
	r := reconcile.New(store, s.ledger, reconcile.Config{
		UserID: userID,
		OnSettlementConfirmed: func() {
			log.Info().
				Str("component", "wallet_service").
				Str("user_id", userID).
				Msg("all settlements confirmed, balances are authoritative again")
		},
	})
	r.Start(s.ctx)
	s.reconcilers[userID] = r

	return r, nil
}

// userLock returns the mutex serializing conversions for one user.
func (s *Service) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.userLocks[userID] = lock
	}
	return lock
}

// GetBalance returns the optimistic balance view for one currency. An unknown
// account yields null balances rather than an error: screens render "unknown",
// they do not crash.
func (s *Service) GetBalance(userID, code string) (*BalanceView, error) {
	r, err := s.reconcilerFor(userID)
	if err != nil {
		return nil, err
	}

	code = pending.NormalizeCurrency(code)
	if len(code) != 3 {
		return nil, ErrInvalidCurrency
	}

	var raw *float64
	result, err := s.ledger.GetBalance(userID, code)
	if err != nil {
		// Fetch failures are indistinguishable from not-yet-settled; serve
		// the view with unknown raw balance instead of failing the render.
		log.Warn().Err(err).
			Str("component", "wallet_service").
			Str("currency", code).
			Msg("authoritative balance fetch failed")
	} else if result.Success {
		raw = &result.Balance
	}

	return &BalanceView{
		Currency:          code,
		RawBalance:        raw,
		OptimisticBalance: r.GetOptimisticBalance(raw, code),
		HasPending:        r.HasPendingForCurrency(code),
	}, nil
}

// CreateConversion validates the request, captures baseline balances, submits
// the conversion to the settlement pipeline and records the pending
// settlement. Submission only assigns the conversion ID; settlement happens
// later, so the record is in place before any ledger movement and the
// optimistic balance updates immediately.
func (s *Service) CreateConversion(userID string, req ConversionRequest) (*ConversionView, error) {
	r, err := s.reconcilerFor(userID)
	if err != nil {
		return nil, err
	}

	sell := pending.NormalizeCurrency(req.SellCurrency)
	buy := pending.NormalizeCurrency(req.BuyCurrency)
	if len(sell) != 3 || len(buy) != 3 {
		return nil, ErrInvalidCurrency
	}
	if sell == buy {
		return nil, ErrSameCurrency
	}

	// Serialized per user: the spend check and the pending-record write below
	// must be one atomic step, or two concurrent conversions could both pass
	// the check against the same available balance.
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	sellBaseline := s.baseline(userID, sell)
	buyBaseline := s.baseline(userID, buy)

	// The spend check runs against the optimistic balance so a user cannot
	// double-spend funds already committed to an in-flight conversion.
	available := r.GetOptimisticBalance(sellBaseline, sell)
	if available == nil || *available < req.SellAmount {
		return nil, ErrInsufficientFunds
	}

	conversionID := s.pipeline.SubmitConversion(s.lifetime(), userID, pipeline.ConversionRequest{
		SellCurrency: sell,
		BuyCurrency:  buy,
		SellAmount:   req.SellAmount,
		BuyAmount:    req.BuyAmount,
	})

	record := r.AddSettlement(pending.Input{
		SellCurrency:      sell,
		BuyCurrency:       buy,
		SellAmount:        req.SellAmount,
		BuyAmount:         req.BuyAmount,
		SellBalanceBefore: sellBaseline,
		BuyBalanceBefore:  buyBaseline,
		ConversionID:      conversionID,
	})

	return &ConversionView{ConversionID: conversionID, Settlement: record}, nil
}

// ListSettlements returns the user's current pending snapshot.
func (s *Service) ListSettlements(userID string) (*SettlementsView, error) {
	r, err := s.reconcilerFor(userID)
	if err != nil {
		return nil, err
	}

	return &SettlementsView{
		Settlements:       r.Settlements(),
		PendingByCurrency: r.PendingByCurrency(),
		IsPolling:         r.IsPolling(),
	}, nil
}

// RemoveSettlement deletes one pending record.
func (s *Service) RemoveSettlement(userID, id string) error {
	r, err := s.reconcilerFor(userID)
	if err != nil {
		return err
	}
	r.RemoveSettlement(id)
	return nil
}

// ClearCurrency drops every pending record touching the currency.
func (s *Service) ClearCurrency(userID, code string) error {
	r, err := s.reconcilerFor(userID)
	if err != nil {
		return err
	}
	if len(pending.NormalizeCurrency(code)) != 3 {
		return ErrInvalidCurrency
	}
	r.ClearForCurrency(code)
	return nil
}

// SeedBalances sets authoritative balances directly. Internal surface for
// demos and simulation runs.
func (s *Service) SeedBalances(userID string, balances map[string]float64) error {
	for code, amount := range balances {
		if err := s.ledger.SetBalance(userID, code, amount); err != nil {
			return fmt.Errorf("failed to seed %s: %w", code, err)
		}
	}
	return nil
}

// baseline captures the authoritative balance for a currency at conversion
// time, or nil when it cannot be observed. A missing baseline only means the
// leg cannot auto-confirm.
func (s *Service) baseline(userID, code string) *float64 {
	result, err := s.ledger.GetBalance(userID, code)
	if err != nil || !result.Success {
		return nil
	}
	return &result.Balance
}

func (s *Service) lifetime() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}
