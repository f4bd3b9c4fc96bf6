package pending

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// storeKey is the single namespaced key holding the pending settlement list.
// Versioned so a future format change can abandon old blobs cleanly.
const storeKey = "pending_settlements:v1"

// Store persists the pending settlement list across process restarts.
//
// Every write replaces the whole blob under the store mutex, so each
// read-modify-write cycle is serialized and interleaved writers cannot drop
// each other's records. Storage and decode failures are logged and swallowed:
// a lost pending record is cosmetic, an error escaping into a
// balance-rendering path is not.
type Store struct {
	db  *gorm.DB
	key string
	mu  sync.Mutex
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:  db,
		key: storeKey,
		now: time.Now,
	}
}

// NewUserStore returns a store namespaced to one user, for hosts that carry
// more than one client context in a single process. Each instance still owns
// exactly one key.
func NewUserStore(db *gorm.DB, userID string) *Store {
	return &Store{
		db:  db,
		key: storeKey + ":" + userID,
		now: time.Now,
	}
}

// Load returns the current non-expired pending settlements, most recent first.
// Records past the retention window are dropped, and if anything was dropped
// the filtered list is re-persisted so the next load is consistent.
func (s *Store) Load() []PendingSettlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() []PendingSettlement {
	logger := log.With().Str("component", "pending_store").Logger()

	var entry CacheEntry
	err := s.db.Where("key = ?", s.key).First(&entry).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			logger.Error().Err(err).Msg("failed to read pending settlements, treating as empty")
		}
		return []PendingSettlement{}
	}

	var records []PendingSettlement
	if err := json.Unmarshal([]byte(entry.Value), &records); err != nil {
		logger.Error().Err(err).Msg("failed to decode pending settlements, treating as empty")
		return []PendingSettlement{}
	}

	now := s.now()
	kept := make([]PendingSettlement, 0, len(records))
	for _, r := range records {
		if r.Expired(now) {
			logger.Warn().
				Str("settlement_id", r.ID).
				Str("sell_currency", r.SellCurrency).
				Str("buy_currency", r.BuyCurrency).
				Msg("purging expired pending settlement")
			continue
		}
		kept = append(kept, r)
	}

	if len(kept) != len(records) {
		s.persistLocked(kept)
	}

	return kept
}

// Add stamps an ID and creation time onto the input, prepends it to the list
// and persists. Returns the stored record.
func (s *Store) Add(in Input) PendingSettlement {
	record := PendingSettlement{
		ID:                "PND_" + uuid.New().String(),
		SellCurrency:      NormalizeCurrency(in.SellCurrency),
		BuyCurrency:       NormalizeCurrency(in.BuyCurrency),
		SellAmount:        in.SellAmount,
		BuyAmount:         in.BuyAmount,
		SellBalanceBefore: in.SellBalanceBefore,
		BuyBalanceBefore:  in.BuyBalanceBefore,
		CreatedAt:         s.now().UnixMilli(),
		ConversionID:      in.ConversionID,
	}

	// Prepend: most-recent-first is a display convenience, not a correctness
	// requirement.
	s.mu.Lock()
	current := s.loadLocked()
	updated := make([]PendingSettlement, 0, len(current)+1)
	updated = append(updated, record)
	updated = append(updated, current...)
	s.persistLocked(updated)
	s.mu.Unlock()

	log.Info().
		Str("component", "pending_store").
		Str("settlement_id", record.ID).
		Str("sell_currency", record.SellCurrency).
		Str("buy_currency", record.BuyCurrency).
		Float64("sell_amount", record.SellAmount).
		Float64("buy_amount", record.BuyAmount).
		Msg("pending settlement recorded")

	return record
}

// Remove deletes the record with the given ID. An absent ID is a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.loadLocked()
	kept := make([]PendingSettlement, 0, len(current))
	for _, r := range current {
		if r.ID == id {
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) == len(current) {
		return
	}
	s.persistLocked(kept)
}

// ClearForCurrency removes every record with either leg in the given currency.
// Used for manual reconciliation when a wallet's balance already looks right.
func (s *Store) ClearForCurrency(code string) {
	code = NormalizeCurrency(code)

	s.mu.Lock()
	current := s.loadLocked()
	kept := make([]PendingSettlement, 0, len(current))
	for _, r := range current {
		if r.Touches(code) {
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) == len(current) {
		s.mu.Unlock()
		return
	}
	s.persistLocked(kept)
	s.mu.Unlock()

	log.Info().
		Str("component", "pending_store").
		Str("currency", code).
		Int("cleared", len(current)-len(kept)).
		Msg("cleared pending settlements for currency")
}

// persistLocked replaces the whole blob. Callers hold s.mu.
func (s *Store) persistLocked(records []PendingSettlement) {
	logger := log.With().Str("component", "pending_store").Logger()

	value, err := json.Marshal(records)
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode pending settlements")
		return
	}

	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&CacheEntry{Key: s.key, Value: string(value)}).Error
	if err != nil {
		logger.Error().Err(err).Msg("failed to persist pending settlements")
	}
}
