package database

import (
	"os"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ksred/remit-api/internal/ledger"
	"github.com/ksred/remit-api/internal/pending"
)

// NewDatabase initializes and returns a new GORM DB connection. The path comes
// from DB_PATH, defaulting to a local file.
func NewDatabase() (*gorm.DB, error) {
	path := os.Getenv("DB_PATH")
	if path == "" {
		path = "remit.db"
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&pending.CacheEntry{},
		&ledger.Balance{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
