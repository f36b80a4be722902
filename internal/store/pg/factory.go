package pg

import (
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/mentorbot/internal/store"
)

// NewPGStores creates all stores backed by Postgres (managed mode).
func NewPGStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewStoresFromDB(db), nil
}

// NewStoresFromDB wraps an open pool.
func NewStoresFromDB(db *sql.DB) *store.Stores {
	return &store.Stores{
		Users:    NewPGUserStore(db),
		Payments: NewPGPaymentStore(db),
		Schedule: NewPGScheduleStore(db),
		History:  NewPGHistoryStore(db),
		Closer:   db,
	}
}
