package store

import (
	"errors"
	"io"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
	ErrConflict  = errors.New("conflict")
)

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	PostgresDSN string // managed mode
	SQLitePath  string // standalone mode
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Users    UserStore
	Payments PaymentStore
	Schedule ScheduleStore
	History  HistoryStore

	// Closer releases the underlying connection pool; nil for memory stores.
	Closer io.Closer
}

// Close releases backend resources.
func (s *Stores) Close() error {
	if s == nil || s.Closer == nil {
		return nil
	}
	return s.Closer.Close()
}

// GenNewID returns a time-ordered UUID v7.
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}
