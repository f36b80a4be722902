// Package sqlite implements the stores on an embedded SQLite file for
// standalone deployments. A single connection serializes every writer, which
// is what makes the check-then-insert sequences atomic.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/mentorbot/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         INTEGER PRIMARY KEY,
	first_name TEXT NOT NULL DEFAULT '',
	last_name  TEXT NOT NULL DEFAULT '',
	username   TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS payments (
	id                  TEXT PRIMARY KEY,
	invoice_payload     TEXT NOT NULL UNIQUE,
	user_id             INTEGER NOT NULL,
	amount              INTEGER NOT NULL,
	currency            TEXT NOT NULL,
	status              TEXT NOT NULL,
	provider_charge_id  TEXT NOT NULL DEFAULT '',
	transport_charge_id TEXT NOT NULL DEFAULT '',
	order_name          TEXT NOT NULL DEFAULT '',
	order_phone         TEXT NOT NULL DEFAULT '',
	order_email         TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL,
	completed_at        INTEGER
);
CREATE INDEX IF NOT EXISTS idx_payments_user ON payments (user_id, created_at);

CREATE TABLE IF NOT EXISTS schedule (
	id               TEXT PRIMARY KEY,
	user_id          INTEGER NOT NULL,
	payment_id       TEXT,
	lesson_type      TEXT NOT NULL,
	scheduled_at     INTEGER NOT NULL,
	duration_minutes INTEGER NOT NULL,
	status           TEXT NOT NULL,
	notes            TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedule_status_time ON schedule (status, scheduled_at);

CREATE TABLE IF NOT EXISTS message_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    INTEGER NOT NULL,
	role       TEXT NOT NULL,
	text       TEXT NOT NULL,
	kind       TEXT NOT NULL DEFAULT 'text',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_history_user ON message_history (user_id, id);
`

// NewSQLiteStores opens (creating if needed) the database at cfg.SQLitePath.
// ":memory:" gives a private in-memory database.
func NewSQLiteStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := Open(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Users:    &UserStore{db: db},
		Payments: &PaymentStore{db: db},
		Schedule: &ScheduleStore{db: db},
		History:  &HistoryStore{db: db},
		Closer:   db,
	}, nil
}

// Open opens the database and applies the embedded schema.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if strings.HasPrefix(path, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(home, path[1:])
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil && path != ":memory:" {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
