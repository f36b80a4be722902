package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// DataHookFunc backfills rows after the schema version it is registered for
// has been migrated. It runs in the same transaction that records it.
type DataHookFunc func(ctx context.Context, tx *sql.Tx) error

type dataHook struct {
	version uint
	name    string
	fn      DataHookFunc
}

var registry []dataHook

// RegisterDataHook adds a hook. Names must be unique; hooks run in
// registration order.
func RegisterDataHook(schemaVersion uint, name string, fn DataHookFunc) {
	registry = append(registry, dataHook{version: schemaVersion, name: name, fn: fn})
}

// RegisteredHooks returns the names of every registered hook in run order.
func RegisteredHooks() []string {
	names := make([]string, 0, len(registry))
	for _, h := range registry {
		names = append(names, h.name)
	}
	return names
}

// Runner applies registered hooks against one database and tracks them in
// data_migrations.
type Runner struct {
	db  *sql.DB
	arg func(n int) string // placeholder for the n-th query argument
	now func() time.Time
}

// NewRunner returns a runner for a Postgres database.
func NewRunner(db *sql.DB) *Runner {
	return &Runner{db: db, arg: dollarArg, now: time.Now}
}

func dollarArg(n int) string { return "$" + strconv.Itoa(n) }

// PendingHooks returns the names of hooks that have not been applied yet.
func PendingHooks(ctx context.Context, db *sql.DB) ([]string, error) {
	return NewRunner(db).Pending(ctx)
}

// RunPendingHooks applies every pending hook and returns how many ran.
func RunPendingHooks(ctx context.Context, db *sql.DB) (int, error) {
	return NewRunner(db).Run(ctx)
}

func (r *Runner) Pending(ctx context.Context) ([]string, error) {
	applied, err := r.applied(ctx)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, h := range registry {
		if !applied[h.name] {
			pending = append(pending, h.name)
		}
	}
	return pending, nil
}

// Run stops at the first failing hook; hooks before it stay applied.
func (r *Runner) Run(ctx context.Context) (int, error) {
	applied, err := r.applied(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, h := range registry {
		if applied[h.name] {
			continue
		}
		start := time.Now()
		slog.Info("running data hook", "name", h.name, "schema_version", h.version)
		if err := r.apply(ctx, h); err != nil {
			return count, fmt.Errorf("data hook %q: %w", h.name, err)
		}
		slog.Info("data hook applied", "name", h.name, "duration", time.Since(start))
		count++
	}
	return count, nil
}

func (r *Runner) apply(ctx context.Context, h dataHook) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := h.fn(ctx, tx); err != nil {
		return err
	}
	q := fmt.Sprintf("INSERT INTO data_migrations (name, version, applied_at) VALUES (%s, %s, %s)",
		r.arg(1), r.arg(2), r.arg(3))
	if _, err := tx.ExecContext(ctx, q, h.name, h.version, r.now().UTC()); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}

func (r *Runner) applied(ctx context.Context) (map[string]bool, error) {
	if _, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS data_migrations (
			name       VARCHAR(255) PRIMARY KEY,
			version    INT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("ensure data_migrations table: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, "SELECT name FROM data_migrations")
	if err != nil {
		return nil, fmt.Errorf("query data_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
