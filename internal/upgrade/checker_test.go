package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func setVersion(t *testing.T, db *sql.DB, version uint, dirty bool) {
	t.Helper()
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL, dirty BOOLEAN NOT NULL)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`DELETE FROM schema_migrations`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`, version, dirty); err != nil {
		t.Fatal(err)
	}
}

func TestCheckSchema(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh database", func(t *testing.T) {
		s, err := CheckSchema(ctx, openDB(t))
		if err != nil {
			t.Fatal(err)
		}
		if !s.NeedsMigration || s.Compatible || !errors.Is(s.Err(), ErrSchemaOutdated) {
			t.Errorf("status = %+v", s)
		}
	})

	tests := []struct {
		name    string
		version uint
		dirty   bool
		wantErr error
	}{
		{"current", RequiredSchemaVersion, false, nil},
		{"ahead", RequiredSchemaVersion + 1, false, ErrSchemaAhead},
		{"dirty", RequiredSchemaVersion, true, ErrSchemaDirty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openDB(t)
			setVersion(t, db, tt.version, tt.dirty)
			s, err := CheckSchema(ctx, db)
			if err != nil {
				t.Fatal(err)
			}
			if !errors.Is(s.Err(), tt.wantErr) {
				t.Errorf("Err() = %v, want %v", s.Err(), tt.wantErr)
			}
			if tt.wantErr != nil && FormatError(s) == "" {
				t.Error("empty error message")
			}
		})
	}
}

func TestHooksRegistered(t *testing.T) {
	names := RegisteredHooks()
	if len(names) != 1 || names[0] != "001_users_from_payments" {
		t.Errorf("hooks = %v", names)
	}
}
