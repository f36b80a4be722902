package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nextlevelbuilder/mentorbot/internal/store"
)

type PGUserStore struct {
	db *sql.DB
}

func NewPGUserStore(db *sql.DB) *PGUserStore { return &PGUserStore{db: db} }

func (s *PGUserStore) Ensure(ctx context.Context, u *store.User) error {
	now := time.Now()
	return s.db.QueryRowContext(ctx,
		`INSERT INTO users (id, first_name, last_name, username, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   first_name = EXCLUDED.first_name,
		   last_name  = EXCLUDED.last_name,
		   username   = EXCLUDED.username,
		   updated_at = EXCLUDED.updated_at
		 RETURNING created_at, updated_at`,
		u.ID, u.FirstName, u.LastName, u.Username, now,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
}

func (s *PGUserStore) Get(ctx context.Context, id int64) (*store.User, error) {
	var u store.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, first_name, last_name, username, created_at, updated_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.FirstName, &u.LastName, &u.Username, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
