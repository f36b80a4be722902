package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/nextlevelbuilder/mentorbot/internal/store"
)

type PGHistoryStore struct {
	db *sql.DB
}

func NewPGHistoryStore(db *sql.DB) *PGHistoryStore { return &PGHistoryStore{db: db} }

func (s *PGHistoryStore) Append(ctx context.Context, e store.HistoryEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_history (user_id, role, text, kind, created_at) VALUES ($1, $2, $3, $4, $5)`,
		e.UserID, e.Role, e.Text, e.Kind, e.CreatedAt)
	return err
}

func (s *PGHistoryStore) Recent(ctx context.Context, userID int64, limit int) ([]store.HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, role, text, kind, created_at FROM (
		   SELECT id, user_id, role, text, kind, created_at FROM message_history
		   WHERE user_id = $1 ORDER BY id DESC LIMIT $2
		 ) recent ORDER BY id`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.HistoryEntry
	for rows.Next() {
		var e store.HistoryEntry
		if err := rows.Scan(&e.UserID, &e.Role, &e.Text, &e.Kind, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGHistoryStore) Clear(ctx context.Context, userID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM message_history WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
