package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/mentorbot/internal/store"
)

// scheduleLockKey serializes conflict-check-then-insert across gateway
// replicas for the lifetime of one transaction.
const scheduleLockKey = 0x6d656e746f72 // "mentor"

const conflictQuery = `SELECT EXISTS (
	SELECT 1 FROM schedule
	WHERE status = 'scheduled'
	  AND scheduled_at < $2
	  AND scheduled_at + make_interval(mins => duration_minutes) > $1)`

const busyQuery = `SELECT scheduled_at, scheduled_at + make_interval(mins => duration_minutes)
	FROM schedule
	WHERE status = 'scheduled'
	  AND scheduled_at + make_interval(mins => duration_minutes) > $1
	ORDER BY scheduled_at`

type PGScheduleStore struct {
	db *sql.DB
}

func NewPGScheduleStore(db *sql.DB) *PGScheduleStore { return &PGScheduleStore{db: db} }

func (s *PGScheduleStore) HasConflict(ctx context.Context, start, end time.Time) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, conflictQuery, start, end).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *PGScheduleStore) Reserve(ctx context.Context, e *store.ScheduleEntryData) error {
	return s.reserve(ctx, e, false)
}

func (s *PGScheduleStore) ReserveFirstFree(ctx context.Context, e *store.ScheduleEntryData) error {
	return s.reserve(ctx, e, true)
}

func (s *PGScheduleStore) reserve(ctx context.Context, e *store.ScheduleEntryData, shift bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, scheduleLockKey); err != nil {
		return fmt.Errorf("schedule lock: %w", err)
	}

	if shift {
		busy, err := busySlots(ctx, tx, e.ScheduledAt)
		if err != nil {
			return fmt.Errorf("busy slots: %w", err)
		}
		e.ScheduledAt = store.FirstFreeStart(e.ScheduledAt, e.Length(), busy).In(e.ScheduledAt.Location())
	} else {
		var exists bool
		if err := tx.QueryRowContext(ctx, conflictQuery, e.ScheduledAt, e.End()).Scan(&exists); err != nil {
			return fmt.Errorf("conflict check: %w", err)
		}
		if exists {
			return store.ErrConflict
		}
	}

	if e.ID == uuid.Nil {
		e.ID = store.GenNewID()
	}
	if e.Status == "" {
		e.Status = store.ScheduleScheduled
	}
	now := time.Now()
	e.CreatedAt, e.UpdatedAt = now, now

	_, err = tx.ExecContext(ctx,
		`INSERT INTO schedule (id, user_id, payment_id, lesson_type, scheduled_at, duration_minutes, status, notes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		e.ID, e.UserID, e.PaymentID, e.LessonType, e.ScheduledAt, e.DurationMinutes, string(e.Status), e.Notes, now,
	)
	if err != nil {
		return fmt.Errorf("insert schedule entry: %w", err)
	}
	return tx.Commit()
}

func busySlots(ctx context.Context, tx *sql.Tx, from time.Time) ([]store.Slot, error) {
	rows, err := tx.QueryContext(ctx, busyQuery, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Slot
	for rows.Next() {
		var sl store.Slot
		if err := rows.Scan(&sl.Start, &sl.End); err != nil {
			return nil, err
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

func (s *PGScheduleStore) ListByUser(ctx context.Context, userID int64, statuses []store.ScheduleStatus) ([]store.ScheduleEntryData, error) {
	var filter []string
	for _, st := range statuses {
		filter = append(filter, string(st))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, payment_id, lesson_type, scheduled_at, duration_minutes, status, notes, created_at, updated_at
		 FROM schedule
		 WHERE user_id = $1 AND ($2::text[] IS NULL OR status = ANY($2::text[]))
		 ORDER BY scheduled_at`,
		userID, pq.Array(filter))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ScheduleEntryData
	for rows.Next() {
		var e store.ScheduleEntryData
		var paymentID uuid.NullUUID
		var status string
		if err := rows.Scan(&e.ID, &e.UserID, &paymentID, &e.LessonType, &e.ScheduledAt,
			&e.DurationMinutes, &status, &e.Notes, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if paymentID.Valid {
			id := paymentID.UUID
			e.PaymentID = &id
		}
		e.Status = store.ScheduleStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}
