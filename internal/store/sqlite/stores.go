package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/mentorbot/internal/store"
)

// ---- users ----

type UserStore struct{ db *sql.DB }

func (s *UserStore) Ensure(ctx context.Context, u *store.User) error {
	now := toMillis(time.Now())
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (id, first_name, last_name, username, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   first_name = excluded.first_name,
		   last_name  = excluded.last_name,
		   username   = excluded.username,
		   updated_at = excluded.updated_at
		 RETURNING created_at, updated_at`,
		u.ID, u.FirstName, u.LastName, u.Username, now, now,
	).Scan(&created, &updated)
	if err != nil {
		return err
	}
	u.CreatedAt, u.UpdatedAt = fromMillis(created), fromMillis(updated)
	return nil
}

func (s *UserStore) Get(ctx context.Context, id int64) (*store.User, error) {
	var u store.User
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, first_name, last_name, username, created_at, updated_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.FirstName, &u.LastName, &u.Username, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt, u.UpdatedAt = fromMillis(created), fromMillis(updated)
	return &u, nil
}

// ---- payments ----

const paymentColumns = `id, invoice_payload, user_id, amount, currency, status,
	provider_charge_id, transport_charge_id, order_name, order_phone, order_email,
	created_at, updated_at, completed_at`

type PaymentStore struct{ db *sql.DB }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(r rowScanner) (*store.PaymentData, error) {
	var p store.PaymentData
	var id, status string
	var created, updated int64
	var completed sql.NullInt64
	err := r.Scan(&id, &p.InvoicePayload, &p.UserID, &p.Amount, &p.Currency, &status,
		&p.ProviderChargeID, &p.TransportChargeID, &p.OrderInfo.Name, &p.OrderInfo.Phone, &p.OrderInfo.Email,
		&created, &updated, &completed)
	if err != nil {
		return nil, err
	}
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("payment id %q: %w", id, err)
	}
	p.Status = store.PaymentStatus(status)
	p.CreatedAt, p.UpdatedAt = fromMillis(created), fromMillis(updated)
	if completed.Valid {
		t := fromMillis(completed.Int64)
		p.CompletedAt = &t
	}
	return &p, nil
}

func getPayment(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, payload string) (*store.PaymentData, error) {
	p, err := scanPayment(q.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE invoice_payload = ?`, payload))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return p, err
}

func (s *PaymentStore) Get(ctx context.Context, payload string) (*store.PaymentData, error) {
	return getPayment(ctx, s.db, payload)
}

func (s *PaymentStore) Insert(ctx context.Context, p *store.PaymentData) error {
	return insertPayment(ctx, s.db, p)
}

func insertPayment(ctx context.Context, q interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, p *store.PaymentData) error {
	if p.ID == uuid.Nil {
		p.ID = store.GenNewID()
	}
	if p.Status == "" {
		p.Status = store.PaymentPending
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now

	var completed any
	if p.CompletedAt != nil {
		completed = toMillis(*p.CompletedAt)
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.InvoicePayload, p.UserID, p.Amount, p.Currency, string(p.Status),
		p.ProviderChargeID, p.TransportChargeID, p.OrderInfo.Name, p.OrderInfo.Phone, p.OrderInfo.Email,
		toMillis(now), toMillis(now), completed,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return store.ErrDuplicate
	}
	return err
}

func (s *PaymentStore) Settle(ctx context.Context, p *store.PaymentData) (*store.PaymentData, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	completedAt := time.Now()
	if p.CompletedAt != nil {
		completedAt = *p.CompletedAt
	}

	cur, err := getPayment(ctx, tx, p.InvoicePayload)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec := *p
		rec.Status = store.PaymentCompleted
		rec.CompletedAt = &completedAt
		if err := insertPayment(ctx, tx, &rec); err != nil {
			return nil, false, fmt.Errorf("insert payment: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit: %w", err)
		}
		return &rec, true, nil
	case err != nil:
		return nil, false, err
	case cur.Status == store.PaymentCompleted:
		return cur, false, tx.Commit()
	}

	cur.Status = store.PaymentCompleted
	cur.ProviderChargeID = p.ProviderChargeID
	cur.TransportChargeID = p.TransportChargeID
	if p.Amount > 0 {
		cur.Amount = p.Amount
	}
	if p.Currency != "" {
		cur.Currency = p.Currency
	}
	if !p.OrderInfo.IsZero() {
		cur.OrderInfo = p.OrderInfo
	}
	cur.CompletedAt = &completedAt
	cur.UpdatedAt = time.Now()

	_, err = tx.ExecContext(ctx,
		`UPDATE payments SET status = 'completed', amount = ?, currency = ?,
		   provider_charge_id = ?, transport_charge_id = ?,
		   order_name = ?, order_phone = ?, order_email = ?,
		   updated_at = ?, completed_at = ?
		 WHERE invoice_payload = ?`,
		cur.Amount, cur.Currency, cur.ProviderChargeID, cur.TransportChargeID,
		cur.OrderInfo.Name, cur.OrderInfo.Phone, cur.OrderInfo.Email,
		toMillis(cur.UpdatedAt), toMillis(completedAt), cur.InvoicePayload)
	if err != nil {
		return nil, false, fmt.Errorf("complete payment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return cur, true, nil
}

func (s *PaymentStore) MarkCompleted(ctx context.Context, payload string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cur, err := getPayment(ctx, tx, payload)
	if err != nil {
		return false, err
	}
	if cur.Status == store.PaymentCompleted {
		return false, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE payments SET status = 'completed', completed_at = ?, updated_at = ? WHERE invoice_payload = ?`,
		toMillis(at), toMillis(time.Now()), payload); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *PaymentStore) ListByUser(ctx context.Context, userID int64, limit int) ([]store.PaymentData, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.PaymentData
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ---- schedule ----

const conflictQuery = `SELECT EXISTS (
	SELECT 1 FROM schedule
	WHERE status = 'scheduled'
	  AND scheduled_at < ?
	  AND scheduled_at + duration_minutes * 60000 > ?)`

const busyQuery = `SELECT scheduled_at, duration_minutes FROM schedule
	WHERE status = 'scheduled'
	  AND scheduled_at + duration_minutes * 60000 > ?
	ORDER BY scheduled_at`

type ScheduleStore struct{ db *sql.DB }

func (s *ScheduleStore) HasConflict(ctx context.Context, start, end time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, conflictQuery, toMillis(end), toMillis(start)).Scan(&exists)
	return exists, err
}

func (s *ScheduleStore) Reserve(ctx context.Context, e *store.ScheduleEntryData) error {
	return s.reserve(ctx, e, false)
}

func (s *ScheduleStore) ReserveFirstFree(ctx context.Context, e *store.ScheduleEntryData) error {
	return s.reserve(ctx, e, true)
}

func (s *ScheduleStore) reserve(ctx context.Context, e *store.ScheduleEntryData, shift bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if shift {
		busy, err := busySlots(ctx, tx, e.ScheduledAt)
		if err != nil {
			return fmt.Errorf("busy slots: %w", err)
		}
		e.ScheduledAt = store.FirstFreeStart(e.ScheduledAt, e.Length(), busy).In(e.ScheduledAt.Location())
	} else {
		var exists bool
		if err := tx.QueryRowContext(ctx, conflictQuery, toMillis(e.End()), toMillis(e.ScheduledAt)).Scan(&exists); err != nil {
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

	var paymentID any
	if e.PaymentID != nil {
		paymentID = e.PaymentID.String()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO schedule (id, user_id, payment_id, lesson_type, scheduled_at, duration_minutes, status, notes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.UserID, paymentID, e.LessonType, toMillis(e.ScheduledAt), e.DurationMinutes,
		string(e.Status), e.Notes, toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("insert schedule entry: %w", err)
	}
	return tx.Commit()
}

func busySlots(ctx context.Context, tx *sql.Tx, from time.Time) ([]store.Slot, error) {
	rows, err := tx.QueryContext(ctx, busyQuery, toMillis(from))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Slot
	for rows.Next() {
		var at int64
		var mins int
		if err := rows.Scan(&at, &mins); err != nil {
			return nil, err
		}
		start := fromMillis(at)
		out = append(out, store.Slot{Start: start, End: start.Add(time.Duration(mins) * time.Minute)})
	}
	return out, rows.Err()
}

func (s *ScheduleStore) ListByUser(ctx context.Context, userID int64, statuses []store.ScheduleStatus) ([]store.ScheduleEntryData, error) {
	query := `SELECT id, user_id, payment_id, lesson_type, scheduled_at, duration_minutes, status, notes, created_at, updated_at
		FROM schedule WHERE user_id = ?`
	args := []any{userID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY scheduled_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ScheduleEntryData
	for rows.Next() {
		var e store.ScheduleEntryData
		var id, status string
		var paymentID sql.NullString
		var at, created, updated int64
		if err := rows.Scan(&id, &e.UserID, &paymentID, &e.LessonType, &at, &e.DurationMinutes,
			&status, &e.Notes, &created, &updated); err != nil {
			return nil, err
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("schedule id %q: %w", id, err)
		}
		if paymentID.Valid {
			pid, err := uuid.Parse(paymentID.String)
			if err == nil {
				e.PaymentID = &pid
			}
		}
		e.Status = store.ScheduleStatus(status)
		e.ScheduledAt = fromMillis(at)
		e.CreatedAt, e.UpdatedAt = fromMillis(created), fromMillis(updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- history ----

type HistoryStore struct{ db *sql.DB }

func (s *HistoryStore) Append(ctx context.Context, e store.HistoryEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_history (user_id, role, text, kind, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.UserID, e.Role, e.Text, e.Kind, toMillis(e.CreatedAt))
	return err
}

func (s *HistoryStore) Recent(ctx context.Context, userID int64, limit int) ([]store.HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, role, text, kind, created_at FROM (
		   SELECT id, user_id, role, text, kind, created_at FROM message_history
		   WHERE user_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.HistoryEntry
	for rows.Next() {
		var e store.HistoryEntry
		var created int64
		if err := rows.Scan(&e.UserID, &e.Role, &e.Text, &e.Kind, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *HistoryStore) Clear(ctx context.Context, userID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM message_history WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
