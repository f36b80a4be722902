package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nextlevelbuilder/mentorbot/internal/store"
)

const paymentColumns = `id, invoice_payload, user_id, amount, currency, status,
	provider_charge_id, transport_charge_id, order_name, order_phone, order_email,
	created_at, updated_at, completed_at`

type PGPaymentStore struct {
	db *sql.DB
}

func NewPGPaymentStore(db *sql.DB) *PGPaymentStore { return &PGPaymentStore{db: db} }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(r rowScanner) (*store.PaymentData, error) {
	var p store.PaymentData
	var status string
	var completed sql.NullTime
	err := r.Scan(&p.ID, &p.InvoicePayload, &p.UserID, &p.Amount, &p.Currency, &status,
		&p.ProviderChargeID, &p.TransportChargeID, &p.OrderInfo.Name, &p.OrderInfo.Phone, &p.OrderInfo.Email,
		&p.CreatedAt, &p.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}
	p.Status = store.PaymentStatus(status)
	if completed.Valid {
		t := completed.Time
		p.CompletedAt = &t
	}
	return &p, nil
}

func (s *PGPaymentStore) Get(ctx context.Context, payload string) (*store.PaymentData, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE invoice_payload = $1`, payload))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return p, err
}

func (s *PGPaymentStore) Insert(ctx context.Context, p *store.PaymentData) error {
	if p.ID == uuid.Nil {
		p.ID = store.GenNewID()
	}
	if p.Status == "" {
		p.Status = store.PaymentPending
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (id, invoice_payload, user_id, amount, currency, status,
		   provider_charge_id, transport_charge_id, order_name, order_phone, order_email,
		   created_at, updated_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12, $13)`,
		p.ID, p.InvoicePayload, p.UserID, p.Amount, p.Currency, string(p.Status),
		p.ProviderChargeID, p.TransportChargeID, p.OrderInfo.Name, p.OrderInfo.Phone, p.OrderInfo.Email,
		now, p.CompletedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

// Settle upserts the record as completed. The conditional DO UPDATE leaves a
// completed row untouched and returns nothing, which is how a lost race is
// detected.
func (s *PGPaymentStore) Settle(ctx context.Context, p *store.PaymentData) (*store.PaymentData, bool, error) {
	id := p.ID
	if id == uuid.Nil {
		id = store.GenNewID()
	}
	now := time.Now()
	completedAt := now
	if p.CompletedAt != nil {
		completedAt = *p.CompletedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rec, err := scanPayment(tx.QueryRowContext(ctx,
		`INSERT INTO payments (id, invoice_payload, user_id, amount, currency, status,
		   provider_charge_id, transport_charge_id, order_name, order_phone, order_email,
		   created_at, updated_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, 'completed', $6, $7, $8, $9, $10, $11, $11, $12)
		 ON CONFLICT (invoice_payload) DO UPDATE SET
		   status              = 'completed',
		   amount              = CASE WHEN EXCLUDED.amount > 0 THEN EXCLUDED.amount ELSE payments.amount END,
		   currency            = COALESCE(NULLIF(EXCLUDED.currency, ''), payments.currency),
		   provider_charge_id  = EXCLUDED.provider_charge_id,
		   transport_charge_id = EXCLUDED.transport_charge_id,
		   order_name          = COALESCE(NULLIF(EXCLUDED.order_name, ''), payments.order_name),
		   order_phone         = COALESCE(NULLIF(EXCLUDED.order_phone, ''), payments.order_phone),
		   order_email         = COALESCE(NULLIF(EXCLUDED.order_email, ''), payments.order_email),
		   updated_at          = EXCLUDED.updated_at,
		   completed_at        = EXCLUDED.completed_at
		 WHERE payments.status <> 'completed'
		 RETURNING `+paymentColumns,
		id, p.InvoicePayload, p.UserID, p.Amount, p.Currency,
		p.ProviderChargeID, p.TransportChargeID, p.OrderInfo.Name, p.OrderInfo.Phone, p.OrderInfo.Email,
		now, completedAt,
	))
	if errors.Is(err, sql.ErrNoRows) {
		existing, gerr := scanPayment(tx.QueryRowContext(ctx,
			`SELECT `+paymentColumns+` FROM payments WHERE invoice_payload = $1`, p.InvoicePayload))
		if gerr != nil {
			return nil, false, fmt.Errorf("load settled payment: %w", gerr)
		}
		return existing, false, tx.Commit()
	}
	if err != nil {
		return nil, false, fmt.Errorf("settle payment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return rec, true, nil
}

func (s *PGPaymentStore) MarkCompleted(ctx context.Context, payload string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM payments WHERE invoice_payload = $1 FOR UPDATE`, payload).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, store.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if store.PaymentStatus(status) == store.PaymentCompleted {
		return false, tx.Commit()
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE payments SET status = 'completed', completed_at = $1, updated_at = $2
		 WHERE invoice_payload = $3 AND status <> 'completed'`,
		at, time.Now(), payload)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return n > 0, nil
}

func (s *PGPaymentStore) ListByUser(ctx context.Context, userID int64, limit int) ([]store.PaymentData, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
