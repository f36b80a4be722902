package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/mentorbot/internal/store"
)

const (
	// ReasonAlreadyProcessed is shown by the payment form when a completed
	// invoice is presented again.
	ReasonAlreadyProcessed = "Платеж уже обработан"
	reasonUnavailable      = "Не удалось проверить платеж. Попробуйте позже."

	maxRepeatPurchases = 100
)

// Authorization is the pre-checkout verdict.
type Authorization struct {
	OK     bool
	Reason string
}

// Ledger is the only writer of payment records. Every check-then-act runs
// under a per-invoice lock on top of the store's own atomicity.
type Ledger struct {
	payments store.PaymentStore
	locks    *keyedMutex
	now      func() time.Time
}

func NewLedger(ps store.PaymentStore) *Ledger {
	return &Ledger{payments: ps, locks: newKeyedMutex(), now: time.Now}
}

func (l *Ledger) Exists(ctx context.Context, payload string) (bool, error) {
	_, ok, err := l.Status(ctx, payload)
	return ok, err
}

// Status returns the record status and whether the record exists.
func (l *Ledger) Status(ctx context.Context, payload string) (store.PaymentStatus, bool, error) {
	p, err := l.payments.Get(ctx, payload)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get payment: %w", err)
	}
	return p.Status, true, nil
}

// Get returns the record, or ErrUnknownInvoice.
func (l *Ledger) Get(ctx context.Context, payload string) (*store.PaymentData, error) {
	p, err := l.payments.Get(ctx, payload)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownInvoice
	}
	return p, err
}

// RecordPending stores rec as pending. ErrDuplicateInvoice when the payload
// is already known, whatever its status.
func (l *Ledger) RecordPending(ctx context.Context, rec *store.PaymentData) error {
	unlock := l.locks.Lock(rec.InvoicePayload)
	defer unlock()

	ok, err := l.Exists(ctx, rec.InvoicePayload)
	if err != nil {
		return err
	}
	if ok {
		return ErrDuplicateInvoice
	}

	rec.Status = store.PaymentPending
	if err := l.payments.Insert(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return ErrDuplicateInvoice
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// MarkCompleted moves a pending record to completed. Completing twice is a
// no-op; an unknown payload is ErrUnknownInvoice.
func (l *Ledger) MarkCompleted(ctx context.Context, payload string) error {
	unlock := l.locks.Lock(payload)
	defer unlock()

	_, err := l.payments.MarkCompleted(ctx, payload, l.now())
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownInvoice
	}
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// Settle records rec as completed, creating it if no pending record exists.
// transitioned is false when the invoice was already completed.
func (l *Ledger) Settle(ctx context.Context, rec *store.PaymentData) (*store.PaymentData, bool, error) {
	unlock := l.locks.Lock(rec.InvoicePayload)
	defer unlock()

	if rec.CompletedAt == nil {
		now := l.now()
		rec.CompletedAt = &now
	}
	out, transitioned, err := l.payments.Settle(ctx, rec)
	if err != nil {
		return nil, false, fmt.Errorf("settle payment: %w", err)
	}
	return out, transitioned, nil
}

// Authorize answers a pre-checkout query. Only a completed invoice is
// rejected; storage failures reject with a generic reason since accepting
// blind could charge twice.
func (l *Ledger) Authorize(ctx context.Context, payload string) Authorization {
	status, _, err := l.Status(ctx, payload)
	if err != nil {
		slog.Error("pre-checkout: ledger lookup failed", "payload", payload, "error", err)
		return Authorization{Reason: reasonUnavailable}
	}
	if status == store.PaymentCompleted {
		return Authorization{Reason: ReasonAlreadyProcessed}
	}
	return Authorization{OK: true}
}

// NextPayload returns the payload to invoice for this purchase of cta: the
// base payload while it is free or still pending, otherwise the first "#n"
// variant that is.
func (l *Ledger) NextPayload(ctx context.Context, userID int64, cta string) (string, error) {
	for n := 1; n <= maxRepeatPurchases; n++ {
		payload := InvoicePayload(userID, cta, n)
		status, ok, err := l.Status(ctx, payload)
		if err != nil {
			return "", err
		}
		if !ok || status != store.PaymentCompleted {
			return payload, nil
		}
	}
	return "", fmt.Errorf("too many purchases of %q by user %d", cta, userID)
}

// ListByUser returns the user's recent payments, newest first.
func (l *Ledger) ListByUser(ctx context.Context, userID int64, limit int) ([]store.PaymentData, error) {
	return l.payments.ListByUser(ctx, userID, limit)
}
