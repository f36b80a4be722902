package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// OrderInfo is the buyer data the payment provider collected, if any.
type OrderInfo struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

func (o OrderInfo) IsZero() bool { return o == OrderInfo{} }

// PaymentData is one invoice, keyed by its unique payload.
type PaymentData struct {
	ID                uuid.UUID     `json:"id"`
	InvoicePayload    string        `json:"invoicePayload"`
	UserID            int64         `json:"userId"`
	Amount            int64         `json:"amount"` // minor units
	Currency          string        `json:"currency"`
	Status            PaymentStatus `json:"status"`
	ProviderChargeID  string        `json:"providerChargeId,omitempty"`
	TransportChargeID string        `json:"transportChargeId,omitempty"`
	OrderInfo         OrderInfo     `json:"orderInfo"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
	CompletedAt       *time.Time    `json:"completedAt,omitempty"`
}

// PaymentStore persists payment records. Implementations make each method
// atomic with respect to the payload.
type PaymentStore interface {
	// Get returns ErrNotFound when the payload is unknown.
	Get(ctx context.Context, payload string) (*PaymentData, error)
	// Insert returns ErrDuplicate when the payload already exists.
	Insert(ctx context.Context, p *PaymentData) error
	// Settle inserts p as completed, or completes the pending record with the
	// same payload, filling in the charge ids. It returns the stored record
	// and whether this call performed the transition to completed.
	Settle(ctx context.Context, p *PaymentData) (*PaymentData, bool, error)
	// MarkCompleted completes a pending record. It returns ErrNotFound when
	// absent and (false, nil) when already completed.
	MarkCompleted(ctx context.Context, payload string, at time.Time) (bool, error)
	// ListByUser returns the user's payments, newest first.
	ListByUser(ctx context.Context, userID int64, limit int) ([]PaymentData, error)
}
