package store

import (
	"context"
	"time"
)

// HistoryEntry is one audited conversation message.
type HistoryEntry struct {
	UserID    int64     `json:"userId"`
	Role      string    `json:"role"` // "user", "assistant"
	Text      string    `json:"text"`
	Kind      string    `json:"kind"` // text, voice, audio, document, command
	CreatedAt time.Time `json:"createdAt"`
}

// HistoryStore is the append-only conversation audit.
type HistoryStore interface {
	Append(ctx context.Context, e HistoryEntry) error
	// Recent returns up to limit entries, oldest first.
	Recent(ctx context.Context, userID int64, limit int) ([]HistoryEntry, error)
	Clear(ctx context.Context, userID int64) (int64, error)
}
