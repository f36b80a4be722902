package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/mentorbot/internal/store"
)

// ScheduleBook creates lesson slots and owns the conflict check.
type ScheduleBook struct {
	schedule store.ScheduleStore
	catalog  *Catalog
}

func NewScheduleBook(ss store.ScheduleStore, catalog *Catalog) *ScheduleBook {
	if catalog == nil {
		catalog = NewCatalog(nil)
	}
	return &ScheduleBook{schedule: ss, catalog: catalog}
}

// HasConflict reports whether [start, start+duration) overlaps a scheduled
// entry. Touching endpoints do not overlap.
func (b *ScheduleBook) HasConflict(ctx context.Context, start time.Time, durationMinutes int) (bool, error) {
	end := start.Add(time.Duration(durationMinutes) * time.Minute)
	ok, err := b.schedule.HasConflict(ctx, start, end)
	if err != nil {
		return false, fmt.Errorf("conflict check: %w", err)
	}
	return ok, nil
}

// Create books e. The conflict check and insert are one atomic step in the
// store; an overlap yields ErrScheduleConflict and nothing is written.
func (b *ScheduleBook) Create(ctx context.Context, e *store.ScheduleEntryData) (uuid.UUID, error) {
	if e.DurationMinutes <= 0 {
		return uuid.Nil, fmt.Errorf("invalid duration %d", e.DurationMinutes)
	}
	if err := b.schedule.Reserve(ctx, e); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return uuid.Nil, ErrScheduleConflict
		}
		return uuid.Nil, fmt.Errorf("reserve slot: %w", err)
	}
	return e.ID, nil
}

// Book places e at the first free start at or after e.ScheduledAt and
// stores it. Paid lessons always get an entry; e.ScheduledAt reflects where
// it landed.
func (b *ScheduleBook) Book(ctx context.Context, e *store.ScheduleEntryData) (uuid.UUID, error) {
	if e.DurationMinutes <= 0 {
		return uuid.Nil, fmt.Errorf("invalid duration %d", e.DurationMinutes)
	}
	if err := b.schedule.ReserveFirstFree(ctx, e); err != nil {
		return uuid.Nil, fmt.Errorf("reserve slot: %w", err)
	}
	return e.ID, nil
}

// Derive maps a payload to the lesson it buys.
func (b *ScheduleBook) Derive(payload string) Lesson {
	return b.catalog.Derive(payload)
}

// ListByUser returns the user's upcoming and past scheduled lessons.
func (b *ScheduleBook) ListByUser(ctx context.Context, userID int64) ([]store.ScheduleEntryData, error) {
	return b.schedule.ListByUser(ctx, userID, []store.ScheduleStatus{store.ScheduleScheduled, store.ScheduleCompleted})
}
