package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ScheduleStatus string

const (
	ScheduleScheduled ScheduleStatus = "scheduled"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleCancelled ScheduleStatus = "cancelled"
)

// ScheduleEntryData is a booked lesson slot.
type ScheduleEntryData struct {
	ID              uuid.UUID      `json:"id"`
	UserID          int64          `json:"userId"`
	PaymentID       *uuid.UUID     `json:"paymentId,omitempty"`
	LessonType      string         `json:"lessonType"`
	ScheduledAt     time.Time      `json:"scheduledAt"`
	DurationMinutes int            `json:"durationMinutes"`
	Status          ScheduleStatus `json:"status"`
	Notes           string         `json:"notes,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// End is the exclusive end of the slot.
func (e *ScheduleEntryData) End() time.Time {
	return e.ScheduledAt.Add(time.Duration(e.DurationMinutes) * time.Minute)
}

// Length is the slot duration.
func (e *ScheduleEntryData) Length() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// Slot is a busy [Start, End) interval.
type Slot struct {
	Start, End time.Time
}

// FirstFreeStart returns the earliest t >= from such that [t, t+d) overlaps
// none of busy. busy must be ordered by Start.
func FirstFreeStart(from time.Time, d time.Duration, busy []Slot) time.Time {
	t := from
	for _, b := range busy {
		if !b.Start.Before(t.Add(d)) {
			break
		}
		if b.End.After(t) {
			t = b.End
		}
	}
	return t
}

// Overlaps is the half-open interval test: touching slots do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// ScheduleStore persists lesson slots. Only entries in ScheduleScheduled
// status take part in conflict checks.
type ScheduleStore interface {
	HasConflict(ctx context.Context, start, end time.Time) (bool, error)
	// Reserve checks for a conflict and inserts e atomically. It returns
	// ErrConflict when the slot overlaps a scheduled entry.
	Reserve(ctx context.Context, e *ScheduleEntryData) error
	// ReserveFirstFree moves e.ScheduledAt forward to the first start that
	// overlaps no scheduled entry and inserts e, in one atomic step.
	ReserveFirstFree(ctx context.Context, e *ScheduleEntryData) error
	// ListByUser returns entries ordered by start time. An empty statuses
	// slice means all statuses.
	ListByUser(ctx context.Context, userID int64, statuses []ScheduleStatus) ([]ScheduleEntryData, error)
}
