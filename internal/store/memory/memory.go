// Package memory implements the stores in process memory. It backs tests and
// dry runs; nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/mentorbot/internal/store"
)

// NewStores returns an in-memory store set.
func NewStores() *store.Stores {
	return &store.Stores{
		Users:    NewUserStore(),
		Payments: NewPaymentStore(),
		Schedule: NewScheduleStore(),
		History:  NewHistoryStore(),
	}
}

// ---- users ----

type UserStore struct {
	mu    sync.Mutex
	users map[int64]store.User
}

func NewUserStore() *UserStore {
	return &UserStore{users: make(map[int64]store.User)}
}

func (s *UserStore) Ensure(_ context.Context, u *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cur, ok := s.users[u.ID]
	if !ok {
		cur = store.User{ID: u.ID, CreatedAt: now}
	}
	cur.FirstName, cur.LastName, cur.Username = u.FirstName, u.LastName, u.Username
	cur.UpdatedAt = now
	s.users[u.ID] = cur
	*u = cur
	return nil
}

func (s *UserStore) Get(_ context.Context, id int64) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

// ---- payments ----

type PaymentStore struct {
	mu       sync.Mutex
	payments map[string]store.PaymentData
}

func NewPaymentStore() *PaymentStore {
	return &PaymentStore{payments: make(map[string]store.PaymentData)}
}

func (s *PaymentStore) Get(_ context.Context, payload string) (*store.PaymentData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[payload]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *PaymentStore) Insert(_ context.Context, p *store.PaymentData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.InvoicePayload]; ok {
		return store.ErrDuplicate
	}
	fillPayment(p)
	s.payments[p.InvoicePayload] = *p
	return nil
}

func (s *PaymentStore) Settle(_ context.Context, p *store.PaymentData) (*store.PaymentData, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cur, ok := s.payments[p.InvoicePayload]
	if ok && cur.Status == store.PaymentCompleted {
		return &cur, false, nil
	}
	if !ok {
		cur = *p
		fillPayment(&cur)
	}
	cur.Status = store.PaymentCompleted
	cur.ProviderChargeID = p.ProviderChargeID
	cur.TransportChargeID = p.TransportChargeID
	if !p.OrderInfo.IsZero() {
		cur.OrderInfo = p.OrderInfo
	}
	if p.Amount > 0 {
		cur.Amount = p.Amount
	}
	if p.Currency != "" {
		cur.Currency = p.Currency
	}
	completed := now
	if p.CompletedAt != nil {
		completed = *p.CompletedAt
	}
	cur.CompletedAt = &completed
	cur.UpdatedAt = now
	s.payments[p.InvoicePayload] = cur
	return &cur, true, nil
}

func (s *PaymentStore) MarkCompleted(_ context.Context, payload string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.payments[payload]
	if !ok {
		return false, store.ErrNotFound
	}
	if cur.Status == store.PaymentCompleted {
		return false, nil
	}
	cur.Status = store.PaymentCompleted
	cur.CompletedAt = &at
	cur.UpdatedAt = time.Now()
	s.payments[payload] = cur
	return true, nil
}

func (s *PaymentStore) ListByUser(_ context.Context, userID int64, limit int) ([]store.PaymentData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.PaymentData
	for _, p := range s.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func fillPayment(p *store.PaymentData) {
	now := time.Now()
	if p.ID == uuid.Nil {
		p.ID = store.GenNewID()
	}
	if p.Status == "" {
		p.Status = store.PaymentPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
}

// ---- schedule ----

type ScheduleStore struct {
	mu      sync.Mutex
	entries []store.ScheduleEntryData
}

func NewScheduleStore() *ScheduleStore { return &ScheduleStore{} }

func (s *ScheduleStore) HasConflict(_ context.Context, start, end time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conflictLocked(start, end), nil
}

func (s *ScheduleStore) conflictLocked(start, end time.Time) bool {
	for i := range s.entries {
		e := &s.entries[i]
		if e.Status == store.ScheduleScheduled && store.Overlaps(e.ScheduledAt, e.End(), start, end) {
			return true
		}
	}
	return false
}

func (s *ScheduleStore) Reserve(_ context.Context, e *store.ScheduleEntryData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflictLocked(e.ScheduledAt, e.End()) {
		return store.ErrConflict
	}
	s.insertLocked(e)
	return nil
}

func (s *ScheduleStore) ReserveFirstFree(_ context.Context, e *store.ScheduleEntryData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var busy []store.Slot
	for i := range s.entries {
		b := &s.entries[i]
		if b.Status == store.ScheduleScheduled && b.End().After(e.ScheduledAt) {
			busy = append(busy, store.Slot{Start: b.ScheduledAt, End: b.End()})
		}
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].Start.Before(busy[j].Start) })
	e.ScheduledAt = store.FirstFreeStart(e.ScheduledAt, e.Length(), busy).In(e.ScheduledAt.Location())
	s.insertLocked(e)
	return nil
}

func (s *ScheduleStore) insertLocked(e *store.ScheduleEntryData) {
	now := time.Now()
	if e.ID == uuid.Nil {
		e.ID = store.GenNewID()
	}
	if e.Status == "" {
		e.Status = store.ScheduleScheduled
	}
	e.CreatedAt, e.UpdatedAt = now, now
	s.entries = append(s.entries, *e)
}

func (s *ScheduleStore) ListByUser(_ context.Context, userID int64, statuses []store.ScheduleStatus) ([]store.ScheduleEntryData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ScheduleEntryData
	for _, e := range s.entries {
		if e.UserID == userID && statusIn(e.Status, statuses) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func statusIn(st store.ScheduleStatus, set []store.ScheduleStatus) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == st {
			return true
		}
	}
	return false
}

// ---- history ----

type HistoryStore struct {
	mu      sync.Mutex
	entries map[int64][]store.HistoryEntry
}

func NewHistoryStore() *HistoryStore {
	return &HistoryStore{entries: make(map[int64][]store.HistoryEntry)}
}

func (s *HistoryStore) Append(_ context.Context, e store.HistoryEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.entries[e.UserID] = append(s.entries[e.UserID], e)
	s.mu.Unlock()
	return nil
}

func (s *HistoryStore) Recent(_ context.Context, userID int64, limit int) ([]store.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.entries[userID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]store.HistoryEntry(nil), all...), nil
}

func (s *HistoryStore) Clear(_ context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.entries[userID]))
	delete(s.entries, userID)
	return n, nil
}
