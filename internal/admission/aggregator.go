package admission

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/mentorbot/internal/bus"
	"github.com/nextlevelbuilder/mentorbot/internal/clock"
)

const DefaultBatchTimeout = 10 * time.Second

// Sink receives a closed turn. It runs under the user's shard lock, so turns
// for one user reach it in order; it must not block or call back into the
// Aggregator. The gateway hands batches to per-user lanes.
type Sink func(userID int64, batch []bus.InboundMessage)

// Aggregator collects admitted events into one pending turn per user and
// closes the turn after a quiet period (trailing-edge timer).
type Aggregator struct {
	clk     clock.Clock
	sink    Sink
	timeout atomic.Int64 // time.Duration
	shards  [shardCount]turnShard
}

type turnShard struct {
	mu    sync.Mutex
	turns map[int64]*pendingTurn
}

type pendingTurn struct {
	events   []bus.InboundMessage
	openedAt time.Time
	closesAt time.Time
	timer    clock.Timer
	gen      uint64 // bumped on every re-arm; a firing timer must match it
}

func NewAggregator(clk clock.Clock, batchTimeout time.Duration, sink Sink) *Aggregator {
	a := &Aggregator{clk: clk, sink: sink}
	a.SetBatchTimeout(batchTimeout)
	for i := range a.shards {
		a.shards[i].turns = make(map[int64]*pendingTurn)
	}
	return a
}

// SetBatchTimeout changes the quiet period for turns armed from now on.
func (a *Aggregator) SetBatchTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultBatchTimeout
	}
	a.timeout.Store(int64(d))
}

// BatchTimeout returns the active quiet period.
func (a *Aggregator) BatchTimeout() time.Duration { return time.Duration(a.timeout.Load()) }

// OnAdmittedEvent appends ev to the user's pending turn and slides the
// closing deadline to now+batchTimeout. The previous timer is cancelled and
// the new one armed under the same lock, so a user never has two timers.
func (a *Aggregator) OnAdmittedEvent(userID int64, ev bus.InboundMessage) {
	timeout := a.BatchTimeout()
	s := &a.shards[shardIndex(userID)]

	s.mu.Lock()
	defer s.mu.Unlock()

	now := a.clk.Now()
	t, ok := s.turns[userID]
	if !ok {
		t = &pendingTurn{openedAt: now}
		s.turns[userID] = t
	}
	t.events = append(t.events, ev)
	t.closesAt = now.Add(timeout)

	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = a.clk.AfterFunc(timeout, func() { a.close(userID, gen) })
}

// Flush closes the user's pending turn immediately. It reports whether a
// non-empty batch was handed to the sink.
func (a *Aggregator) Flush(userID int64) bool {
	return a.FlushWith(userID, nil)
}

// FlushWith closes the user's pending turn, then runs then. Both happen
// under the user's shard lock, so a timer closing the same turn cannot slip
// between them.
func (a *Aggregator) FlushWith(userID int64, then func()) bool {
	s := &a.shards[shardIndex(userID)]
	s.mu.Lock()
	defer s.mu.Unlock()

	events := a.takeLocked(s, userID, 0)
	if len(events) > 0 {
		a.emit(userID, events)
	}
	if then != nil {
		then()
	}
	return len(events) > 0
}

// Discard drops the user's pending turn without dispatching it and returns
// the number of dropped events.
func (a *Aggregator) Discard(userID int64) int {
	s := &a.shards[shardIndex(userID)]
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(a.takeLocked(s, userID, 0))
}

// Pending reports the number of open turns.
func (a *Aggregator) Pending() int {
	n := 0
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.Lock()
		n += len(s.turns)
		s.mu.Unlock()
	}
	return n
}

// Stop cancels every pending timer and drops open turns.
func (a *Aggregator) Stop() {
	dropped := 0
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.Lock()
		for uid, t := range s.turns {
			if t.timer != nil {
				t.timer.Stop()
			}
			dropped += len(t.events)
			delete(s.turns, uid)
		}
		s.mu.Unlock()
	}
	if dropped > 0 {
		slog.Warn("turn aggregator stopped with pending events", "dropped", dropped)
	}
}

// close is the timer callback. A timer that lost the race with a re-arm or
// a Flush finds a different generation (or no turn) and does nothing.
func (a *Aggregator) close(userID int64, gen uint64) {
	s := &a.shards[shardIndex(userID)]
	s.mu.Lock()
	defer s.mu.Unlock()

	if events := a.takeLocked(s, userID, gen); len(events) > 0 {
		a.emit(userID, events)
	}
}

// takeLocked removes and returns the pending events. gen 0 matches any turn.
func (a *Aggregator) takeLocked(s *turnShard, userID int64, gen uint64) []bus.InboundMessage {
	t, ok := s.turns[userID]
	if !ok || (gen != 0 && t.gen != gen) {
		return nil
	}
	if gen == 0 && t.timer != nil {
		t.timer.Stop()
	}
	delete(s.turns, userID)
	return t.events
}

func (a *Aggregator) emit(userID int64, events []bus.InboundMessage) {
	slog.Debug("turn closed", "user_id", userID, "events", len(events))
	if a.sink != nil {
		a.sink(userID, events)
	}
}
