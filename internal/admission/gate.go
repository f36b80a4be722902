// Package admission decides which inbound events become part of a turn and
// when a turn is complete.
package admission

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultDebounceWindow = 4 * time.Second
	DefaultMaxWaitWindow  = 15 * time.Second
)

// Decision is the outcome of a gate admission check.
type Decision int

const (
	Reject Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "reject"
}

// GateConfig holds the two admission windows.
type GateConfig struct {
	DebounceWindow time.Duration
	MaxWaitWindow  time.Duration
}

func (c GateConfig) withDefaults() GateConfig {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = DefaultDebounceWindow
	}
	if c.MaxWaitWindow <= 0 {
		c.MaxWaitWindow = DefaultMaxWaitWindow
	}
	return c
}

// Gate is the per-user flood gate. An event is admitted when the user has
// been quiet for DebounceWindow since the last admitted event, or when
// MaxWaitWindow has passed regardless. Rejected events are dropped silently.
type Gate struct {
	cfg    atomic.Pointer[GateConfig]
	shards [shardCount]gateShard
}

type gateShard struct {
	mu   sync.Mutex
	last map[int64]time.Time // lastAdmittedAt per user
}

func NewGate(cfg GateConfig) *Gate {
	g := &Gate{}
	g.SetConfig(cfg)
	for i := range g.shards {
		g.shards[i].last = make(map[int64]time.Time)
	}
	return g
}

// SetConfig swaps the admission windows. Safe to call while admitting.
func (g *Gate) SetConfig(cfg GateConfig) {
	cfg = cfg.withDefaults()
	g.cfg.Store(&cfg)
}

// Config returns the active windows.
func (g *Gate) Config() GateConfig { return *g.cfg.Load() }

// Admit evaluates one event from userID observed at now.
func (g *Gate) Admit(userID int64, now time.Time) Decision {
	cfg := g.cfg.Load()
	s := &g.shards[shardIndex(userID)]

	s.mu.Lock()
	defer s.mu.Unlock()

	last, seen := s.last[userID]
	if !seen {
		s.last[userID] = now
		return Allow
	}

	elapsed := now.Sub(last)
	switch {
	case elapsed >= cfg.DebounceWindow, elapsed >= cfg.MaxWaitWindow:
		s.last[userID] = now
		return Allow
	case elapsed < 0 && -elapsed >= cfg.MaxWaitWindow:
		// The clock stepped backwards far enough that keeping the old
		// timestamp would suppress the user until time catches up.
		s.last[userID] = now
		return Allow
	default:
		return Reject
	}
}

// ClearUser forgets userID so the next event is admitted unconditionally.
func (g *Gate) ClearUser(userID int64) {
	s := &g.shards[shardIndex(userID)]
	s.mu.Lock()
	delete(s.last, userID)
	s.mu.Unlock()
}

// Cleanup evicts users whose last admission is older than maxAge and returns
// how many were evicted. Shards are locked one at a time.
func (g *Gate) Cleanup(maxAge time.Duration, now time.Time) int {
	evicted := 0
	for i := range g.shards {
		s := &g.shards[i]
		s.mu.Lock()
		for uid, last := range s.last {
			if now.Sub(last) >= maxAge {
				delete(s.last, uid)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

// ActiveUsers reports how many users currently have admission state.
func (g *Gate) ActiveUsers() int {
	n := 0
	for i := range g.shards {
		s := &g.shards[i]
		s.mu.Lock()
		n += len(s.last)
		s.mu.Unlock()
	}
	return n
}
