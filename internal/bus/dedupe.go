package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen keys for a bounded time and size.
// Telegram may redeliver an update after a restart or a slow ack; the cache
// keeps a redelivery from producing a second turn.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]time.Time
	now     func() time.Time
}

func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	return &DedupeCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// IsDuplicate records key and reports whether it was already seen within
// the TTL. Empty keys are never duplicates.
func (d *DedupeCache) IsDuplicate(key string) bool {
	if key == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if seen, ok := d.entries[key]; ok && now.Sub(seen) < d.ttl {
		return true
	}

	if len(d.entries) >= d.max {
		d.pruneLocked(now)
		// Still full: evict the oldest entry.
		if len(d.entries) >= d.max {
			var oldestKey string
			var oldest time.Time
			for k, ts := range d.entries {
				if oldestKey == "" || ts.Before(oldest) {
					oldestKey, oldest = k, ts
				}
			}
			delete(d.entries, oldestKey)
		}
	}
	d.entries[key] = now
	return false
}

// Prune drops expired entries and returns how many were removed.
func (d *DedupeCache) Prune() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pruneLocked(d.now())
}

// Len reports the number of tracked keys.
func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *DedupeCache) pruneLocked(now time.Time) int {
	n := 0
	for k, ts := range d.entries {
		if now.Sub(ts) >= d.ttl {
			delete(d.entries, k)
			n++
		}
	}
	return n
}
