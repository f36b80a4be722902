package bus

import (
	"testing"
	"time"
)

func newTestDedupe(ttl time.Duration, max int, now *time.Time) *DedupeCache {
	d := NewDedupeCache(ttl, max)
	d.now = func() time.Time { return *now }
	return d
}

// TestDedupeCache_TTL verifies a key is a duplicate only within the TTL.
func TestDedupeCache_TTL(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d := newTestDedupe(time.Minute, 10, &now)

	if d.IsDuplicate("a") {
		t.Fatal("first sighting must not be a duplicate")
	}
	now = now.Add(30 * time.Second)
	if !d.IsDuplicate("a") {
		t.Fatal("second sighting within TTL must be a duplicate")
	}
	now = now.Add(2 * time.Minute)
	if d.IsDuplicate("a") {
		t.Fatal("sighting after TTL must not be a duplicate")
	}
	if d.IsDuplicate("") {
		t.Error("empty key must never be a duplicate")
	}
}

// TestDedupeCache_Bounded verifies the cache never grows past max.
func TestDedupeCache_Bounded(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d := newTestDedupe(time.Hour, 3, &now)

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		now = now.Add(time.Second)
		d.IsDuplicate(k)
	}
	if n := d.Len(); n != 3 {
		t.Fatalf("expected 3 tracked keys, got %d", n)
	}
	// Oldest keys were evicted first.
	if d.IsDuplicate("a") {
		t.Error("expected evicted key to be forgotten")
	}
}

func TestDedupeCache_Prune(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d := newTestDedupe(time.Minute, 10, &now)
	d.IsDuplicate("a")
	d.IsDuplicate("b")
	now = now.Add(time.Hour)
	if n := d.Prune(); n != 2 {
		t.Errorf("Prune removed %d, want 2", n)
	}
}
