package admission

import (
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/mentorbot/internal/bus"
	"github.com/nextlevelbuilder/mentorbot/internal/clock"
)

type batchRecorder struct {
	mu      sync.Mutex
	batches map[int64][][]bus.InboundMessage
	at      []time.Time
	clk     clock.Clock
}

func newRecorder(clk clock.Clock) *batchRecorder {
	return &batchRecorder{batches: make(map[int64][][]bus.InboundMessage), clk: clk}
}

func (r *batchRecorder) sink(uid int64, batch []bus.InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[uid] = append(r.batches[uid], batch)
	r.at = append(r.at, r.clk.Now())
}

func (r *batchRecorder) count(uid int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches[uid])
}

func textEvent(uid int64, msgID int, text string) bus.InboundMessage {
	return bus.InboundMessage{Channel: "telegram", UserID: uid, ChatID: uid, MessageID: msgID, Kind: bus.KindText, Content: text}
}

// TestAggregator_BurstFormsOneBatch sends three events a second apart and
// expects a single ordered batch exactly one timeout after the last one.
func TestAggregator_BurstFormsOneBatch(t *testing.T) {
	clk := clock.NewFake(t0)
	rec := newRecorder(clk)
	agg := NewAggregator(clk, 10*time.Second, rec.sink)

	agg.OnAdmittedEvent(42, textEvent(42, 1, "a"))
	clk.Advance(time.Second)
	agg.OnAdmittedEvent(42, textEvent(42, 2, "b"))
	clk.Advance(time.Second)
	agg.OnAdmittedEvent(42, textEvent(42, 3, "c"))

	if clk.PendingTimers() != 1 {
		t.Fatalf("PendingTimers = %d, want 1", clk.PendingTimers())
	}

	clk.Advance(9 * time.Second)
	if rec.count(42) != 0 {
		t.Fatal("turn closed before the quiet period elapsed")
	}
	clk.Advance(time.Second)

	if rec.count(42) != 1 {
		t.Fatalf("got %d batches, want 1", rec.count(42))
	}
	batch := rec.batches[42][0]
	if len(batch) != 3 {
		t.Fatalf("batch len = %d, want 3", len(batch))
	}
	for i, want := range []string{"a", "b", "c"} {
		if batch[i].Content != want {
			t.Errorf("batch[%d] = %q, want %q", i, batch[i].Content, want)
		}
	}
	if want := t0.Add(12 * time.Second); !rec.at[0].Equal(want) {
		t.Errorf("closed at %v, want %v", rec.at[0], want)
	}
	if agg.Pending() != 0 {
		t.Errorf("Pending = %d after close", agg.Pending())
	}
}

func TestAggregator_SeparateTurnsPerUser(t *testing.T) {
	clk := clock.NewFake(t0)
	rec := newRecorder(clk)
	agg := NewAggregator(clk, 10*time.Second, rec.sink)

	agg.OnAdmittedEvent(1, textEvent(1, 1, "x"))
	agg.OnAdmittedEvent(2, textEvent(2, 1, "y"))
	if agg.Pending() != 2 {
		t.Fatalf("Pending = %d, want 2", agg.Pending())
	}
	clk.Advance(10 * time.Second)
	if rec.count(1) != 1 || rec.count(2) != 1 {
		t.Fatalf("counts = %d/%d, want 1/1", rec.count(1), rec.count(2))
	}
}

func TestAggregator_FlushIsIdempotentWithTimer(t *testing.T) {
	clk := clock.NewFake(t0)
	rec := newRecorder(clk)
	agg := NewAggregator(clk, 10*time.Second, rec.sink)

	agg.OnAdmittedEvent(5, textEvent(5, 1, "hi"))
	if !agg.Flush(5) {
		t.Fatal("Flush should emit the pending turn")
	}
	if agg.Flush(5) {
		t.Fatal("second Flush must not emit")
	}
	clk.Advance(time.Minute)
	if rec.count(5) != 1 {
		t.Fatalf("got %d batches, want 1", rec.count(5))
	}
}

func TestAggregator_StaleTimerIsNoop(t *testing.T) {
	clk := clock.NewFake(t0)
	var mu sync.Mutex
	var emitted int
	var agg *Aggregator
	agg = NewAggregator(clk, 10*time.Second, func(uid int64, batch []bus.InboundMessage) {
		mu.Lock()
		emitted++
		mu.Unlock()
	})

	agg.OnAdmittedEvent(9, textEvent(9, 1, "a"))
	stale := agg.shards[shardIndex(9)].turns[9].gen
	agg.OnAdmittedEvent(9, textEvent(9, 2, "b"))

	agg.close(9, stale)
	if emitted != 0 {
		t.Fatal("stale generation emitted a batch")
	}
	clk.Advance(10 * time.Second)
	if emitted != 1 {
		t.Fatalf("emitted = %d, want 1", emitted)
	}
}

func TestAggregator_DiscardAndStop(t *testing.T) {
	clk := clock.NewFake(t0)
	rec := newRecorder(clk)
	agg := NewAggregator(clk, 10*time.Second, rec.sink)

	agg.OnAdmittedEvent(1, textEvent(1, 1, "a"))
	agg.OnAdmittedEvent(1, textEvent(1, 2, "b"))
	if n := agg.Discard(1); n != 2 {
		t.Fatalf("Discard = %d, want 2", n)
	}

	agg.OnAdmittedEvent(2, textEvent(2, 1, "c"))
	agg.Stop()
	clk.Advance(time.Minute)

	if rec.count(1) != 0 || rec.count(2) != 0 {
		t.Fatal("discarded or stopped turns must not be emitted")
	}
	if clk.PendingTimers() != 0 {
		t.Fatalf("PendingTimers = %d after Stop", clk.PendingTimers())
	}
}

func TestAggregator_SetBatchTimeout(t *testing.T) {
	clk := clock.NewFake(t0)
	rec := newRecorder(clk)
	agg := NewAggregator(clk, 0, rec.sink)
	if agg.BatchTimeout() != DefaultBatchTimeout {
		t.Fatalf("BatchTimeout = %s, want default", agg.BatchTimeout())
	}
	agg.SetBatchTimeout(2 * time.Second)
	agg.OnAdmittedEvent(3, textEvent(3, 1, "a"))
	clk.Advance(2 * time.Second)
	if rec.count(3) != 1 {
		t.Fatal("turn should close after the new timeout")
	}
}

// TestAggregator_FlushWithKeepsOrderAgainstTimer races the closing timer
// against FlushWith. Whoever wins, the text turn must reach the sink before
// the follow-up runs.
func TestAggregator_FlushWithKeepsOrderAgainstTimer(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	agg := NewAggregator(clock.New(), time.Millisecond, func(_ int64, batch []bus.InboundMessage) {
		record("text:" + batch[0].Content)
	})
	defer agg.Stop()

	const rounds = 200
	for i := 0; i < rounds; i++ {
		id := string(rune('a' + i%26))
		agg.OnAdmittedEvent(9, textEvent(9, i, id))
		if i%2 == 0 {
			time.Sleep(time.Millisecond)
		}
		agg.FlushWith(9, func() { record("cmd:" + id) })

		// Let a late timer (if any) run before the next round.
		time.Sleep(100 * time.Microsecond)
		mu.Lock()
		got := append([]string(nil), order...)
		order = order[:0]
		mu.Unlock()
		if len(got) != 2 || got[0] != "text:"+id || got[1] != "cmd:"+id {
			t.Fatalf("round %d: order = %v", i, got)
		}
	}
}

func TestAggregator_FlushWithoutPendingStillRunsFollowUp(t *testing.T) {
	clk := clock.NewFake(t0)
	rec := newRecorder(clk)
	agg := NewAggregator(clk, 10*time.Second, rec.sink)

	ran := false
	if agg.FlushWith(3, func() { ran = true }) {
		t.Error("FlushWith reported a batch for an idle user")
	}
	if !ran || rec.count(3) != 0 {
		t.Errorf("ran=%v batches=%d", ran, rec.count(3))
	}
}
