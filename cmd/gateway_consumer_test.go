package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/mentorbot/internal/admission"
	"github.com/nextlevelbuilder/mentorbot/internal/bus"
	"github.com/nextlevelbuilder/mentorbot/internal/clock"
	"github.com/nextlevelbuilder/mentorbot/internal/dispatch"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type recordingProcessor struct {
	mu      sync.Mutex
	batches [][]string
	done    chan struct{}
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{done: make(chan struct{}, 16)}
}

func (p *recordingProcessor) Process(_ context.Context, _ int64, batch []bus.InboundMessage) dispatch.Action {
	var parts []string
	for _, m := range batch {
		if m.Kind == bus.KindCommand {
			parts = append(parts, "/"+m.Command)
		} else {
			parts = append(parts, m.Content)
		}
	}
	p.mu.Lock()
	p.batches = append(p.batches, parts)
	p.mu.Unlock()
	p.done <- struct{}{}
	return dispatch.Reply{Text: strings.Join(parts, "+")}
}

func (p *recordingProcessor) wait(t *testing.T, n int) [][]string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-p.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d turns processed", i, n)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]string(nil), p.batches...)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type recordingRouter struct {
	mu     sync.Mutex
	routed []string
}

func (r *recordingRouter) Route(_ context.Context, _ int64, a dispatch.Action) error {
	r.mu.Lock()
	r.routed = append(r.routed, a.ReplyText())
	r.mu.Unlock()
	return nil
}

func newTestConsumer(t *testing.T, gateEnabled bool) (*inboundConsumer, *clock.Fake, *recordingProcessor, *recordingRouter) {
	t.Helper()
	clk := clock.NewFake(t0)
	gate := admission.NewGate(admission.GateConfig{DebounceWindow: 4 * time.Second, MaxWaitWindow: 15 * time.Second})
	c := newInboundConsumer(clk, gate, bus.NewDedupeCache(time.Hour, 100), 10*time.Second, gateEnabled)
	p, r := newRecordingProcessor(), &recordingRouter{}
	c.processor, c.router = p, r
	t.Cleanup(func() { c.shutdown(time.Second) })
	return c, clk, p, r
}

func text(id int, content string) bus.InboundMessage {
	return bus.InboundMessage{Channel: "telegram", UserID: 42, ChatID: 42, MessageID: id, Kind: bus.KindText, Content: content}
}

func command(id int, name string) bus.InboundMessage {
	return bus.InboundMessage{Channel: "telegram", UserID: 42, ChatID: 42, MessageID: id, Kind: bus.KindCommand, Command: name}
}

func TestConsumerGateDropsBurstAndAggregatorClosesTurn(t *testing.T) {
	c, clk, p, r := newTestConsumer(t, true)

	c.handle(text(1, "a"))
	clk.Advance(time.Second)
	c.handle(text(2, "dropped")) // inside the debounce window
	clk.Advance(4 * time.Second)
	c.handle(text(3, "b"))

	clk.Advance(9 * time.Second)
	if c.agg.Pending() != 1 {
		t.Fatalf("turn closed early, pending = %d", c.agg.Pending())
	}
	clk.Advance(time.Second)

	got := p.wait(t, 1)
	if len(got) != 1 || strings.Join(got[0], ",") != "a,b" {
		t.Fatalf("batches = %v, want [[a b]]", got)
	}
	c.shutdown(time.Second)
	if len(r.routed) != 1 || r.routed[0] != "a+b" {
		t.Errorf("routed = %v", r.routed)
	}
}

func TestConsumerGateDisabledAdmitsEverything(t *testing.T) {
	c, clk, p, _ := newTestConsumer(t, false)

	c.handle(text(1, "a"))
	c.handle(text(2, "b"))
	c.handle(text(3, "c"))
	clk.Advance(10 * time.Second)

	got := p.wait(t, 1)
	if strings.Join(got[0], ",") != "a,b,c" {
		t.Errorf("batch = %v", got[0])
	}
}

func TestConsumerDuplicateDeliveryIgnored(t *testing.T) {
	c, clk, p, _ := newTestConsumer(t, false)

	c.handle(text(7, "once"))
	c.handle(text(7, "once"))
	clk.Advance(10 * time.Second)

	got := p.wait(t, 1)
	if len(got[0]) != 1 {
		t.Errorf("batch = %v, want a single event", got[0])
	}
}

func TestConsumerCommandFlushesPendingTurnFirst(t *testing.T) {
	c, _, p, _ := newTestConsumer(t, true)

	c.handle(text(1, "вопрос"))
	// The command arrives inside the debounce window and is not gated.
	c.handle(command(2, "payments"))

	got := p.wait(t, 2)
	want := []string{"вопрос", "/payments"}
	for i, w := range want {
		if got[i][0] != w {
			t.Fatalf("turn %d = %v, want %q (all: %v)", i, got[i], w, got)
		}
	}
	if c.agg.Pending() != 0 {
		t.Errorf("pending = %d after flush", c.agg.Pending())
	}
}

func TestConsumerUnknownCommandIsGated(t *testing.T) {
	c, clk, p, _ := newTestConsumer(t, true)

	c.handle(text(1, "a"))
	c.handle(command(2, "unknown")) // gated like text, rejected
	clk.Advance(10 * time.Second)

	got := p.wait(t, 1)
	if len(got) != 1 || len(got[0]) != 1 {
		t.Errorf("batches = %v", got)
	}
}

func TestConsumerResetUserDropsState(t *testing.T) {
	c, clk, _, _ := newTestConsumer(t, true)

	c.handle(text(1, "a"))
	if c.gate.ActiveUsers() != 1 || c.agg.Pending() != 1 {
		t.Fatalf("active=%d pending=%d", c.gate.ActiveUsers(), c.agg.Pending())
	}
	c.resetUser(42)
	if c.gate.ActiveUsers() != 0 || c.agg.Pending() != 0 {
		t.Errorf("after reset active=%d pending=%d", c.gate.ActiveUsers(), c.agg.Pending())
	}

	// The next message is admitted straight away.
	clk.Advance(time.Second)
	c.handle(text(2, "b"))
	if c.agg.Pending() != 1 {
		t.Error("message after reset was gated")
	}
}

func TestConsumerApplyConfig(t *testing.T) {
	c, clk, p, _ := newTestConsumer(t, true)

	c.applyConfig(true, admission.GateConfig{DebounceWindow: time.Second, MaxWaitWindow: 5 * time.Second}, 3*time.Second)
	c.handle(text(1, "a"))
	clk.Advance(time.Second)
	c.handle(text(2, "b")) // admitted under the shorter window
	clk.Advance(3 * time.Second)

	got := p.wait(t, 1)
	if strings.Join(got[0], ",") != "a,b" {
		t.Errorf("batch = %v", got[0])
	}
}

func TestConsumerRunStopsOnCancel(t *testing.T) {
	c, clk, p, _ := newTestConsumer(t, false)
	mb := bus.New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.run(ctx, mb) }()

	mb.PublishInbound(text(1, "hello"))
	deadline := time.Now().Add(2 * time.Second)
	for c.agg.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	clk.Advance(10 * time.Second)
	p.wait(t, 1)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestConsumerLogsEachTurnOnce(t *testing.T) {
	logs := &lockedBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	c, clk, p, _ := newTestConsumer(t, false)
	c.handle(text(1, "a"))
	clk.Advance(10 * time.Second)
	c.handle(command(2, "payments"))
	p.wait(t, 2)
	c.shutdown(time.Second)

	if n := strings.Count(logs.String(), "turn dispatched"); n != 2 {
		t.Errorf("turn log lines = %d, want 2:\n%s", n, logs.String())
	}
}
