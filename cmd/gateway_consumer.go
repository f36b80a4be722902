package cmd

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/mentorbot/internal/admission"
	"github.com/nextlevelbuilder/mentorbot/internal/bus"
	"github.com/nextlevelbuilder/mentorbot/internal/clock"
	"github.com/nextlevelbuilder/mentorbot/internal/dispatch"
)

const (
	dedupeMaxEntries = 5000
	shutdownGrace    = 30 * time.Second
)

type turnProcessor interface {
	Process(ctx context.Context, userID int64, batch []bus.InboundMessage) dispatch.Action
}

type actionRouter interface {
	Route(ctx context.Context, userID int64, action dispatch.Action) error
}

// inboundConsumer moves inbound events through admission into per-user
// dispatch lanes: dedupe, gate, turn aggregation, dispatch, routing.
type inboundConsumer struct {
	clock  clock.Clock
	gate   *admission.Gate
	agg    *admission.Aggregator
	lanes  *dispatch.Lanes
	dedupe *bus.DedupeCache

	gateEnabled atomic.Bool

	// Set before run.
	processor turnProcessor
	router    actionRouter

	// workCtx outlives the inbound loop so in-flight turns can finish.
	workCtx    context.Context
	cancelWork context.CancelFunc
}

func newInboundConsumer(clk clock.Clock, gate *admission.Gate, dedupe *bus.DedupeCache, batchTimeout time.Duration, gateEnabled bool) *inboundConsumer {
	c := &inboundConsumer{
		clock:  clk,
		gate:   gate,
		lanes:  dispatch.NewLanes(),
		dedupe: dedupe,
	}
	c.workCtx, c.cancelWork = context.WithCancel(context.Background())
	c.agg = admission.NewAggregator(clk, batchTimeout, c.dispatchTurn)
	c.gateEnabled.Store(gateEnabled)
	return c
}

// run consumes inbound messages until ctx is cancelled or the bus closes.
func (c *inboundConsumer) run(ctx context.Context, mb bus.MessageRouter) error {
	slog.Info("inbound message consumer started")
	for {
		msg, ok := mb.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound message consumer stopped")
			return nil
		}
		c.handle(msg)
	}
}

func (c *inboundConsumer) handle(msg bus.InboundMessage) {
	if key := msg.DedupeKey(); key != "" && c.dedupe != nil && c.dedupe.IsDuplicate(key) {
		slog.Debug("duplicate inbound message skipped", "key", key)
		return
	}

	// Known commands skip the gate. A turn still pending for the user is
	// dispatched first, under the same lock, so replies keep arrival order.
	if msg.Kind == bus.KindCommand && dispatch.IsCommand(msg.Command) {
		c.agg.FlushWith(msg.UserID, func() {
			c.dispatchTurn(msg.UserID, []bus.InboundMessage{msg})
		})
		return
	}

	if c.gateEnabled.Load() {
		if d := c.gate.Admit(msg.UserID, c.clock.Now()); d == admission.Reject {
			slog.Debug("event rejected by gate", "user_id", msg.UserID, "kind", msg.Kind)
			return
		}
	}
	c.agg.OnAdmittedEvent(msg.UserID, msg)
}

// dispatchTurn is the aggregator sink. It never blocks on I/O.
func (c *inboundConsumer) dispatchTurn(userID int64, batch []bus.InboundMessage) {
	if !c.lanes.Submit(userID, func() { c.process(userID, batch) }) {
		slog.Warn("turn dropped, shutting down", "user_id", userID, "events", len(batch))
	}
}

func (c *inboundConsumer) process(userID int64, batch []bus.InboundMessage) {
	action := c.processor.Process(c.workCtx, userID, batch)
	if action == nil {
		return
	}
	slog.Info("turn dispatched", "user_id", userID, "events", len(batch), "action", action.Name())
	if err := c.router.Route(c.workCtx, userID, action); err != nil {
		slog.Error("route action failed", "user_id", userID, "action", action.Name(), "error", err)
	}
}

// resetUser drops admission state for /reset.
func (c *inboundConsumer) resetUser(userID int64) {
	c.gate.ClearUser(userID)
	if n := c.agg.Discard(userID); n > 0 {
		slog.Info("pending turn discarded", "user_id", userID, "events", n)
	}
}

func (c *inboundConsumer) applyConfig(gateEnabled bool, gc admission.GateConfig, batchTimeout time.Duration) {
	c.gateEnabled.Store(gateEnabled)
	c.gate.SetConfig(gc)
	c.agg.SetBatchTimeout(batchTimeout)
}

// shutdown drops open turns and waits for dispatched ones. Turns still
// running after grace have their context cancelled.
func (c *inboundConsumer) shutdown(grace time.Duration) {
	c.agg.Stop()

	if n := c.lanes.Active(); n > 0 {
		slog.Info("waiting for dispatched turns", "users", n, "grace", grace)
	}
	done := make(chan struct{})
	go func() {
		c.lanes.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("turns still running after grace period, cancelling", "grace", grace)
		c.cancelWork()
		<-done
	}
	c.cancelWork()
}
