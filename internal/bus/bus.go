// Package bus carries raw inbound events from channels to the admission
// consumer and deduplicates redelivered updates.
package bus

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
)

const defaultInboundBuffer = 256

// MessageBus is a buffered in-process queue of inbound messages.
type MessageBus struct {
	inbound chan InboundMessage
	mu      sync.RWMutex
	closed  bool
}

func New() *MessageBus {
	return NewWithBuffer(defaultInboundBuffer)
}

func NewWithBuffer(size int) *MessageBus {
	if size <= 0 {
		size = defaultInboundBuffer
	}
	return &MessageBus{inbound: make(chan InboundMessage, size)}
}

// PublishInbound enqueues msg. It blocks while the buffer is full and drops
// the message once the bus is closed.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		slog.Debug("bus closed, inbound message dropped", "user_id", msg.UserID, "message_id", msg.MessageID)
		return
	}
	b.inbound <- msg
}

// ConsumeInbound returns the next message, or false once ctx is done or the
// bus has been closed and drained.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg, ok := <-b.inbound:
		return msg, ok
	}
}

// Close stops accepting messages. Already queued messages can still be consumed.
func (b *MessageBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.inbound)
}

var _ MessageRouter = (*MessageBus)(nil)

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
