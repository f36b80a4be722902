// Package channels provides the chat transport abstraction. A channel turns
// platform updates into bus.InboundMessage events and delivers the bot's
// outward messages, invoices and payment answers.
package channels

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/nextlevelbuilder/mentorbot/internal/bus"
)

// Channel is the lifecycle every transport implements.
type Channel interface {
	// Name returns the channel identifier (e.g., "telegram").
	Name() string

	// Start begins receiving updates. It returns once polling is set up.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// IsRunning returns whether the channel is actively receiving.
	IsRunning() bool
}

// Invoice is a payment request for one mentorship package.
type Invoice struct {
	Title       string
	Description string
	Payload     string
	Currency    string
	Amount      int64 // minor units
}

// Messenger is the outward surface of a chat transport.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendVoice(ctx context.Context, chatID int64, audio []byte, caption string) error
	SendInvoice(ctx context.Context, chatID int64, inv Invoice) error
	AnswerPreCheckout(ctx context.Context, queryID string, ok bool, reason string) error
	SendTyping(ctx context.Context, chatID int64) error
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// BaseChannel provides shared functionality for channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name      string
	bus       bus.MessageRouter
	running   atomic.Bool
	mu        sync.RWMutex
	allowList []string
}

// NewBaseChannel creates a new BaseChannel with the given parameters.
func NewBaseChannel(name string, router bus.MessageRouter, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       router,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string { return c.name }

func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// Bus returns the inbound router.
func (c *BaseChannel) Bus() bus.MessageRouter { return c.bus }

// SetAllowList replaces the allowlist (config hot reload).
func (c *BaseChannel) SetAllowList(list []string) {
	c.mu.Lock()
	c.allowList = list
	c.mu.Unlock()
}

// IsAllowed checks a sender against the allowlist. Entries are numeric user
// ids or usernames, with or without a leading "@". An empty allowlist
// admits everyone.
func (c *BaseChannel) IsAllowed(userID int64, username string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.allowList) == 0 {
		return true
	}

	id := strconv.FormatInt(userID, 10)
	username = strings.ToLower(strings.TrimPrefix(username, "@"))
	for _, allowed := range c.allowList {
		trimmed := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(allowed), "@"))
		// "id|username" compound entries match on either side.
		allowedID, allowedUser := trimmed, ""
		if idx := strings.IndexByte(trimmed, '|'); idx > 0 {
			allowedID, allowedUser = trimmed[:idx], trimmed[idx+1:]
		}
		if allowedID == id ||
			(username != "" && (allowedID == username || allowedUser == username)) {
			return true
		}
	}
	return false
}

// HandleMessage publishes msg to the bus when its sender is allowed. It
// reports whether the message was published.
func (c *BaseChannel) HandleMessage(msg bus.InboundMessage) bool {
	if !c.IsAllowed(msg.UserID, msg.Sender.Username) {
		return false
	}
	if msg.Channel == "" {
		msg.Channel = c.name
	}
	c.bus.PublishInbound(msg)
	return true
}

// Truncate shortens s to maxRunes runes, appending "..." if truncated.
func Truncate(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxRunes]) + "..."
}
