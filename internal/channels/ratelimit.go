package channels

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedChats caps the number of per-chat limiters kept in memory.
	maxTrackedChats = 4096

	// Telegram allows about 30 messages per second overall and one per
	// second to the same chat.
	DefaultGlobalRate  = 30
	DefaultPerChatRate = 1
)

// SendLimiter throttles outbound sends: one global bucket plus a bucket per
// chat. Safe for concurrent use.
type SendLimiter struct {
	global *rate.Limiter

	mu      sync.Mutex
	perChat map[int64]*rate.Limiter
	chatRPS rate.Limit
	burst   int
}

// NewSendLimiter creates a limiter. Non-positive rates select the defaults.
func NewSendLimiter(globalPerSecond, perChatPerSecond float64) *SendLimiter {
	if globalPerSecond <= 0 {
		globalPerSecond = DefaultGlobalRate
	}
	if perChatPerSecond <= 0 {
		perChatPerSecond = DefaultPerChatRate
	}
	return &SendLimiter{
		global:  rate.NewLimiter(rate.Limit(globalPerSecond), int(globalPerSecond)),
		perChat: make(map[int64]*rate.Limiter),
		chatRPS: rate.Limit(perChatPerSecond),
		// A short burst lets a text+invoice pair go out back to back.
		burst: 3,
	}
}

// Wait blocks until a send to chatID is allowed or ctx is done.
func (l *SendLimiter) Wait(ctx context.Context, chatID int64) error {
	if err := l.chatLimiter(chatID).Wait(ctx); err != nil {
		return err
	}
	return l.global.Wait(ctx)
}

func (l *SendLimiter) chatLimiter(chatID int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.perChat[chatID]; ok {
		return lim
	}
	// Drop idle limiters when approaching the cap; a limiter whose bucket is
	// full carries no state worth keeping.
	if len(l.perChat) >= maxTrackedChats {
		for id, lim := range l.perChat {
			if lim.Tokens() >= float64(l.burst) {
				delete(l.perChat, id)
			}
		}
		for len(l.perChat) >= maxTrackedChats {
			for id := range l.perChat {
				delete(l.perChat, id)
				break
			}
		}
	}
	lim := rate.NewLimiter(l.chatRPS, l.burst)
	l.perChat[chatID] = lim
	return lim
}

// Tracked reports how many chats have a limiter.
func (l *SendLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perChat)
}
