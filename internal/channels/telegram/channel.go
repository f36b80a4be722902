// Package telegram is the Telegram Bot API transport: long polling for
// messages and pre-checkout queries, and the outward Messenger surface.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/mentorbot/internal/bus"
	"github.com/nextlevelbuilder/mentorbot/internal/channels"
	"github.com/nextlevelbuilder/mentorbot/internal/config"
	"github.com/nextlevelbuilder/mentorbot/internal/payments"
)

const channelName = "telegram"

// Authorizer answers pre-checkout queries.
type Authorizer interface {
	Authorize(ctx context.Context, payload string) payments.Authorization
}

// Reconciler settles successful payments.
type Reconciler interface {
	Reconcile(ctx context.Context, sp payments.SuccessfulPayment) (*payments.Result, error)
}

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	config     config.TelegramConfig
	httpClient *http.Client
	fileBase   string // file download endpoint, "https://api.telegram.org/file/bot<token>"
	limiter    *channels.SendLimiter
	authorizer Authorizer
	reconciler Reconciler
	pollCancel context.CancelFunc // cancels the long polling context
	pollDone   chan struct{}      // closed when polling goroutine exits
}

// Option customizes a Channel.
type Option func(*options)

type options struct {
	apiServer string
}

// WithAPIServer points the bot at a different Bot API server, such as a
// self-hosted one.
func WithAPIServer(u string) Option {
	return func(o *options) { o.apiServer = u }
}

// New creates a new Telegram channel from config. Payment handling is wired
// later with SetPayments since the pipeline sends through this channel.
func New(cfg config.TelegramConfig, router bus.MessageRouter, opts ...Option) (*Channel, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	httpClient := &http.Client{Timeout: 60 * time.Second}
	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	botOpts := []telego.BotOption{telego.WithHTTPClient(httpClient)}
	apiServer := "https://api.telegram.org"
	if o.apiServer != "" {
		apiServer = o.apiServer
		botOpts = append(botOpts, telego.WithAPIServer(o.apiServer))
	}

	bot, err := telego.NewBot(cfg.Token, botOpts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	if cfg.MediaMaxBytes <= 0 {
		cfg.MediaMaxBytes = defaultMediaMaxBytes
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel(channelName, router, cfg.AllowFrom),
		bot:         bot,
		config:      cfg,
		httpClient:  httpClient,
		fileBase:    fmt.Sprintf("%s/file/bot%s", apiServer, cfg.Token),
		limiter:     channels.NewSendLimiter(cfg.SendRatePerSecond, cfg.PerChatRatePerSecond),
	}, nil
}

// SetPayments wires pre-checkout and settlement handling. Without it,
// pre-checkout queries are declined and payments are only logged.
func (c *Channel) SetPayments(a Authorizer, r Reconciler) {
	c.authorizer = a
	c.reconciler = r
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	// Stop() cancels this context to cleanly shut down long polling.
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout: 30,
		AllowedUpdates: []string{
			"message",
			"pre_checkout_query",
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	// Register bot menu commands with retry.
	go func() {
		commands := DefaultMenuCommands()
		for attempt := 1; attempt <= 3; attempt++ {
			err := c.SyncMenuCommands(pollCtx, commands)
			if err == nil {
				slog.Info("telegram menu commands synced")
				return
			}
			slog.Warn("failed to sync telegram menu commands", "error", err, "attempt", attempt)
			if attempt < 3 {
				select {
				case <-pollCtx.Done():
					return
				case <-time.After(time.Duration(attempt*5) * time.Second):
				}
			}
		}
	}()

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				c.handleUpdate(pollCtx, update)
			}
		}
	}()

	return nil
}

// handleUpdate routes one update. Payment updates are handled inline on the
// polling goroutine.
func (c *Channel) handleUpdate(ctx context.Context, update telego.Update) {
	switch {
	case update.PreCheckoutQuery != nil:
		c.handlePreCheckout(ctx, update.PreCheckoutQuery)
	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		c.handleSuccessfulPayment(ctx, update.Message)
	case update.Message != nil:
		c.handleMessage(update.Message)
	default:
		slog.Debug("telegram update skipped", "update_id", update.UpdateID)
	}
}

// Stop shuts down the Telegram bot by cancelling the long polling context
// and waiting for the polling goroutine to exit.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}

	// Telegram releases the getUpdates lock only after the poll returns.
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

var _ channels.Channel = (*Channel)(nil)
var _ channels.Messenger = (*Channel)(nil)
