package telegram

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/mentorbot/internal/channels"
)

const (
	maxMessageRunes      = 4096
	maxInvoiceTitleRunes = 32
	maxInvoiceDescRunes  = 255
	invoiceStartParam    = "mentorship"
)

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

// SendText sends an HTML message, split into chunks Telegram accepts. A
// chunk Telegram cannot parse as HTML is resent as plain text.
func (c *Channel) SendText(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range chunkText(text, maxMessageRunes) {
		if err := c.limiter.Wait(ctx, chatID); err != nil {
			return err
		}
		_, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk).WithParseMode(telego.ModeHTML))
		if err != nil && isParseError(err) {
			slog.Warn("telegram rejected HTML, resending as plain text", "chat_id", chatID, "error", err)
			_, err = c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), stripHTML(chunk)))
		}
		if err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// SendVoice sends an OGG/Opus voice note. The caption is sent as plain text.
func (c *Channel) SendVoice(ctx context.Context, chatID int64, audio []byte, caption string) error {
	if err := c.limiter.Wait(ctx, chatID); err != nil {
		return err
	}
	params := &telego.SendVoiceParams{
		ChatID: tu.ID(chatID),
		Voice:  tu.File(tu.NameReader(bytes.NewReader(audio), "reply.ogg")),
	}
	if caption != "" {
		params.Caption = stripHTML(caption)
	}
	if _, err := c.bot.SendVoice(ctx, params); err != nil {
		return fmt.Errorf("send voice: %w", err)
	}
	return nil
}

// SendInvoice sends a payment invoice for one package.
func (c *Channel) SendInvoice(ctx context.Context, chatID int64, inv channels.Invoice) error {
	if c.config.ProviderToken == "" {
		return fmt.Errorf("send invoice: payment provider token is not configured")
	}
	if err := c.limiter.Wait(ctx, chatID); err != nil {
		return err
	}
	title := truncateRunes(inv.Title, maxInvoiceTitleRunes)
	_, err := c.bot.SendInvoice(ctx, &telego.SendInvoiceParams{
		ChatID:         tu.ID(chatID),
		Title:          title,
		Description:    truncateRunes(inv.Description, maxInvoiceDescRunes),
		Payload:        inv.Payload,
		ProviderToken:  c.config.ProviderToken,
		Currency:       inv.Currency,
		Prices:         []telego.LabeledPrice{{Label: title, Amount: int(inv.Amount)}},
		StartParameter: invoiceStartParam,
	})
	if err != nil {
		return fmt.Errorf("send invoice: %w", err)
	}
	return nil
}

// AnswerPreCheckout confirms or declines a checkout. reason is shown to the
// user when declining.
func (c *Channel) AnswerPreCheckout(ctx context.Context, queryID string, ok bool, reason string) error {
	params := &telego.AnswerPreCheckoutQueryParams{PreCheckoutQueryID: queryID, Ok: ok}
	if !ok {
		params.ErrorMessage = reason
	}
	if err := c.bot.AnswerPreCheckoutQuery(ctx, params); err != nil {
		return fmt.Errorf("answer pre-checkout: %w", err)
	}
	return nil
}

// SendTyping shows the typing indicator for about five seconds.
func (c *Channel) SendTyping(ctx context.Context, chatID int64) error {
	return c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
}

func isParseError(err error) bool {
	return strings.Contains(err.Error(), "can't parse entities")
}

// stripHTML removes tags and unescapes entities.
func stripHTML(s string) string {
	return html.UnescapeString(htmlTagRe.ReplaceAllString(s, ""))
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// chunkText splits text into pieces of at most limit runes, preferring to
// break after a newline, then after a space.
func chunkText(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		if i := lastIndexRune(runes[:limit], '\n'); i > limit/2 {
			cut = i + 1
		} else if i := lastIndexRune(runes[:limit], ' '); i > limit/2 {
			cut = i + 1
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func lastIndexRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}
