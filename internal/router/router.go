// Package router delivers a dispatched Action to the user: text, voice
// notes and package invoices.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/nextlevelbuilder/mentorbot/internal/channels"
	"github.com/nextlevelbuilder/mentorbot/internal/dispatch"
	"github.com/nextlevelbuilder/mentorbot/internal/payments"
	"github.com/nextlevelbuilder/mentorbot/internal/providers"
	"github.com/nextlevelbuilder/mentorbot/internal/store"
)

const (
	DefaultVoiceReplyMinChars = 50
	voiceCaptionRunes         = 100
	defaultCurrency           = "RUB"
)

// Sender is the subset of the chat transport the router needs.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendVoice(ctx context.Context, chatID int64, audio []byte, caption string) error
	SendInvoice(ctx context.Context, chatID int64, inv channels.Invoice) error
}

type Config struct {
	Currency           string
	VoiceReplyMinChars int
}

// Router sends actions. The bot talks in private chats only, where the
// chat id is the user id.
type Router struct {
	sender      Sender
	synthesizer providers.Synthesizer // optional
	ledger      *payments.Ledger
	cfg         Config
}

func New(sender Sender, synthesizer providers.Synthesizer, ledger *payments.Ledger, cfg Config) *Router {
	if cfg.Currency == "" {
		cfg.Currency = defaultCurrency
	}
	if cfg.VoiceReplyMinChars <= 0 {
		cfg.VoiceReplyMinChars = DefaultVoiceReplyMinChars
	}
	return &Router{sender: sender, synthesizer: synthesizer, ledger: ledger, cfg: cfg}
}

// Route delivers action to userID. A nil action sends nothing.
func (r *Router) Route(ctx context.Context, userID int64, action dispatch.Action) error {
	switch a := action.(type) {
	case nil:
		return nil
	case dispatch.Reply:
		return r.reply(ctx, userID, a)
	case dispatch.OfferPackage:
		if err := r.sender.SendText(ctx, userID, a.Text); err != nil {
			return fmt.Errorf("send offer text: %w", err)
		}
		if !a.HasInvoice() {
			return nil
		}
		return r.invoice(ctx, userID, a)
	default:
		if err := r.sender.SendText(ctx, userID, action.ReplyText()); err != nil {
			return fmt.Errorf("send %s: %w", action.Name(), err)
		}
		return nil
	}
}

func (r *Router) reply(ctx context.Context, userID int64, a dispatch.Reply) error {
	if a.PreferVoice && r.synthesizer != nil && utf8.RuneCountInString(a.Text) > r.cfg.VoiceReplyMinChars {
		audio, err := r.synthesizer.Synthesize(ctx, a.Text)
		if err == nil && len(audio) == 0 {
			err = errors.New("empty audio")
		}
		if err == nil {
			err = r.sender.SendVoice(ctx, userID, audio, voiceCaption(a.Text))
			if err == nil {
				return nil
			}
		}
		slog.Warn("voice reply failed, sending text", "user_id", userID, "error", err)
	}
	if err := r.sender.SendText(ctx, userID, a.Text); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

// invoice sends the package invoice and records it as pending. The payload
// is reused while the previous invoice for the same package is unpaid.
func (r *Router) invoice(ctx context.Context, userID int64, a dispatch.OfferPackage) error {
	payload, err := r.ledger.NextPayload(ctx, userID, a.CTA)
	if err != nil {
		return fmt.Errorf("choose invoice payload: %w", err)
	}

	inv := channels.Invoice{
		Title:       a.CTA,
		Description: "Обучение по Make.com: " + a.CTA,
		Payload:     payload,
		Currency:    r.cfg.Currency,
		Amount:      a.Price * 100,
	}
	if err := r.sender.SendInvoice(ctx, userID, inv); err != nil {
		return fmt.Errorf("send invoice: %w", err)
	}

	err = r.ledger.RecordPending(ctx, &store.PaymentData{
		InvoicePayload: payload,
		UserID:         userID,
		Amount:         inv.Amount,
		Currency:       inv.Currency,
	})
	switch {
	case errors.Is(err, payments.ErrDuplicateInvoice):
		slog.Debug("invoice re-offered", "user_id", userID, "payload", payload)
	case err != nil:
		// The invoice is out; settlement will create the record if needed.
		slog.Error("record pending invoice", "user_id", userID, "payload", payload, "error", err)
	default:
		slog.Info("invoice sent", "user_id", userID, "payload", payload, "amount", inv.Amount)
	}
	return nil
}

// voiceCaption is the first 100 runes plus "..." for long texts, nothing
// otherwise.
func voiceCaption(text string) string {
	if utf8.RuneCountInString(text) <= voiceCaptionRunes {
		return ""
	}
	return channels.Truncate(text, voiceCaptionRunes)
}
