package telegram

import (
	"context"
	"log/slog"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/mentorbot/internal/payments"
	"github.com/nextlevelbuilder/mentorbot/internal/store"
)

const reasonPaymentsOff = "Оплата временно недоступна."

// handlePreCheckout answers a pre-checkout query. Telegram cancels the
// checkout if no answer arrives within 10 seconds.
func (c *Channel) handlePreCheckout(ctx context.Context, q *telego.PreCheckoutQuery) {
	verdict := payments.Authorization{Reason: reasonPaymentsOff}
	if c.authorizer != nil {
		verdict = c.authorizer.Authorize(ctx, q.InvoicePayload)
	}

	slog.Info("pre-checkout query",
		"user_id", q.From.ID, "payload", q.InvoicePayload,
		"amount", q.TotalAmount, "ok", verdict.OK)

	if err := c.AnswerPreCheckout(ctx, q.ID, verdict.OK, verdict.Reason); err != nil {
		slog.Error("answer pre-checkout failed", "query_id", q.ID, "error", err)
	}
}

// handleSuccessfulPayment hands a settled payment to the reconciler.
func (c *Channel) handleSuccessfulPayment(ctx context.Context, message *telego.Message) {
	sp := toSuccessfulPayment(message)
	if c.reconciler == nil {
		slog.Error("successful payment received but payments are not wired",
			"user_id", sp.UserID, "payload", sp.InvoicePayload, "charge_id", sp.TransportChargeID)
		return
	}
	res, err := c.reconciler.Reconcile(ctx, sp)
	if err != nil {
		slog.Error("payment not recorded", "user_id", sp.UserID, "payload", sp.InvoicePayload, "error", err)
		return
	}
	if res.Failures != nil {
		slog.Warn("payment recorded with failures", "payload", sp.InvoicePayload, "error", res.Failures)
	}
}

// toSuccessfulPayment maps a successful_payment message.
func toSuccessfulPayment(message *telego.Message) payments.SuccessfulPayment {
	p := message.SuccessfulPayment
	sp := payments.SuccessfulPayment{
		ChatID:            message.Chat.ID,
		InvoicePayload:    p.InvoicePayload,
		Currency:          p.Currency,
		TotalAmount:       int64(p.TotalAmount),
		ProviderChargeID:  p.ProviderPaymentChargeID,
		TransportChargeID: p.TelegramPaymentChargeID,
	}
	if u := message.From; u != nil {
		sp.UserID = u.ID
		sp.FirstName = u.FirstName
		sp.LastName = u.LastName
		sp.Username = u.Username
	} else {
		sp.UserID = message.Chat.ID
	}
	if oi := p.OrderInfo; oi != nil {
		sp.OrderInfo = store.OrderInfo{Name: oi.Name, Phone: oi.PhoneNumber, Email: oi.Email}
	}
	return sp
}
