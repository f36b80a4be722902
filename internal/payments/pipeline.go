package payments

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/mentorbot/internal/clock"
	"github.com/nextlevelbuilder/mentorbot/internal/store"
)

// Notifier delivers plain messages to a chat.
type Notifier interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// SuccessfulPayment is the transport's one-shot settlement notification.
type SuccessfulPayment struct {
	UserID            int64
	ChatID            int64
	FirstName         string
	LastName          string
	Username          string
	InvoicePayload    string
	Currency          string
	TotalAmount       int64 // minor units
	ProviderChargeID  string
	TransportChargeID string
	OrderInfo         store.OrderInfo
}

// Result describes what one Reconcile call did.
type Result struct {
	Duplicate bool
	Payment   *store.PaymentData
	Schedule  *store.ScheduleEntryData
	Lesson    Lesson
	// Failures joins every failed downstream step, each wrapping
	// ErrDownstreamFailure. The payment stays recorded regardless.
	Failures error
}

type PipelineConfig struct {
	AdminChatID int64
	Location    *time.Location
}

// Pipeline reconciles successful payments: ledger, user, schedule, admin
// notice, user confirmation. Calls for the same invoice are serialized.
type Pipeline struct {
	ledger   *Ledger
	book     *ScheduleBook
	users    store.UserStore
	notifier Notifier
	clk      clock.Clock
	cfg      PipelineConfig
	admin    atomic.Int64
	locks    *keyedMutex
}

func NewPipeline(ledger *Ledger, book *ScheduleBook, users store.UserStore, notifier Notifier, clk clock.Clock, cfg PipelineConfig) *Pipeline {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	p := &Pipeline{
		ledger:   ledger,
		book:     book,
		users:    users,
		notifier: notifier,
		clk:      clk,
		cfg:      cfg,
		locks:    newKeyedMutex(),
	}
	p.admin.Store(cfg.AdminChatID)
	return p
}

// SetAdminChat changes where payment notices go; 0 disables them.
func (p *Pipeline) SetAdminChat(chatID int64) { p.admin.Store(chatID) }

// Reconcile returns an error only when the payment could not be recorded.
// Once it is recorded, later failures are reported in Result.Failures.
func (p *Pipeline) Reconcile(ctx context.Context, sp SuccessfulPayment) (*Result, error) {
	ctx, span := otel.Tracer("mentorbot/payments").Start(ctx, "payments.reconcile")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("user.id", sp.UserID),
		attribute.String("invoice.payload", sp.InvoicePayload),
		attribute.Int64("invoice.amount", sp.TotalAmount),
	)

	unlock := p.locks.Lock(sp.InvoicePayload)
	defer unlock()

	// 1. idempotency
	status, _, err := p.ledger.Status(ctx, sp.InvoicePayload)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if status == store.PaymentCompleted {
		slog.Info("payment already reconciled", "payload", sp.InvoicePayload, "user_id", sp.UserID)
		span.SetAttributes(attribute.Bool("duplicate", true))
		return &Result{Duplicate: true}, nil
	}

	// 2. persist as completed
	now := p.clk.Now()
	rec, transitioned, err := p.ledger.Settle(ctx, &store.PaymentData{
		InvoicePayload:    sp.InvoicePayload,
		UserID:            sp.UserID,
		Amount:            sp.TotalAmount,
		Currency:          sp.Currency,
		ProviderChargeID:  sp.ProviderChargeID,
		TransportChargeID: sp.TransportChargeID,
		OrderInfo:         sp.OrderInfo,
		CompletedAt:       &now,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !transitioned {
		span.SetAttributes(attribute.Bool("duplicate", true))
		return &Result{Duplicate: true, Payment: rec}, nil
	}

	res := &Result{Payment: rec}
	var failures []error
	fail := func(step string, err error) {
		slog.Error("payment downstream step failed", "step", step, "payload", sp.InvoicePayload, "error", err)
		failures = append(failures, fmt.Errorf("%w: %s: %w", ErrDownstreamFailure, step, err))
	}

	// 3. user
	if err := p.users.Ensure(ctx, &store.User{
		ID: sp.UserID, FirstName: sp.FirstName, LastName: sp.LastName, Username: sp.Username,
	}); err != nil {
		fail("ensure user", err)
	}

	// 4. schedule
	res.Lesson = p.book.Derive(sp.InvoicePayload)
	paymentID := rec.ID
	entry := &store.ScheduleEntryData{
		UserID:          sp.UserID,
		PaymentID:       &paymentID,
		LessonType:      res.Lesson.Type,
		ScheduledAt:     now.In(p.cfg.Location),
		DurationMinutes: res.Lesson.DurationMinutes,
		Status:          store.ScheduleScheduled,
		Notes:           "Оплачено: " + sp.InvoicePayload,
	}
	if _, err := p.book.Book(ctx, entry); err != nil {
		fail("create schedule entry", err)
	} else {
		res.Schedule = entry
	}

	// 5. admin
	adminFailed := false
	admin := p.admin.Load()
	if admin != 0 {
		if err := p.notifier.SendText(ctx, admin, p.adminNotice(sp, res)); err != nil {
			adminFailed = true
			fail("notify admin", err)
		}
	}

	// 6. user confirmation
	if err := p.notifier.SendText(ctx, sp.ChatID, userConfirmation(sp)); err != nil {
		fail("confirm to user", err)
	}

	if len(failures) > 0 {
		res.Failures = errors.Join(failures...)
		span.SetStatus(codes.Error, "downstream failures")
		if admin != 0 && !adminFailed {
			alert := fmt.Sprintf("⚠️ Платеж %s записан, но не все шаги выполнены:\n%s",
				html.EscapeString(sp.InvoicePayload), html.EscapeString(res.Failures.Error()))
			if err := p.notifier.SendText(ctx, admin, alert); err != nil {
				slog.Error("payment failure alert not delivered", "payload", sp.InvoicePayload, "error", err)
			}
		}
	}

	slog.Info("payment reconciled",
		"payload", sp.InvoicePayload, "user_id", sp.UserID,
		"amount", sp.TotalAmount, "lesson", res.Lesson.Type, "failures", len(failures))
	return res, nil
}

func (p *Pipeline) adminNotice(sp SuccessfulPayment, res *Result) string {
	var b strings.Builder
	b.WriteString("💰 <b>Новый платеж!</b>\n\n")
	fmt.Fprintf(&b, "👤 Пользователь: %s (ID: %d)\n", html.EscapeString(displayName(sp)), sp.UserID)
	fmt.Fprintf(&b, "💳 Сумма: %s %s\n", FormatAmount(sp.TotalAmount), html.EscapeString(sp.Currency))
	fmt.Fprintf(&b, "📦 Пакет: %s\n", html.EscapeString(sp.InvoicePayload))
	fmt.Fprintf(&b, "🆔 ID платежа: %s\n", html.EscapeString(sp.ProviderChargeID))
	if res.Schedule != nil {
		fmt.Fprintf(&b, "📅 Создана запись в расписании: %s, %s",
			html.EscapeString(res.Lesson.Type), res.Schedule.ScheduledAt.In(p.cfg.Location).Format("02.01.2006 15:04"))
	} else {
		b.WriteString("📅 Запись в расписании не создана")
	}
	if oi := sp.OrderInfo; !oi.IsZero() {
		b.WriteString("\n\n📋 Данные заказа:")
		if oi.Name != "" {
			fmt.Fprintf(&b, "\nИмя: %s", html.EscapeString(oi.Name))
		}
		if oi.Phone != "" {
			fmt.Fprintf(&b, "\nТелефон: %s", html.EscapeString(oi.Phone))
		}
		if oi.Email != "" {
			fmt.Fprintf(&b, "\nEmail: %s", html.EscapeString(oi.Email))
		}
	}
	return b.String()
}

func userConfirmation(sp SuccessfulPayment) string {
	return fmt.Sprintf("✅ Спасибо за оплату! Ваш платеж на сумму %s %s успешно обработан. Мы свяжемся с вами в ближайшее время.",
		FormatAmount(sp.TotalAmount), html.EscapeString(sp.Currency))
}

func displayName(sp SuccessfulPayment) string {
	name := strings.TrimSpace(sp.FirstName + " " + sp.LastName)
	if sp.Username != "" {
		if name == "" {
			return "@" + sp.Username
		}
		return name + " (@" + sp.Username + ")"
	}
	if name == "" {
		return "Пользователь"
	}
	return name
}

// FormatAmount renders minor units as a major-unit amount: 1000000 → "10000",
// 1050 → "10.50".
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign, minor = "-", -minor
	}
	if minor%100 == 0 {
		return fmt.Sprintf("%s%d", sign, minor/100)
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
