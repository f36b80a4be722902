package dispatch

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/mentorbot/internal/bus"
	"github.com/nextlevelbuilder/mentorbot/internal/clock"
	"github.com/nextlevelbuilder/mentorbot/internal/docs"
	"github.com/nextlevelbuilder/mentorbot/internal/payments"
	"github.com/nextlevelbuilder/mentorbot/internal/sessions"
	"github.com/nextlevelbuilder/mentorbot/internal/store"
)

// Command names handled without the conversation backend.
const (
	CmdStart    = "start"
	CmdHelp     = "help"
	CmdDocs     = "docs"
	CmdPayments = "payments"
	CmdSchedule = "schedule"
	CmdTime     = "time"
	CmdReset    = "reset"
)

var knownCommands = map[string]bool{
	CmdStart: true, CmdHelp: true, CmdDocs: true, CmdPayments: true,
	CmdSchedule: true, CmdTime: true, CmdReset: true,
}

// IsCommand reports whether name is answered directly. Other slash-text is
// treated as ordinary conversation.
func IsCommand(name string) bool { return knownCommands[strings.ToLower(name)] }

const (
	separator        = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"
	paymentListLimit = 20
	docsResultLimit  = 3
	docsExcerptRunes = 150
)

// DocsIndex is the documentation search behind /docs.
type DocsIndex interface {
	Categories() []string
	Search(query string, limit int) []docs.Entry
}

// CommandDeps wires the command handlers.
type CommandDeps struct {
	Ledger   *payments.Ledger
	Book     *payments.ScheduleBook
	Docs     DocsIndex
	Sessions *sessions.Manager
	History  store.HistoryStore
	Clock    clock.Clock
	Location *time.Location
	// OnReset clears admission state (gate record, pending turn) for /reset.
	OnReset func(userID int64)
}

// Commands answers the direct commands. Concurrent /payments and /schedule
// lookups for the same user share one store query.
type Commands struct {
	deps  CommandDeps
	group singleflight.Group
}

func NewCommands(deps CommandDeps) *Commands {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	return &Commands{deps: deps}
}

// Handle answers one command event.
func (c *Commands) Handle(ctx context.Context, msg bus.InboundMessage) Action {
	name := strings.ToLower(msg.Command)
	slog.Debug("command", "user_id", msg.UserID, "command", name)

	switch name {
	case CmdStart:
		return Reply{Text: welcomeText(msg.Sender.DisplayName())}
	case CmdHelp:
		return Reply{Text: helpText}
	case CmdDocs:
		return Reply{Text: c.docs(strings.TrimSpace(msg.Args))}
	case CmdPayments:
		return Reply{Text: c.payments(ctx, msg.UserID)}
	case CmdSchedule:
		return Reply{Text: c.schedule(ctx, msg.UserID)}
	case CmdTime:
		return Reply{Text: c.timeText()}
	case CmdReset:
		return Reply{Text: c.reset(ctx, msg.UserID)}
	default:
		return Reply{Text: "Неизвестная команда. Используйте /help."}
	}
}

func (c *Commands) docs(query string) string {
	if c.deps.Docs == nil {
		return "Ошибка при поиске документации."
	}
	if query == "" {
		var b strings.Builder
		b.WriteString("📚 <b>Документация Make.com</b>\n\nДоступные категории:\n")
		for _, cat := range c.deps.Docs.Categories() {
			fmt.Fprintf(&b, "• %s\n", html.EscapeString(cat))
		}
		b.WriteString("\nИспользуйте: /docs &lt;запрос&gt; для поиска")
		return b.String()
	}

	q := html.EscapeString(query)
	results := c.deps.Docs.Search(query, docsResultLimit)
	if len(results) == 0 {
		return fmt.Sprintf("По запросу '%s' ничего не найдено. Попробуйте другие ключевые слова.", q)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🔍 <b>Результаты поиска: '%s'</b>\n\n📖 <b>Документация:</b>\n", q)
	for _, e := range results {
		fmt.Fprintf(&b, "%s <b>%s</b> (%s)\n", levelEmoji(e.Level), html.EscapeString(e.Title), html.EscapeString(e.Category))
		fmt.Fprintf(&b, "📝 %s...\n\n", html.EscapeString(truncateRunes(e.Content, docsExcerptRunes)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Commands) payments(ctx context.Context, userID int64) string {
	v, err, _ := c.group.Do("payments:"+strconv.FormatInt(userID, 10), func() (interface{}, error) {
		return c.deps.Ledger.ListByUser(ctx, userID, paymentListLimit)
	})
	if err != nil {
		slog.Error("payments command failed", "user_id", userID, "error", err)
		return "❌ Ошибка при получении истории платежей."
	}
	list := v.([]store.PaymentData)
	if len(list) == 0 {
		return "💳 <b>История платежей</b>\n\nУ вас пока нет платежей."
	}

	var b strings.Builder
	b.WriteString("💳 <b>История платежей</b>\n" + separator + "\n\n")
	for i, p := range list {
		fmt.Fprintf(&b, "<b>Платеж #%d</b>\n", i+1)
		fmt.Fprintf(&b, "• %s Сумма: %s %s\n", paymentEmoji(p.Status), payments.FormatAmount(p.Amount), html.EscapeString(p.Currency))
		fmt.Fprintf(&b, "• 📦 Пакет: %s\n", html.EscapeString(payments.PackageID(p.InvoicePayload)))
		fmt.Fprintf(&b, "• 📅 Дата: %s\n", p.CreatedAt.In(c.deps.Location).Format("2006-01-02 15:04"))
		fmt.Fprintf(&b, "• 🔄 Статус: %s\n\n", p.Status)
	}
	b.WriteString(separator)
	return b.String()
}

func (c *Commands) schedule(ctx context.Context, userID int64) string {
	v, err, _ := c.group.Do("schedule:"+strconv.FormatInt(userID, 10), func() (interface{}, error) {
		return c.deps.Book.ListByUser(ctx, userID)
	})
	if err != nil {
		slog.Error("schedule command failed", "user_id", userID, "error", err)
		return "❌ Ошибка при получении расписания."
	}
	list := v.([]store.ScheduleEntryData)
	if len(list) == 0 {
		return "📅 <b>Ваше расписание</b>\n\nУ вас пока нет записей в расписании."
	}

	var b strings.Builder
	b.WriteString("📅 <b>Ваше расписание</b>\n" + separator + "\n\n")
	for i, e := range list {
		fmt.Fprintf(&b, "<b>Занятие #%d</b>\n", i+1)
		fmt.Fprintf(&b, "• %s Тип: %s\n", scheduleEmoji(e.Status), html.EscapeString(e.LessonType))
		fmt.Fprintf(&b, "• 🕐 Время: %s\n", e.ScheduledAt.In(c.deps.Location).Format("2006-01-02 15:04"))
		fmt.Fprintf(&b, "• ⏱️ Длительность: %d мин\n", e.DurationMinutes)
		if e.Notes != "" {
			fmt.Fprintf(&b, "• 📝 Заметки: %s\n", html.EscapeString(e.Notes))
		}
		b.WriteString("\n")
	}
	b.WriteString(separator)
	return b.String()
}

func (c *Commands) timeText() string {
	now := c.deps.Clock.Now().In(c.deps.Location)
	_, offset := now.Zone()

	var b strings.Builder
	b.WriteString("🕐 <b>Текущее время в Москве</b>\n" + separator + "\n\n")
	fmt.Fprintf(&b, "📅 <b>Дата и время:</b>\n• %s\n\n", now.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "📆 <b>День недели:</b>\n• %s\n\n", now.Weekday())
	fmt.Fprintf(&b, "🌍 <b>Часовой пояс:</b>\n• %s\n", zoneLabel(c.deps.Location, offset))
	b.WriteString(separator)
	return b.String()
}

func (c *Commands) reset(ctx context.Context, userID int64) string {
	if c.deps.Sessions != nil {
		if err := c.deps.Sessions.Reset(userID); err != nil {
			slog.Warn("reset: session", "user_id", userID, "error", err)
		}
	}
	if c.deps.History != nil {
		if _, err := c.deps.History.Clear(ctx, userID); err != nil {
			slog.Warn("reset: history", "user_id", userID, "error", err)
		}
	}
	if c.deps.OnReset != nil {
		c.deps.OnReset(userID)
	}
	slog.Info("conversation reset", "user_id", userID)
	return "🔄 История диалога очищена. Можно начать заново!"
}

func zoneLabel(loc *time.Location, offset int) string {
	sign := "+"
	if offset < 0 {
		sign, offset = "-", -offset
	}
	h, m := offset/3600, (offset%3600)/60
	label := fmt.Sprintf("UTC%s%d", sign, h)
	if m != 0 {
		label += fmt.Sprintf(":%02d", m)
	}
	if loc.String() == "Europe/Moscow" {
		label += " (Москва)"
	}
	return label
}

func paymentEmoji(s store.PaymentStatus) string {
	switch s {
	case store.PaymentCompleted:
		return "✅"
	case store.PaymentPending:
		return "⏳"
	default:
		return "❌"
	}
}

func scheduleEmoji(s store.ScheduleStatus) string {
	switch s {
	case store.ScheduleScheduled:
		return "📚"
	case store.ScheduleCompleted:
		return "✅"
	default:
		return "❌"
	}
}

func levelEmoji(level string) string {
	switch level {
	case docs.LevelBeginner:
		return "🟢"
	case docs.LevelIntermediate:
		return "🟡"
	default:
		return "🔴"
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func welcomeText(name string) string {
	return "🤖 <b>Добро пожаловать в Make.com Помощник!</b>\n\n" + separator + "\n\n" +
		"Привет, " + html.EscapeString(name) + "! Я ваш персональный эксперт по платформе Make.com.\n\n" +
		separator + "\n\n" +
		"🚀 <b>Что я умею:</b>\n" +
		"• 📚 Отвечать на вопросы по Make.com\n" +
		"• 🔍 Анализировать ваши сценарии\n" +
		"• 💰 Принимать платежи за обучение\n" +
		"• 📅 Планировать индивидуальные занятия\n" +
		"• 🎤 Обрабатывать голосовые сообщения\n" +
		"• 📄 Читать и анализировать документы\n\n" +
		separator + "\n\n" +
		commandList + "\n\n" +
		separator + "\n\n" +
		"💡 <b>Для сложных задач</b> я предложу индивидуальные занятия с экспертом!\n\n" +
		separator + "\n\n" +
		"Отправьте мне любой вопрос по Make.com или загрузите сценарий для анализа."
}

const commandList = "📋 <b>Основные команды:</b>\n" +
	"• /start - запуск помощника\n" +
	"• /help - подробная справка\n" +
	"• /docs &lt;запрос&gt; - поиск документации\n" +
	"• /payments - история платежей\n" +
	"• /schedule - ваше расписание\n" +
	"• /time - московское время\n" +
	"• /reset - начать диалог заново"

const helpText = "🤖 <b>Make.com Помощник - Справка</b>\n\n" + separator + "\n\n" +
	commandList + "\n\n" + separator + "\n\n" +
	"🚀 <b>Возможности бота:</b>\n" +
	"• 📚 Ответы на вопросы по Make.com\n" +
	"• 🔍 Анализ ваших сценариев\n" +
	"• 💰 Система платежей\n" +
	"• 📅 Планирование занятий\n" +
	"• 🎤 Голосовые сообщения\n" +
	"• 📄 Обработка документов\n\n" +
	separator + "\n\n" +
	"💡 <b>Для сложных задач</b> бот предложит индивидуальные занятия с экспертом!\n\n" +
	separator + "\n\n" +
	"💰 <b>Пакеты обучения:</b>\n" +
	"• 1 занятие (2 часа) - 10,000₽\n" +
	"• 3 занятия - 25,000₽\n" +
	"• Месяц обучения - 60,000₽\n\n" +
	separator
