package dispatch

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/mentorbot/internal/bus"
	"github.com/nextlevelbuilder/mentorbot/internal/clock"
	"github.com/nextlevelbuilder/mentorbot/internal/docs"
	"github.com/nextlevelbuilder/mentorbot/internal/payments"
	"github.com/nextlevelbuilder/mentorbot/internal/sessions"
	"github.com/nextlevelbuilder/mentorbot/internal/store"
	"github.com/nextlevelbuilder/mentorbot/internal/store/memory"
)

var msk = time.FixedZone("MSK", 3*3600)

type commandFixture struct {
	stores   *store.Stores
	ledger   *payments.Ledger
	book     *payments.ScheduleBook
	sessions *sessions.Manager
	resets   []int64
	cmds     *Commands
}

func newCommandFixture(t *testing.T) *commandFixture {
	t.Helper()
	st := memory.NewStores()
	f := &commandFixture{
		stores:   st,
		ledger:   payments.NewLedger(st.Payments),
		book:     payments.NewScheduleBook(st.Schedule, payments.NewCatalog(payments.DefaultPackages())),
		sessions: sessions.NewManager("", 10, "system"),
	}
	f.cmds = NewCommands(CommandDeps{
		Ledger:   f.ledger,
		Book:     f.book,
		Docs:     docs.NewIndex(nil),
		Sessions: f.sessions,
		History:  st.History,
		Clock:    clock.NewFake(t0),
		Location: msk,
		OnReset:  func(uid int64) { f.resets = append(f.resets, uid) },
	})
	return f
}

func command(name, args string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel: "telegram", UserID: testUser, ChatID: testUser, Kind: bus.KindCommand,
		Command: name, Args: args, Content: strings.TrimSpace("/" + name + " " + args),
		Sender: bus.Sender{FirstName: "Анна"},
	}
}

func (f *commandFixture) run(t *testing.T, name, args string) string {
	t.Helper()
	a := f.cmds.Handle(context.Background(), command(name, args))
	r, ok := a.(Reply)
	if !ok {
		t.Fatalf("/%s returned %T, want Reply", name, a)
	}
	return r.Text
}

func TestIsCommand(t *testing.T) {
	for _, name := range []string{"start", "HELP", "docs", "payments", "schedule", "time", "reset"} {
		if !IsCommand(name) {
			t.Errorf("IsCommand(%q) = false", name)
		}
	}
	if IsCommand("whoami") {
		t.Error("IsCommand(whoami) = true")
	}
}

func TestStartGreetsByName(t *testing.T) {
	f := newCommandFixture(t)
	text := f.run(t, CmdStart, "")
	if !strings.Contains(text, "Привет, Анна!") || !strings.Contains(text, "/docs &lt;запрос&gt;") {
		t.Errorf("welcome text:\n%s", text)
	}
}

func TestPaymentsCommand(t *testing.T) {
	f := newCommandFixture(t)
	ctx := context.Background()

	if text := f.run(t, CmdPayments, ""); !strings.Contains(text, "У вас пока нет платежей.") {
		t.Errorf("empty list text:\n%s", text)
	}

	now := t0
	if _, _, err := f.ledger.Settle(ctx, &store.PaymentData{
		InvoicePayload: "mentorship_42_1 занятие (2 часа)", UserID: testUser,
		Amount: 1000000, Currency: "RUB", CompletedAt: &now,
	}); err != nil {
		t.Fatal(err)
	}

	text := f.run(t, CmdPayments, "")
	for _, want := range []string{"<b>Платеж #1</b>", "✅ Сумма: 10000 RUB", "Пакет: 1 занятие (2 часа)", "Статус: completed"} {
		if !strings.Contains(text, want) {
			t.Errorf("payments text missing %q:\n%s", want, text)
		}
	}
}

func TestScheduleCommand(t *testing.T) {
	f := newCommandFixture(t)
	ctx := context.Background()

	if text := f.run(t, CmdSchedule, ""); !strings.Contains(text, "У вас пока нет записей в расписании.") {
		t.Errorf("empty schedule text:\n%s", text)
	}

	if _, err := f.book.Create(ctx, &store.ScheduleEntryData{
		UserID: testUser, LessonType: "Пакет из 3 занятий", ScheduledAt: t0,
		DurationMinutes: 360, Status: store.ScheduleScheduled, Notes: "Оплачено: mentorship_42_3 занятия",
	}); err != nil {
		t.Fatal(err)
	}

	text := f.run(t, CmdSchedule, "")
	for _, want := range []string{"<b>Занятие #1</b>", "📚 Тип: Пакет из 3 занятий", "Время: 2026-03-02 12:00", "Длительность: 360 мин", "Заметки: Оплачено"} {
		if !strings.Contains(text, want) {
			t.Errorf("schedule text missing %q:\n%s", want, text)
		}
	}
}

func TestDocsCommand(t *testing.T) {
	f := newCommandFixture(t)

	tests := []struct {
		args string
		want []string
	}{
		{"", []string{"Доступные категории:", "• Основы", "• Продвинутые", "/docs &lt;запрос&gt;"}},
		{"ошибки", []string{"🔍 <b>Результаты поиска: 'ошибки'</b>", "🟡 <b>Обработка ошибок</b> (Продвинутые)"}},
		{"<kubernetes>", []string{"По запросу '&lt;kubernetes&gt;' ничего не найдено."}},
	}
	for _, tt := range tests {
		t.Run(tt.args, func(t *testing.T) {
			text := f.run(t, CmdDocs, tt.args)
			for _, w := range tt.want {
				if !strings.Contains(text, w) {
					t.Errorf("docs %q missing %q:\n%s", tt.args, w, text)
				}
			}
		})
	}
}

func TestTimeCommand(t *testing.T) {
	f := newCommandFixture(t)
	text := f.run(t, CmdTime, "")
	for _, want := range []string{"• 2026-03-02 12:00:00", "• Monday", "• UTC+3"} {
		if !strings.Contains(text, want) {
			t.Errorf("time text missing %q:\n%s", want, text)
		}
	}
}

func TestResetClearsConversation(t *testing.T) {
	f := newCommandFixture(t)
	ctx := context.Background()

	f.sessions.AppendExchange(testUser, "q", "a")
	if err := f.stores.History.Append(ctx, store.HistoryEntry{UserID: testUser, Role: "user", Text: "q", CreatedAt: t0}); err != nil {
		t.Fatal(err)
	}

	text := f.run(t, CmdReset, "")
	if !strings.Contains(text, "История диалога очищена") {
		t.Errorf("reset text: %s", text)
	}
	if n := f.sessions.HistoryLen(testUser); n != 0 {
		t.Errorf("session history len = %d", n)
	}
	if got, _ := f.stores.History.Recent(ctx, testUser, 10); len(got) != 0 {
		t.Errorf("audit not cleared: %+v", got)
	}
	if len(f.resets) != 1 || f.resets[0] != testUser {
		t.Errorf("OnReset calls = %v", f.resets)
	}
}
