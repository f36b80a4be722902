package payments

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/mentorbot/internal/clock"
	"github.com/nextlevelbuilder/mentorbot/internal/store"
	"github.com/nextlevelbuilder/mentorbot/internal/store/memory"
)

const adminChat = int64(-1001)

type sentText struct {
	chatID int64
	text   string
}

type fakeNotifier struct {
	mu     sync.Mutex
	sent   []sentText
	failTo map[int64]bool
}

func (n *fakeNotifier) SendText(_ context.Context, chatID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failTo[chatID] {
		return errors.New("chat unreachable")
	}
	n.sent = append(n.sent, sentText{chatID, text})
	return nil
}

func (n *fakeNotifier) to(chatID int64) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		if s.chatID == chatID {
			out = append(out, s.text)
		}
	}
	return out
}

type pipelineFixture struct {
	stores   *store.Stores
	notifier *fakeNotifier
	clk      *clock.Fake
	pipeline *Pipeline
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	st := memory.NewStores()
	n := &fakeNotifier{failTo: map[int64]bool{}}
	clk := clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	msk := time.FixedZone("MSK", 3*3600)
	p := NewPipeline(NewLedger(st.Payments), NewScheduleBook(st.Schedule, NewCatalog(nil)), st.Users, n, clk,
		PipelineConfig{AdminChatID: adminChat, Location: msk})
	return &pipelineFixture{stores: st, notifier: n, clk: clk, pipeline: p}
}

func singleLessonPayment() SuccessfulPayment {
	return SuccessfulPayment{
		UserID:           42,
		ChatID:           42,
		FirstName:        "Анна",
		Username:         "anna",
		InvoicePayload:   "mentorship_42_1 занятие",
		Currency:         "RUB",
		TotalAmount:      1000000,
		ProviderChargeID: "prov-1",
	}
}

// TestPipeline_DoubleDelivery delivers the same successful payment twice and
// expects one record, one 120-minute entry and one admin message.
func TestPipeline_DoubleDelivery(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	first, err := f.pipeline.Reconcile(ctx, singleLessonPayment())
	if err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	if first.Duplicate || first.Failures != nil {
		t.Fatalf("first result = %+v", first)
	}
	second, err := f.pipeline.Reconcile(ctx, singleLessonPayment())
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if !second.Duplicate {
		t.Error("second delivery not reported as duplicate")
	}

	payments, _ := f.stores.Payments.ListByUser(ctx, 42, 0)
	if len(payments) != 1 || payments[0].Status != store.PaymentCompleted {
		t.Fatalf("payments = %+v", payments)
	}
	entries, _ := f.stores.Schedule.ListByUser(ctx, 42, nil)
	if len(entries) != 1 || entries[0].DurationMinutes != 120 {
		t.Fatalf("schedule = %+v", entries)
	}
	if entries[0].PaymentID == nil || *entries[0].PaymentID != payments[0].ID {
		t.Error("schedule entry not linked to the payment")
	}
	if entries[0].Notes != "Оплачено: mentorship_42_1 занятие" {
		t.Errorf("notes = %q", entries[0].Notes)
	}
	if !entries[0].ScheduledAt.Equal(f.clk.Now()) {
		t.Errorf("scheduled at %v, want completion time %v", entries[0].ScheduledAt, f.clk.Now())
	}

	admin := f.notifier.to(adminChat)
	if len(admin) != 1 {
		t.Fatalf("admin messages = %d, want 1", len(admin))
	}
	for _, want := range []string{"Новый платеж", "10000 RUB", "mentorship_42_1 занятие", "prov-1", "Индивидуальное занятие", "@anna"} {
		if !strings.Contains(admin[0], want) {
			t.Errorf("admin notice missing %q:\n%s", want, admin[0])
		}
	}
	user := f.notifier.to(42)
	if len(user) != 1 || !strings.HasPrefix(user[0], "✅ Спасибо за оплату!") {
		t.Errorf("user confirmations = %q", user)
	}
	if u, err := f.stores.Users.Get(ctx, 42); err != nil || u.FirstName != "Анна" {
		t.Errorf("user = %+v, %v", u, err)
	}
}

func TestPipeline_ConcurrentDeliveryReconcilesOnce(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	var wg sync.WaitGroup
	results := make([]*Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.pipeline.Reconcile(ctx, singleLessonPayment())
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = r
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, r := range results {
		if r != nil && !r.Duplicate {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("non-duplicate results = %d, want 1", fresh)
	}
	if n := len(f.notifier.to(adminChat)); n != 1 {
		t.Errorf("admin messages = %d, want 1", n)
	}
}

func TestPipeline_CompletesPendingRecord(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	sp := singleLessonPayment()

	pending := &store.PaymentData{InvoicePayload: sp.InvoicePayload, UserID: 42, Amount: sp.TotalAmount, Currency: "RUB"}
	if err := f.pipeline.ledger.RecordPending(ctx, pending); err != nil {
		t.Fatal(err)
	}
	res, err := f.pipeline.Reconcile(ctx, sp)
	if err != nil || res.Duplicate {
		t.Fatalf("Reconcile = %+v, %v", res, err)
	}
	if res.Payment.ID != pending.ID {
		t.Error("pending record was not reused")
	}
}

// TestPipeline_BusySlotShiftsEntry books a paid lesson right after an
// overlapping entry instead of dropping it.
func TestPipeline_BusySlotShiftsEntry(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	blocking := &store.ScheduleEntryData{UserID: 7, LessonType: "x", ScheduledAt: f.clk.Now().Add(-time.Hour), DurationMinutes: 180}
	if err := f.stores.Schedule.Reserve(ctx, blocking); err != nil {
		t.Fatal(err)
	}

	res, err := f.pipeline.Reconcile(ctx, singleLessonPayment())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Failures != nil {
		t.Fatalf("Failures = %v", res.Failures)
	}
	if res.Schedule == nil {
		t.Fatal("no schedule entry for a completed payment")
	}
	if !res.Schedule.ScheduledAt.Equal(blocking.End()) {
		t.Errorf("ScheduledAt = %v, want %v", res.Schedule.ScheduledAt, blocking.End())
	}
	entries, _ := f.stores.Schedule.ListByUser(ctx, 42, nil)
	if len(entries) != 1 {
		t.Errorf("entries = %+v, want one", entries)
	}
	admin := f.notifier.to(adminChat)
	// The blocking entry ends at 11:00 UTC, 14:00 MSK.
	if len(admin) != 1 || !strings.Contains(admin[0], "01.03.2025 14:00") {
		t.Errorf("admin messages = %q", admin)
	}
}

func TestPipeline_TwoBuyersGetSeparateSlots(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	first := singleLessonPayment()
	second := singleLessonPayment()
	second.UserID, second.ChatID = 77, 77
	second.InvoicePayload = "mentorship_77_1 занятие"
	second.ProviderChargeID = "prov-2"

	if _, err := f.pipeline.Reconcile(ctx, first); err != nil {
		t.Fatalf("Reconcile first: %v", err)
	}
	f.clk.Advance(30 * time.Minute)
	res, err := f.pipeline.Reconcile(ctx, second)
	if err != nil {
		t.Fatalf("Reconcile second: %v", err)
	}
	if res.Failures != nil || res.Schedule == nil {
		t.Fatalf("second buyer: schedule=%v failures=%v", res.Schedule != nil, res.Failures)
	}

	a, _ := f.stores.Schedule.ListByUser(ctx, 42, nil)
	b, _ := f.stores.Schedule.ListByUser(ctx, 77, nil)
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("entries: user 42 = %d, user 77 = %d, want 1 each", len(a), len(b))
	}
	if store.Overlaps(a[0].ScheduledAt, a[0].End(), b[0].ScheduledAt, b[0].End()) {
		t.Errorf("slots overlap: %v+%dm and %v+%dm", a[0].ScheduledAt, a[0].DurationMinutes, b[0].ScheduledAt, b[0].DurationMinutes)
	}
	if !b[0].ScheduledAt.Equal(a[0].End()) {
		t.Errorf("second slot starts %v, want %v", b[0].ScheduledAt, a[0].End())
	}
}

func TestPipeline_NotificationFailuresDoNotUnrecord(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	f.notifier.failTo[adminChat] = true
	f.notifier.failTo[42] = true

	res, err := f.pipeline.Reconcile(ctx, singleLessonPayment())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Failures == nil || res.Schedule == nil {
		t.Fatalf("result = %+v", res)
	}
	again, _ := f.pipeline.Reconcile(ctx, singleLessonPayment())
	if !again.Duplicate {
		t.Error("notification failures must not allow reprocessing")
	}
}

func TestPipeline_NoAdminConfigured(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	f.pipeline.SetAdminChat(0)

	if _, err := f.pipeline.Reconcile(ctx, singleLessonPayment()); err != nil {
		t.Fatal(err)
	}
	if len(f.notifier.sent) != 1 {
		t.Errorf("sent = %+v, want only the user confirmation", f.notifier.sent)
	}
}
