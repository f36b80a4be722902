package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/mentorbot/internal/channels"
	"github.com/nextlevelbuilder/mentorbot/internal/dispatch"
	"github.com/nextlevelbuilder/mentorbot/internal/payments"
	"github.com/nextlevelbuilder/mentorbot/internal/providers"
	"github.com/nextlevelbuilder/mentorbot/internal/store"
	"github.com/nextlevelbuilder/mentorbot/internal/store/memory"
)

const user = int64(42)

type sent struct {
	kind    string // text, voice, invoice
	text    string
	caption string
	invoice channels.Invoice
}

type fakeSender struct {
	out        []sent
	voiceErr   error
	invoiceErr error
}

func (f *fakeSender) SendText(_ context.Context, _ int64, text string) error {
	f.out = append(f.out, sent{kind: "text", text: text})
	return nil
}

func (f *fakeSender) SendVoice(_ context.Context, _ int64, audio []byte, caption string) error {
	if f.voiceErr != nil {
		return f.voiceErr
	}
	f.out = append(f.out, sent{kind: "voice", caption: caption})
	return nil
}

func (f *fakeSender) SendInvoice(_ context.Context, _ int64, inv channels.Invoice) error {
	if f.invoiceErr != nil {
		return f.invoiceErr
	}
	f.out = append(f.out, sent{kind: "invoice", invoice: inv})
	return nil
}

func (f *fakeSender) kinds() string {
	var k []string
	for _, s := range f.out {
		k = append(k, s.kind)
	}
	return strings.Join(k, ",")
}

type fakeSynth struct {
	err   error
	calls int
}

func (f *fakeSynth) Synthesize(context.Context, string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []byte("opus"), nil
}

func newRouter(t *testing.T, s *fakeSender, synth *fakeSynth) (*Router, *payments.Ledger) {
	t.Helper()
	ledger := payments.NewLedger(memory.NewPaymentStore())
	var sy providers.Synthesizer
	if synth != nil {
		sy = synth
	}
	return New(s, sy, ledger, Config{Currency: "RUB"}), ledger
}

func TestRouteReply(t *testing.T) {
	long := strings.Repeat("д", 120)
	medium := strings.Repeat("д", 60)

	tests := []struct {
		name      string
		reply     dispatch.Reply
		synthErr  error
		voiceErr  error
		wantKinds string
		caption   string
	}{
		{"short voice turn gets text", dispatch.Reply{Text: "коротко", PreferVoice: true}, nil, nil, "text", ""},
		{"text turn gets text", dispatch.Reply{Text: long}, nil, nil, "text", ""},
		{"long voice turn gets voice with caption", dispatch.Reply{Text: long, PreferVoice: true}, nil, nil, "voice", strings.Repeat("д", 100) + "..."},
		{"medium voice turn has no caption", dispatch.Reply{Text: medium, PreferVoice: true}, nil, nil, "voice", ""},
		{"synthesis failure falls back to text", dispatch.Reply{Text: long, PreferVoice: true}, errors.New("tts down"), nil, "text", ""},
		{"voice send failure falls back to text", dispatch.Reply{Text: long, PreferVoice: true}, nil, errors.New("too big"), "text", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSender{voiceErr: tt.voiceErr}
			r, _ := newRouter(t, s, &fakeSynth{err: tt.synthErr})
			if err := r.Route(context.Background(), user, tt.reply); err != nil {
				t.Fatalf("Route: %v", err)
			}
			if got := s.kinds(); got != tt.wantKinds {
				t.Fatalf("sent %q, want %q", got, tt.wantKinds)
			}
			if tt.wantKinds == "voice" && s.out[0].caption != tt.caption {
				t.Errorf("caption = %q, want %q", s.out[0].caption, tt.caption)
			}
		})
	}
}

func TestRouteReplyWithoutSynthesizer(t *testing.T) {
	s := &fakeSender{}
	r, _ := newRouter(t, s, nil)
	if err := r.Route(context.Background(), user, dispatch.Reply{Text: strings.Repeat("x", 80), PreferVoice: true}); err != nil {
		t.Fatal(err)
	}
	if s.kinds() != "text" {
		t.Errorf("sent %q", s.kinds())
	}
}

func TestRouteOfferSendsTextThenInvoice(t *testing.T) {
	s := &fakeSender{}
	r, ledger := newRouter(t, s, nil)
	ctx := context.Background()

	offer := dispatch.OfferPackage{Text: "Предлагаю занятие", CTA: "1 занятие (2 часа)", Price: 10000}
	if err := r.Route(ctx, user, offer); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if s.kinds() != "text,invoice" {
		t.Fatalf("sent %q", s.kinds())
	}
	inv := s.out[1].invoice
	want := channels.Invoice{
		Title:       "1 занятие (2 часа)",
		Description: "Обучение по Make.com: 1 занятие (2 часа)",
		Payload:     "mentorship_42_1 занятие (2 часа)",
		Currency:    "RUB",
		Amount:      1000000,
	}
	if inv != want {
		t.Errorf("invoice = %+v, want %+v", inv, want)
	}
	status, ok, err := ledger.Status(ctx, want.Payload)
	if err != nil || !ok || status != store.PaymentPending {
		t.Errorf("ledger status = %q, %v, %v", status, ok, err)
	}

	// A second offer of the unpaid package reuses the payload.
	if err := r.Route(ctx, user, offer); err != nil {
		t.Fatalf("second Route: %v", err)
	}
	if got := s.out[3].invoice.Payload; got != want.Payload {
		t.Errorf("re-offer payload = %q", got)
	}
}

func TestRouteOfferAfterCompletedPurchaseUsesSuffix(t *testing.T) {
	s := &fakeSender{}
	r, ledger := newRouter(t, s, nil)
	ctx := context.Background()

	now := time.Now()
	if _, _, err := ledger.Settle(ctx, &store.PaymentData{
		InvoicePayload: "mentorship_42_Месяц", UserID: user, Amount: 6000000, Currency: "RUB", CompletedAt: &now,
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.Route(ctx, user, dispatch.OfferPackage{Text: "ещё месяц?", CTA: "Месяц", Price: 60000}); err != nil {
		t.Fatal(err)
	}
	if got := s.out[1].invoice.Payload; got != "mentorship_42_Месяц#2" {
		t.Errorf("payload = %q", got)
	}
}

func TestRouteOfferWithoutPriceSendsTextOnly(t *testing.T) {
	s := &fakeSender{}
	r, _ := newRouter(t, s, nil)
	if err := r.Route(context.Background(), user, dispatch.OfferPackage{Text: "подумайте", CTA: "Месяц"}); err != nil {
		t.Fatal(err)
	}
	if s.kinds() != "text" {
		t.Errorf("sent %q", s.kinds())
	}
}

func TestRouteOfferAboveMaxPriceSendsTextOnly(t *testing.T) {
	s := &fakeSender{}
	r, _ := newRouter(t, s, nil)
	offer := dispatch.OfferPackage{Text: "x", CTA: "Месяц", Price: dispatch.MaxPrice + 1}
	if err := r.Route(context.Background(), user, offer); err != nil {
		t.Fatal(err)
	}
	if s.kinds() != "text" {
		t.Errorf("sent %q", s.kinds())
	}
}

func TestRouteInvoiceFailureIsReported(t *testing.T) {
	s := &fakeSender{invoiceErr: errors.New("provider token missing")}
	r, ledger := newRouter(t, s, nil)

	err := r.Route(context.Background(), user, dispatch.OfferPackage{Text: "x", CTA: "Месяц", Price: 60000})
	if err == nil {
		t.Fatal("invoice failure not reported")
	}
	if ok, _ := ledger.Exists(context.Background(), "mentorship_42_Месяц"); ok {
		t.Error("unsent invoice was recorded")
	}
}

func TestRouteTextOnlyActions(t *testing.T) {
	for _, a := range []dispatch.Action{
		dispatch.ScheduleRequest{Text: "когда удобно?"},
		dispatch.DocumentationSearch{Text: "см. документацию"},
	} {
		s := &fakeSender{}
		r, _ := newRouter(t, s, nil)
		if err := r.Route(context.Background(), user, a); err != nil {
			t.Fatal(err)
		}
		if s.kinds() != "text" || s.out[0].text != a.ReplyText() {
			t.Errorf("%s: sent %+v", a.Name(), s.out)
		}
	}
}

func TestRouteNilAction(t *testing.T) {
	s := &fakeSender{}
	r, _ := newRouter(t, s, nil)
	if err := r.Route(context.Background(), user, nil); err != nil || len(s.out) != 0 {
		t.Errorf("nil action: err=%v sent=%v", err, s.out)
	}
}
