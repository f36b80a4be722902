package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/encoding/charmap"

	"github.com/nextlevelbuilder/mentorbot/internal/bus"
	"github.com/nextlevelbuilder/mentorbot/internal/clock"
	"github.com/nextlevelbuilder/mentorbot/internal/providers"
	"github.com/nextlevelbuilder/mentorbot/internal/sessions"
	"github.com/nextlevelbuilder/mentorbot/internal/store"
)

// User-facing texts for turns the backend never saw or failed on.
const (
	FallbackText          = "⚠️ Произошла ошибка при обработке сообщения. Попробуйте еще раз через минуту."
	UnrecognizedAudioText = "Не удалось распознать аудио сообщение."
	UnsupportedTurnText   = "Извините, я не понимаю этот тип сообщения."
)

const (
	maxDocumentRunes = 10000
	defaultMaxTokens = 1000
)

// Document extensions read as text.
var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".csv": true, ".log": true, ".json": true,
	".py": true, ".js": true, ".html": true, ".css": true, ".xml": true,
	".yaml": true, ".yml": true,
}

// FileFetcher downloads an inbound attachment by its transport file id.
type FileFetcher interface {
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// TypingNotifier shows a "typing…" indicator in a chat.
type TypingNotifier interface {
	SendTyping(ctx context.Context, chatID int64) error
}

// Config tunes the backend call.
type Config struct {
	Model         string
	MaxTokens     int
	Temperature   float64
	Retry         providers.RetryConfig
	Location      *time.Location
	MediaMaxBytes int64 // attachments above this are not downloaded; 0 = no limit
}

// Deps are the Dispatcher's collaborators. Transcriber, Files, Typing and
// History are optional.
type Deps struct {
	Provider    providers.Provider
	Transcriber providers.Transcriber
	Files       FileFetcher
	Typing      TypingNotifier
	Sessions    *sessions.Manager
	History     store.HistoryStore
	Commands    *Commands
	Clock       clock.Clock
}

// Dispatcher processes closed turns. It never returns an error: every
// failure is logged and turned into an apology the user can read.
type Dispatcher struct {
	deps Deps
	cfg  Config
}

func New(deps Deps, cfg Config) *Dispatcher {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = providers.DefaultRetryConfig()
	}
	return &Dispatcher{deps: deps, cfg: cfg}
}

// Process handles one turn and returns the action to route, or nil for an
// empty batch.
func (d *Dispatcher) Process(ctx context.Context, userID int64, batch []bus.InboundMessage) Action {
	if len(batch) == 0 {
		return nil
	}

	first := batch[0]
	if first.Kind == bus.KindCommand && IsCommand(first.Command) && d.deps.Commands != nil {
		if len(batch) > 1 {
			slog.Warn("command turn carries extra events, ignoring them", "user_id", userID, "extra", len(batch)-1)
		}
		d.audit(ctx, userID, "user", strings.TrimSpace("/"+first.Command+" "+first.Args), bus.KindCommand)
		return d.deps.Commands.Handle(ctx, first)
	}

	ctx, span := otel.Tracer("mentorbot/dispatch").Start(ctx, "dispatch.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.Int64("user.id", userID), attribute.Int("turn.events", len(batch))))
	defer span.End()

	if d.deps.Typing != nil {
		if err := d.deps.Typing.SendTyping(ctx, first.ChatID); err != nil {
			slog.Debug("typing indicator failed", "chat_id", first.ChatID, "error", err)
		}
	}

	text, preferVoice, kind := d.collect(ctx, batch)
	if strings.TrimSpace(text) == "" {
		if preferVoice {
			return Reply{Text: UnrecognizedAudioText}
		}
		return Reply{Text: UnsupportedTurnText}
	}
	d.audit(ctx, userID, "user", text, kind)

	userText := fmt.Sprintf("Пользователь %s пишет: %s", first.Sender.DisplayName(), text)
	req := providers.ChatRequest{
		Messages: append(d.window(userID), providers.Message{Role: "user", Content: userText}),
		Model:    d.cfg.Model,
		Options: map[string]interface{}{
			providers.OptMaxTokens:   d.cfg.MaxTokens,
			providers.OptTemperature: d.cfg.Temperature,
		},
	}

	start := time.Now()
	resp, err := providers.RetryDo(ctx, d.cfg.Retry, func(ctx context.Context) (*providers.ChatResponse, error) {
		return d.deps.Provider.Chat(ctx, req)
	})
	if err == nil && strings.TrimSpace(resp.Content) == "" {
		err = errors.New("empty backend reply")
	}
	if err != nil {
		slog.Error("dispatch: backend call failed",
			"user_id", userID, "provider", d.deps.Provider.Name(),
			"duration", time.Since(start), "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Reply{Text: FallbackText}
	}

	d.deps.Sessions.AppendExchange(userID, userText, resp.Content)
	if err := d.deps.Sessions.Save(userID); err != nil {
		slog.Warn("dispatch: save session", "user_id", userID, "error", err)
	}

	action, err := ParseReply(resp.Content, preferVoice)
	if err != nil {
		slog.Warn("dispatch: backend reply not in expected format", "user_id", userID, "error", err)
	}
	d.audit(ctx, userID, "assistant", action.ReplyText(), bus.KindText)

	span.SetAttributes(attribute.String("dispatch.action", action.Name()))
	slog.Debug("backend reply parsed",
		"user_id", userID, "events", len(batch), "action", action.Name(),
		"voice", preferVoice, "duration", time.Since(start))
	return action
}

// window is the session window with the system prompt rendered for now.
func (d *Dispatcher) window(userID int64) []providers.Message {
	msgs := d.deps.Sessions.Window(userID)
	if len(msgs) > 0 && msgs[0].Role == "system" {
		msgs[0].Content = RenderPrompt(msgs[0].Content, d.deps.Clock.Now().In(d.cfg.Location))
	}
	return msgs
}

// collect joins the turn's content in arrival order. Audio is transcribed
// and documents are read; the returned kind is the first non-text kind seen.
func (d *Dispatcher) collect(ctx context.Context, batch []bus.InboundMessage) (string, bool, bus.EventKind) {
	var parts []string
	preferVoice := false
	kind := bus.KindText

	for _, ev := range batch {
		switch {
		case ev.Kind.IsAudio():
			preferVoice = true
			if kind == bus.KindText {
				kind = ev.Kind
			}
			if t := d.transcribe(ctx, ev); t != "" {
				parts = append(parts, t)
			}
		case ev.Kind == bus.KindDocument:
			if kind == bus.KindText {
				kind = bus.KindDocument
			}
			if c := strings.TrimSpace(ev.Content); c != "" {
				parts = append(parts, c)
			}
			parts = append(parts, d.readDocument(ctx, ev))
		default:
			if c := strings.TrimSpace(ev.Content); c != "" {
				parts = append(parts, c)
			}
		}
	}
	return strings.Join(parts, "\n"), preferVoice, kind
}

func (d *Dispatcher) transcribe(ctx context.Context, ev bus.InboundMessage) string {
	if d.deps.Transcriber == nil || d.deps.Files == nil || ev.FileID == "" {
		slog.Warn("audio received but transcription is not configured", "user_id", ev.UserID)
		return ""
	}
	if d.cfg.MediaMaxBytes > 0 && ev.FileSize > d.cfg.MediaMaxBytes {
		slog.Warn("audio too large", "user_id", ev.UserID, "size", ev.FileSize, "max", d.cfg.MediaMaxBytes)
		return ""
	}

	data, err := d.deps.Files.DownloadFile(ctx, ev.FileID)
	if err != nil {
		slog.Warn("audio download failed", "user_id", ev.UserID, "file_id", ev.FileID, "error", err)
		return ""
	}

	filename := ev.FileName
	if filename == "" {
		filename = "voice.ogg"
	}
	text, err := providers.RetryDo(ctx, d.cfg.Retry, func(ctx context.Context) (string, error) {
		return d.deps.Transcriber.Transcribe(ctx, data, filename)
	})
	if err != nil {
		slog.Warn("transcription failed", "user_id", ev.UserID, "error", err)
		return ""
	}
	return strings.TrimSpace(text)
}

func (d *Dispatcher) readDocument(ctx context.Context, ev bus.InboundMessage) string {
	name := ev.FileName
	if name == "" {
		name = "document"
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !textExtensions[ext] {
		return fmt.Sprintf("[Файл %s: формат %s не поддерживается для чтения]", name, ext)
	}
	if d.cfg.MediaMaxBytes > 0 && ev.FileSize > d.cfg.MediaMaxBytes {
		return fmt.Sprintf("[Файл %s: слишком большой]", name)
	}
	if d.deps.Files == nil || ev.FileID == "" {
		return fmt.Sprintf("[Файл %s: не удалось загрузить]", name)
	}

	data, err := d.deps.Files.DownloadFile(ctx, ev.FileID)
	if err != nil {
		slog.Warn("document download failed", "user_id", ev.UserID, "file", name, "error", err)
		return fmt.Sprintf("[Файл %s: не удалось загрузить]", name)
	}

	content := decodeText(data)
	if r := []rune(content); len(r) > maxDocumentRunes {
		content = string(r[:maxDocumentRunes]) + "\n... (файл обрезан)"
	}
	return fmt.Sprintf("[Файл %s]\n%s", name, content)
}

// decodeText reads UTF-8, falling back to Windows-1251 which is what
// Russian-locale editors still produce.
func decodeText(data []byte) string {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data)
	}
	out, err := charmap.Windows1251.NewDecoder().Bytes(data)
	if err != nil {
		return string(bytes.ToValidUTF8(data, []byte("�")))
	}
	return string(out)
}

func (d *Dispatcher) audit(ctx context.Context, userID int64, role, text string, kind bus.EventKind) {
	if d.deps.History == nil || text == "" {
		return
	}
	err := d.deps.History.Append(ctx, store.HistoryEntry{
		UserID:    userID,
		Role:      role,
		Text:      text,
		Kind:      string(kind),
		CreatedAt: d.deps.Clock.Now(),
	})
	if err != nil {
		slog.Warn("history audit failed", "user_id", userID, "role", role, "error", err)
	}
}
