package bus

import (
	"context"
	"time"
)

// EventKind classifies a raw inbound event.
type EventKind string

const (
	KindText     EventKind = "text"
	KindVoice    EventKind = "voice"
	KindAudio    EventKind = "audio"
	KindDocument EventKind = "document"
	KindCommand  EventKind = "command"
)

// IsAudio reports whether the event carries speech that needs transcription.
func (k EventKind) IsAudio() bool { return k == KindVoice || k == KindAudio }

// Sender is the transport profile of the user who produced an event.
type Sender struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// DisplayName returns the best human-readable label for the sender.
func (s Sender) DisplayName() string {
	switch {
	case s.FirstName != "":
		return s.FirstName
	case s.Username != "":
		return "@" + s.Username
	default:
		return "Пользователь"
	}
}

// InboundMessage is one raw event received from a channel (a turn is made
// of one or more of these).
type InboundMessage struct {
	Channel    string            `json:"channel"`
	UserID     int64             `json:"user_id"`
	ChatID     int64             `json:"chat_id"`
	MessageID  int               `json:"message_id"`
	Kind       EventKind         `json:"kind"`
	Content    string            `json:"content,omitempty"` // text or caption
	Command    string            `json:"command,omitempty"` // lowercase, without "/" and "@bot"
	Args       string            `json:"args,omitempty"`
	FileID     string            `json:"file_id,omitempty"`
	FileName   string            `json:"file_name,omitempty"`
	MimeType   string            `json:"mime_type,omitempty"`
	FileSize   int64             `json:"file_size,omitempty"`
	Sender     Sender            `json:"sender"`
	ReceivedAt time.Time         `json:"received_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// DedupeKey identifies a message for at-least-once update delivery.
func (m InboundMessage) DedupeKey() string {
	if m.MessageID == 0 {
		return ""
	}
	return m.Channel + "|" + itoa(m.ChatID) + "|" + itoa(int64(m.MessageID))
}

// MessageRouter abstracts inbound message routing between channels and the
// admission consumer.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
}
