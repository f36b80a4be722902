package telegram

import (
	"log/slog"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/mentorbot/internal/bus"
	"github.com/nextlevelbuilder/mentorbot/internal/channels"
)

// handleMessage turns a private-chat message into an inbound event.
func (c *Channel) handleMessage(message *telego.Message) {
	// Skip service messages (member added/removed, title changed, etc.).
	if isServiceMessage(message) {
		slog.Debug("telegram service message skipped", "chat_id", message.Chat.ID)
		return
	}
	if message.Chat.Type != telego.ChatTypePrivate {
		slog.Debug("telegram non-private message skipped", "chat_id", message.Chat.ID, "chat_type", message.Chat.Type)
		return
	}

	msg, ok := c.toInbound(message)
	if !ok {
		return
	}

	slog.Debug("telegram message received",
		"user_id", msg.UserID,
		"username", msg.Sender.Username,
		"kind", msg.Kind,
		"text_preview", channels.Truncate(msg.Content, 60),
	)

	if !c.HandleMessage(msg) {
		slog.Debug("telegram message rejected by allowlist", "user_id", msg.UserID, "username", msg.Sender.Username)
	}
}

// toInbound converts a Telegram message. Unsupported media without a
// caption still becomes an (empty) text event so the user gets an answer.
func (c *Channel) toInbound(message *telego.Message) (bus.InboundMessage, bool) {
	user := message.From
	if user == nil {
		return bus.InboundMessage{}, false
	}

	msg := bus.InboundMessage{
		Channel:   c.Name(),
		UserID:    user.ID,
		ChatID:    message.Chat.ID,
		MessageID: message.MessageID,
		Kind:      bus.KindText,
		Sender: bus.Sender{
			FirstName: user.FirstName,
			LastName:  user.LastName,
			Username:  user.Username,
		},
		ReceivedAt: time.Now(),
	}
	if message.Date > 0 {
		msg.Metadata = map[string]string{"sent_at": time.Unix(message.Date, 0).UTC().Format(time.RFC3339)}
	}

	switch {
	case message.Text != "":
		msg.Content = message.Text
		if name, args, ok := parseCommand(message.Text, c.bot.Username()); ok {
			msg.Kind = bus.KindCommand
			msg.Command = name
			msg.Args = args
		}
	default:
		msg.Content = message.Caption
		classifyMedia(message, &msg)
	}
	return msg, true
}

// parseCommand splits "/cmd@bot args" into ("cmd", "args"). A command
// addressed to another bot is not a command for us.
func parseCommand(text, botUsername string) (name, args string, ok bool) {
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if nl := strings.IndexByte(head, '\n'); nl >= 0 {
		rest = head[nl+1:] + " " + rest
		head = head[:nl]
	}
	if at := strings.IndexByte(head, '@'); at >= 0 {
		if botUsername != "" && !strings.EqualFold(head[at+1:], botUsername) {
			return "", "", false
		}
		head = head[:at]
	}
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

// isServiceMessage returns true if the Telegram message is a service/system message
// (member added/removed, title changed, pinned, etc.) rather than a user-sent message.
// Payment notifications are not service messages here; they are routed first.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}
