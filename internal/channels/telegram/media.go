package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/mentorbot/internal/bus"
)

const (
	// defaultMediaMaxBytes is the default max download size (20MB, Telegram Bot API limit).
	defaultMediaMaxBytes int64 = 20 * 1024 * 1024

	// downloadMaxRetries is the number of getFile attempts.
	downloadMaxRetries = 3
)

// classifyMedia fills the event kind and file reference for voice, audio
// and document messages. Other media keep KindText with their caption.
func classifyMedia(message *telego.Message, msg *bus.InboundMessage) {
	switch {
	case message.Voice != nil:
		msg.Kind = bus.KindVoice
		msg.FileID = message.Voice.FileID
		msg.MimeType = message.Voice.MimeType
		msg.FileSize = int64(message.Voice.FileSize)
		msg.FileName = "voice.ogg"
	case message.Audio != nil:
		msg.Kind = bus.KindAudio
		msg.FileID = message.Audio.FileID
		msg.MimeType = message.Audio.MimeType
		msg.FileSize = int64(message.Audio.FileSize)
		msg.FileName = message.Audio.FileName
	case message.Document != nil:
		msg.Kind = bus.KindDocument
		msg.FileID = message.Document.FileID
		msg.MimeType = message.Document.MimeType
		msg.FileSize = int64(message.Document.FileSize)
		msg.FileName = message.Document.FileName
	}
}

// DownloadFile fetches an attachment into memory. File info lookups are
// retried with a linear backoff; the body is capped at media_max_bytes.
func (c *Channel) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	maxBytes := c.config.MediaMaxBytes

	var file *telego.File
	var err error
	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			slog.Debug("retrying file info", "file_id", fileID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("get file info after %d attempts: %w", downloadMaxRetries, err)
	}

	if file.FilePath == "" {
		return nil, fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > maxBytes {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, maxBytes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileBase+"/"+file.FilePath, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("file too large: exceeds %d bytes", maxBytes)
	}
	return data, nil
}
