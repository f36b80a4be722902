package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// AudioOptions configures the OpenAI speech endpoints.
type AudioOptions struct {
	TranscribeModel string // default "whisper-1"
	Language        string // ISO-639-1 hint, e.g. "ru"
	TTSModel        string // default "tts-1"
	Voice           string // default "onyx"
}

// OpenAIAudio implements Transcriber and Synthesizer on top of an
// OpenAIProvider's credentials and HTTP client.
type OpenAIAudio struct {
	p    *OpenAIProvider
	opts AudioOptions
}

func NewOpenAIAudio(p *OpenAIProvider, opts AudioOptions) *OpenAIAudio {
	if opts.TranscribeModel == "" {
		opts.TranscribeModel = "whisper-1"
	}
	if opts.TTSModel == "" {
		opts.TTSModel = "tts-1"
	}
	if opts.Voice == "" {
		opts.Voice = "onyx"
	}
	return &OpenAIAudio{p: p, opts: opts}
}

func (a *OpenAIAudio) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("%s: transcribe: empty audio", a.p.name)
	}
	if filename == "" {
		filename = "voice.ogg"
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("%s: create form file: %w", a.p.name, err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("%s: write audio: %w", a.p.name, err)
	}
	_ = w.WriteField("model", a.opts.TranscribeModel)
	if a.opts.Language != "" {
		_ = w.WriteField("language", a.opts.Language)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("%s: close multipart writer: %w", a.p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.p.apiBase+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("%s: create request: %w", a.p.name, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	rc, err := a.p.do(req)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(io.LimitReader(rc, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("%s: decode transcription: %w", a.p.name, err)
	}
	return out.Text, nil
}

// Synthesize returns an Ogg/Opus clip, the format Telegram plays as a voice
// note.
func (a *OpenAIAudio) Synthesize(ctx context.Context, text string) ([]byte, error) {
	rc, err := a.p.doJSON(ctx, "/audio/speech", map[string]interface{}{
		"model":           a.opts.TTSModel,
		"voice":           a.opts.Voice,
		"input":           text,
		"response_format": "opus",
	})
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, 20<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read speech: %w", a.p.name, err)
	}
	return data, nil
}
