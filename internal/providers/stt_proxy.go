package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const (
	defaultSTTTimeout     = 30 * time.Second
	sttTranscribeEndpoint = "/transcribe_audio"
)

// STTProxy is a Transcriber backed by a self-hosted speech service exposing
// POST /transcribe_audio (multipart "file", optional "tenant_id") and
// answering {"transcript": "..."}.
type STTProxy struct {
	baseURL  string
	apiKey   string
	tenantID string
	timeout  time.Duration
	client   *http.Client
}

func NewSTTProxy(baseURL, apiKey, tenantID string, timeout time.Duration) *STTProxy {
	if timeout <= 0 {
		timeout = defaultSTTTimeout
	}
	return &STTProxy{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		tenantID: tenantID,
		timeout:  timeout,
		client:   &http.Client{},
	}
}

type sttResponse struct {
	Transcript string `json:"transcript"`
}

// Transcribe returns ("", nil) when the audio is empty, so a failed download
// upstream degrades to an empty transcript instead of an error.
func (s *STTProxy) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", nil
	}
	if filename == "" {
		filename = "voice.ogg"
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("stt: create form file field: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("stt: write audio bytes to form: %w", err)
	}
	if s.tenantID != "" {
		if err := w.WriteField("tenant_id", s.tenantID); err != nil {
			return "", fmt.Errorf("stt: write tenant_id field: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("stt: close multipart writer: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	url := s.baseURL + sttTranscribeEndpoint
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("stt: build request to %q: %w", url, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	slog.Debug("calling STT proxy", "url", url, "file", filename, "bytes", len(audio))

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt: request to %q failed: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("stt: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &HTTPError{Status: resp.StatusCode, Body: "stt: " + string(respBody)}
	}

	var result sttResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("stt: parse response JSON: %w", err)
	}
	return result.Transcript, nil
}
