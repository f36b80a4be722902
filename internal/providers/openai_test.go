package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIProvider_Chat(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer k" {
			t.Errorf("Authorization = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"{\"action\":\"reply\"}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "k", srv.URL, "gpt-4o")
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "system", Content: "s"}, {Role: "user", Content: "hi"}},
		Options:  map[string]interface{}{OptMaxTokens: 1000, OptTemperature: 0.7},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != `{"action":"reply"}` {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 5 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if got["model"] != "gpt-4o" {
		t.Errorf("model = %v, want default", got["model"])
	}
	if got["max_tokens"] != float64(1000) || got["temperature"] != 0.7 {
		t.Errorf("options not forwarded: %v", got)
	}
	if msgs, _ := got["messages"].([]interface{}); len(msgs) != 2 {
		t.Errorf("messages = %v", got["messages"])
	}
}

func TestOpenAIProvider_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, "slow down")
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "k", srv.URL, "gpt-4o")
	_, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Status != http.StatusTooManyRequests || httpErr.RetryAfter.Seconds() != 3 {
		t.Errorf("HTTPError = %+v", httpErr)
	}
}

func TestOpenAIAudio_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		if r.FormValue("model") != "whisper-1" || r.FormValue("language") != "ru" {
			t.Errorf("form = %v", r.MultipartForm.Value)
		}
		io.WriteString(w, `{"text":"расскажи про make"}`)
	}))
	defer srv.Close()

	a := NewOpenAIAudio(NewOpenAIProvider("openai", "k", srv.URL, ""), AudioOptions{Language: "ru"})
	text, err := a.Transcribe(context.Background(), []byte("ogg"), "voice.ogg")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "расскажи про make" {
		t.Errorf("text = %q", text)
	}
}

func TestOpenAIAudio_Synthesize(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte("OggS"))
	}))
	defer srv.Close()

	a := NewOpenAIAudio(NewOpenAIProvider("openai", "k", srv.URL, ""), AudioOptions{})
	data, err := a.Synthesize(context.Background(), "привет")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(data) != "OggS" {
		t.Errorf("data = %q", data)
	}
	if got["voice"] != "onyx" || got["model"] != "tts-1" || got["input"] != "привет" {
		t.Errorf("request = %v", got)
	}
}

func TestAnthropicProvider_SystemLifted(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" {
			t.Errorf("missing api key header")
		}
		json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, `{"content":[{"type":"text","text":"hel"},{"type":"text","text":"lo"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":2}}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("k", WithAnthropicBaseURL(srv.URL))
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hello" || resp.Usage.TotalTokens != 3 {
		t.Errorf("resp = %+v", resp)
	}
	if got["system"] != "sys" {
		t.Errorf("system = %v", got["system"])
	}
	if msgs, _ := got["messages"].([]interface{}); len(msgs) != 1 {
		t.Errorf("messages = %v", got["messages"])
	}
}
