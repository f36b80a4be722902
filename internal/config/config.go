package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/mentorbot/internal/payments"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the mentorbot gateway.
type Config struct {
	Telegram   TelegramConfig         `json:"telegram"`
	Admission  AdmissionConfig        `json:"admission"`
	Dispatcher DispatcherConfig       `json:"dispatcher"`
	Providers  ProvidersConfig        `json:"providers"`
	Audio      AudioConfig            `json:"audio"`
	Packages   []payments.PackageRule `json:"packages,omitempty"`
	Docs       DocsConfig             `json:"docs,omitempty"`
	Sessions   SessionsConfig         `json:"sessions,omitempty"`
	Database   DatabaseConfig         `json:"database,omitempty"`
	Telemetry  TelemetryConfig        `json:"telemetry,omitempty"`
	mu         sync.RWMutex
}

// TelegramConfig configures the chat transport.
// Token and ProviderToken are NEVER read from config.json, only from env.
type TelegramConfig struct {
	Token                string              `json:"-"` // MENTORBOT_TELEGRAM_TOKEN
	ProviderToken        string              `json:"-"` // MENTORBOT_PROVIDER_TOKEN (payments provider)
	Proxy                string              `json:"proxy,omitempty"`
	AllowFrom            FlexibleStringSlice `json:"allow_from"`
	AdminChatID          int64               `json:"admin_chat_id,omitempty"`
	Currency             string              `json:"currency,omitempty"`                 // ISO 4217 (default "RUB")
	MediaMaxBytes        int64               `json:"media_max_bytes,omitempty"`          // max attachment download (default 20MB)
	SendRatePerSecond    float64             `json:"send_rate_per_second,omitempty"`     // global outbound rate (default 30)
	PerChatRatePerSecond float64             `json:"per_chat_rate_per_second,omitempty"` // per-chat outbound rate (default 1)
}

// AdmissionConfig holds the gate and aggregator windows, in seconds.
type AdmissionConfig struct {
	GateEnabled           bool   `json:"gate_enabled"`
	DebounceWindowSeconds int    `json:"debounce_window_seconds,omitempty"`
	MaxWaitWindowSeconds  int    `json:"max_wait_window_seconds,omitempty"`
	BatchTimeoutSeconds   int    `json:"batch_timeout_seconds,omitempty"`
	IdleMaxAgeSeconds     int    `json:"idle_max_age_seconds,omitempty"` // gate entries older than this are pruned
	CleanupSchedule       string `json:"cleanup_schedule,omitempty"`     // cron expression for maintenance
	DedupeTTLSeconds      int    `json:"dedupe_ttl_seconds,omitempty"`
}

func (a AdmissionConfig) DebounceWindow() time.Duration { return seconds(a.DebounceWindowSeconds) }
func (a AdmissionConfig) MaxWaitWindow() time.Duration  { return seconds(a.MaxWaitWindowSeconds) }
func (a AdmissionConfig) BatchTimeout() time.Duration   { return seconds(a.BatchTimeoutSeconds) }
func (a AdmissionConfig) IdleMaxAge() time.Duration     { return seconds(a.IdleMaxAgeSeconds) }
func (a AdmissionConfig) DedupeTTL() time.Duration      { return seconds(a.DedupeTTLSeconds) }

// DispatcherConfig configures the conversation backend call.
type DispatcherConfig struct {
	Provider               string  `json:"provider"` // "openai" (default) or "anthropic"
	Model                  string  `json:"model"`
	MaxTokens              int     `json:"max_tokens"`
	Temperature            float64 `json:"temperature"`
	ConversationHistoryCap int     `json:"conversation_history_cap"` // stored user+assistant messages per user
	MaxRetries             int     `json:"max_retries"`              // total attempts per turn
	BackoffBaseSeconds     int     `json:"backoff_base_seconds"`
	AttemptTimeoutSeconds  int     `json:"attempt_timeout_seconds"`
	VoiceReplyMinChars     int     `json:"voice_reply_min_chars"`
	SystemPrompt           string  `json:"system_prompt,omitempty"` // "{now}" is replaced with the current time
	Timezone               string  `json:"timezone,omitempty"`      // IANA zone for prompts and /time
}

func (d DispatcherConfig) BackoffBase() time.Duration    { return seconds(d.BackoffBaseSeconds) }
func (d DispatcherConfig) AttemptTimeout() time.Duration { return seconds(d.AttemptTimeoutSeconds) }

// Location resolves Timezone, falling back to UTC.
func (d DispatcherConfig) Location() *time.Location {
	if d.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ProvidersConfig holds conversation backend credentials.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `json:"openai"`
	Anthropic ProviderConfig `json:"anthropic"`
}

type ProviderConfig struct {
	APIKey  string `json:"-"`                  // from env only
	APIBase string `json:"api_base,omitempty"` // override the default endpoint
}

// AudioConfig configures speech-to-text and text-to-speech.
type AudioConfig struct {
	STTProxyURL     string `json:"stt_proxy_url,omitempty"` // self-hosted /transcribe_audio service
	STTAPIKey       string `json:"-"`                       // MENTORBOT_STT_API_KEY
	STTTenantID     string `json:"stt_tenant_id,omitempty"`
	STTTimeoutSecs  int    `json:"stt_timeout_seconds,omitempty"`
	TranscribeModel string `json:"transcribe_model,omitempty"`
	Language        string `json:"language,omitempty"`
	TTSModel        string `json:"tts_model,omitempty"`
	Voice           string `json:"voice,omitempty"`
	TTSDisabled     bool   `json:"tts_disabled,omitempty"`
}

// DocsConfig points at an optional json5 file extending the built-in
// documentation index.
type DocsConfig struct {
	Path string `json:"path,omitempty"`
}

// SessionsConfig configures conversation window persistence.
type SessionsConfig struct {
	Storage string `json:"storage,omitempty"` // directory; empty keeps windows in memory only
}

// DatabaseConfig selects the persistence backend.
// PostgresDSN is NEVER read from config.json, only from env MENTORBOT_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"`        // "standalone" (default) or "managed"
	SQLitePath  string `json:"sqlite_path,omitempty"` // standalone database file
}

// TelemetryConfig configures OpenTelemetry OTLP export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317" for gRPC)
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS for local collectors
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "mentorbot")
	Headers     map[string]string `json:"headers,omitempty"`
}

// IsManagedMode reports whether payments and schedule live in Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
