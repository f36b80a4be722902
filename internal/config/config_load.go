package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/mentorbot/internal/payments"
)

const (
	EnvPrefix         = "MENTORBOT_"
	DefaultConfigPath = "config.json"
	maskValue         = "***"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{
			Currency:             "RUB",
			MediaMaxBytes:        20 * 1024 * 1024,
			SendRatePerSecond:    30,
			PerChatRatePerSecond: 1,
		},
		Admission: AdmissionConfig{
			GateEnabled:           true,
			DebounceWindowSeconds: 4,
			MaxWaitWindowSeconds:  15,
			BatchTimeoutSeconds:   10,
			IdleMaxAgeSeconds:     3600,
			CleanupSchedule:       "*/5 * * * *",
			DedupeTTLSeconds:      600,
		},
		Dispatcher: DispatcherConfig{
			Provider:               "openai",
			Model:                  "gpt-4o",
			MaxTokens:              1000,
			Temperature:            0.7,
			ConversationHistoryCap: 10,
			MaxRetries:             3,
			BackoffBaseSeconds:     2,
			AttemptTimeoutSeconds:  30,
			VoiceReplyMinChars:     50,
			Timezone:               "Europe/Moscow",
		},
		Audio: AudioConfig{
			TranscribeModel: "whisper-1",
			Language:        "ru",
			TTSModel:        "tts-1",
			Voice:           "onyx",
		},
		Packages: payments.DefaultPackages(),
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "~/.mentorbot/mentorbot.db",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "mentorbot",
		},
	}
}

// ResolvePath picks the config file: the flag value, then MENTORBOT_CONFIG,
// then config.json in the working directory.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(EnvPrefix + "CONFIG"); v != "" {
		return v
	}
	return DefaultConfigPath
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Secrets
	envStr("TELEGRAM_TOKEN", &c.Telegram.Token)
	envStr("PROVIDER_TOKEN", &c.Telegram.ProviderToken)
	envStr("OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("STT_API_KEY", &c.Audio.STTAPIKey)
	envStr("POSTGRES_DSN", &c.Database.PostgresDSN)

	// Telegram
	envStr("TELEGRAM_PROXY", &c.Telegram.Proxy)
	if v := os.Getenv(EnvPrefix + "ADMIN_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.AdminChatID = id
		}
	}
	if v := os.Getenv(EnvPrefix + "ALLOW_FROM"); v != "" {
		c.Telegram.AllowFrom = strings.Split(v, ",")
	}

	// Dispatcher
	envStr("PROVIDER", &c.Dispatcher.Provider)
	envStr("MODEL", &c.Dispatcher.Model)
	envStr("TIMEZONE", &c.Dispatcher.Timezone)
	envInt("HISTORY_CAP", &c.Dispatcher.ConversationHistoryCap)

	// Admission
	envBool("GATE_ENABLED", &c.Admission.GateEnabled)
	envInt("DEBOUNCE_WINDOW_SECONDS", &c.Admission.DebounceWindowSeconds)
	envInt("MAX_WAIT_WINDOW_SECONDS", &c.Admission.MaxWaitWindowSeconds)
	envInt("BATCH_TIMEOUT_SECONDS", &c.Admission.BatchTimeoutSeconds)

	// Audio
	envStr("STT_PROXY_URL", &c.Audio.STTProxyURL)

	// Sessions & database
	envStr("SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("MODE", &c.Database.Mode)
	envStr("SQLITE_PATH", &c.Database.SQLitePath)

	// Telemetry
	envStr("TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

// Hash returns a SHA-256 hash of the non-secret config, used by the watcher
// to skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by doctor to print the effective config.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip; secrets are json:"-" and copied below.
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	cp.Packages = nil
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	cp.Telegram.Token = mask(c.Telegram.Token)
	cp.Telegram.ProviderToken = mask(c.Telegram.ProviderToken)
	cp.Providers.OpenAI.APIKey = mask(c.Providers.OpenAI.APIKey)
	cp.Providers.Anthropic.APIKey = mask(c.Providers.Anthropic.APIKey)
	cp.Audio.STTAPIKey = mask(c.Audio.STTAPIKey)
	cp.Database.PostgresDSN = mask(c.Database.PostgresDSN)
	return cp
}

// SecretStatus reports, by env var name, whether each secret is set.
func (c *Config) SecretStatus() map[string]bool {
	return map[string]bool{
		EnvPrefix + "TELEGRAM_TOKEN":    c.Telegram.Token != "",
		EnvPrefix + "PROVIDER_TOKEN":    c.Telegram.ProviderToken != "",
		EnvPrefix + "OPENAI_API_KEY":    c.Providers.OpenAI.APIKey != "",
		EnvPrefix + "ANTHROPIC_API_KEY": c.Providers.Anthropic.APIKey != "",
		EnvPrefix + "STT_API_KEY":       c.Audio.STTAPIKey != "",
		EnvPrefix + "POSTGRES_DSN":      c.Database.PostgresDSN != "",
	}
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return maskValue
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
