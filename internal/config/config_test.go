package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Admission.DebounceWindow() != 4*time.Second || cfg.Admission.MaxWaitWindow() != 15*time.Second {
		t.Errorf("windows = %v / %v", cfg.Admission.DebounceWindow(), cfg.Admission.MaxWaitWindow())
	}
	if cfg.Admission.BatchTimeout() != 10*time.Second {
		t.Errorf("batch timeout = %v", cfg.Admission.BatchTimeout())
	}
	if cfg.Dispatcher.ConversationHistoryCap != 10 || cfg.Dispatcher.MaxRetries != 3 {
		t.Errorf("dispatcher = %+v", cfg.Dispatcher)
	}
	if len(cfg.Packages) != 3 {
		t.Errorf("packages = %d", len(cfg.Packages))
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{
		// comments and trailing commas are fine
		telegram: { allow_from: [42, "@anna"], admin_chat_id: 777, },
		admission: { debounce_window_seconds: 2, gate_enabled: false },
		packages: [ { match: "интенсив", lesson_type: "Интенсив", duration_minutes: 600 } ],
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Telegram.AllowFrom; len(got) != 2 || got[0] != "42" || got[1] != "@anna" {
		t.Errorf("allow_from = %v", got)
	}
	if cfg.Telegram.AdminChatID != 777 {
		t.Errorf("admin chat = %d", cfg.Telegram.AdminChatID)
	}
	if cfg.Admission.DebounceWindowSeconds != 2 || cfg.Admission.GateEnabled {
		t.Errorf("admission = %+v", cfg.Admission)
	}
	// Unset fields keep their defaults.
	if cfg.Admission.MaxWaitWindowSeconds != 15 {
		t.Errorf("max wait = %d", cfg.Admission.MaxWaitWindowSeconds)
	}
	if len(cfg.Packages) != 1 || cfg.Packages[0].DurationMinutes != 600 {
		t.Errorf("packages = %+v", cfg.Packages)
	}
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{ telegram: `)
	if _, err := Load(path); err == nil {
		t.Fatal("broken config parsed")
	}
}

func TestSecretsComeFromEnvOnly(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{ telegram: { token: "from-file" } }`)
	t.Setenv("MENTORBOT_TELEGRAM_TOKEN", "")
	t.Setenv("MENTORBOT_PROVIDER_TOKEN", "pay-secret")
	t.Setenv("MENTORBOT_POSTGRES_DSN", "postgres://x")
	t.Setenv("MENTORBOT_BATCH_TIMEOUT_SECONDS", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "" {
		t.Errorf("token read from file: %q", cfg.Telegram.Token)
	}
	if cfg.Telegram.ProviderToken != "pay-secret" || cfg.Database.PostgresDSN != "postgres://x" {
		t.Errorf("env secrets not applied: %+v", cfg.Telegram)
	}
	if cfg.Admission.BatchTimeoutSeconds != 7 {
		t.Errorf("batch timeout = %d", cfg.Admission.BatchTimeoutSeconds)
	}

	masked := cfg.MaskedCopy()
	if masked.Telegram.ProviderToken != "***" || masked.Database.PostgresDSN != "***" {
		t.Errorf("masked = %+v / %q", masked.Telegram, masked.Database.PostgresDSN)
	}
	if masked.Telegram.Token != "" {
		t.Errorf("unset secret masked: %q", masked.Telegram.Token)
	}
	if cfg.Telegram.ProviderToken != "pay-secret" {
		t.Error("MaskedCopy modified the original")
	}
	if st := cfg.SecretStatus(); !st["MENTORBOT_PROVIDER_TOKEN"] || st["MENTORBOT_TELEGRAM_TOKEN"] {
		t.Errorf("secret status = %v", st)
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv("MENTORBOT_CONFIG", "")
	if got := ResolvePath(""); got != DefaultConfigPath {
		t.Errorf("default = %q", got)
	}
	t.Setenv("MENTORBOT_CONFIG", "/etc/mentorbot.json")
	if got := ResolvePath(""); got != "/etc/mentorbot.json" {
		t.Errorf("env = %q", got)
	}
	if got := ResolvePath("local.json"); got != "local.json" {
		t.Errorf("flag = %q", got)
	}
}

func TestDispatcherLocation(t *testing.T) {
	if loc := (DispatcherConfig{Timezone: "Nowhere/Void"}).Location(); loc != time.UTC {
		t.Errorf("bad zone = %v", loc)
	}
	if loc := (DispatcherConfig{}).Location(); loc != time.UTC {
		t.Errorf("empty zone = %v", loc)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{ admission: { debounce_window_seconds: 4 } }`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c *Config) { got <- c }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, `{ admission: { debounce_window_seconds: 9 } }`)

	select {
	case cfg := <-got:
		if cfg.Admission.DebounceWindowSeconds != 9 {
			t.Errorf("reloaded debounce = %d", cfg.Admission.DebounceWindowSeconds)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch: %v", err)
	}
}
