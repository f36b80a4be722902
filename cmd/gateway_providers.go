package cmd

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/mentorbot/internal/config"
	"github.com/nextlevelbuilder/mentorbot/internal/providers"
)

// backends bundles the AI collaborators of one gateway run. Transcriber and
// Synthesizer may be nil.
type backends struct {
	chat        providers.Provider
	transcriber providers.Transcriber
	synthesizer providers.Synthesizer
}

func buildBackends(cfg *config.Config) (*backends, error) {
	b := &backends{}

	var openai *providers.OpenAIProvider
	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		openai = providers.NewOpenAIProvider("openai", key, cfg.Providers.OpenAI.APIBase, cfg.Dispatcher.Model)
	}

	switch cfg.Dispatcher.Provider {
	case "anthropic":
		if cfg.Providers.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("dispatcher.provider is anthropic but %sANTHROPIC_API_KEY is not set", config.EnvPrefix)
		}
		model := cfg.Dispatcher.Model
		if strings.HasPrefix(model, "gpt-") {
			// The shipped default names an OpenAI model.
			model = ""
		}
		opts := []providers.AnthropicOption{providers.WithAnthropicModel(model)}
		if base := cfg.Providers.Anthropic.APIBase; base != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(base))
		}
		b.chat = providers.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey, opts...)
	case "", "openai":
		if openai == nil {
			return nil, fmt.Errorf("no conversation backend: set %sOPENAI_API_KEY", config.EnvPrefix)
		}
		b.chat = openai
	default:
		return nil, fmt.Errorf("unknown dispatcher.provider %q", cfg.Dispatcher.Provider)
	}
	slog.Info("conversation backend", "provider", b.chat.Name(), "model", b.chat.DefaultModel())

	audioOpts := providers.AudioOptions{
		TranscribeModel: cfg.Audio.TranscribeModel,
		Language:        cfg.Audio.Language,
		TTSModel:        cfg.Audio.TTSModel,
		Voice:           cfg.Audio.Voice,
	}
	var audio *providers.OpenAIAudio
	if openai != nil {
		audio = providers.NewOpenAIAudio(openai, audioOpts)
	}

	switch {
	case audio != nil:
		b.transcriber = audio
		slog.Info("speech-to-text via backend", "model", audioOpts.TranscribeModel)
	case cfg.Audio.STTProxyURL != "":
		timeout := time.Duration(cfg.Audio.STTTimeoutSecs) * time.Second
		b.transcriber = providers.NewSTTProxy(cfg.Audio.STTProxyURL, cfg.Audio.STTAPIKey, cfg.Audio.STTTenantID, timeout)
		slog.Info("speech-to-text via proxy", "url", cfg.Audio.STTProxyURL)
	default:
		slog.Warn("speech-to-text unavailable, voice messages will get an apology")
	}

	if audio != nil && !cfg.Audio.TTSDisabled {
		b.synthesizer = audio
	}
	return b, nil
}

func retryConfig(d config.DispatcherConfig) providers.RetryConfig {
	rc := providers.DefaultRetryConfig()
	if d.MaxRetries > 0 {
		rc.Attempts = d.MaxRetries
	}
	if d.BackoffBaseSeconds > 0 {
		rc.BaseDelay = d.BackoffBase()
	}
	if d.AttemptTimeoutSeconds > 0 {
		rc.AttemptTimeout = d.AttemptTimeout()
	}
	return rc
}
