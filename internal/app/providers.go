package app

import (
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/ligvox/ligvox/internal/config"
	"github.com/ligvox/ligvox/internal/resilience"
	"github.com/ligvox/ligvox/internal/settings"
	"github.com/ligvox/ligvox/pkg/provider/llm"
	"github.com/ligvox/ligvox/pkg/provider/llm/anyllm"
	"github.com/ligvox/ligvox/pkg/provider/llm/openai"
	"github.com/ligvox/ligvox/pkg/provider/stt"
	"github.com/ligvox/ligvox/pkg/provider/stt/deepgram"
	"github.com/ligvox/ligvox/pkg/provider/tts"
	"github.com/ligvox/ligvox/pkg/provider/tts/elevenlabs"
	"github.com/ligvox/ligvox/pkg/provider/tts/murf"
)

// buildProviders constructs the STT, LLM, and TTS backends from config,
// applying API-key overrides from the settings table and wrapping each stage
// in a failover group when fallbacks are configured.
func buildProviders(cfg *config.Config, snap *settings.Snapshot, logger *slog.Logger) (stt.Provider, llm.Provider, tts.Provider, error) {
	fc := resilience.FailoverConfig{Logger: logger}

	sttP, err := buildSTT(cfg.Providers.STT, snap)
	if err != nil {
		return nil, nil, nil, err
	}
	if fb := cfg.Providers.Fallbacks.STT; len(fb) > 0 {
		group := resilience.NewSTTFailover(sttP, cfg.Providers.STT.Name, fc)
		for _, entry := range fb {
			p, err := buildSTT(entry, snap)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("stt fallback %q: %w", entry.Name, err)
			}
			group.AddFallback(entry.Name, p)
		}
		sttP = group
	}

	llmP, err := buildLLM(cfg.Providers.LLM, snap)
	if err != nil {
		return nil, nil, nil, err
	}
	if fb := cfg.Providers.Fallbacks.LLM; len(fb) > 0 {
		group := resilience.NewLLMFailover(llmP, cfg.Providers.LLM.Name, fc)
		for _, entry := range fb {
			p, err := buildLLM(entry, snap)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("llm fallback %q: %w", entry.Name, err)
			}
			group.AddFallback(entry.Name, p)
		}
		llmP = group
	}

	ttsP, err := buildTTS(cfg.Providers.TTS, snap)
	if err != nil {
		return nil, nil, nil, err
	}
	if fb := cfg.Providers.Fallbacks.TTS; len(fb) > 0 {
		group := resilience.NewTTSFailover(ttsP, cfg.Providers.TTS.Name, fc)
		for _, entry := range fb {
			p, err := buildTTS(entry, snap)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("tts fallback %q: %w", entry.Name, err)
			}
			group.AddFallback(entry.Name, p)
		}
		ttsP = group
	}

	return sttP, llmP, ttsP, nil
}

func buildSTT(entry config.ProviderEntry, snap *settings.Snapshot) (stt.Provider, error) {
	key := apiKey(entry, snap, settings.KeySTTAPIKey)
	switch entry.Name {
	case "deepgram":
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, deepgram.WithLanguage(entry.Language))
		}
		return deepgram.New(key, opts...)
	default:
		return nil, fmt.Errorf("app: unknown stt provider %q", entry.Name)
	}
}

func buildLLM(entry config.ProviderEntry, snap *settings.Snapshot) (llm.Provider, error) {
	key := apiKey(entry, snap, settings.KeyLLMAPIKey)
	switch entry.Name {
	case "openai":
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(key, entry.Model, opts...)
	default:
		// Everything else goes through the any-llm universal adapter.
		var opts []anyllmlib.Option
		if key != "" {
			opts = append(opts, anyllmlib.WithAPIKey(key))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(entry.Name, entry.Model, opts...)
	}
}

func buildTTS(entry config.ProviderEntry, snap *settings.Snapshot) (tts.Provider, error) {
	key := apiKey(entry, snap, settings.KeyTTSAPIKey)
	switch entry.Name {
	case "elevenlabs":
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		return elevenlabs.New(key, opts...)
	case "murf":
		return murf.New(key)
	default:
		return nil, fmt.Errorf("app: unknown tts provider %q", entry.Name)
	}
}

// apiKey prefers the runtime settings value over the config file.
func apiKey(entry config.ProviderEntry, snap *settings.Snapshot, key string) string {
	if v, ok := snap.Get(key); ok && v != "" {
		return v
	}
	return entry.APIKey
}
