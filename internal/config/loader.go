package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq"},
	"tts": {"elevenlabs", "murf"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values and fills in
// defaults for unset fields. It returns a joined error listing all
// validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Switch: the control channel is required for outbound dialing, but an
	// inbound-only deployment may omit it.
	if cfg.Switch.ControlAddr != "" && cfg.Switch.MediaWSBase == "" {
		errs = append(errs, errors.New("switch.media_ws_base is required when switch.control_addr is set"))
	}
	if cfg.Switch.ControlAddr == "" {
		slog.Warn("switch.control_addr is empty; outbound dialing, campaigns, and schedules will be unavailable")
	}

	// Database
	if cfg.Database.PostgresDSN == "" {
		errs = append(errs, errors.New("database.postgres_dsn is required"))
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	for _, e := range cfg.Providers.Fallbacks.STT {
		validateProviderName("stt", e.Name)
	}
	for _, e := range cfg.Providers.Fallbacks.LLM {
		validateProviderName("llm", e.Name)
	}
	for _, e := range cfg.Providers.Fallbacks.TTS {
		validateProviderName("tts", e.Name)
	}

	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}

	// Calls
	if cfg.Calls.MaxConcurrent == 0 {
		cfg.Calls.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Calls.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("calls.max_concurrent %d must be positive", cfg.Calls.MaxConcurrent))
	}
	if cfg.Calls.ConnectTimeout == 0 {
		cfg.Calls.ConnectTimeout = Duration(DefaultConnectTimeout)
	}
	if cfg.Calls.InactivityTimeout == 0 {
		cfg.Calls.InactivityTimeout = Duration(DefaultInactivityTimeout)
	}
	if cfg.Calls.ApologyPhrase == "" {
		cfg.Calls.ApologyPhrase = DefaultApologyPhrase
	}
	if cfg.Calls.FarewellPhrase == "" {
		cfg.Calls.FarewellPhrase = DefaultFarewellPhrase
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
