package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  listen_addr: ":8000"
  log_level: info
switch:
  control_addr: "127.0.0.1:8021"
  control_password: "ClueCon"
  gateway: "trunk"
  media_ws_base: "ws://127.0.0.1:8000/ws"
database:
  postgres_dsn: "postgres://ligvox@localhost/ligvox"
providers:
  stt:
    name: deepgram
    api_key: dg-key
    model: nova-2
    language: pt-BR
  llm:
    name: openai
    api_key: sk-key
    model: gpt-4.1-nano
  tts:
    name: murf
    api_key: murf-key
    voice_id: pt-BR-isadora
  fallbacks:
    llm:
      - name: groq
        api_key: gsk-key
        model: llama-3.3-70b-versatile
calls:
  max_concurrent: 10
  inactivity_timeout: 30s
  connect_timeout: 45s
  filler_phrases:
    - "Um momento."
  vocabulary:
    - "Ligvox"
    - "plano premium"
`

func TestLoadFromReaderValid(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":8000" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Switch.ControlPassword != "ClueCon" {
		t.Errorf("ControlPassword = %q", cfg.Switch.ControlPassword)
	}
	if cfg.Providers.TTS.VoiceID != "pt-BR-isadora" {
		t.Errorf("TTS VoiceID = %q", cfg.Providers.TTS.VoiceID)
	}
	if cfg.Calls.MaxConcurrent != 10 {
		t.Errorf("MaxConcurrent = %d", cfg.Calls.MaxConcurrent)
	}
	if cfg.Calls.InactivityTimeout.Std() != 30*time.Second {
		t.Errorf("InactivityTimeout = %v", cfg.Calls.InactivityTimeout.Std())
	}
	if len(cfg.Calls.FillerPhrases) != 1 {
		t.Errorf("FillerPhrases = %v", cfg.Calls.FillerPhrases)
	}
	if len(cfg.Providers.Fallbacks.LLM) != 1 || cfg.Providers.Fallbacks.LLM[0].Name != "groq" {
		t.Errorf("Fallbacks.LLM = %+v", cfg.Providers.Fallbacks.LLM)
	}
	if len(cfg.Calls.Vocabulary) != 2 {
		t.Errorf("Vocabulary = %v", cfg.Calls.Vocabulary)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	yaml := validYAML + "\nnot_a_real_key: true\n"
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown top-level key")
	}
}

func TestValidateDefaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Database:  DatabaseConfig{PostgresDSN: "postgres://x"},
		Providers: ProvidersConfig{STT: ProviderEntry{Name: "deepgram"}, LLM: ProviderEntry{Name: "openai"}, TTS: ProviderEntry{Name: "murf"}},
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Server.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr default = %q", cfg.Server.ListenAddr)
	}
	if cfg.Calls.MaxConcurrent != DefaultMaxConcurrent {
		t.Errorf("MaxConcurrent default = %d", cfg.Calls.MaxConcurrent)
	}
	if cfg.Calls.ConnectTimeout.Std() != DefaultConnectTimeout {
		t.Errorf("ConnectTimeout default = %v", cfg.Calls.ConnectTimeout.Std())
	}
	if cfg.Calls.InactivityTimeout.Std() != DefaultInactivityTimeout {
		t.Errorf("InactivityTimeout default = %v", cfg.Calls.InactivityTimeout.Std())
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Server: ServerConfig{LogLevel: "loud"},
		Switch: SwitchConfig{ControlAddr: "127.0.0.1:8021"},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	msg := err.Error()
	for _, want := range []string{
		"server.log_level",
		"switch.media_ws_base",
		"database.postgres_dsn",
		"providers.stt.name",
		"providers.llm.name",
		"providers.tts.name",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q: %s", want, msg)
		}
	}
}

func TestDurationUnmarshal(t *testing.T) {
	t.Parallel()

	yaml := strings.Replace(validYAML, "inactivity_timeout: 30s", "inactivity_timeout: nonsense", 1)
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for bad duration")
	}
}
