package config_test

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/medilearn/livevoice/internal/config"
	"github.com/medilearn/livevoice/pkg/audio"
	audiomock "github.com/medilearn/livevoice/pkg/audio/mock"
	"github.com/medilearn/livevoice/pkg/provider/s2s"
	s2smock "github.com/medilearn/livevoice/pkg/provider/s2s/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: info

provider:
  name: gemini-live
  api_key: test-key
  model: gemini-2.5-flash-native-audio-preview-12-2025
  options:
    setup_timeout: 5s

audio:
  input:
    name: malgo
  output:
    name: wav
    options:
      path: /tmp/out.wav
  block_size: 2048

personas:
  - name: pharmacist
    label: Pharmacist
    voice: Puck
    instructions: You quiz students on drug interactions.
    output_transcription: true

default_persona: consultant

storage:
  postgres_dsn: postgres://localhost/livevoice
  redis_url: redis://localhost:6379/0
  redis_ttl: 24h

resilience:
  max_connect_failures: 5
  cooldown: 1m
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Provider.Name != "gemini-live" || cfg.Provider.APIKey != "test-key" {
		t.Errorf("provider: got %+v", cfg.Provider)
	}
	if got := cfg.Provider.Options["setup_timeout"]; got != "5s" {
		t.Errorf("provider.options.setup_timeout: got %v", got)
	}
	if cfg.Audio.Input.Name != "malgo" || cfg.Audio.Output.Name != "wav" || cfg.Audio.BlockSize != 2048 {
		t.Errorf("audio: got %+v", cfg.Audio)
	}
	if cfg.Storage.RedisTTL != 24*time.Hour {
		t.Errorf("storage.redis_ttl: got %s", cfg.Storage.RedisTTL)
	}
	if cfg.Resilience.MaxConnectFailures != 5 || cfg.Resilience.Cooldown != time.Minute {
		t.Errorf("resilience: got %+v", cfg.Resilience)
	}
	if len(cfg.Personas) != 1 || cfg.Personas[0].Voice != "Puck" {
		t.Errorf("personas: got %+v", cfg.Personas)
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty config should be valid, got: %v", err)
	}
	p, ok := cfg.Persona("")
	if !ok || p.Name != config.DefaultPersonaName {
		t.Errorf("default persona: got %+v, %v", p, ok)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("provider:\n  nmae: gemini-live\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadFromReader_ExpandsEnv(t *testing.T) {
	t.Setenv("LIVEVOICE_TEST_KEY", "from-env")
	cfg, err := config.LoadFromReader(strings.NewReader("provider:\n  name: gemini-live\n  api_key: ${LIVEVOICE_TEST_KEY}\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider.APIKey != "from-env" {
		t.Errorf("api_key: got %q, want from-env", cfg.Provider.APIKey)
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := tc.in.Level(); got != tc.want {
			t.Errorf("LogLevel(%q).Level() = %v, want %v", tc.in, got, tc.want)
		}
	}
}

// ── Personas ─────────────────────────────────────────────────────────────────

func TestPersona_BuiltinDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	tests := []struct {
		name, voice, label string
	}{
		{"assistant", "Zephyr", "Gemini"},
		{"consultant", "Charon", "Mentor"},
	}
	for _, tc := range tests {
		p, ok := cfg.Persona(tc.name)
		if !ok {
			t.Fatalf("persona %q not found", tc.name)
		}
		if p.Voice != tc.voice || p.Label != tc.label {
			t.Errorf("persona %q = voice %q label %q, want %q %q", tc.name, p.Voice, p.Label, tc.voice, tc.label)
		}
		if !p.InputTranscription || !p.OutputTranscription {
			t.Errorf("persona %q should transcribe both sides", tc.name)
		}
	}
}

func TestPersona_ConfiguredOverridesBuiltin(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Personas: []config.PersonaConfig{
			{Name: "assistant", Label: "Helper", Voice: "Puck"},
			{Name: "tutor", Label: "Tutor", Voice: "Kore"},
		},
		DefaultPersona: "tutor",
	}
	all := cfg.AllPersonas()
	if len(all) != 3 {
		t.Fatalf("AllPersonas: got %d, want 3", len(all))
	}
	if all[0].Name != "assistant" || all[0].Voice != "Puck" {
		t.Errorf("assistant not overridden in place: %+v", all[0])
	}
	p, ok := cfg.Persona("")
	if !ok || p.Name != "tutor" {
		t.Errorf("default persona: got %+v, %v", p, ok)
	}
	if _, ok := cfg.Persona("nobody"); ok {
		t.Error("unknown persona should not be found")
	}
}

func TestPersona_SessionConfigAndLabels(t *testing.T) {
	t.Parallel()
	p, _ := (&config.Config{}).Persona("consultant")
	sc := p.SessionConfig()
	if sc.Voice.ID != "Charon" || !strings.Contains(sc.Instructions, "Ward Round") {
		t.Errorf("SessionConfig = %+v", sc)
	}
	if !sc.InputTranscription || !sc.OutputTranscription {
		t.Error("transcription flags not carried over")
	}
	l := p.Labels()
	if l.Caller != "You" || l.Remote != "Mentor" {
		t.Errorf("Labels = %+v", l)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	tests := []struct {
		name string
		call func() error
	}{
		{"s2s", func() error { _, err := reg.CreateS2S(config.ProviderEntry{Name: "nonexistent"}); return err }},
		{"input", func() error { _, err := reg.CreateInput(config.DeviceEntry{Name: "nonexistent"}); return err }},
		{"output", func() error { _, err := reg.CreateOutput(config.DeviceEntry{Name: "nonexistent"}); return err }},
	}
	for _, tc := range tests {
		if err := tc.call(); !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("%s: expected ErrProviderNotRegistered, got: %v", tc.name, err)
		}
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	wantS2S := &s2smock.Provider{}
	reg.RegisterS2S("stub", func(e config.ProviderEntry) (s2s.Provider, error) { return wantS2S, nil })
	wantMic := &audiomock.Microphone{}
	reg.RegisterInput("stub", func(config.DeviceEntry) (audio.Microphone, error) { return wantMic, nil })
	wantOut := audiomock.NewOutputDevice(audio.Format{SampleRate: 24000, Channels: 1})
	reg.RegisterOutput("stub", func(config.DeviceEntry) (audio.OutputDevice, error) { return wantOut, nil })

	if got, err := reg.CreateS2S(config.ProviderEntry{Name: "stub"}); err != nil || got != wantS2S {
		t.Errorf("CreateS2S = %v, %v", got, err)
	}
	if got, err := reg.CreateInput(config.DeviceEntry{Name: "stub"}); err != nil || got != wantMic {
		t.Errorf("CreateInput = %v, %v", got, err)
	}
	if got, err := reg.CreateOutput(config.DeviceEntry{Name: "stub"}); err != nil || got != wantOut {
		t.Errorf("CreateOutput = %v, %v", got, err)
	}
	if got := reg.Names("s2s"); len(got) != 1 || got[0] != "stub" {
		t.Errorf("Names(s2s) = %v", got)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterS2S("broken", func(e config.ProviderEntry) (s2s.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.CreateS2S(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}
