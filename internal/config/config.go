// Package config provides the configuration schema, loader, and device and
// provider registry for livevoice.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Empty and unknown values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure.
type Config struct {
	// Server configures the ops HTTP server and logging.
	Server ServerConfig `yaml:"server"`

	// Provider selects the remote speech-to-speech endpoint.
	Provider ProviderEntry `yaml:"provider"`

	// Audio selects the microphone and speaker.
	Audio AudioConfig `yaml:"audio"`

	// Personas are merged over the built-in [DefaultPersonas] by name.
	Personas []PersonaConfig `yaml:"personas"`

	// DefaultPersona names the persona used when a start request does not
	// pick one. Empty selects "assistant".
	DefaultPersona string `yaml:"default_persona"`

	// Storage configures the transcript archive. Both backends are optional.
	Storage StorageConfig `yaml:"storage"`

	// Resilience configures the connect circuit breaker.
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the address of the ops server (metrics, health, transcript
	// API), e.g. ":9090". Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel sets the minimum log level. Empty means info.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry is the configuration for the speech-to-speech provider.
type ProviderEntry struct {
	// Name selects the backend: "gemini-live", "gemini-sdk" or
	// "openai-realtime".
	Name string `yaml:"name"`

	// APIKey authenticates against the endpoint. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the endpoint URL. Empty uses the backend default.
	BaseURL string `yaml:"base_url"`

	// Model selects the model. Empty uses the backend default.
	Model string `yaml:"model"`

	// Options holds backend-specific settings such as "setup_timeout".
	Options map[string]any `yaml:"options"`
}

// AudioConfig selects the audio devices.
type AudioConfig struct {
	// Input is the microphone: "malgo", "wav" or "discord".
	Input DeviceEntry `yaml:"input"`

	// Output is the speaker: "oto", "wav" or "discord".
	Output DeviceEntry `yaml:"output"`

	// BlockSize is the number of capture frames per uplink message.
	// Zero uses the encoder default of 4096.
	BlockSize int `yaml:"block_size"`
}

// DeviceEntry names an audio device implementation and its settings.
type DeviceEntry struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options"`
}

// PersonaConfig is one voice persona: who the model pretends to be and how
// it is shown on the console.
type PersonaConfig struct {
	// Name is the unique key used to select the persona.
	Name string `yaml:"name"`

	// Label is the console display name of the remote speaker.
	Label string `yaml:"label"`

	// Voice is the provider voice, e.g. "Zephyr" or "Charon".
	Voice string `yaml:"voice"`

	// Instructions is the system prompt.
	Instructions string `yaml:"instructions"`

	InputTranscription  bool `yaml:"input_transcription"`
	OutputTranscription bool `yaml:"output_transcription"`
}

// StorageConfig configures where transcripts and session status go.
type StorageConfig struct {
	// PostgresDSN enables the durable archive with full-text search.
	PostgresDSN string `yaml:"postgres_dsn"`

	// RedisURL enables the live status view, e.g. "redis://localhost:6379/0".
	RedisURL string `yaml:"redis_url"`

	// RedisTTL expires redis keys of ended sessions. Zero keeps them.
	RedisTTL time.Duration `yaml:"redis_ttl"`
}

// ResilienceConfig configures the connect circuit breaker.
type ResilienceConfig struct {
	// MaxConnectFailures is the number of consecutive connection failures
	// that opens the breaker. Zero uses 3.
	MaxConnectFailures int `yaml:"max_connect_failures"`

	// Cooldown is how long the breaker refuses new starts. Zero uses 30s.
	Cooldown time.Duration `yaml:"cooldown"`

	// Fallbacks are tried in order when the primary provider cannot be
	// reached. They must speak the primary's audio formats.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}
