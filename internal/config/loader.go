package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known implementation names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"s2s":    {"gemini-live", "gemini-sdk", "openai-realtime"},
	"input":  {"malgo", "wav", "discord"},
	"output": {"oto", "wav", "discord"},
}

// LoadEnv loads KEY=VALUE pairs from the given .env files (".env" when none
// are given) into the process environment. Variables that are already set
// win. Missing files are ignored.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env %q: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader expands $VAR and ${VAR} references from the environment,
// decodes the YAML from r and validates the result. Unknown fields are
// rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return decode(raw)
}

func decode(raw []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider
	validateProviderName("s2s", cfg.Provider.Name)
	validateProviderName("input", cfg.Audio.Input.Name)
	validateProviderName("output", cfg.Audio.Output.Name)
	if cfg.Provider.Name == "" {
		slog.Warn("provider.name is empty; sessions cannot be started until a provider is configured")
	} else if cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty; the endpoint will most likely reject the session", "provider", cfg.Provider.Name)
	}

	// Audio
	if cfg.Audio.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must not be negative", cfg.Audio.BlockSize))
	}
	for _, d := range []struct {
		prefix string
		entry  DeviceEntry
	}{{"audio.input", cfg.Audio.Input}, {"audio.output", cfg.Audio.Output}} {
		if d.entry.Name == "wav" {
			if p, _ := d.entry.Options["path"].(string); p == "" {
				errs = append(errs, fmt.Errorf("%s.options.path is required for the wav device", d.prefix))
			}
		}
	}

	// Personas
	seen := make(map[string]int, len(cfg.Personas))
	for i, p := range cfg.Personas {
		prefix := fmt.Sprintf("personas[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[p.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of personas[%d]", prefix, p.Name, prev))
			}
			seen[p.Name] = i
		}
		if p.Voice == "" {
			slog.Warn("persona has no voice; the endpoint default is used", "persona", p.Name)
		}
	}
	if cfg.DefaultPersona != "" {
		if _, ok := cfg.Persona(cfg.DefaultPersona); !ok {
			errs = append(errs, fmt.Errorf("default_persona %q does not name a persona", cfg.DefaultPersona))
		}
	}

	// Storage
	if cfg.Storage.RedisTTL < 0 {
		errs = append(errs, fmt.Errorf("storage.redis_ttl %s must not be negative", cfg.Storage.RedisTTL))
	}
	if cfg.Storage.PostgresDSN == "" && cfg.Storage.RedisURL == "" {
		slog.Warn("no storage configured; transcripts are kept in memory only")
	}

	// Resilience
	if cfg.Resilience.MaxConnectFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_connect_failures %d must not be negative", cfg.Resilience.MaxConnectFailures))
	}
	if cfg.Resilience.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("resilience.cooldown %s must not be negative", cfg.Resilience.Cooldown))
	}
	for i, fb := range cfg.Resilience.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("resilience.fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("s2s", fb.Name)
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
	slog.Warn("unknown provider name; may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
