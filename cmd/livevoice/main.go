// Command livevoice runs a real-time duplex voice session against a
// speech-to-speech endpoint, printing the transcript to the console.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/medilearn/livevoice/internal/app"
	"github.com/medilearn/livevoice/internal/config"
	"github.com/medilearn/livevoice/internal/observe"
	"github.com/medilearn/livevoice/internal/resilience"
	"github.com/medilearn/livevoice/pkg/audio"
	"github.com/medilearn/livevoice/pkg/audio/discord"
	"github.com/medilearn/livevoice/pkg/audio/native"
	"github.com/medilearn/livevoice/pkg/audio/wav"
	"github.com/medilearn/livevoice/pkg/provider/s2s"
	geminilive "github.com/medilearn/livevoice/pkg/provider/s2s/gemini"
	"github.com/medilearn/livevoice/pkg/provider/s2s/geminisdk"
	oais2s "github.com/medilearn/livevoice/pkg/provider/s2s/openai"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to a .env file loaded before the config")
	persona := flag.String("persona", "", "persona to use instead of default_persona")
	autoStart := flag.Bool("auto", false, "start a session immediately")
	watch := flag.Bool("watch", true, "hot-reload personas and log level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "livevoice: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livevoice: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livevoice: %v\n", err)
		}
		return 1
	}
	if *persona != "" {
		if _, ok := cfg.Persona(*persona); !ok {
			fmt.Fprintf(os.Stderr, "livevoice: unknown persona %q\n", *persona)
			return 1
		}
		cfg.DefaultPersona = *persona
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("livevoice starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	devices := &deviceEnv{}
	defer devices.Close()
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, devices)

	providers, err := buildProviders(cfg, reg, devices)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithTelemetry(tel),
		app.WithConsole(os.Stdout),
		app.WithLogLevel(&level),
	)
	if err != nil {
		_ = providers.Out.Close()
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── Console ───────────────────────────────────────────────────────────────
	go runConsole(ctx, application.Sessions(), os.Stdin, os.Stdout, stop)
	if *autoStart {
		go func() {
			if _, err := application.Sessions().Start(ctx, ""); err != nil {
				slog.Warn("auto start failed", "err", err)
			}
		}()
	}

	slog.Info("ready, press Enter to start or stop a session, Ctrl+C to quit")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// deviceEnv carries what device factories learn only after the provider is
// built, and the Discord connection shared by input and output.
type deviceEnv struct {
	// outputFormat is the provider's output format; speakers open in it.
	outputFormat audio.Format

	discordOnce  sync.Once
	discordVoice *discord.Voice
	discordErr   error
}

// joinDiscord joins the voice channel on first use. Input and output share the
// connection, so the options of whichever entry asks first are used.
func (e *deviceEnv) joinDiscord(opts map[string]any) (*discord.Voice, error) {
	e.discordOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		e.discordVoice, e.discordErr = discord.Dial(ctx, discord.Options{
			Token:     optString(opts, "token"),
			GuildID:   optString(opts, "guild_id"),
			ChannelID: optString(opts, "channel_id"),
		})
	})
	return e.discordVoice, e.discordErr
}

// Close leaves the Discord voice channel, if one was joined.
func (e *deviceEnv) Close() {
	if e.discordVoice != nil {
		if err := e.discordVoice.Close(); err != nil {
			slog.Warn("discord close error", "err", err)
		}
	}
}

// registerBuiltinProviders wires all built-in provider and device factories
// into reg.
func registerBuiltinProviders(reg *config.Registry, devices *deviceEnv) {
	// ── S2S ───────────────────────────────────────────────────────────────────

	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "setup_timeout"); d > 0 {
			opts = append(opts, geminilive.WithSetupTimeout(d))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("gemini-sdk", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminisdk.Option
		if entry.Model != "" {
			opts = append(opts, geminisdk.WithModel(entry.Model))
		}
		if d := optDuration(entry.Options, "setup_timeout"); d > 0 {
			opts = append(opts, geminisdk.WithSetupTimeout(d))
		}
		return geminisdk.New(context.Background(), entry.APIKey, opts...)
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "setup_timeout"); d > 0 {
			opts = append(opts, oais2s.WithSetupTimeout(d))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	// ── Input ─────────────────────────────────────────────────────────────────

	reg.RegisterInput("malgo", func(config.DeviceEntry) (audio.Microphone, error) {
		return native.NewMicrophone(), nil
	})

	reg.RegisterInput("wav", func(entry config.DeviceEntry) (audio.Microphone, error) {
		return &wav.Microphone{
			Path: optString(entry.Options, "path"),
			Loop: optBool(entry.Options, "loop"),
		}, nil
	})

	reg.RegisterInput("discord", func(entry config.DeviceEntry) (audio.Microphone, error) {
		v, err := devices.joinDiscord(entry.Options)
		if err != nil {
			return nil, err
		}
		return v.Microphone(), nil
	})

	// ── Output ────────────────────────────────────────────────────────────────

	reg.RegisterOutput("oto", func(entry config.DeviceEntry) (audio.OutputDevice, error) {
		return native.OpenSpeaker(devices.outputFormat, optDuration(entry.Options, "buffer"))
	})

	reg.RegisterOutput("wav", func(entry config.DeviceEntry) (audio.OutputDevice, error) {
		return wav.OpenRecorder(optString(entry.Options, "path"), devices.outputFormat, optDuration(entry.Options, "period"))
	})

	reg.RegisterOutput("discord", func(entry config.DeviceEntry) (audio.OutputDevice, error) {
		v, err := devices.joinDiscord(entry.Options)
		if err != nil {
			return nil, err
		}
		return v.Speaker(), nil
	})

	for _, kind := range []string{"s2s", "input", "output"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates the provider, its fallbacks and the audio
// devices named in cfg using the registry.
func buildProviders(cfg *config.Config, reg *config.Registry, devices *deviceEnv) (*app.Providers, error) {
	primary, err := reg.CreateS2S(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", cfg.Provider.Name, err)
	}
	slog.Info("provider created", "kind", "s2s", "name", cfg.Provider.Name)

	ps := &app.Providers{Name: cfg.Provider.Name, S2S: primary}
	if len(cfg.Resilience.Fallbacks) > 0 {
		f := resilience.NewFailover(primary, cfg.Provider.Name, resilience.CircuitBreakerConfig{
			MaxFailures: cfg.Resilience.MaxConnectFailures,
			Cooldown:    cfg.Resilience.Cooldown,
			Trips:       func(err error) bool { return !errors.Is(err, context.Canceled) },
		})
		for _, fb := range cfg.Resilience.Fallbacks {
			p, err := reg.CreateS2S(fb)
			if err != nil {
				return nil, fmt.Errorf("create fallback provider %q: %w", fb.Name, err)
			}
			if err := f.AddFallback(fb.Name, p); err != nil {
				return nil, err
			}
			slog.Info("provider created", "kind", "s2s-fallback", "name", fb.Name)
		}
		ps.S2S = f
		ps.Name = strings.Join(f.Names(), ",")
	}

	devices.outputFormat = ps.S2S.Capabilities().OutputFormat

	if ps.Mic, err = reg.CreateInput(cfg.Audio.Input); err != nil {
		return nil, fmt.Errorf("create input device %q: %w", cfg.Audio.Input.Name, err)
	}
	slog.Info("device created", "kind", "input", "name", cfg.Audio.Input.Name)

	if ps.Out, err = reg.CreateOutput(cfg.Audio.Output); err != nil {
		return nil, fmt.Errorf("create output device %q: %w", cfg.Audio.Output.Name, err)
	}
	slog.Info("device created", "kind", "output", "name", cfg.Audio.Output.Name, "format", ps.Out.Format())

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        livevoice - startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", valueOr(cfg.Provider.Name, cfg.Provider.Model))
	printRow("Fallbacks", fmt.Sprint(len(cfg.Resilience.Fallbacks)))
	printRow("Input", valueOr(cfg.Audio.Input.Name, ""))
	printRow("Output", valueOr(cfg.Audio.Output.Name, ""))
	if p, ok := cfg.Persona(""); ok {
		printRow("Persona", p.Name+" / "+p.Voice)
	}
	printRow("Personas", fmt.Sprint(len(cfg.AllPersonas())))
	printRow("Postgres", enabled(cfg.Storage.PostgresDSN != ""))
	printRow("Redis", enabled(cfg.Storage.RedisURL != ""))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func valueOr(name, model string) string {
	switch {
	case name == "":
		return "(not configured)"
	case model != "":
		return name + " / " + model
	}
	return name
}

func enabled(on bool) string {
	if on {
		return "enabled"
	}
	return "(disabled)"
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from an Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

func optBool(opts map[string]any, key string) bool {
	b, _ := opts[key].(bool)
	return b
}

// optDuration accepts a Go duration string ("250ms") or a number of
// milliseconds. Anything else yields zero.
func optDuration(opts map[string]any, key string) time.Duration {
	switch v := opts[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("ignoring invalid duration option", "key", key, "value", v)
			return 0
		}
		return d
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	}
	return 0
}
