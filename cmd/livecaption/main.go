// Command livecaption is the live caption server. With -input it instead
// captions a WAV recording and writes WebVTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/livecaption/internal/app"
	"github.com/MrWong99/livecaption/internal/config"
	"github.com/MrWong99/livecaption/internal/observe"
	"github.com/MrWong99/livecaption/internal/offline"
	"github.com/MrWong99/livecaption/internal/resilience"
	"github.com/MrWong99/livecaption/pkg/provider/stt"
	"github.com/MrWong99/livecaption/pkg/provider/stt/deepgram"
	"github.com/MrWong99/livecaption/pkg/provider/stt/endpoint"
	"github.com/MrWong99/livecaption/pkg/provider/stt/openai"
	"github.com/MrWong99/livecaption/pkg/provider/stt/whisper"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	input := flag.String("input", "", "caption this WAV file instead of serving")
	output := flag.String("output", "", "WebVTT output path for -input (default stdout)")
	concurrency := flag.Int("concurrency", 1, "parallel transcription requests for -input")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livecaption: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livecaption: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Transcription backends ────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg, cfg)

	provider, closers, err := buildProvider(cfg, reg)
	if err != nil {
		slog.Error("failed to build transcription backends", "err", err)
		return 1
	}
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				slog.Warn("close backend", "err", err)
			}
		}
	}()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "livecaption"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	if *input != "" {
		return runOffline(ctx, cfg, provider, metrics, *input, *output, *concurrency)
	}

	// ── Server ────────────────────────────────────────────────────────────────
	slog.Info("livecaption starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"backends", len(cfg.Transcription.Backends()),
	)

	application, err := app.New(ctx, cfg, provider,
		app.WithMetrics(metrics),
		app.WithMetricsHandler(promhttp.Handler()),
		app.WithLogLevel(&level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// runOffline captions the WAV file at input and writes WebVTT to output, or
// stdout when output is empty.
func runOffline(ctx context.Context, cfg *config.Config, p stt.Provider, m *observe.Metrics, input, output string, concurrency int) int {
	in, err := os.Open(input)
	if err != nil {
		slog.Error("open input", "err", err)
		return 1
	}
	defer in.Close()

	var out io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			slog.Error("create output", "err", err)
			return 1
		}
		defer f.Close()
		out = f
	}

	ocfg := cfg.Offline()
	ocfg.Concurrency = concurrency
	opts := []offline.Option{offline.WithMetrics(m)}
	if g := cfg.Captions.BuildGlossary(); g != nil {
		opts = append(opts, offline.WithCorrector(g))
	}

	start := time.Now()
	report, err := offline.New(p, ocfg, opts...).WriteVTT(ctx, in, out)
	if err != nil {
		slog.Error("caption recording", "input", input, "err", err)
		return 1
	}
	slog.Info("recording captioned",
		"input", input,
		"duration", report.Duration,
		"segments", report.Segments,
		"captions", len(report.Captions),
		"discarded", report.Discarded,
		"failed", report.Failed,
		"elapsed", time.Since(start),
	)
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires all built-in transcription backends into
// reg. Deepgram keyword boosting falls back to the glossary terms.
func registerBuiltinBackends(reg *config.Registry, cfg *config.Config) {
	reg.RegisterSTT("endpoint", func(entry config.BackendConfig) (stt.Provider, error) {
		var opts []endpoint.Option
		if entry.Language != "" {
			opts = append(opts, endpoint.WithLanguage(entry.Language))
		}
		if entry.APIKey != "" {
			opts = append(opts, endpoint.WithHeader("Authorization", "Bearer "+entry.APIKey))
		}
		return endpoint.New(entry.Endpoint, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.BackendConfig) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, whisper.WithLanguage(entry.Language))
		}
		return whisper.New(entry.Endpoint, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.BackendConfig) (stt.Provider, error) {
		modelPath := entry.StringOption("model_path")
		if modelPath == "" {
			modelPath = entry.Model
		}
		var opts []whisper.NativeOption
		if entry.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(entry.Language))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.BackendConfig) (stt.Provider, error) {
		var opts []openai.Option
		if entry.Endpoint != "" {
			opts = append(opts, openai.WithBaseURL(entry.Endpoint))
		}
		if entry.Language != "" {
			opts = append(opts, openai.WithLanguage(entry.Language))
		}
		if prompt := entry.StringOption("prompt"); prompt != "" {
			opts = append(opts, openai.WithPrompt(prompt))
		}
		if org := entry.StringOption("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.BackendConfig) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, deepgram.WithLanguage(entry.Language))
		}
		if entry.Endpoint != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.Endpoint))
		}
		keywords := entry.StringsOption("keywords")
		if len(keywords) == 0 {
			for _, t := range cfg.Captions.Glossary {
				keywords = append(keywords, t.Text)
			}
		}
		if len(keywords) > 0 {
			opts = append(opts, deepgram.WithKeywords(keywords...))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	for _, name := range reg.Names() {
		slog.Debug("registered backend", "name", name)
	}
}

// buildProvider instantiates the primary backend and its fallbacks and
// chains them behind circuit breakers. The returned closers release
// backends holding native resources.
func buildProvider(cfg *config.Config, reg *config.Registry) (*resilience.STTFallback, []io.Closer, error) {
	var (
		chain   *resilience.STTFallback
		closers []io.Closer
		seen    = make(map[string]int)
	)
	for i, entry := range cfg.Transcription.Backends() {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			for _, c := range closers {
				_ = c.Close()
			}
			return nil, nil, err
		}
		if c, ok := p.(io.Closer); ok {
			closers = append(closers, c)
		}

		name := entry.Backend
		if n := seen[name]; n > 0 {
			name = fmt.Sprintf("%s#%d", name, n+1)
		}
		seen[entry.Backend]++
		if i == 0 {
			chain = resilience.NewSTTFallback(p, name, cfg.Transcription.Fallback())
		} else {
			chain.AddFallback(name, p)
		}
		slog.Info("transcription backend created", "name", name, "model", entry.Model, "language", entry.Language)
	}
	return chain, closers, nil
}
