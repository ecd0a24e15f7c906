package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults filled in by [ApplyDefaults].
const (
	DefaultListenAddr          = ":8080"
	DefaultBackend             = "endpoint"
	DefaultEndpoint            = "http://localhost:3000/api/transcribe"
	DefaultSampleRate          = 16000
	DefaultVADTickInterval     = 50 * time.Millisecond
	DefaultCaptionTickInterval = 100 * time.Millisecond
)

// ValidBackendNames lists the transcription backends known to the
// built-in registry. Used by [Validate] to warn about unrecognised names.
var ValidBackendNames = []string{"endpoint", "whisper", "whisper-native", "openai", "deepgram"}

// backendsNeedingEndpoint cannot run without an endpoint URL.
var backendsNeedingEndpoint = []string{"endpoint", "whisper"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in the settings the service cannot run without.
// Tuning left at zero is defaulted by the component that owns it.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = DefaultSampleRate
	}
	if cfg.VAD.TickInterval == 0 {
		cfg.VAD.TickInterval = DefaultVADTickInterval
	}
	if cfg.Captions.TickInterval == 0 {
		cfg.Captions.TickInterval = DefaultCaptionTickInterval
	}
	if cfg.Transcription.Backend == "" {
		cfg.Transcription.Backend = DefaultBackend
		if cfg.Transcription.Endpoint == "" {
			cfg.Transcription.Endpoint = DefaultEndpoint
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Capture
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must not be negative", cfg.Capture.SampleRate))
	}
	if cfg.Capture.FrameQueue < 0 {
		errs = append(errs, fmt.Errorf("capture.frame_queue %d must not be negative", cfg.Capture.FrameQueue))
	}
	errs = appendNegative(errs, "capture.poll_interval", cfg.Capture.PollInterval)

	// Segment
	errs = appendNegative(errs, "segment.max_duration", cfg.Segment.MaxDuration)
	if cfg.Segment.MaxDuration > 0 && cfg.Segment.MinDuration > cfg.Segment.MaxDuration {
		errs = append(errs, fmt.Errorf("segment.min_duration %s exceeds segment.max_duration %s", cfg.Segment.MinDuration, cfg.Segment.MaxDuration))
	}

	// VAD
	v := cfg.VAD
	for name, th := range map[string]float64{
		"vad.speech_threshold":  v.SpeechThreshold,
		"vad.silence_threshold": v.SilenceThreshold,
	} {
		if th < 0 || th > 1 {
			errs = append(errs, fmt.Errorf("%s %.3f is out of range [0, 1]", name, th))
		}
	}
	if v.SpeechThreshold > 0 && v.SilenceThreshold > v.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.3f exceeds vad.speech_threshold %.3f", v.SilenceThreshold, v.SpeechThreshold))
	}
	errs = appendNegative(errs, "vad.min_speech_duration", v.MinSpeechDuration)
	errs = appendNegative(errs, "vad.silence_duration", v.SilenceDuration)
	errs = appendNegative(errs, "vad.tick_interval", v.TickInterval)

	// Transcription
	t := cfg.Transcription
	errs = appendNegative(errs, "transcription.timeout", t.Timeout)
	errs = appendNegative(errs, "transcription.retry_delay", t.RetryDelay)
	if t.MaxRetries != nil && *t.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("transcription.max_retries %d must not be negative", *t.MaxRetries))
	}
	if t.Task != "" && t.Task != "transcribe" && t.Task != "translate" {
		errs = append(errs, fmt.Errorf("transcription.task %q is invalid; valid values: transcribe, translate", t.Task))
	}
	for i, b := range t.Backends() {
		prefix := "transcription"
		if i > 0 {
			prefix = fmt.Sprintf("transcription.fallbacks[%d]", i-1)
		}
		errs = append(errs, validateBackend(prefix, b)...)
	}

	// Captions
	c := cfg.Captions
	errs = appendNegative(errs, "captions.tick_interval", c.TickInterval)
	errs = appendNegative(errs, "captions.retention", c.Retention)
	if c.AccumulationWindow != nil {
		errs = appendNegative(errs, "captions.accumulation_window", *c.AccumulationWindow)
	}
	if c.ProcessingEstimate != nil {
		errs = appendNegative(errs, "captions.processing_estimate", *c.ProcessingEstimate)
	}
	if c.MaxDelay > 0 && c.MinDelay > c.MaxDelay {
		errs = append(errs, fmt.Errorf("captions.min_delay %s exceeds captions.max_delay %s", c.MinDelay, c.MaxDelay))
	}
	seen := make(map[string]int, len(c.Glossary))
	for i, term := range c.Glossary {
		text := strings.TrimSpace(term.Text)
		if text == "" {
			errs = append(errs, fmt.Errorf("captions.glossary[%d].term is required", i))
			continue
		}
		if prev, ok := seen[text]; ok {
			errs = append(errs, fmt.Errorf("captions.glossary[%d].term %q is a duplicate of captions.glossary[%d]", i, text, prev))
		}
		seen[text] = i
	}

	// History
	if cfg.History.MaxPerSession < 0 {
		errs = append(errs, fmt.Errorf("history.max_per_session %d must not be negative", cfg.History.MaxPerSession))
	}
	if cfg.History.PostgresDSN == "" {
		slog.Debug("history.postgres_dsn is empty; caption history is kept in memory only")
	}

	return errors.Join(errs...)
}

func validateBackend(prefix string, b BackendConfig) []error {
	var errs []error
	if b.Backend == "" {
		return append(errs, fmt.Errorf("%s.backend is required", prefix))
	}
	if !slices.Contains(ValidBackendNames, b.Backend) {
		slog.Warn("unknown transcription backend, may be a typo or third-party backend",
			"field", prefix+".backend",
			"name", b.Backend,
			"known", ValidBackendNames,
		)
	}
	if slices.Contains(backendsNeedingEndpoint, b.Backend) && b.Endpoint == "" {
		errs = append(errs, fmt.Errorf("%s.endpoint is required for backend %q", prefix, b.Backend))
	}
	if b.Backend == "whisper-native" {
		if b.StringOption("model_path") == "" {
			errs = append(errs, fmt.Errorf("%s.options.model_path is required for backend %q", prefix, b.Backend))
		}
	}
	if (b.Backend == "openai" || b.Backend == "deepgram") && b.APIKey == "" {
		slog.Warn("transcription backend has no api_key", "field", prefix, "backend", b.Backend)
	}
	return errs
}

func appendNegative(errs []error, field string, d time.Duration) []error {
	if d < 0 {
		return append(errs, fmt.Errorf("%s %s must not be negative", field, d))
	}
	return errs
}
