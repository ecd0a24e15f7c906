package config_test

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/livecaption/internal/caption"
	"github.com/MrWong99/livecaption/internal/config"
	"github.com/MrWong99/livecaption/pkg/provider/stt"
	"github.com/MrWong99/livecaption/pkg/provider/stt/mock"
)

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error(`"trace" should be invalid`)
	}
	if config.LogWarn.Level() != slog.LevelWarn || config.LogLevel("").Level() != slog.LevelInfo {
		t.Error("unexpected slog level mapping")
	}
}

func TestConfig_Session(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatal(err)
	}
	s := cfg.Session()

	if s.ID != "" {
		t.Errorf("ID = %q, want empty", s.ID)
	}
	if s.SampleRate != 16000 || s.Segment.SampleRate != 16000 || s.Segment.MaxDuration != 20*time.Second {
		t.Errorf("sample rate / segment = %d / %+v", s.SampleRate, s.Segment)
	}
	if s.VADInterval != 40*time.Millisecond || s.CaptionInterval != config.DefaultCaptionTickInterval {
		t.Errorf("intervals = %v / %v", s.VADInterval, s.CaptionInterval)
	}
	if s.VAD.SpeechThreshold != 0.06 || s.VAD.MinSpeechDuration != 400*time.Millisecond {
		t.Errorf("vad = %+v", s.VAD)
	}
	// An explicit zero in YAML disables retries.
	if s.Transcription.MaxRetries != -1 || s.Transcription.Backend != "endpoint" || s.Transcription.Timeout != 20*time.Second {
		t.Errorf("transcription = %+v", s.Transcription)
	}
	if !s.Captions.Adaptive || s.Captions.AccumulationWindow != 2*time.Second || s.Captions.Retention != 30*time.Second {
		t.Errorf("captions = %+v", s.Captions)
	}
	if s.FailureNotice != "识别失败" || s.NoticeDuration != 2*time.Second {
		t.Errorf("notice = %q for %v", s.FailureNotice, s.NoticeDuration)
	}

	off := cfg.Offline()
	if off.FrameDuration != 40*time.Millisecond || off.Segment.MinDuration != time.Second {
		t.Errorf("offline = %+v", off)
	}
}

func TestTranscriptionConfig_Client(t *testing.T) {
	t.Parallel()
	three := 3
	tests := []struct {
		name  string
		retry *int
		want  int
	}{
		{name: "unset uses client default", retry: nil, want: 0},
		{name: "explicit value", retry: &three, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := config.TranscriptionConfig{MaxRetries: tt.retry}.Client()
			if c.MaxRetries != tt.want {
				t.Errorf("MaxRetries = %d, want %d", c.MaxRetries, tt.want)
			}
		})
	}
}

func TestTranscriptionConfig_Backends(t *testing.T) {
	t.Parallel()
	tc := config.TranscriptionConfig{
		BackendConfig: config.BackendConfig{Backend: "endpoint", Language: "zh"},
		Fallbacks: []config.BackendConfig{
			{Backend: "whisper"},
			{Backend: "deepgram", Language: "en"},
		},
	}
	got := tc.Backends()
	if len(got) != 3 {
		t.Fatalf("got %d backends, want 3", len(got))
	}
	if got[0].Backend != "endpoint" || got[1].Language != "zh" || got[2].Language != "en" {
		t.Errorf("backends = %+v", got)
	}
	if tc.Fallbacks[0].Language != "" {
		t.Error("Backends modified the config")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &mock.Provider{}
	var gotEntry config.BackendConfig
	reg.RegisterSTT("mock", func(e config.BackendConfig) (stt.Provider, error) {
		gotEntry = e
		return want, nil
	})
	reg.RegisterSTT("broken", func(config.BackendConfig) (stt.Provider, error) {
		return nil, errors.New("no model")
	})

	p, err := reg.CreateSTT(config.BackendConfig{Backend: "mock", Model: "m1"})
	if err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if p != want || gotEntry.Model != "m1" {
		t.Errorf("factory got %+v, returned %v", gotEntry, p)
	}

	if _, err := reg.CreateSTT(config.BackendConfig{Backend: "nope"}); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("unknown backend error = %v, want ErrBackendNotRegistered", err)
	}
	if _, err := reg.CreateSTT(config.BackendConfig{Backend: "broken"}); err == nil || !strings.Contains(err.Error(), "no model") {
		t.Errorf("factory error = %v", err)
	}
	if names := reg.Names(); len(names) != 2 || names[0] != "broken" || names[1] != "mock" {
		t.Errorf("Names = %v", names)
	}
}

func TestBackendConfig_Options(t *testing.T) {
	t.Parallel()
	b := config.BackendConfig{Options: map[string]any{
		"model_path": "/models/ggml-base.bin",
		"keywords":   []any{"a", 1, "b"},
		"single":     "x",
		"number":     5,
	}}
	if got := b.StringOption("model_path"); got != "/models/ggml-base.bin" {
		t.Errorf("StringOption = %q", got)
	}
	if got := b.StringOption("number"); got != "" {
		t.Errorf("non-string StringOption = %q, want empty", got)
	}
	if got := b.StringsOption("keywords"); len(got) != 2 || got[1] != "b" {
		t.Errorf("StringsOption = %v", got)
	}
	if got := b.StringsOption("single"); len(got) != 1 || got[0] != "x" {
		t.Errorf("single StringsOption = %v", got)
	}
	if got := b.StringsOption("missing"); got != nil {
		t.Errorf("missing StringsOption = %v", got)
	}
}

func TestCaptionsConfig_BuildGlossary(t *testing.T) {
	t.Parallel()
	if g := (config.CaptionsConfig{}).BuildGlossary(); g != nil {
		t.Errorf("empty glossary = %v, want nil", g)
	}

	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatal(err)
	}
	g := cfg.Captions.BuildGlossary()
	if g == nil || g.Len() != 1 {
		t.Fatalf("glossary = %v, want one term", g)
	}
	if got := g.Apply("我在哔哩看视频"); got != "我在Bilibili看视频" {
		t.Errorf("Apply = %q", got)
	}
}

func TestCaptionsConfig_SchedulerDelay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want time.Duration
	}{
		{name: "defaults", yaml: "", want: 4 * time.Second},
		{name: "explicit zero", yaml: "captions:\n  accumulation_window: 0s\n  processing_estimate: 0s\n", want: 0},
		{name: "zero window only", yaml: "captions:\n  accumulation_window: 0s\n", want: time.Second},
		{name: "custom", yaml: "captions:\n  accumulation_window: 2s\n  processing_estimate: 500ms\n", want: 2500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err != nil {
				t.Fatalf("LoadFromReader: %v", err)
			}
			if got := caption.NewScheduler(cfg.Captions.Scheduler()).Delay(); got != tt.want {
				t.Errorf("Delay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCaptionsConfig_NegativeDelayRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("captions:\n  processing_estimate: -1s\n"))
	if err == nil || !strings.Contains(err.Error(), "captions.processing_estimate") {
		t.Errorf("err = %v, want a processing_estimate validation error", err)
	}
}

func TestVADConfig_MinAudioLengthDefault(t *testing.T) {
	t.Parallel()
	if got := (config.VADConfig{}).Detector().MinAudioLength; got != time.Second {
		t.Errorf("omitted min_audio_length = %v, want 1s", got)
	}
	if got := (config.VADConfig{MinAudioLength: 300 * time.Millisecond}).Detector().MinAudioLength; got != 300*time.Millisecond {
		t.Errorf("min_audio_length = %v, want 300ms", got)
	}
}
