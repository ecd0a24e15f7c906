package config_test

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/livecaption/internal/config"
	"github.com/MrWong99/livecaption/internal/transcript"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(t), baseConfig(t))
	if d.Changed() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(t), baseConfig(t)
	new.Server.LogLevel = config.LogWarn

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogWarn {
		t.Errorf("diff = %+v, want log level change to warn", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level alone should not need a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_SessionTuning(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{name: "vad", mutate: func(c *config.Config) { c.VAD.SpeechThreshold = 0.1 }},
		{name: "segment", mutate: func(c *config.Config) { c.Segment.MaxDuration = 10 * time.Second }},
		{name: "caption delay", mutate: func(c *config.Config) { d := time.Second; c.Captions.AccumulationWindow = &d }},
		{name: "notice text", mutate: func(c *config.Config) { c.Captions.FailureNotice = "failed" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			old, new := baseConfig(t), baseConfig(t)
			tt.mutate(new)
			d := config.Diff(old, new)
			if !d.SessionChanged {
				t.Error("expected SessionChanged")
			}
			if d.GlossaryChanged || len(d.RestartRequired) != 0 {
				t.Errorf("unexpected extra changes: %+v", d)
			}
		})
	}
}

func TestDiff_GlossaryChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(t), baseConfig(t)
	new.Captions.Glossary = append(new.Captions.Glossary, transcript.Term{Text: "Douyin"})

	d := config.Diff(old, new)
	if !d.GlossaryChanged {
		t.Error("expected GlossaryChanged")
	}
	if d.SessionChanged {
		t.Error("glossary change should not flag session tuning")
	}

	new = baseConfig(t)
	new.Captions.Glossary[0].Aliases = []string{"bilibilli"}
	if !config.Diff(old, new).GlossaryChanged {
		t.Error("alias change not detected")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(t), baseConfig(t)
	new.Server.ListenAddr = ":1234"
	new.Capture.FrameQueue = 8
	new.Transcription.Fallbacks[1].Options["keywords"] = []any{"Other"}
	new.History.PostgresDSN = ""

	d := config.Diff(old, new)
	want := []string{"server", "capture", "transcription", "history"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.LogLevelChanged || d.SessionChanged || d.GlossaryChanged {
		t.Errorf("unexpected hot-reload flags: %+v", d)
	}
}

func TestDiff_MaxRetries(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(t), baseConfig(t)
	five := 5
	new.Transcription.MaxRetries = &five
	if d := config.Diff(old, new); !slices.Contains(d.RestartRequired, "transcription") {
		t.Errorf("max_retries change not detected: %+v", d)
	}
	new.Transcription.MaxRetries = nil
	if d := config.Diff(old, new); !slices.Contains(d.RestartRequired, "transcription") {
		t.Errorf("max_retries unset not detected: %+v", d)
	}
}
