package config

import (
	"time"

	"github.com/MrWong99/livecaption/internal/caption"
	"github.com/MrWong99/livecaption/internal/offline"
	"github.com/MrWong99/livecaption/internal/pipeline"
	"github.com/MrWong99/livecaption/internal/resilience"
	"github.com/MrWong99/livecaption/internal/segment"
	"github.com/MrWong99/livecaption/internal/transcribe"
	"github.com/MrWong99/livecaption/internal/transcript"
	"github.com/MrWong99/livecaption/internal/transcript/phonetic"
	"github.com/MrWong99/livecaption/internal/vad"
)

// Detector returns the detector tuning.
func (v VADConfig) Detector() vad.Config {
	return vad.Config{
		SpeechThreshold:   v.SpeechThreshold,
		SilenceThreshold:  v.SilenceThreshold,
		MinSpeechDuration: v.MinSpeechDuration,
		SilenceDuration:   v.SilenceDuration,
		MinAudioLength:    v.minAudioLength(),
	}
}

// minAudioLength is min_audio_length with the stock default when omitted.
func (v VADConfig) minAudioLength() time.Duration {
	if v.MinAudioLength == 0 {
		return vad.DefaultConfig().MinAudioLength
	}
	return v.MinAudioLength
}

// Buffer returns the segment limits at the given sample rate.
func (s SegmentConfig) Buffer(sampleRate int) segment.Config {
	return segment.Config{
		SampleRate:  sampleRate,
		MinDuration: s.MinDuration,
		MaxDuration: s.MaxDuration,
	}
}

// Client returns the request policy of the transcription client.
func (t TranscriptionConfig) Client() transcribe.Config {
	c := transcribe.Config{
		Timeout:    t.Timeout,
		RetryDelay: t.RetryDelay,
		Language:   t.Language,
		Task:       t.Task,
		Backend:    t.Backend,
	}
	if t.MaxRetries != nil {
		c.MaxRetries = *t.MaxRetries
		if c.MaxRetries == 0 {
			c.MaxRetries = -1
		}
	}
	return c
}

// Backends returns the primary backend followed by the fallbacks. Entries
// without a language inherit the primary's.
func (t TranscriptionConfig) Backends() []BackendConfig {
	out := make([]BackendConfig, 0, 1+len(t.Fallbacks))
	out = append(out, t.BackendConfig)
	for _, fb := range t.Fallbacks {
		if fb.Language == "" {
			fb.Language = t.Language
		}
		out = append(out, fb)
	}
	return out
}

// Fallback returns the resilience tuning for the backend chain.
func (t TranscriptionConfig) Fallback() resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  t.CircuitBreaker.MaxFailures,
			ResetTimeout: t.CircuitBreaker.ResetTimeout,
			HalfOpenMax:  t.CircuitBreaker.HalfOpenMax,
		},
	}
}

// Scheduler returns the caption timing.
func (c CaptionsConfig) Scheduler() caption.Config {
	return caption.Config{
		Retention:          c.Retention,
		AccumulationWindow: delayPart(c.AccumulationWindow),
		ProcessingEstimate: delayPart(c.ProcessingEstimate),
		Adaptive:           c.AdaptiveDelay,
		MinDelay:           c.MinDelay,
		MaxDelay:           c.MaxDelay,
	}
}

// delayPart maps an optional YAML delay onto the scheduler's convention,
// where zero takes the default and a negative value means none.
func delayPart(d *time.Duration) time.Duration {
	switch {
	case d == nil:
		return 0
	case *d == 0:
		return -1
	default:
		return *d
	}
}

// BuildGlossary returns the caption glossary, or nil when no terms are
// configured.
func (c CaptionsConfig) BuildGlossary() *transcript.Glossary {
	if len(c.Glossary) == 0 {
		return nil
	}
	var opts []transcript.GlossaryOption
	if c.PhoneticMatch {
		opts = append(opts, transcript.WithPhoneticMatcher(phonetic.New()))
	}
	return transcript.NewGlossary(c.Glossary, opts...)
}

// Session returns the per-session pipeline tuning. The session ID is left
// empty.
func (c *Config) Session() pipeline.Config {
	return pipeline.Config{
		SampleRate:      c.Capture.SampleRate,
		FrameQueue:      c.Capture.FrameQueue,
		PollInterval:    c.Capture.PollInterval,
		VADInterval:     c.VAD.TickInterval,
		CaptionInterval: c.Captions.TickInterval,
		VAD:             c.VAD.Detector(),
		Segment:         c.Segment.Buffer(c.Capture.SampleRate),
		Transcription:   c.Transcription.Client(),
		Captions:        c.Captions.Scheduler(),
		NoticeDuration:  c.Captions.NoticeDuration,
		FailureNotice:   c.Captions.FailureNotice,
		CaptureNotice:   c.Captions.CaptureNotice,
	}
}

// Offline returns the tuning for captioning a recording.
func (c *Config) Offline() offline.Config {
	return offline.Config{
		FrameDuration: c.VAD.TickInterval,
		VAD:           c.VAD.Detector(),
		Segment:       c.Segment.Buffer(c.Capture.SampleRate),
		Transcription: c.Transcription.Client(),
		Captions:      c.Captions.Scheduler(),
	}
}
