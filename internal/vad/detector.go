// Package vad implements the amplitude-based voice activity detector that
// decides when a speech segment starts and ends.
//
// The detector is a four-state machine (Idle, SpeechDetected, Recording,
// Processing) fed one level reading per tick. Two thresholds give it
// hysteresis: speech must rise above SpeechThreshold to start and fall below
// SilenceThreshold to count as silence, so noise hovering between the two
// changes nothing. The detector drives a [segment.Buffer] directly and hands
// sealed segments to a dispatch hook without waiting for transcription.
//
// A Detector is owned by a single pipeline goroutine and is not safe for
// concurrent use.
package vad

import (
	"errors"
	"time"

	"github.com/MrWong99/livecaption/internal/segment"
)

// State is the detector's current phase.
type State int

const (
	Idle State = iota
	SpeechDetected
	Recording
	Processing
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SpeechDetected:
		return "speech_detected"
	case Recording:
		return "recording"
	case Processing:
		return "processing"
	default:
		return "unknown"
	}
}

// DiscardReason says why audio was thrown away instead of transcribed.
type DiscardReason string

const (
	// DiscardShortSpeech means the speech burst fell silent before
	// MinSpeechDuration elapsed.
	DiscardShortSpeech DiscardReason = "short_speech"

	// DiscardTooShort means the sealed audio was below MinAudioLength.
	DiscardTooShort DiscardReason = "too_short"

	// DiscardReset means the detector was reset mid-segment.
	DiscardReset DiscardReason = "reset"
)

// Config holds the detector tuning. Zero thresholds and durations are
// replaced by the defaults in [DefaultConfig], except MinAudioLength: zero
// leaves the length check to the segment buffer's minimum.
type Config struct {
	SpeechThreshold   float64
	SilenceThreshold  float64
	MinSpeechDuration time.Duration
	SilenceDuration   time.Duration
	MinAudioLength    time.Duration
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		SpeechThreshold:   0.05,
		SilenceThreshold:  0.02,
		MinSpeechDuration: 500 * time.Millisecond,
		SilenceDuration:   1500 * time.Millisecond,
		MinAudioLength:    time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.SpeechThreshold <= 0 {
		c.SpeechThreshold = d.SpeechThreshold
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = d.SilenceThreshold
	}
	if c.MinSpeechDuration <= 0 {
		c.MinSpeechDuration = d.MinSpeechDuration
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = d.SilenceDuration
	}
	if c.MinAudioLength < 0 {
		c.MinAudioLength = 0
	}
}

// Reading is one level sample.
type Reading struct {
	// Level is the current amplitude in [0, 1].
	Level float64

	// At is the wall-clock time of the sample. All duration checks use it.
	At time.Time

	// VideoTime is the media element's playback position at the sample.
	VideoTime time.Duration
}

// Option is a functional option for configuring a [Detector].
type Option func(*Detector)

// WithDispatch registers the hook that receives sealed segments. It must not
// block; the detector returns to Idle as soon as it returns.
func WithDispatch(fn func(*segment.Segment)) Option {
	return func(d *Detector) { d.dispatch = fn }
}

// WithTransitionHook registers a hook called on every state change.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(d *Detector) { d.onTransition = fn }
}

// WithDiscardHook registers a hook called whenever audio is thrown away.
func WithDiscardHook(fn func(DiscardReason)) Option {
	return func(d *Detector) { d.onDiscard = fn }
}

// Detector is the voice activity state machine.
type Detector struct {
	cfg Config
	buf *segment.Buffer

	dispatch     func(*segment.Segment)
	onTransition func(from, to State)
	onDiscard    func(DiscardReason)

	state        State
	speechStart  time.Time
	silenceStart time.Time
}

// New creates a Detector in the Idle state driving buf.
func New(cfg Config, buf *segment.Buffer, opts ...Option) *Detector {
	cfg.applyDefaults()
	d := &Detector{cfg: cfg, buf: buf}
	for _, o := range opts {
		o(d)
	}
	return d
}

// State returns the current state.
func (d *Detector) State() State { return d.state }

// Config returns the active tuning.
func (d *Detector) Config() Config { return d.cfg }

// SetConfig replaces the tuning. It takes effect on the next reading.
func (d *Detector) SetConfig(cfg Config) {
	cfg.applyDefaults()
	d.cfg = cfg
}

// Observe feeds one reading through the state machine and returns the
// resulting state.
func (d *Detector) Observe(r Reading) State {
	speech := r.Level >= d.cfg.SpeechThreshold
	silence := r.Level < d.cfg.SilenceThreshold

	switch d.state {
	case Idle:
		if speech {
			d.speechStart = r.At
			d.silenceStart = time.Time{}
			d.buf.Start(r.VideoTime)
			d.transition(SpeechDetected)
		}

	case SpeechDetected:
		switch {
		case speech:
			if r.At.Sub(d.speechStart) >= d.cfg.MinSpeechDuration {
				d.transition(Recording)
			}
		case silence:
			d.buf.Clear()
			d.discard(DiscardShortSpeech)
			d.transition(Idle)
		}

	case Recording:
		switch {
		case speech:
			d.silenceStart = time.Time{}
		case silence:
			if d.silenceStart.IsZero() {
				d.silenceStart = r.At
			}
			if r.At.Sub(d.silenceStart) >= d.cfg.SilenceDuration {
				d.finish(r)
				return d.state
			}
		}
		if d.buf.Full() || d.buf.Duration() >= d.buf.MaxDuration() {
			d.finish(r)
		}
	}
	return d.state
}

// ForceFinish seals the current segment immediately, e.g. from the buffer's
// max-duration hook. It is a no-op unless speech is in progress.
func (d *Detector) ForceFinish(r Reading) {
	if d.state == SpeechDetected || d.state == Recording {
		d.finish(r)
	}
}

// Reset discards any partial segment and returns to Idle.
func (d *Detector) Reset() {
	if d.buf.Recording() {
		d.buf.Clear()
		d.discard(DiscardReset)
	}
	d.speechStart = time.Time{}
	d.silenceStart = time.Time{}
	if d.state != Idle {
		d.transition(Idle)
	}
}

func (d *Detector) finish(r Reading) {
	d.transition(Processing)

	seg, err := d.buf.Stop(r.VideoTime)
	switch {
	case errors.Is(err, segment.ErrTooShort), seg == nil:
		d.discard(DiscardTooShort)
	case seg.Duration < d.cfg.MinAudioLength:
		d.discard(DiscardTooShort)
	default:
		if d.dispatch != nil {
			d.dispatch(seg)
		}
	}

	d.speechStart = time.Time{}
	d.silenceStart = time.Time{}
	d.transition(Idle)
}

func (d *Detector) transition(to State) {
	from := d.state
	if from == to {
		return
	}
	d.state = to
	if d.onTransition != nil {
		d.onTransition(from, to)
	}
}

func (d *Detector) discard(reason DiscardReason) {
	if d.onDiscard != nil {
		d.onDiscard(reason)
	}
}
