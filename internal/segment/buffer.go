// Package segment accumulates captured audio frames into speech segments and
// seals them into self-contained WAV payloads for transcription.
//
// A [Buffer] is owned by a single pipeline goroutine and is not safe for
// concurrent use.
package segment

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/livecaption/pkg/audio"
)

const (
	// DefaultMinDuration is the shortest segment Stop will seal.
	DefaultMinDuration = time.Second

	// DefaultMaxDuration caps a single segment.
	DefaultMaxDuration = 30 * time.Second

	defaultSampleRate = 16000
)

// ErrTooShort is returned by [Buffer.Stop] when the accumulated audio is
// below the minimum duration. The audio is discarded.
var ErrTooShort = errors.New("segment: too short")

// Segment is a sealed span of speech audio. EndVideoTime is never before
// StartVideoTime.
type Segment struct {
	ID string

	// Audio is the WAV container (16-bit mono PCM, 44-byte RIFF header).
	Audio []byte

	// ContentType is the MIME type of Audio.
	ContentType string

	// Samples is a copy of the raw mono samples for in-process backends.
	Samples    []float32
	SampleRate int

	StartVideoTime time.Duration
	EndVideoTime   time.Duration

	// Duration is the length of the recorded audio, which can differ from
	// the video-time span when playback stalls.
	Duration  time.Duration
	CreatedAt time.Time
}

// Config holds the buffer limits.
type Config struct {
	// SampleRate of incoming mono frames. Default 16000.
	SampleRate int

	// MinDuration below which Stop discards. Callers normally pass
	// DefaultMinDuration.
	MinDuration time.Duration

	// MaxDuration at which the OnFull hook fires. Default 30s.
	MaxDuration time.Duration
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = defaultSampleRate
	}
	if c.MinDuration < 0 {
		c.MinDuration = 0
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
}

// Option is a functional option for configuring a [Buffer].
type Option func(*Buffer)

// WithOnFull registers the hook called once per segment when MaxDuration is
// reached. It runs synchronously at the end of the Append that filled the
// buffer, so it may call Stop.
func WithOnFull(fn func()) Option {
	return func(b *Buffer) { b.onFull = fn }
}

// WithClock injects the clock used to stamp CreatedAt.
func WithClock(c clockwork.Clock) Option {
	return func(b *Buffer) { b.clock = c }
}

// Buffer accumulates frames between Start and Stop.
type Buffer struct {
	cfg    Config
	clock  clockwork.Clock
	onFull func()

	recording bool
	start     time.Duration
	samples   []float32
	maxSample int
	full      bool
}

// NewBuffer returns an idle Buffer. A zero SampleRate or MaxDuration takes
// its default; a zero MinDuration disables the minimum.
func NewBuffer(cfg Config, opts ...Option) *Buffer {
	cfg.applyDefaults()
	b := &Buffer{
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
		maxSample: audio.DurationSamples(cfg.MaxDuration, cfg.SampleRate),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// SetLimits replaces the min/max durations. It only affects segments started
// afterwards and is used when configuration is hot-reloaded.
func (b *Buffer) SetLimits(minDur, maxDur time.Duration) {
	if b.recording {
		return
	}
	b.cfg.MinDuration = minDur
	b.cfg.MaxDuration = maxDur
	b.cfg.applyDefaults()
	b.maxSample = audio.DurationSamples(b.cfg.MaxDuration, b.cfg.SampleRate)
}

// Start begins a new segment at the given video time. It is a no-op while
// already recording.
func (b *Buffer) Start(atVideoTime time.Duration) {
	if b.recording {
		return
	}
	b.recording = true
	b.start = atVideoTime
	b.samples = b.samples[:0]
	b.full = false
}

// Append adds f to the current segment. Frames are dropped silently while
// not recording or once the segment is full. Samples beyond MaxDuration are
// cut off.
func (b *Buffer) Append(f audio.Frame) {
	if !b.recording || b.full {
		return
	}
	samples := f.Samples
	if f.Channels > 1 {
		samples = audio.Downmix(samples, f.Channels)
	}
	if room := b.maxSample - len(b.samples); len(samples) > room {
		samples = samples[:max(room, 0)]
	}
	b.samples = append(b.samples, samples...)

	if len(b.samples) >= b.maxSample {
		b.full = true
		if b.onFull != nil {
			b.onFull()
		}
	}
}

// Recording reports whether a segment is in progress.
func (b *Buffer) Recording() bool { return b.recording }

// Full reports whether the current segment reached MaxDuration.
func (b *Buffer) Full() bool { return b.full }

// Duration returns the length of audio accumulated so far.
func (b *Buffer) Duration() time.Duration {
	return audio.SamplesDuration(len(b.samples), b.cfg.SampleRate)
}

// MaxDuration returns the configured cap.
func (b *Buffer) MaxDuration() time.Duration { return b.cfg.MaxDuration }

// Stop ends the current segment and seals it. endVideoTime is clamped so it
// is never before the start time. Returns (nil, nil) when not recording and
// (nil, [ErrTooShort]) when the audio is below MinDuration.
func (b *Buffer) Stop(endVideoTime time.Duration) (*Segment, error) {
	if !b.recording {
		return nil, nil
	}
	dur := b.Duration()
	start := b.start
	samples := b.samples
	b.reset()

	if dur < b.cfg.MinDuration || len(samples) == 0 {
		return nil, ErrTooShort
	}

	own := make([]float32, len(samples))
	copy(own, samples)

	return &Segment{
		ID:             uuid.NewString(),
		Audio:          audio.EncodeWAV(own, b.cfg.SampleRate),
		ContentType:    audio.WAVContentType,
		Samples:        own,
		SampleRate:     b.cfg.SampleRate,
		StartVideoTime: start,
		EndVideoTime:   max(endVideoTime, start),
		Duration:       dur,
		CreatedAt:      b.clock.Now(),
	}, nil
}

// Clear discards the current segment without sealing it.
func (b *Buffer) Clear() { b.reset() }

func (b *Buffer) reset() {
	b.recording = false
	b.full = false
	b.start = 0
	b.samples = b.samples[:0]
}
