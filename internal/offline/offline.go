// Package offline captions a recorded WAV file with the same segmentation,
// transcription and caption components a live session uses. Playback is
// simulated: the file is cut into frames and the detector sees one reading
// per frame, with the sample position standing in for both the wall clock
// and the video clock.
package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livecaption/internal/caption"
	"github.com/MrWong99/livecaption/internal/observe"
	"github.com/MrWong99/livecaption/internal/segment"
	"github.com/MrWong99/livecaption/internal/transcribe"
	"github.com/MrWong99/livecaption/internal/vad"
	"github.com/MrWong99/livecaption/pkg/audio"
	"github.com/MrWong99/livecaption/pkg/provider/stt"
)

const (
	defaultFrameDuration = 50 * time.Millisecond
	defaultSampleRate    = 16000
)

// Corrector rewrites recognised text before it becomes a caption.
type Corrector interface {
	Apply(text string) string
}

// Config tunes a [Captioner].
type Config struct {
	// FrameDuration is the simulated VAD tick. Default 50ms.
	FrameDuration time.Duration

	// Concurrency is the number of segments transcribed at once. Default 1.
	Concurrency int

	VAD           vad.Config
	Segment       segment.Config
	Transcription transcribe.Config
	Captions      caption.Config
}

func (c *Config) applyDefaults() {
	if c.FrameDuration <= 0 {
		c.FrameDuration = defaultFrameDuration
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Segment.SampleRate <= 0 {
		c.Segment.SampleRate = defaultSampleRate
	}
	if c.Segment.MinDuration == 0 {
		c.Segment.MinDuration = segment.DefaultMinDuration
	}
}

// Option is a functional option for [New].
type Option func(*Captioner)

// WithCorrector applies c to every recognised text.
func WithCorrector(c Corrector) Option {
	return func(cp *Captioner) { cp.corrector = c }
}

// WithMetrics records transcription metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(cp *Captioner) { cp.metrics = m }
}

// Report is the outcome of one [Captioner.Run].
type Report struct {
	// Captions in playback order.
	Captions []caption.Caption

	Duration  time.Duration
	Segments  int
	Discarded int
	Failed    int
}

// Captioner turns a recording into captions.
type Captioner struct {
	provider  stt.Provider
	cfg       Config
	corrector Corrector
	metrics   *observe.Metrics
}

// New creates a Captioner transcribing through p.
func New(p stt.Provider, cfg Config, opts ...Option) *Captioner {
	cfg.applyDefaults()
	c := &Captioner{provider: p, cfg: cfg}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run decodes the WAV document from r, segments it and transcribes every
// segment. Segments that fail after retries are logged and counted in the
// report; only decoding errors and cancellation of ctx fail the run.
func (c *Captioner) Run(ctx context.Context, r io.Reader) (*Report, error) {
	samples, rate, err := audio.DecodeWAV(r)
	if err != nil {
		return nil, fmt.Errorf("offline: decode input: %w", err)
	}
	samples = audio.Resample(samples, rate, c.cfg.Segment.SampleRate)

	segs, discarded := c.segment(samples)
	rep := &Report{
		Duration:  audio.SamplesDuration(len(samples), c.cfg.Segment.SampleRate),
		Segments:  len(segs),
		Discarded: discarded,
	}
	slog.Info("offline: audio segmented",
		"duration", rep.Duration,
		"segments", len(segs),
		"discarded", discarded,
	)

	results, err := c.transcribe(ctx, segs)
	if err != nil {
		return nil, err
	}

	sched := caption.NewScheduler(c.cfg.Captions)
	for i, res := range results {
		if res == nil {
			rep.Failed++
			continue
		}
		caps := sched.Add(c.correct(*res))
		if len(caps) == 0 {
			slog.Debug("offline: empty transcript", "segment_id", segs[i].ID)
		}
		rep.Captions = append(rep.Captions, caps...)
	}
	return rep, nil
}

// WriteVTT runs the captioner on r and writes the captions to w as WebVTT.
func (c *Captioner) WriteVTT(ctx context.Context, r io.Reader, w io.Writer) (*Report, error) {
	rep, err := c.Run(ctx, r)
	if err != nil {
		return nil, err
	}
	if err := caption.WriteVTT(w, rep.Captions); err != nil {
		return nil, fmt.Errorf("offline: %w", err)
	}
	return rep, nil
}

// segment replays samples through a detector and returns the sealed
// segments in order.
func (c *Captioner) segment(samples []float32) ([]*segment.Segment, int) {
	var (
		segs      []*segment.Segment
		discarded int
		reading   vad.Reading
	)
	epoch := time.Unix(0, 0)
	rate := c.cfg.Segment.SampleRate

	var det *vad.Detector
	buf := segment.NewBuffer(c.cfg.Segment, segment.WithOnFull(func() {
		det.ForceFinish(reading)
	}))
	det = vad.New(c.cfg.VAD, buf,
		vad.WithDispatch(func(s *segment.Segment) { segs = append(segs, s) }),
		vad.WithDiscardHook(func(vad.DiscardReason) { discarded++ }),
	)

	step := max(audio.DurationSamples(c.cfg.FrameDuration, rate), 1)
	for off := 0; off < len(samples); off += step {
		frame := samples[off:min(off+step, len(samples))]
		pos := audio.SamplesDuration(off, rate)
		reading = vad.Reading{
			Level:     audio.Level(frame),
			At:        epoch.Add(pos),
			VideoTime: pos,
		}
		det.Observe(reading)
		buf.Append(audio.Frame{Samples: frame, SampleRate: rate, Channels: 1})
	}

	end := audio.SamplesDuration(len(samples), rate)
	det.ForceFinish(vad.Reading{At: epoch.Add(end), VideoTime: end})
	return segs, discarded
}

// transcribe runs segs through a pool of single-flight clients. The result
// slice is indexed like segs; failed segments leave a nil entry.
func (c *Captioner) transcribe(ctx context.Context, segs []*segment.Segment) ([]*stt.Result, error) {
	results := make([]*stt.Result, len(segs))

	pool := make(chan *transcribe.Client, c.cfg.Concurrency)
	for range c.cfg.Concurrency {
		var opts []transcribe.Option
		if c.metrics != nil {
			opts = append(opts, transcribe.WithMetrics(c.metrics))
		}
		pool <- transcribe.New(c.provider, c.cfg.Transcription, opts...)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, seg := range segs {
		client := <-pool
		g.Go(func() error {
			defer func() { pool <- client }()
			res, err := client.Transcribe(gctx, seg)
			switch {
			case err == nil:
				results[i] = res
				return nil
			case ctx.Err() != nil:
				return fmt.Errorf("offline: transcribe: %w", ctx.Err())
			case errors.Is(err, stt.ErrAborted):
				return nil
			default:
				slog.Warn("offline: segment failed",
					"segment_id", seg.ID,
					"start", seg.StartVideoTime,
					"kind", transcribe.ErrorKind(err),
					"err", err,
				)
				return nil
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Captioner) correct(res stt.Result) stt.Result {
	if c.corrector == nil {
		return res
	}
	res.Text = c.corrector.Apply(res.Text)
	if len(res.Chunks) > 0 {
		chunks := make([]stt.Chunk, len(res.Chunks))
		copy(chunks, res.Chunks)
		for i := range chunks {
			chunks[i].Text = strings.TrimSpace(c.corrector.Apply(chunks[i].Text))
		}
		res.Chunks = chunks
	}
	return res
}
