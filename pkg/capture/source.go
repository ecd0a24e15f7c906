package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/livecaption/pkg/audio"
)

const (
	defaultSampleRate   = 16000
	defaultQueueSize    = 64
	defaultPollInterval = 250 * time.Millisecond
)

// Mode reports how a [Source] is currently capturing.
type Mode int

const (
	// ModeDetached means no graph is attached.
	ModeDetached Mode = iota

	// ModeStream means frames come from an element capture stream.
	ModeStream

	// ModePolling means frames come from the degraded polling prober.
	ModePolling
)

// String returns the human-readable name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeDetached:
		return "detached"
	case ModeStream:
		return "stream"
	case ModePolling:
		return "polling"
	default:
		return "unknown"
	}
}

// Option is a functional option for configuring a [Source].
type Option func(*Source)

// WithSampleRate sets the mono sample rate frames are converted to before
// delivery. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(s *Source) {
		if rate > 0 {
			s.target.SampleRate = rate
		}
	}
}

// WithQueueSize sets the capacity of the frame channel. Defaults to 64.
func WithQueueSize(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithClock injects the clock that drives the polling ticker.
func WithClock(c clockwork.Clock) Option {
	return func(s *Source) { s.clock = c }
}

// WithDropHook registers fn to be called whenever a frame is dropped because
// the consumer fell behind.
func WithDropHook(fn func()) Option {
	return func(s *Source) { s.onDrop = fn }
}

// Source is the audio level source for one pipeline session. Frames, Level,
// and Dropped are safe for concurrent use; Attach, AttachPolling, and Detach
// serialise against each other.
type Source struct {
	target    audio.Format
	queueSize int
	clock     clockwork.Clock
	onDrop    func()

	frames  chan audio.Frame
	level   atomic.Uint64
	dropped atomic.Int64

	mu    sync.Mutex
	graph *graph
}

// graph is one attached processing path. done closes when its goroutine has
// fully exited and will publish nothing more.
type graph struct {
	elementID string
	mode      Mode
	stream    Stream
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a detached Source.
func New(opts ...Option) *Source {
	s := &Source{
		target:    audio.Format{SampleRate: defaultSampleRate, Channels: 1},
		queueSize: defaultQueueSize,
		clock:     clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(s)
	}
	s.frames = make(chan audio.Frame, s.queueSize)
	return s
}

// Attach taps el's audio. Any previously attached graph is torn down first.
// Fails with an error wrapping [ErrUnsupportedAPI] or [ErrNoAudioTrack]
// (both wrap [ErrCaptureUnavailable]).
func (s *Source) Attach(ctx context.Context, el Element) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.detachLocked(); err != nil {
		slog.Warn("capture: closing previous stream", "err", err)
	}

	stream, err := el.CaptureStream(ctx)
	if err != nil {
		return fmt.Errorf("capture: attach %q: %w", el.ID(), err)
	}
	if stream.AudioTracks() == 0 {
		_ = stream.Close()
		return fmt.Errorf("capture: attach %q: %w", el.ID(), ErrNoAudioTrack)
	}

	g := s.newGraph(ctx, el.ID(), ModeStream)
	g.stream = stream
	go s.pump(g, stream.Frames())

	slog.Debug("capture: attached", "element", el.ID(), "mode", g.mode)
	return nil
}

// AttachPolling starts degraded capture: p is probed every interval and
// whatever it returns is delivered through the same frame channel and level
// signal as a real capture stream.
func (s *Source) AttachPolling(ctx context.Context, elementID string, p Prober, interval time.Duration) error {
	if p == nil {
		return errors.New("capture: polling prober must not be nil")
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.detachLocked(); err != nil {
		slog.Warn("capture: closing previous stream", "err", err)
	}

	g := s.newGraph(ctx, elementID, ModePolling)
	go s.poll(g, p, interval)

	slog.Debug("capture: attached", "element", elementID, "mode", g.mode, "interval", interval)
	return nil
}

// Detach tears down the current graph and discards any undelivered frames.
// Calling Detach on a detached Source is a no-op.
func (s *Source) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detachLocked()
}

// Close is an alias for [Source.Detach] so a Source can be used as an
// io.Closer in shutdown lists.
func (s *Source) Close() error { return s.Detach() }

// Frames returns the frame channel. It stays the same across re-attachment
// and is never closed.
func (s *Source) Frames() <-chan audio.Frame { return s.frames }

// Level returns the RMS level of the most recently captured frame in [0, 1].
// It is 0 while detached.
func (s *Source) Level() float64 {
	return math.Float64frombits(s.level.Load())
}

// Dropped returns how many frames were discarded because the frame channel
// was full.
func (s *Source) Dropped() int64 { return s.dropped.Load() }

// Mode reports the current capture mode.
func (s *Source) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graph == nil {
		return ModeDetached
	}
	return s.graph.mode
}

func (s *Source) newGraph(ctx context.Context, elementID string, mode Mode) *graph {
	gctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g := &graph{
		elementID: elementID,
		mode:      mode,
		ctx:       gctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.graph = g
	return g
}

// detachLocked must be called with s.mu held.
func (s *Source) detachLocked() error {
	g := s.graph
	if g == nil {
		return nil
	}
	s.graph = nil

	g.cancel()
	var err error
	if g.stream != nil {
		err = g.stream.Close()
	}
	<-g.done

drain:
	for {
		select {
		case <-s.frames:
		default:
			break drain
		}
	}
	s.level.Store(0)
	slog.Debug("capture: detached", "element", g.elementID, "mode", g.mode)
	return err
}

func (s *Source) pump(g *graph, in <-chan audio.Frame) {
	defer close(g.done)
	conv := audio.Converter{Target: s.target}
	for {
		select {
		case <-g.ctx.Done():
			return
		case f, ok := <-in:
			if !ok {
				// The stream ended on its own; report silence.
				s.level.Store(0)
				return
			}
			s.publish(conv.Convert(f))
		}
	}
}

func (s *Source) poll(g *graph, p Prober, interval time.Duration) {
	defer close(g.done)
	conv := audio.Converter{Target: s.target}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	ctx := g.ctx
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			f, err := p.Probe(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Debug("capture: probe failed", "element", g.elementID, "err", err)
				continue
			}
			if len(f.Samples) == 0 {
				s.level.Store(0)
				continue
			}
			s.publish(conv.Convert(f))
		}
	}
}

// publish updates the level and hands f to the consumer without blocking.
// Frames that do not fit are dropped, never reordered.
func (s *Source) publish(f audio.Frame) {
	if len(f.Samples) == 0 {
		return
	}
	s.level.Store(math.Float64bits(audio.Level(f.Samples)))
	select {
	case s.frames <- f:
	default:
		s.dropped.Add(1)
		if s.onDrop != nil {
			s.onDrop()
		}
	}
}
