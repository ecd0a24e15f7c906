package wsbridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/livecaption/pkg/audio"
	"github.com/MrWong99/livecaption/pkg/capture"
)

const (
	streamQueue = 64

	// maxPending caps the audio held for the polling prober.
	maxPending = 2 * time.Second
)

// Element is the server-side stand-in for the page's video element. The
// connection handler feeds it audio and clock updates; the capture source
// consumes it through [capture.Element] or [capture.Prober].
type Element struct {
	hello Hello
	clock clockwork.Clock

	mu         sync.Mutex
	position   time.Duration
	reportedAt time.Time
	paused     bool
	stream     *stream
	pending    []float32
	closed     bool

	dropped atomic.Int64
}

// NewElement creates an Element from a normalised hello. The element starts
// paused at position zero until the first clock message.
func NewElement(h Hello, c clockwork.Clock) *Element {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &Element{hello: h, clock: c, paused: true, reportedAt: c.Now()}
}

// ID implements [capture.Element].
func (e *Element) ID() string { return e.hello.ElementID }

// Hello returns the announcement the element was created from.
func (e *Element) Hello() Hello { return e.hello }

// CaptureStream implements [capture.Element]. Each call replaces the
// previous stream, which is closed.
func (e *Element) CaptureStream(_ context.Context) (capture.Stream, error) {
	if !*e.hello.Capture {
		return nil, capture.ErrUnsupportedAPI
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, capture.ErrCaptureUnavailable
	}
	if e.stream != nil {
		e.stream.close()
	}
	e.stream = &stream{tracks: *e.hello.AudioTracks, ch: make(chan audio.Frame, streamQueue)}
	return e.stream, nil
}

// Probe implements [capture.Prober]: it returns all audio fed since the
// previous call as one frame.
func (e *Element) Probe(_ context.Context) (audio.Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	samples := e.pending
	e.pending = nil
	return audio.Frame{
		Samples:    samples,
		SampleRate: e.hello.SampleRate,
		Channels:   e.hello.Channels,
	}, nil
}

// Feed hands one decoded frame to the current consumer. Without an open
// stream the frame is kept for the prober when the page cannot capture and
// discarded otherwise.
func (e *Element) Feed(f audio.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.stream != nil && !e.stream.isClosed() {
		if !e.stream.push(f) {
			e.dropped.Add(1)
		}
		return
	}
	if *e.hello.Capture {
		return
	}
	e.pending = append(e.pending, f.Samples...)
	limit := audio.DurationSamples(maxPending, e.hello.SampleRate) * max(e.hello.Channels, 1)
	if over := len(e.pending) - limit; over > 0 {
		e.pending = append(e.pending[:0], e.pending[over:]...)
	}
}

// SetClock records a playback position report.
func (e *Element) SetClock(position time.Duration, paused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.position = position
	e.paused = paused
	e.reportedAt = e.clock.Now()
}

// SetPaused changes the paused flag without moving the position.
func (e *Element) SetPaused(paused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		e.position += e.clock.Since(e.reportedAt)
	}
	e.paused = paused
	e.reportedAt = e.clock.Now()
}

// CurrentTime returns the last reported position, advanced by the time
// elapsed since the report while playing.
func (e *Element) CurrentTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return e.position
	}
	return e.position + e.clock.Since(e.reportedAt)
}

// Paused reports the last known paused state.
func (e *Element) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Dropped returns how many frames were discarded because the stream
// consumer fell behind.
func (e *Element) Dropped() int64 { return e.dropped.Load() }

// Close ends the current stream. Further audio is ignored.
func (e *Element) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.stream != nil {
		e.stream.close()
		e.stream = nil
	}
	e.pending = nil
	return nil
}

// stream is one capture stream handed out by CaptureStream.
type stream struct {
	tracks int
	ch     chan audio.Frame

	mu     sync.Mutex
	closed bool
}

func (s *stream) AudioTracks() int { return s.tracks }

func (s *stream) Frames() <-chan audio.Frame { return s.ch }

func (s *stream) Close() error {
	s.close()
	return nil
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// push delivers f without blocking. It reports false when the frame was
// dropped.
func (s *stream) push(f audio.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- f:
		return true
	default:
		return false
	}
}

var (
	_ capture.Element = (*Element)(nil)
	_ capture.Prober  = (*Element)(nil)
	_ capture.Stream  = (*stream)(nil)
)
