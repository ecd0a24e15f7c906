// Package mock provides test doubles for the capture package interfaces.
//
// Use Element to control what CaptureStream returns and Stream to push
// frames by hand:
//
//	stream := mock.NewStream(1)
//	el := &mock.Element{ElementID: "video-1", Stream: stream}
//	src.Attach(ctx, el)
//	stream.Push(frame)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livecaption/pkg/audio"
	"github.com/MrWong99/livecaption/pkg/capture"
)

// Element is a mock implementation of capture.Element.
type Element struct {
	mu sync.Mutex

	// ElementID is returned by ID.
	ElementID string

	// Stream is returned by CaptureStream when CaptureErr is nil.
	Stream capture.Stream

	// CaptureErr, if non-nil, is returned by CaptureStream.
	CaptureErr error

	// CaptureCalls is the number of times CaptureStream was called.
	CaptureCalls int
}

// ID returns ElementID.
func (e *Element) ID() string { return e.ElementID }

// CaptureStream records the call and returns Stream, CaptureErr.
func (e *Element) CaptureStream(_ context.Context) (capture.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CaptureCalls++
	if e.CaptureErr != nil {
		return nil, e.CaptureErr
	}
	return e.Stream, nil
}

// Stream is a mock implementation of capture.Stream backed by a buffered
// channel.
type Stream struct {
	mu     sync.Mutex
	tracks int
	ch     chan audio.Frame
	closed bool

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewStream returns a Stream reporting the given number of audio tracks.
func NewStream(tracks int) *Stream {
	return &Stream{tracks: tracks, ch: make(chan audio.Frame, 64)}
}

// AudioTracks returns the track count given to NewStream.
func (s *Stream) AudioTracks() int { return s.tracks }

// Frames returns the frame channel.
func (s *Stream) Frames() <-chan audio.Frame { return s.ch }

// Push delivers f to the consumer. It is a no-op after Close.
func (s *Stream) Push(f audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- f
}

// Close closes the frame channel. Safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Prober is a mock implementation of capture.Prober. Each call pops the next
// entry of Frames; once exhausted it returns an empty frame.
type Prober struct {
	mu sync.Mutex

	// Frames are returned in order by Probe.
	Frames []audio.Frame

	// Err, if non-nil, is returned by every Probe call.
	Err error

	// ProbeCalls is the number of times Probe was called.
	ProbeCalls int
}

// Probe records the call and returns the next queued frame.
func (p *Prober) Probe(_ context.Context) (audio.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ProbeCalls++
	if p.Err != nil {
		return audio.Frame{}, p.Err
	}
	if len(p.Frames) == 0 {
		return audio.Frame{}, nil
	}
	f := p.Frames[0]
	p.Frames = p.Frames[1:]
	return f, nil
}

// Calls returns ProbeCalls under the lock.
func (p *Prober) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProbeCalls
}

var (
	_ capture.Element = (*Element)(nil)
	_ capture.Stream  = (*Stream)(nil)
	_ capture.Prober  = (*Prober)(nil)
)
