// Package capture taps the audio of a playing media element without
// disturbing its playback and exposes it as a stream of mono frames plus a
// continuously updated level signal.
//
// A [Source] owns at most one processing graph at a time. Attaching to a new
// element tears down the previous graph first. When the host cannot produce
// a capture stream at all, [Source.Attach] fails with [ErrUnsupportedAPI]
// and the caller may fall back to [Source.AttachPolling], a coarser
// degraded mode that keeps the same frame and level contract.
package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/livecaption/pkg/audio"
)

// ErrCaptureUnavailable is the umbrella error for every condition that makes
// audio capture impossible for an element. It is fatal to a session.
var ErrCaptureUnavailable = errors.New("capture: audio capture unavailable")

var (
	// ErrNoAudioTrack is returned when the captured stream exposes zero audio
	// tracks.
	ErrNoAudioTrack = fmt.Errorf("%w: no audio track", ErrCaptureUnavailable)

	// ErrUnsupportedAPI is returned when the element lacks the capture
	// primitive. Callers can detect it and switch to polling mode.
	ErrUnsupportedAPI = fmt.Errorf("%w: unsupported capture api", ErrCaptureUnavailable)
)

// Element is the media element collaborator: something that is playing audio
// and can hand out a parallel capture stream of it.
type Element interface {
	// ID identifies the element for logging and session bookkeeping.
	ID() string

	// CaptureStream returns a new stream tapping the element's audio. The
	// element's own output must not be muted or duplicated. Returns
	// ErrUnsupportedAPI when the element cannot be captured at all.
	CaptureStream(ctx context.Context) (Stream, error)
}

// Stream is a live capture of an element's audio.
type Stream interface {
	// AudioTracks reports how many audio tracks the captured stream carries.
	AudioTracks() int

	// Frames delivers captured audio in capture order. The channel is closed
	// when the stream ends or is closed.
	Frames() <-chan audio.Frame

	// Close releases the stream. Calling Close more than once is safe.
	Close() error
}

// Prober is the degraded-mode collaborator. Each call returns whatever
// coarse audio has been observed since the previous call, possibly nothing.
type Prober interface {
	Probe(ctx context.Context) (audio.Frame, error)
}
