// Package wsbridge implements [capture.Element] for a video that lives in a
// browser page and is tapped by a small in-page shim talking WebSocket.
//
// The shim sends JSON control messages as text frames and raw audio as
// binary frames:
//
//	{"type":"hello","element_id":"v1","sample_rate":48000,"channels":2,"codec":"f32le","audio_tracks":1,"capture":true}
//	{"type":"clock","current_time":12.5,"paused":false}
//	{"type":"play"} {"type":"pause"} {"type":"ended"}
//	<binary audio payload in the hello codec>
//
// The server answers with render commands:
//
//	{"type":"caption","text":"..."} {"type":"hide"}
//	{"type":"processing","active":true} {"type":"notice","text":"..."}
//
// A shim that could not create a capture stream says so with
// "capture":false. Its element then reports [capture.ErrUnsupportedAPI] and
// only serves the polling [capture.Prober] contract.
package wsbridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/livecaption/pkg/audio"
)

// ErrProtocol is returned for messages that violate the shim protocol.
var ErrProtocol = errors.New("wsbridge: protocol error")

// Codec names the binary audio encoding announced in hello.
type Codec string

const (
	CodecF32LE Codec = "f32le"
	CodecS16LE Codec = "s16le"
	CodecOpus  Codec = "opus"
)

// Message types.
const (
	TypeHello      = "hello"
	TypeClock      = "clock"
	TypePlay       = "play"
	TypePause      = "pause"
	TypeEnded      = "ended"
	TypeCaption    = "caption"
	TypeHide       = "hide"
	TypeProcessing = "processing"
	TypeNotice     = "notice"
)

// envelope is decoded first to find the message type.
type envelope struct {
	Type string `json:"type"`
}

// Hello announces the element and its audio format.
type Hello struct {
	Type        string `json:"type"`
	ElementID   string `json:"element_id"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	Codec       Codec  `json:"codec"`
	AudioTracks *int   `json:"audio_tracks,omitempty"`
	Capture     *bool  `json:"capture,omitempty"`
}

// Normalize validates h and fills in defaults: codec f32le, one channel,
// one audio track and capture support. Opus is always 48 kHz.
func (h *Hello) Normalize() error {
	if h.ElementID == "" {
		return fmt.Errorf("%w: hello without element_id", ErrProtocol)
	}
	if h.Codec == "" {
		h.Codec = CodecF32LE
	}
	switch h.Codec {
	case CodecF32LE, CodecS16LE:
		if h.SampleRate <= 0 {
			return fmt.Errorf("%w: hello without sample_rate", ErrProtocol)
		}
	case CodecOpus:
		h.SampleRate = audio.OpusSampleRate
	default:
		return fmt.Errorf("%w: unknown codec %q", ErrProtocol, h.Codec)
	}
	if h.Channels <= 0 {
		h.Channels = 1
	}
	if h.AudioTracks == nil {
		one := 1
		h.AudioTracks = &one
	}
	if h.Capture == nil {
		yes := true
		h.Capture = &yes
	}
	return nil
}

// Clock reports the element's playback position.
type Clock struct {
	Type        string  `json:"type"`
	CurrentTime float64 `json:"current_time"`
	Paused      bool    `json:"paused"`
}

// Position converts CurrentTime to a duration.
func (c Clock) Position() time.Duration {
	return time.Duration(c.CurrentTime * float64(time.Second))
}

// Command is a server to shim render command.
type Command struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Active *bool  `json:"active,omitempty"`
}

// Decoder turns binary payloads into frames.
type Decoder struct {
	codec  Codec
	format audio.Format
	opus   *audio.OpusDecoder
}

// NewDecoder creates a Decoder for a normalised hello.
func NewDecoder(h Hello) (*Decoder, error) {
	d := &Decoder{
		codec:  h.Codec,
		format: audio.Format{SampleRate: h.SampleRate, Channels: max(h.Channels, 1)},
	}
	if h.Codec == CodecOpus {
		dec, err := audio.NewOpusDecoder(d.format.Channels)
		if err != nil {
			return nil, fmt.Errorf("wsbridge: %w", err)
		}
		d.opus = dec
	}
	return d, nil
}

// Format returns the format of decoded frames.
func (d *Decoder) Format() audio.Format { return d.format }

// Decode decodes one binary payload.
func (d *Decoder) Decode(payload []byte) (audio.Frame, error) {
	var samples []float32
	switch d.codec {
	case CodecF32LE:
		if len(payload)%4 != 0 {
			return audio.Frame{}, fmt.Errorf("%w: f32le payload of %d bytes", ErrProtocol, len(payload))
		}
		samples = audio.F32LEToFloat(payload)
	case CodecS16LE:
		if len(payload)%2 != 0 {
			return audio.Frame{}, fmt.Errorf("%w: s16le payload of %d bytes", ErrProtocol, len(payload))
		}
		samples = audio.PCM16ToFloat(payload)
	case CodecOpus:
		var err error
		if samples, err = d.opus.Decode(payload); err != nil {
			return audio.Frame{}, fmt.Errorf("wsbridge: %w", err)
		}
	}
	if len(samples)%d.format.Channels != 0 {
		return audio.Frame{}, fmt.Errorf("%w: %d samples do not split into %d channels",
			ErrProtocol, len(samples), d.format.Channels)
	}
	return audio.Frame{
		Samples:    samples,
		SampleRate: d.format.SampleRate,
		Channels:   d.format.Channels,
	}, nil
}
