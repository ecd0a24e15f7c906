package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Opus packets from the page are always decoded at 48 kHz. 120 ms is the
// largest frame an Opus packet can carry.
const (
	OpusSampleRate   = 48000
	opusMaxFrameSize = OpusSampleRate * 120 / 1000
)

// OpusDecoder turns Opus packets into Frames. A decoder carries state across
// packets, so each stream needs its own instance.
type OpusDecoder struct {
	dec      *gopus.Decoder
	channels int
}

// NewOpusDecoder creates a 48 kHz decoder for the given channel count.
func NewOpusDecoder(channels int) (*OpusDecoder, error) {
	if channels <= 0 {
		channels = 1
	}
	dec, err := gopus.NewDecoder(OpusSampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, channels: channels}, nil
}

// Decode decodes a single Opus packet into interleaved float samples.
func (d *OpusDecoder) Decode(packet []byte) ([]float32, error) {
	pcm, err := d.dec.Decode(packet, opusMaxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16ToFloat(pcm), nil
}

// Channels returns the channel count the decoder was created with.
func (d *OpusDecoder) Channels() int { return d.channels }
