package wsbridge_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"layeh.com/gopus"

	"github.com/MrWong99/livecaption/pkg/audio"
	"github.com/MrWong99/livecaption/pkg/capture/wsbridge"
)

func TestHello_Normalize(t *testing.T) {
	t.Parallel()
	zero := 0
	no := false

	tests := []struct {
		name    string
		in      wsbridge.Hello
		wantErr bool
		check   func(t *testing.T, h wsbridge.Hello)
	}{
		{
			name: "defaults",
			in:   wsbridge.Hello{ElementID: "v1", SampleRate: 44100},
			check: func(t *testing.T, h wsbridge.Hello) {
				if h.Codec != wsbridge.CodecF32LE || h.Channels != 1 || *h.AudioTracks != 1 || !*h.Capture {
					t.Errorf("defaults not applied: %+v", h)
				}
			},
		},
		{
			name: "opus forces 48k",
			in:   wsbridge.Hello{ElementID: "v1", Codec: wsbridge.CodecOpus, SampleRate: 16000, Channels: 2},
			check: func(t *testing.T, h wsbridge.Hello) {
				if h.SampleRate != audio.OpusSampleRate || h.Channels != 2 {
					t.Errorf("opus hello = %+v", h)
				}
			},
		},
		{
			name: "explicit zero tracks and no capture kept",
			in:   wsbridge.Hello{ElementID: "v1", SampleRate: 16000, AudioTracks: &zero, Capture: &no},
			check: func(t *testing.T, h wsbridge.Hello) {
				if *h.AudioTracks != 0 || *h.Capture {
					t.Errorf("explicit values overwritten: %+v", h)
				}
			},
		},
		{name: "missing element id", in: wsbridge.Hello{SampleRate: 16000}, wantErr: true},
		{name: "missing sample rate", in: wsbridge.Hello{ElementID: "v1"}, wantErr: true},
		{name: "unknown codec", in: wsbridge.Hello{ElementID: "v1", SampleRate: 16000, Codec: "mp3"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.in
			err := h.Normalize()
			if tt.wantErr {
				if !errors.Is(err, wsbridge.ErrProtocol) {
					t.Fatalf("Normalize error = %v, want ErrProtocol", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			tt.check(t, h)
		})
	}
}

func TestDecoder_F32LE(t *testing.T) {
	t.Parallel()
	h := wsbridge.Hello{ElementID: "v1", SampleRate: 48000, Channels: 2}
	if err := h.Normalize(); err != nil {
		t.Fatal(err)
	}
	d, err := wsbridge.NewDecoder(h)
	if err != nil {
		t.Fatal(err)
	}

	payload := make([]byte, 16)
	for i, v := range []float32{0.5, -0.5, 0.25, -0.25} {
		binary.LittleEndian.PutUint32(payload[i*4:], math.Float32bits(v))
	}
	f, err := d.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.SampleRate != 48000 || f.Channels != 2 || len(f.Samples) != 4 || f.Samples[2] != 0.25 {
		t.Errorf("frame = %+v", f)
	}

	if _, err := d.Decode(payload[:6]); !errors.Is(err, wsbridge.ErrProtocol) {
		t.Errorf("partial sample error = %v, want ErrProtocol", err)
	}
	if _, err := d.Decode(payload[:4]); !errors.Is(err, wsbridge.ErrProtocol) {
		t.Errorf("odd channel split error = %v, want ErrProtocol", err)
	}
}

func TestDecoder_S16LE(t *testing.T) {
	t.Parallel()
	h := wsbridge.Hello{ElementID: "v1", SampleRate: 16000, Codec: wsbridge.CodecS16LE}
	if err := h.Normalize(); err != nil {
		t.Fatal(err)
	}
	d, err := wsbridge.NewDecoder(h)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte{0x00, 0x40, 0x00, 0xC0} // 16384, -16384
	f, err := d.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(f.Samples) != 2 || f.Samples[0] != 0.5 || f.Samples[1] != -0.5 {
		t.Errorf("samples = %v", f.Samples)
	}
	if _, err := d.Decode(payload[:3]); !errors.Is(err, wsbridge.ErrProtocol) {
		t.Errorf("odd payload error = %v, want ErrProtocol", err)
	}
}

func TestDecoder_Opus(t *testing.T) {
	t.Parallel()
	enc, err := gopus.NewEncoder(audio.OpusSampleRate, 1, gopus.Audio)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	packet, err := enc.Encode(make([]int16, 960), 960, 4000)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	h := wsbridge.Hello{ElementID: "v1", Codec: wsbridge.CodecOpus}
	if err := h.Normalize(); err != nil {
		t.Fatal(err)
	}
	d, err := wsbridge.NewDecoder(h)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	f, err := d.Decode(packet)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.SampleRate != audio.OpusSampleRate || len(f.Samples) != 960 {
		t.Errorf("decoded %d samples at %d Hz, want 960 at 48000", len(f.Samples), f.SampleRate)
	}
}
