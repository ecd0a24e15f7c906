package offline_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/livecaption/internal/offline"
	"github.com/MrWong99/livecaption/internal/transcribe"
	"github.com/MrWong99/livecaption/pkg/audio"
	"github.com/MrWong99/livecaption/pkg/provider/stt"
	"github.com/MrWong99/livecaption/pkg/provider/stt/mock"
)

const rate = 16000

// recording builds a WAV document from alternating spans of silence and
// tone, starting with silence.
func recording(spans ...time.Duration) []byte {
	var samples []float32
	for i, d := range spans {
		n := audio.DurationSamples(d, rate)
		for j := range n {
			var v float32
			if i%2 == 1 {
				v = 0.3
				if j%2 == 1 {
					v = -0.3
				}
			}
			samples = append(samples, v)
		}
	}
	return audio.EncodeWAV(samples, rate)
}

type upper struct{}

func (upper) Apply(s string) string { return strings.ToUpper(s) }

func TestCaptioner_Run(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Responses: []mock.Response{
		{Transcript: &stt.Transcript{Chunks: []stt.Chunk{
			{Text: "hello", Start: 0, End: time.Second},
			{Text: "world", Start: time.Second},
		}}},
		{Err: stt.ErrRecognition},
	}}
	c := offline.New(p, offline.Config{
		Transcription: transcribe.Config{MaxRetries: -1},
	}, offline.WithCorrector(upper{}))

	// 1s silence, 2s speech, 2s silence, 200ms burst, 2s silence, 1.5s
	// speech running to the end of the file.
	wav := recording(time.Second, 2*time.Second, 2*time.Second, 200*time.Millisecond, 2*time.Second, 1500*time.Millisecond)
	rep, err := c.Run(context.Background(), bytes.NewReader(wav))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rep.Segments != 2 || rep.Discarded != 1 || rep.Failed != 1 {
		t.Errorf("report = %d segments, %d discarded, %d failed; want 2, 1, 1",
			rep.Segments, rep.Discarded, rep.Failed)
	}
	if want := 8700 * time.Millisecond; rep.Duration != want {
		t.Errorf("Duration = %v, want %v", rep.Duration, want)
	}
	if p.CallCount() != 2 {
		t.Errorf("provider calls = %d, want 2", p.CallCount())
	}

	if len(rep.Captions) != 2 {
		t.Fatalf("got %d captions, want 2: %+v", len(rep.Captions), rep.Captions)
	}
	first, second := rep.Captions[0], rep.Captions[1]
	if first.Text != "HELLO" || first.Start != time.Second || first.End != 2*time.Second {
		t.Errorf("first caption = %+v", first)
	}
	// The open-ended chunk runs to the segment end: 1.5s of silence after
	// the speech stops at 3s.
	if second.Text != "WORLD" || second.Start != 2*time.Second || second.End != 4500*time.Millisecond {
		t.Errorf("second caption = %+v", second)
	}
	if first.SegmentID == "" || first.SegmentID != second.SegmentID {
		t.Errorf("segment ids %q and %q, want the same non-empty id", first.SegmentID, second.SegmentID)
	}
}

func TestCaptioner_WriteVTT(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Responses: []mock.Response{
		{Transcript: &stt.Transcript{Text: "你好"}},
	}}
	c := offline.New(p, offline.Config{})

	var out bytes.Buffer
	rep, err := c.WriteVTT(context.Background(), bytes.NewReader(recording(time.Second, 2*time.Second, 2*time.Second)), &out)
	if err != nil {
		t.Fatalf("WriteVTT: %v", err)
	}
	if rep.Segments != 1 {
		t.Errorf("Segments = %d, want 1", rep.Segments)
	}
	want := "WEBVTT\n\n1\n00:00:01.000 --> 00:00:04.500\n你好\n"
	if out.String() != want {
		t.Errorf("vtt =\n%q\nwant\n%q", out.String(), want)
	}
}

func TestCaptioner_ResamplesInput(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	c := offline.New(p, offline.Config{})

	samples := make([]float32, 3*48000)
	for i := 48000; i < len(samples); i++ {
		samples[i] = 0.3
	}
	rep, err := c.Run(context.Background(), bytes.NewReader(audio.EncodeWAV(samples, 48000)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Duration != 3*time.Second || rep.Segments != 1 {
		t.Errorf("report = %+v, want 3s and one segment", rep)
	}
	if len(p.Calls) != 1 || p.Calls[0].SampleRate != rate {
		t.Errorf("calls = %+v, want one request at %d Hz", p.Calls, rate)
	}
}

func TestCaptioner_Cancelled(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Responses: []mock.Response{{Block: true}}}
	c := offline.New(p, offline.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan stt.Request, 1)
	p.Started = started
	go func() {
		<-started
		cancel()
	}()

	_, err := c.Run(ctx, bytes.NewReader(recording(time.Second, 2*time.Second, 2*time.Second)))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}
}

func TestCaptioner_InvalidInput(t *testing.T) {
	t.Parallel()
	c := offline.New(&mock.Provider{}, offline.Config{})
	if _, err := c.Run(context.Background(), strings.NewReader("not a wav")); !errors.Is(err, audio.ErrInvalidWAV) {
		t.Errorf("Run error = %v, want ErrInvalidWAV", err)
	}
}
