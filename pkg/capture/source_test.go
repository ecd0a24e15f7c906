package capture_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/livecaption/pkg/audio"
	"github.com/MrWong99/livecaption/pkg/capture"
	"github.com/MrWong99/livecaption/pkg/capture/mock"
)

func constFrame(v float32, n, rate, channels int) audio.Frame {
	s := make([]float32, n*channels)
	for i := range s {
		s[i] = v
	}
	return audio.Frame{Samples: s, SampleRate: rate, Channels: channels}
}

func receive(t *testing.T, ch <-chan audio.Frame) audio.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return audio.Frame{}
	}
}

func TestAttach_UnsupportedAPI(t *testing.T) {
	t.Parallel()
	src := capture.New()
	el := &mock.Element{ElementID: "v1", CaptureErr: capture.ErrUnsupportedAPI}

	err := src.Attach(context.Background(), el)
	if !errors.Is(err, capture.ErrUnsupportedAPI) {
		t.Fatalf("expected ErrUnsupportedAPI, got %v", err)
	}
	if !errors.Is(err, capture.ErrCaptureUnavailable) {
		t.Errorf("ErrUnsupportedAPI should wrap ErrCaptureUnavailable")
	}
	if src.Mode() != capture.ModeDetached {
		t.Errorf("mode: got %v, want detached", src.Mode())
	}
}

func TestAttach_NoAudioTrack(t *testing.T) {
	t.Parallel()
	src := capture.New()
	stream := mock.NewStream(0)
	el := &mock.Element{ElementID: "v1", Stream: stream}

	err := src.Attach(context.Background(), el)
	if !errors.Is(err, capture.ErrNoAudioTrack) {
		t.Fatalf("expected ErrNoAudioTrack, got %v", err)
	}
	if !errors.Is(err, capture.ErrCaptureUnavailable) {
		t.Errorf("ErrNoAudioTrack should wrap ErrCaptureUnavailable")
	}
	if !stream.Closed() {
		t.Error("trackless stream should be closed")
	}
}

func TestAttach_DeliversConvertedFramesAndLevel(t *testing.T) {
	t.Parallel()
	src := capture.New(capture.WithSampleRate(16000))
	defer src.Close()
	stream := mock.NewStream(1)
	if err := src.Attach(context.Background(), &mock.Element{ElementID: "v1", Stream: stream}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if src.Mode() != capture.ModeStream {
		t.Errorf("mode: got %v, want stream", src.Mode())
	}

	stream.Push(constFrame(0.5, 4800, 48000, 2))
	f := receive(t, src.Frames())

	if f.SampleRate != 16000 || f.Channels != 1 {
		t.Errorf("format: got %dHz/%dch, want 16000Hz/1ch", f.SampleRate, f.Channels)
	}
	if len(f.Samples) != 1600 {
		t.Errorf("samples: got %d, want 1600", len(f.Samples))
	}
	if got := src.Level(); got < 0.49 || got > 0.51 {
		t.Errorf("Level: got %v, want ~0.5", got)
	}
}

func TestAttach_PreservesOrder(t *testing.T) {
	t.Parallel()
	src := capture.New()
	defer src.Close()
	stream := mock.NewStream(1)
	if err := src.Attach(context.Background(), &mock.Element{ElementID: "v1", Stream: stream}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	for i := range 10 {
		f := constFrame(0, 160, 16000, 1)
		f.Timestamp = time.Duration(i) * 10 * time.Millisecond
		stream.Push(f)
	}
	for i := range 10 {
		f := receive(t, src.Frames())
		if want := time.Duration(i) * 10 * time.Millisecond; f.Timestamp != want {
			t.Fatalf("frame %d: timestamp %v, want %v", i, f.Timestamp, want)
		}
	}
}

func TestReattach_TearsDownPreviousGraph(t *testing.T) {
	t.Parallel()
	src := capture.New()
	defer src.Close()

	first := mock.NewStream(1)
	second := mock.NewStream(1)
	if err := src.Attach(context.Background(), &mock.Element{ElementID: "a", Stream: first}); err != nil {
		t.Fatalf("Attach first: %v", err)
	}
	if err := src.Attach(context.Background(), &mock.Element{ElementID: "b", Stream: second}); err != nil {
		t.Fatalf("Attach second: %v", err)
	}
	if !first.Closed() {
		t.Error("first stream should be closed on re-attach")
	}
	if second.Closed() {
		t.Error("second stream should still be open")
	}
}

func TestDetach_Idempotent(t *testing.T) {
	t.Parallel()
	src := capture.New()
	stream := mock.NewStream(1)
	if err := src.Attach(context.Background(), &mock.Element{ElementID: "v1", Stream: stream}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	stream.Push(constFrame(0.3, 160, 16000, 1))

	for i := range 3 {
		if err := src.Detach(); err != nil {
			t.Fatalf("Detach #%d: %v", i+1, err)
		}
	}
	if stream.CloseCallCount != 1 {
		t.Errorf("stream closed %d times, want 1", stream.CloseCallCount)
	}
	if src.Level() != 0 {
		t.Errorf("Level after detach: got %v, want 0", src.Level())
	}
	select {
	case f := <-src.Frames():
		t.Errorf("unexpected frame after detach: %+v", f)
	default:
	}
}

func TestAttach_DropsWhenConsumerFallsBehind(t *testing.T) {
	t.Parallel()
	dropped := make(chan struct{}, 8)
	src := capture.New(capture.WithQueueSize(1), capture.WithDropHook(func() {
		dropped <- struct{}{}
	}))
	defer src.Close()
	stream := mock.NewStream(1)
	if err := src.Attach(context.Background(), &mock.Element{ElementID: "v1", Stream: stream}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	for range 3 {
		stream.Push(constFrame(0.1, 160, 16000, 1))
	}
	for range 2 {
		select {
		case <-dropped:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for drops")
		}
	}
	if got := src.Dropped(); got != 2 {
		t.Errorf("Dropped: got %d, want 2", got)
	}
}

func TestAttachPolling_DeliversProbedAudio(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	src := capture.New(capture.WithClock(clock))
	defer src.Close()

	prober := &mock.Prober{Frames: []audio.Frame{constFrame(0.2, 1600, 16000, 1)}}
	if err := src.AttachPolling(context.Background(), "v1", prober, 100*time.Millisecond); err != nil {
		t.Fatalf("AttachPolling: %v", err)
	}
	if src.Mode() != capture.ModePolling {
		t.Errorf("mode: got %v, want polling", src.Mode())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("ticker never started: %v", err)
	}
	clock.Advance(100 * time.Millisecond)

	f := receive(t, src.Frames())
	if len(f.Samples) != 1600 {
		t.Errorf("samples: got %d, want 1600", len(f.Samples))
	}
	if got := src.Level(); got < 0.19 || got > 0.21 {
		t.Errorf("Level: got %v, want ~0.2", got)
	}
}

func TestAttachPolling_NilProber(t *testing.T) {
	t.Parallel()
	src := capture.New()
	if err := src.AttachPolling(context.Background(), "v1", nil, time.Second); err == nil {
		t.Fatal("expected error for nil prober")
	}
}

func TestStreamEnd_ResetsLevel(t *testing.T) {
	t.Parallel()
	src := capture.New(capture.WithSampleRate(16000))
	defer src.Close()
	stream := mock.NewStream(1)
	if err := src.Attach(context.Background(), &mock.Element{ElementID: "v1", Stream: stream}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	stream.Push(constFrame(0.8, 1600, 16000, 1))
	receive(t, src.Frames())
	if got := src.Level(); got < 0.79 {
		t.Fatalf("Level = %v, want ~0.8 while speaking", got)
	}

	_ = stream.Close()
	deadline := time.Now().Add(2 * time.Second)
	for src.Level() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Level = %v after the stream ended, want 0", src.Level())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
