package segment_test

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/livecaption/internal/segment"
	"github.com/MrWong99/livecaption/pkg/audio"
)

const rate = 16000

// frameOf returns a mono frame of d at the test sample rate.
func frameOf(d time.Duration) audio.Frame {
	return audio.Frame{
		Samples:    make([]float32, audio.DurationSamples(d, rate)),
		SampleRate: rate,
		Channels:   1,
	}
}

func newBuffer(opts ...segment.Option) *segment.Buffer {
	return segment.NewBuffer(segment.Config{
		SampleRate:  rate,
		MinDuration: time.Second,
		MaxDuration: 3 * time.Second,
	}, opts...)
}

func TestAppend_DroppedWhenNotRecording(t *testing.T) {
	t.Parallel()
	b := newBuffer()
	b.Append(frameOf(500 * time.Millisecond))
	if b.Duration() != 0 {
		t.Errorf("Duration: got %v, want 0", b.Duration())
	}
	seg, err := b.Stop(time.Second)
	if seg != nil || err != nil {
		t.Errorf("Stop on idle buffer: got (%v, %v), want (nil, nil)", seg, err)
	}
}

func TestStart_Idempotent(t *testing.T) {
	t.Parallel()
	b := newBuffer()
	b.Start(2 * time.Second)
	b.Append(frameOf(time.Second))
	b.Start(5 * time.Second)
	b.Append(frameOf(500 * time.Millisecond))

	if got := b.Duration(); got != 1500*time.Millisecond {
		t.Errorf("Duration: got %v, want 1.5s", got)
	}
	seg, err := b.Stop(4 * time.Second)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if seg.StartVideoTime != 2*time.Second {
		t.Errorf("StartVideoTime: got %v, want 2s (second Start must be ignored)", seg.StartVideoTime)
	}
}

func TestStop_TooShortIsDiscarded(t *testing.T) {
	t.Parallel()
	b := newBuffer()
	b.Start(0)
	b.Append(frameOf(999 * time.Millisecond))

	seg, err := b.Stop(time.Second)
	if !errors.Is(err, segment.ErrTooShort) {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
	if seg != nil {
		t.Error("too-short segment should be nil")
	}
	if b.Recording() {
		t.Error("buffer should be idle after Stop")
	}
}

func TestStop_SealsWAVSegment(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	b := newBuffer(segment.WithClock(clock))
	b.Start(10 * time.Second)
	b.Append(frameOf(time.Second))
	b.Append(frameOf(500 * time.Millisecond))

	seg, err := b.Stop(11500 * time.Millisecond)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if seg.ID == "" {
		t.Error("segment ID should be set")
	}
	if seg.ContentType != audio.WAVContentType {
		t.Errorf("ContentType: got %q", seg.ContentType)
	}
	if want := 44 + 2*24000; len(seg.Audio) != want {
		t.Errorf("Audio size: got %d, want %d", len(seg.Audio), want)
	}
	if len(seg.Samples) != 24000 {
		t.Errorf("Samples: got %d, want 24000", len(seg.Samples))
	}
	if seg.Duration != 1500*time.Millisecond {
		t.Errorf("Duration: got %v, want 1.5s", seg.Duration)
	}
	if seg.StartVideoTime != 10*time.Second || seg.EndVideoTime != 11500*time.Millisecond {
		t.Errorf("interval: got [%v, %v], want [10s, 11.5s]", seg.StartVideoTime, seg.EndVideoTime)
	}
	if !seg.CreatedAt.Equal(clock.Now()) {
		t.Errorf("CreatedAt: got %v, want %v", seg.CreatedAt, clock.Now())
	}
}

func TestStop_ClampsEndBeforeStart(t *testing.T) {
	t.Parallel()
	b := newBuffer()
	b.Start(10 * time.Second)
	b.Append(frameOf(2 * time.Second))

	// A seek backwards while recording must not yield an inverted interval.
	seg, err := b.Stop(4 * time.Second)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if seg.EndVideoTime < seg.StartVideoTime {
		t.Errorf("EndVideoTime %v before StartVideoTime %v", seg.EndVideoTime, seg.StartVideoTime)
	}
}

func TestAppend_MaxDurationFiresHookOnceAndCaps(t *testing.T) {
	t.Parallel()
	var calls int
	b := newBuffer(segment.WithOnFull(func() { calls++ }))
	b.Start(0)
	for range 5 {
		b.Append(frameOf(time.Second))
	}

	if calls != 1 {
		t.Errorf("OnFull calls: got %d, want 1", calls)
	}
	if !b.Full() {
		t.Error("buffer should report Full")
	}
	if got := b.Duration(); got != 3*time.Second {
		t.Errorf("Duration: got %v, want capped at 3s", got)
	}
}

func TestAppend_HookMayStopBuffer(t *testing.T) {
	t.Parallel()
	var sealed *segment.Segment
	var b *segment.Buffer
	b = newBuffer(segment.WithOnFull(func() {
		sealed, _ = b.Stop(3 * time.Second)
	}))
	b.Start(0)
	b.Append(frameOf(2 * time.Second))
	b.Append(frameOf(2 * time.Second))

	if sealed == nil {
		t.Fatal("hook should have sealed a segment")
	}
	if sealed.Duration != 3*time.Second {
		t.Errorf("Duration: got %v, want 3s", sealed.Duration)
	}
	if b.Recording() {
		t.Error("buffer should be idle after the hook stopped it")
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	b := newBuffer()
	b.Start(0)
	b.Append(frameOf(2 * time.Second))
	b.Clear()

	if b.Recording() || b.Duration() != 0 {
		t.Errorf("after Clear: recording=%v duration=%v", b.Recording(), b.Duration())
	}
	b.Append(frameOf(time.Second))
	if b.Duration() != 0 {
		t.Error("Append after Clear should be dropped")
	}
}

func TestAppend_DownmixesStereo(t *testing.T) {
	t.Parallel()
	b := newBuffer()
	b.Start(0)
	b.Append(audio.Frame{Samples: make([]float32, 2*rate), SampleRate: rate, Channels: 2})
	if got := b.Duration(); got != time.Second {
		t.Errorf("Duration: got %v, want 1s", got)
	}
}
