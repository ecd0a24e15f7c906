// Package audio holds the PCM primitives shared by the capture, segmentation
// and transcription stages: the Frame type, sample-format conversion,
// resampling, level metering and the WAV container.
package audio

import "time"

// Frame is a block of captured audio. Samples are normalised floats in
// [-1.0, 1.0], interleaved when Channels > 1. Frames are produced
// continuously while capture is active and are consumed immediately by the
// segment buffer; holders must not retain or mutate them afterwards.
type Frame struct {
	// Samples holds the amplitudes in capture order.
	Samples []float32

	// SampleRate in Hz (e.g., 48000 from the page, 16000 for transcription).
	SampleRate int

	// Channels is 1 for mono. The capture source always delivers mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(f.sampleCount(), f.SampleRate)
}

func (f Frame) sampleCount() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Samples) / ch
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// SamplesDuration converts a per-channel sample count into wall duration.
// It returns 0 for a non-positive sample rate.
func SamplesDuration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// DurationSamples converts a duration into a per-channel sample count at
// sampleRate, rounding down.
func DurationSamples(d time.Duration, sampleRate int) int {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	return int(int64(d) * int64(sampleRate) / int64(time.Second))
}
