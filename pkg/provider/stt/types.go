package stt

import (
	"strings"
	"time"
)

// Transcript is a backend's answer for one segment. Chunk offsets are
// relative to the start of the submitted audio.
type Transcript struct {
	// Text is the full recognised text.
	Text string

	// Chunks is the optional timed breakdown of Text.
	Chunks []Chunk

	// Language is the detected or requested language, when reported.
	Language string
}

// Chunk is a timed piece of a transcript.
type Chunk struct {
	Text  string
	Start time.Duration

	// End is zero when the backend left the end open; consumers then use
	// the segment end.
	End time.Duration
}

// Empty reports whether the transcript carries no text at all.
func (t *Transcript) Empty() bool {
	if t == nil {
		return true
	}
	if strings.TrimSpace(t.Text) != "" {
		return false
	}
	for _, c := range t.Chunks {
		if strings.TrimSpace(c.Text) != "" {
			return false
		}
	}
	return true
}

// JoinChunks concatenates the chunk texts with single spaces, skipping blank
// chunks.
func JoinChunks(chunks []Chunk) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if s := strings.TrimSpace(c.Text); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Result is a transcript anchored to the video-time interval its segment
// covered. Immutable once built.
type Result struct {
	SegmentID string
	Transcript

	SegmentStart time.Duration
	SegmentEnd   time.Duration

	// Latency is the time from segment seal to result, including retries.
	Latency time.Duration
}
