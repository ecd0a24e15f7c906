// Package stt defines the Provider interface for batch speech-to-text
// backends and the canonical result types every backend normalises into.
//
// A provider receives one sealed speech segment per call and returns the
// recognised text, optionally split into timed chunks. The wire format of
// each backend (multipart endpoint, whisper.cpp server, OpenAI audio API,
// in-process whisper.cpp) is owned entirely by its package; callers above
// this layer only ever see [Transcript].
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrBusy reports that a transcription is already in flight. It is never
	// retried.
	ErrBusy = errors.New("stt: transcription already in progress")

	// ErrTimeout reports that a single attempt exceeded its deadline.
	ErrTimeout = errors.New("stt: request timed out")

	// ErrAborted reports that the request was cancelled by the caller.
	ErrAborted = errors.New("stt: request aborted")

	// ErrRecognition reports that the backend answered but flagged the
	// request as failed.
	ErrRecognition = errors.New("stt: recognition failed")
)

// HTTPError is a non-2xx response from an HTTP backend. The JSON body of such
// a response is never trusted.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("stt: server returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("stt: server returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Request is one transcription attempt for a sealed segment.
type Request struct {
	SegmentID string

	// Audio is the encoded segment (WAV) and ContentType its MIME type.
	Audio       []byte
	ContentType string

	// Samples are the raw mono samples of the same audio, for in-process
	// backends that do not want to decode Audio again.
	Samples    []float32
	SampleRate int

	// Language is the recognition language code (e.g. "zh", "en").
	Language string

	// Task is the recognition task, normally "transcribe".
	Task string

	// Attempt is 1 for the first try and increases with each retry.
	Attempt int
}

// Provider is the abstraction over any batch STT backend.
type Provider interface {
	// Transcribe recognises the audio in req. It must return promptly once
	// ctx is done.
	Transcribe(ctx context.Context, req Request) (*Transcript, error)
}
