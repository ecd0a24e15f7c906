package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/livecaption/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// STT backends. Each backend has its own circuit breaker.
//
// Cancellation of the caller's context (abort or per-attempt timeout) ends the
// chain without counting against any backend.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.Stop == nil {
		cfg.Stop = isCallerError
	}
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe sends req to the first healthy provider, moving on to the next
// one when a provider fails.
func (f *STTFallback) Transcribe(ctx context.Context, req stt.Request) (*stt.Transcript, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (*stt.Transcript, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return p.Transcribe(ctx, req)
	})
}

// Healthy reports whether any backend would accept a request.
func (f *STTFallback) Healthy() bool { return f.group.Healthy() }

// States reports the breaker state per backend.
func (f *STTFallback) States() []EntryState { return f.group.States() }

func isCallerError(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, stt.ErrAborted)
}
