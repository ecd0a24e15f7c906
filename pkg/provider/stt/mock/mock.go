// Package mock provides a test double for the stt.Provider interface.
//
// Responses are scripted per call: the n-th Transcribe call consumes the n-th
// entry of Responses (the last entry repeats once the script runs out). Each
// entry may delay before answering, and a delay honours ctx so timeouts and
// aborts can be exercised.
//
// Example:
//
//	p := &mock.Provider{Responses: []mock.Response{
//	    {Err: stt.ErrTimeout},
//	    {Transcript: &stt.Transcript{Text: "hello"}},
//	}}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/livecaption/pkg/provider/stt"
)

// Response is one scripted answer.
type Response struct {
	// Delay is waited before answering. A zero Delay answers immediately.
	Delay time.Duration

	// Block makes the call wait until ctx is done.
	Block bool

	Transcript *stt.Transcript
	Err        error
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses is the script. An empty script answers with an empty
	// transcript.
	Responses []Response

	// Calls records every request in order.
	Calls []stt.Request

	// Started, if non-nil, receives one value per call before any delay. The
	// send does not block.
	Started chan stt.Request
}

// Transcribe records the call and plays the next scripted response.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Transcript, error) {
	p.mu.Lock()
	n := len(p.Calls)
	p.Calls = append(p.Calls, req)
	var resp Response
	switch {
	case len(p.Responses) == 0:
		resp = Response{Transcript: &stt.Transcript{}}
	case n < len(p.Responses):
		resp = p.Responses[n]
	default:
		resp = p.Responses[len(p.Responses)-1]
	}
	started := p.Started
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- req:
		default:
		}
	}

	if resp.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if resp.Delay > 0 {
		t := time.NewTimer(resp.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Transcript, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
