// Package transcribe turns sealed speech segments into transcription results
// through a single-flight slot.
//
// At most one request is outstanding per [Client]. A second [Client.Submit]
// while one is in flight fails synchronously with [stt.ErrBusy]; the caller
// drops that segment instead of queueing it, so captions never fall further
// behind live playback. Each request makes up to 1+MaxRetries attempts, each
// bounded by its own timeout, with a linear backoff of RetryDelay*attempt
// between them.
//
// Usage:
//
//	c := transcribe.New(provider, transcribe.Config{Language: "zh"},
//	    transcribe.WithBusyHook(func(busy bool) { ... }),
//	)
//	out, err := c.Submit(ctx, seg)
//	if errors.Is(err, stt.ErrBusy) {
//	    // drop seg
//	}
//	o := <-out
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/livecaption/internal/observe"
	"github.com/MrWong99/livecaption/internal/segment"
	"github.com/MrWong99/livecaption/pkg/provider/stt"
)

// Defaults applied by [New] for zero Config fields.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 2
	DefaultRetryDelay = time.Second
	DefaultLanguage   = "zh"
	DefaultTask       = "transcribe"
)

// Config holds the request policy of a [Client].
type Config struct {
	// Timeout bounds a single attempt. Default 30s.
	Timeout time.Duration

	// MaxRetries is the number of additional attempts after the first one.
	// Zero uses the default of 2; a negative value disables retries.
	MaxRetries int

	// RetryDelay is multiplied by the attempt number to get the backoff
	// before the next attempt. Default 1s.
	RetryDelay time.Duration

	// Language and Task are forwarded to the backend. Defaults "zh" and
	// "transcribe".
	Language string
	Task     string

	// Backend names the provider in metrics and spans.
	Backend string
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	} else if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Language == "" {
		c.Language = DefaultLanguage
	}
	if c.Task == "" {
		c.Task = DefaultTask
	}
	if c.Backend == "" {
		c.Backend = "default"
	}
}

// Outcome is the single resolution of a submitted request. Exactly one of
// Result and Err is set.
type Outcome struct {
	Result *stt.Result
	Err    error

	// Attempts is the number of backend calls made.
	Attempts int
}

// Option is a functional option for [New].
type Option func(*Client)

// WithClock replaces the clock used for timeouts, backoff and latency.
func WithClock(c clockwork.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithBusyHook registers fn to be called with true when a request starts
// and false when the slot is released (completion or abort). fn may be
// called from any goroutine and must not block.
func WithBusyHook(fn func(busy bool)) Option {
	return func(cl *Client) { cl.onBusy = fn }
}

// WithMetrics records attempts, failures and durations on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// Client is the single-flight transcription slot. All methods are safe for
// concurrent use.
type Client struct {
	provider stt.Provider
	cfg      Config
	clock    clockwork.Clock
	onBusy   func(bool)
	metrics  *observe.Metrics

	mu     sync.Mutex
	busy   bool
	gen    uint64
	cancel context.CancelCauseFunc
}

// New creates a Client calling p.
func New(p stt.Provider, cfg Config, opts ...Option) *Client {
	cfg.applyDefaults()
	c := &Client{
		provider: p,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Busy reports whether a request is in flight.
func (c *Client) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Submit claims the slot for seg and starts the request in a goroutine. It
// returns [stt.ErrBusy] without side effects when the slot is taken. The
// returned channel receives exactly one [Outcome] and is then closed.
func (c *Client) Submit(ctx context.Context, seg *segment.Segment) (<-chan Outcome, error) {
	if seg == nil {
		return nil, errors.New("transcribe: nil segment")
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, stt.ErrBusy
	}
	reqCtx, cancel := context.WithCancelCause(ctx)
	c.busy = true
	c.gen++
	gen := c.gen
	c.cancel = cancel
	c.mu.Unlock()

	c.notifyBusy(true)

	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		defer cancel(nil)
		o := c.run(reqCtx, seg)
		c.release(gen)
		out <- o
	}()
	return out, nil
}

// Transcribe is the blocking form of [Client.Submit].
func (c *Client) Transcribe(ctx context.Context, seg *segment.Segment) (*stt.Result, error) {
	out, err := c.Submit(ctx, seg)
	if err != nil {
		return nil, err
	}
	o := <-out
	return o.Result, o.Err
}

// Abort cancels the in-flight request, if any, and frees the slot at once.
// The aborted request resolves with [stt.ErrAborted]. Calling Abort with no
// request in flight is a no-op.
func (c *Client) Abort() {
	c.mu.Lock()
	if !c.busy {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.busy = false
	c.cancel = nil
	c.gen++
	c.mu.Unlock()

	cancel(stt.ErrAborted)
	c.notifyBusy(false)
}

// release frees the slot unless it was already freed by Abort or taken by a
// newer request.
func (c *Client) release(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || !c.busy {
		c.mu.Unlock()
		return
	}
	c.busy = false
	c.cancel = nil
	c.mu.Unlock()
	c.notifyBusy(false)
}

func (c *Client) notifyBusy(busy bool) {
	if c.onBusy != nil {
		c.onBusy(busy)
	}
}

// run performs the attempts for one request.
func (c *Client) run(ctx context.Context, seg *segment.Segment) Outcome {
	ctx, span := observe.StartSpan(ctx, "transcribe.request",
		trace.WithAttributes(
			attribute.String("segment.id", seg.ID),
			attribute.String("backend", c.cfg.Backend),
			attribute.Float64("segment.duration_s", seg.Duration.Seconds()),
		),
	)
	defer span.End()
	log := observe.Logger(ctx, "segment_id", seg.ID, "backend", c.cfg.Backend)

	start := c.clock.Now()
	maxAttempts := 1 + c.cfg.MaxRetries
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.cfg.RetryDelay * time.Duration(attempt-1)
			log.Debug("transcribe: backing off", "attempt", attempt, "delay", delay)
			if err := c.wait(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		attempts++
		tr, err := c.attempt(ctx, seg, attempt)
		if err == nil {
			c.recordAttempt(ctx, "ok")
			res := c.result(seg, tr)
			c.recordDuration(ctx, start, "ok")
			span.SetAttributes(attribute.Int("attempts", attempts))
			log.Debug("transcribe: done", "attempts", attempts, "text_len", len(res.Text))
			return Outcome{Result: res, Attempts: attempts}
		}

		lastErr = err
		c.recordAttempt(ctx, errorKind(err))
		if !retryable(err) {
			break
		}
		log.Warn("transcribe: attempt failed", "attempt", attempt, "max_attempts", maxAttempts, "err", err)
	}

	kind := errorKind(lastErr)
	c.recordDuration(ctx, start, kind)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if kind != "aborted" {
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, lastErr.Error())
		if c.metrics != nil {
			c.metrics.RecordTranscriptionError(ctx, c.cfg.Backend, kind)
		}
	}
	return Outcome{
		Err:      fmt.Errorf("transcribe: segment %s failed after %d attempt(s): %w", seg.ID, attempts, lastErr),
		Attempts: attempts,
	}
}

// attempt makes one backend call under its own deadline and maps context
// endings to the stt taxonomy.
func (c *Client) attempt(ctx context.Context, seg *segment.Segment, n int) (*stt.Transcript, error) {
	actx, cancel := clockwork.WithTimeout(ctx, c.clock, c.cfg.Timeout)
	defer cancel()

	tr, err := c.provider.Transcribe(actx, stt.Request{
		SegmentID:   seg.ID,
		Audio:       seg.Audio,
		ContentType: seg.ContentType,
		Samples:     seg.Samples,
		SampleRate:  seg.SampleRate,
		Language:    c.cfg.Language,
		Task:        c.cfg.Task,
		Attempt:     n,
	})
	if err == nil {
		if tr == nil {
			tr = &stt.Transcript{}
		}
		return tr, nil
	}

	if cause := parentCause(ctx); cause != nil {
		return nil, cause
	}
	// The fake clock's context blocks in Err until done, so probe Done.
	select {
	case <-actx.Done():
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", stt.ErrTimeout, c.cfg.Timeout)
		}
	default:
	}
	return nil, err
}

// wait sleeps d on the client clock unless ctx ends first.
func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return parentCause(ctx)
	}
	select {
	case <-c.clock.After(d):
		return nil
	case <-ctx.Done():
		return parentCause(ctx)
	}
}

// parentCause returns the reason the request context ended, or nil while it
// is live. Abort surfaces as stt.ErrAborted.
func parentCause(ctx context.Context) error {
	select {
	case <-ctx.Done():
	default:
		return nil
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, stt.ErrAborted) {
		return stt.ErrAborted
	}
	if cause == nil {
		cause = ctx.Err()
	}
	return cause
}

func (c *Client) result(seg *segment.Segment, tr *stt.Transcript) *stt.Result {
	sealed := seg.CreatedAt
	if sealed.IsZero() {
		sealed = c.clock.Now()
	}
	latency := c.clock.Since(sealed)
	if latency < 0 {
		latency = 0
	}
	return &stt.Result{
		SegmentID:    seg.ID,
		Transcript:   *tr,
		SegmentStart: seg.StartVideoTime,
		SegmentEnd:   seg.EndVideoTime,
		Latency:      latency,
	}
}

func (c *Client) recordAttempt(ctx context.Context, status string) {
	if c.metrics != nil {
		c.metrics.RecordTranscriptionAttempt(ctx, c.cfg.Backend, status)
	}
}

func (c *Client) recordDuration(ctx context.Context, start time.Time, status string) {
	if c.metrics == nil {
		return
	}
	c.metrics.TranscriptionDuration.Record(ctx, c.clock.Since(start).Seconds(),
		metric.WithAttributes(
			attribute.String("backend", c.cfg.Backend),
			attribute.String("status", status),
		),
	)
}

// retryable reports whether another attempt may follow err.
func retryable(err error) bool {
	switch {
	case errors.Is(err, stt.ErrBusy),
		errors.Is(err, stt.ErrAborted),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// errorKind classifies err for metrics and logs.
func errorKind(err error) string {
	var herr *stt.HTTPError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, stt.ErrAborted), errors.Is(err, context.Canceled):
		return "aborted"
	case errors.Is(err, stt.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, stt.ErrBusy):
		return "busy"
	case errors.As(err, &herr):
		return "http_error"
	case errors.Is(err, stt.ErrRecognition):
		return "recognition"
	default:
		return "error"
	}
}

// ErrorKind is the exported classification used by callers for logs and
// notices.
func ErrorKind(err error) string { return errorKind(err) }
