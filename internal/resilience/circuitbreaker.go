// Package resilience keeps captions flowing when a transcription backend
// misbehaves.
//
// A [CircuitBreaker] guards one backend: after MaxFailures consecutive
// failed segments it rejects requests for ResetTimeout, then lets a few probe
// segments through before trusting the backend again. [FallbackGroup] chains
// backends so a segment goes to the first one whose breaker admits it, and
// [STTFallback] is that chain as an stt.Provider.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the admission mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every request.
	StateClosed State = iota

	// StateOpen rejects requests with [ErrCircuitOpen] until ResetTimeout has
	// passed since the last failure.
	StateOpen

	// StateHalfOpen admits up to HalfOpenMax probes. One failed probe reopens
	// the breaker; HalfOpenMax successful probes close it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values take the
// defaults noted per field.
type CircuitBreakerConfig struct {
	// Name identifies the guarded backend in logs.
	Name string

	// MaxFailures consecutive failures open the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is the open period. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probes admitted while half-open.
	// Default: 3.
	HalfOpenMax int

	// IsFailure reports whether err counts against the backend. Errors it
	// rejects, such as the caller aborting a segment, leave the counters
	// untouched. Nil counts every error.
	IsFailure func(error) bool

	// Clock drives the open period. Default: the real clock.
	Clock clockwork.Clock
}

// CircuitBreaker is a closed/open/half-open breaker around one backend.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	isFailure    func(error) bool
	clock        clockwork.Clock

	mu       sync.Mutex
	state    State
	failures int // consecutive, closed state only
	openedAt time.Time
	probes   int // admitted while half-open
	passed   int // succeeded while half-open
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		isFailure:    cfg.IsFailure,
		clock:        cfg.Clock,
	}
}

// Execute calls fn when the breaker admits the request and accounts for its
// result. A rejected request returns [ErrCircuitOpen] without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a request may run and reserves a probe slot when
// the breaker is half-open.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.clock.Since(cb.openedAt) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.probes, cb.passed = 0, 0
		cb.setState(StateHalfOpen)
	}
	if cb.state != StateHalfOpen {
		return false, nil
	}
	if cb.probes >= cb.halfOpenMax {
		return false, ErrCircuitOpen
	}
	cb.probes++
	return true, nil
}

func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case err != nil && cb.isFailure != nil && !cb.isFailure(err):
		if probe && cb.probes > 0 {
			cb.probes--
		}

	case err != nil:
		if probe {
			cb.open()
			return
		}
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.open()
		}

	case probe:
		cb.passed++
		if cb.passed >= cb.halfOpenMax {
			cb.failures, cb.probes, cb.passed = 0, 0, 0
			cb.setState(StateClosed)
		}

	default:
		cb.failures = 0
	}
}

// open trips the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.clock.Now()
	cb.failures = cb.maxFailures
	cb.setState(StateOpen)
}

// setState logs every transition. Must be called with cb.mu held.
func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	cb.state = to
	if from == to {
		return
	}
	log := slog.With("backend", cb.name, "from", from.String(), "to", to.String())
	if to == StateOpen {
		log.Warn("transcription backend circuit opened", "consecutive_failures", cb.failures)
		return
	}
	log.Info("transcription backend circuit state changed")
}

// State returns the breaker's state. An open breaker whose reset timeout
// has passed reports [StateHalfOpen]; the transition itself happens on the
// next [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.clock.Since(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures, cb.probes, cb.passed = 0, 0, 0
	cb.setState(StateClosed)
}
