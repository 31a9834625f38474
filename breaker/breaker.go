// Package breaker implements a per-upstream-endpoint circuit breaker.
//
// Unlike a pure tally of failure counters, the breaker gates traffic: sync
// managers call Allow before each upstream request and short-circuit when
// the breaker is open. State transitions additionally emit named events to
// an optional EventSink so dashboards can chart upstream health.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	Closed   State = iota // Normal operation, calls pass through.
	Open                  // Calls rejected immediately.
	HalfOpen              // A probe call is allowed to test recovery.
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Event names emitted to the EventSink.
const (
	EventUpstreamFailure     = "upstream_failure"
	EventCircuitOpen         = "circuit_open"
	EventCircuitShortCircuit = "circuit_shortcircuit"
)

// EventSink receives named breaker events. Implementations must not block;
// sink errors are the sink's problem, never the breaker's.
type EventSink interface {
	RecordCircuitEvent(endpoint, event string, at time.Time)
}

// ErrOpen is returned by callers that translate a denied Allow into an
// error for their own error chains.
type ErrOpen struct {
	Endpoint string
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("circuit open for %s", e.Endpoint)
}

// Breaker is the per-endpoint state machine. Thread-safe: all transitions
// use a mutex.
type Breaker struct {
	mu           sync.Mutex
	endpoint     string
	state        State
	failures     int
	successes    int
	threshold    int           // consecutive failures before opening
	resetTimeout time.Duration // how long to stay open before half-open
	halfOpenMax  int           // successes in half-open before closing
	lastFailure  time.Time
	now          func() time.Time // injectable clock for testing
	sink         EventSink
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the consecutive-failure count that trips the breaker open.
func WithThreshold(n int) Option {
	return func(b *Breaker) { b.threshold = n }
}

// WithResetTimeout sets how long the breaker stays open before
// transitioning to half-open.
func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) { b.resetTimeout = d }
}

// WithHalfOpenMax sets how many consecutive successes in half-open are
// needed to close the breaker.
func WithHalfOpenMax(n int) Option {
	return func(b *Breaker) { b.halfOpenMax = n }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(b *Breaker) { b.now = fn }
}

// WithEventSink attaches a sink for named breaker events.
func WithEventSink(s EventSink) Option {
	return func(b *Breaker) { b.sink = s }
}

// New creates a breaker for one upstream endpoint with sensible defaults:
// 5 failures to open, 30s reset timeout, 2 successes to close from half-open.
func New(endpoint string, opts ...Option) *Breaker {
	b := &Breaker{
		endpoint:     endpoint,
		state:        Closed,
		threshold:    5,
		resetTimeout: 30 * time.Second,
		halfOpenMax:  2,
		now:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition()
	return b.state
}

// Allow checks whether a call is allowed. Returns false if the breaker is
// open and the reset timeout has not elapsed; a denied call emits a
// short-circuit event.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition()
	if b.state == Open {
		b.emit(EventCircuitShortCircuit)
		return false
	}
	return true
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= b.halfOpenMax {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	case Closed:
		b.failures = 0
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.now()
	b.emit(EventUpstreamFailure)
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = Open
			b.emit(EventCircuitOpen)
		}
	case HalfOpen:
		// Any failure in half-open goes back to open.
		b.state = Open
		b.successes = 0
		b.emit(EventCircuitOpen)
	}
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.successes = 0
}

// maybeTransition checks if an open breaker should move to half-open.
// Must be called with mu held.
func (b *Breaker) maybeTransition() {
	if b.state == Open && b.now().Sub(b.lastFailure) >= b.resetTimeout {
		b.state = HalfOpen
		b.successes = 0
	}
}

// emit sends an event to the sink, if any. Must be called with mu held.
func (b *Breaker) emit(event string) {
	if b.sink != nil {
		b.sink.RecordCircuitEvent(b.endpoint, event, b.now())
	}
}
