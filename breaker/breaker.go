// Package breaker provides the per-component circuit breaker that gates hot
// swaps after sustained failure.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/obinexus/gov-clock/errors"
)

// State is the breaker's position in the closed / open / half-open cycle.
type State int

const (
	// Closed admits every call.
	Closed State = iota
	// Open rejects calls until the retry time.
	Open
	// HalfOpen admits calls while successes are counted toward closing.
	HalfOpen
)

// String returns the state name.
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

// Config configures breaker thresholds and backoffs.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Default: 5
	FailureThreshold int

	// SuccessThreshold is the number of half-open successes that closes it.
	// Default: 3
	SuccessThreshold int

	// OpenBackoff is the wait after the closed -> open transition.
	// Default: 30s
	OpenBackoff time.Duration

	// HalfOpenBackoff is the wait after a half-open failure reopens it.
	// Default: 60s
	HalfOpenBackoff time.Duration

	// Disabled admits every call; outcomes are still counted.
	Disabled bool
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		OpenBackoff:      30 * time.Second,
		HalfOpenBackoff:  60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.OpenBackoff <= 0 {
		c.OpenBackoff = d.OpenBackoff
	}
	if c.HalfOpenBackoff <= 0 {
		c.HalfOpenBackoff = d.HalfOpenBackoff
	}
	return c
}

// Stats is a point-in-time copy of the breaker's counters.
type Stats struct {
	ComponentID     string    `json:"component_id"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	TotalFailures   uint64    `json:"total_failures"`
	TotalSuccesses  uint64    `json:"total_successes"`
	Rejected        uint64    `json:"rejected"`
	LastFailureTime time.Time `json:"last_failure_time,omitzero"`
	NextRetryTime   time.Time `json:"next_retry_time,omitzero"`
	LastStateChange time.Time `json:"last_state_change"`
}

// StateChangeFunc observes transitions. It runs after the breaker's lock is
// released.
type StateChangeFunc func(componentID string, from, to State)

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a transition observer.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker is a circuit breaker for one component. Safe for concurrent use.
type Breaker struct {
	componentID string
	config      Config
	now         func() time.Time
	onChange    StateChangeFunc

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	totalFailures   uint64
	totalSuccesses  uint64
	rejected        uint64
	lastFailureTime time.Time
	nextRetryTime   time.Time
	lastStateChange time.Time
}

// New creates a closed breaker. Zero config fields take their defaults.
func New(componentID string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		componentID: componentID,
		config:      cfg.withDefaults(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastStateChange = b.now()
	return b
}

// ComponentID returns the component the breaker guards.
func (b *Breaker) ComponentID() string { return b.componentID }

// Allow admits a call or returns ErrCircuitOpen. An open breaker whose retry
// time has passed moves to half-open and admits the call.
func (b *Breaker) Allow() error {
	if b.config.Disabled {
		return nil
	}

	var from State
	changed := false
	err := func() error {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.state != Open {
			return nil
		}
		now := b.now()
		if now.Before(b.nextRetryTime) {
			b.rejected++
			return errors.WrapTransient(
				fmt.Errorf("%w: %s retry at %s", errors.ErrCircuitOpen, b.componentID, b.nextRetryTime.Format(time.RFC3339)),
				"Breaker", "Allow", "admit call")
		}
		from, changed = b.transition(HalfOpen, now)
		return nil
	}()

	if changed {
		b.notify(from, HalfOpen)
	}
	return err
}

// RecordSuccess counts a successful call. Consecutive failures reset in every
// state; in half-open enough successes close the breaker.
func (b *Breaker) RecordSuccess() {
	var from, to State
	changed := false
	func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		b.totalSuccesses++
		b.failureCount = 0
		if b.state != HalfOpen {
			return
		}
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			to = Closed
			from, changed = b.transition(Closed, b.now())
		}
	}()

	if changed {
		b.notify(from, to)
	}
}

// RecordFailure counts a failed call. Reaching the failure threshold while
// closed opens the breaker; any half-open failure reopens it with the longer
// backoff. A failure recorded while already open pushes the retry time out.
func (b *Breaker) RecordFailure() {
	var from State
	changed := false
	func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		now := b.now()
		b.totalFailures++
		b.failureCount++
		b.lastFailureTime = now

		switch b.state {
		case Closed:
			if b.failureCount >= b.config.FailureThreshold {
				b.nextRetryTime = now.Add(b.config.OpenBackoff)
				from, changed = b.transition(Open, now)
			}
		case HalfOpen:
			b.nextRetryTime = now.Add(b.config.HalfOpenBackoff)
			from, changed = b.transition(Open, now)
		case Open:
			b.nextRetryTime = now.Add(b.config.OpenBackoff)
		}
	}()

	if changed {
		b.notify(from, Open)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a copy of the counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		ComponentID:     b.componentID,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		TotalFailures:   b.totalFailures,
		TotalSuccesses:  b.totalSuccesses,
		Rejected:        b.rejected,
		LastFailureTime: b.lastFailureTime,
		NextRetryTime:   b.nextRetryTime,
		LastStateChange: b.lastStateChange,
	}
}

// Reset closes the breaker and clears the consecutive counters.
func (b *Breaker) Reset() {
	var from State
	changed := false
	func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		from, changed = b.transition(Closed, b.now())
		b.failureCount = 0
	}()
	if changed {
		b.notify(from, Closed)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State, now time.Time) (State, bool) {
	from := b.state
	if from == to {
		return from, false
	}
	b.state = to
	b.successCount = 0
	b.lastStateChange = now
	switch to {
	case Closed:
		b.failureCount = 0
		b.nextRetryTime = time.Time{}
	case HalfOpen:
		b.failureCount = 0
	}
	return from, true
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(b.componentID, from, to)
	}
}
