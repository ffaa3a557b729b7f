// Package breaker wraps egress calls to external chat networks in per-service
// circuit breakers. One breaker guards one logical service (typically
// "<platform>_api"); consecutive failures open the circuit, and a reset
// timeout later a single probe decides whether it closes again.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/SrDicov/Discoat/errors"
)

// State is the breaker state machine position.
type State int

const (
	// Closed lets calls through and counts consecutive failures
	Closed State = iota
	// Open rejects calls until the reset timeout elapses
	Open
	// HalfOpen lets a single probe through
	HalfOpen
)

// String returns the conventional upper-case state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config parameterizes one breaker.
type Config struct {
	FailureThreshold int           // consecutive failures to open
	ResetTimeout     time.Duration // time spent OPEN before probing
	RequestTimeout   time.Duration // hard per-call deadline
}

// DefaultConfig returns the spec defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		RequestTimeout:   10 * time.Second,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
}

// Metrics is a snapshot of one breaker's counters.
type Metrics struct {
	Total    int64 `json:"total"`
	Success  int64 `json:"success"`
	Failed   int64 `json:"failed"`
	Rejected int64 `json:"rejected"`
}

// Fallback is invoked with the error instead of propagating it.
type Fallback func(error) error

// Breaker is one service's circuit breaker. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu          sync.Mutex
	state       State
	failures    int
	nextAttempt time.Time
	probing     bool
	metrics     Metrics

	now     func() time.Time              // injectable clock for tests
	observe func(outcome string, s State) // optional metrics hook, set by Registry
}

func (b *Breaker) report(outcome string, s State) {
	if b.observe != nil {
		b.observe(outcome, s)
	}
}

// New creates a breaker named name.
func New(name string, cfg Config) *Breaker {
	cfg.normalize()
	return &Breaker{name: name, cfg: cfg, state: Closed, now: time.Now}
}

// Name returns the service name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current metrics.
func (b *Breaker) Snapshot() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// admit decides whether a call may proceed, transitioning OPEN -> HALF_OPEN
// when the reset timeout has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.Total++
	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Before(b.nextAttempt) {
			b.metrics.Rejected++
			defer b.report("rejected", Open)
			return errors.WrapTransient(errors.ErrCircuitOpen, "breaker", "Execute", b.name)
		}
		b.state = HalfOpen
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			b.metrics.Rejected++
			defer b.report("rejected", HalfOpen)
			return errors.WrapTransient(errors.ErrCircuitOpen, "breaker", "Execute", b.name)
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.Success++
	b.failures = 0
	b.state = Closed
	b.probing = false
	b.report("success", Closed)
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.Failed++
	switch b.state {
	case HalfOpen:
		b.state = Open
		b.nextAttempt = b.now().Add(b.cfg.ResetTimeout)
		b.probing = false
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = Open
			b.nextAttempt = b.now().Add(b.cfg.ResetTimeout)
		}
	}
	b.report("failure", b.state)
}

// Execute runs fn under the breaker with the configured request timeout.
// Timeouts count as failures. When fallback is non-nil it receives the error
// instead of the caller.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error, fallback Fallback) error {
	if err := b.admit(); err != nil {
		return b.finish(err, fallback)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	var err error
	select {
	case err = <-done:
		// A call that surfaced its own deadline expiry is a timeout too.
		if err != nil && callCtx.Err() == context.DeadlineExceeded {
			err = errors.WrapTransient(errors.ErrTimeout, "breaker", "Execute", b.name)
		}
	case <-callCtx.Done():
		// Hard deadline: the call is abandoned even if fn ignores its context.
		err = errors.WrapTransient(errors.ErrTimeout, "breaker", "Execute", b.name)
	}

	if err != nil {
		b.onFailure()
		return b.finish(err, fallback)
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) finish(err error, fallback Fallback) error {
	if fallback != nil {
		return fallback(err)
	}
	return err
}
