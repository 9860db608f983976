// Package resilience guards calls to the backend REST API with a circuit
// breaker.
//
// [Breaker] is a three-state breaker (closed, open, half-open). While open,
// calls fail fast with [ErrCircuitOpen] so a down backend does not stack up
// 90-second generation timeouts behind each other.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of trial calls through. Enough
	// successful trials close the breaker; any failure re-opens it.
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

// Config holds tuning knobs for a [Breaker]. Zero values select the
// defaults.
type Config struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of trials allowed while half-open, and the
	// number of successes needed to close. Default: 2.
	HalfOpenMax int
}

// Option configures a [Breaker].
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithFailurePredicate decides which errors count against the breaker.
// The default counts every error except context cancellation.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = fn }
}

// WithStateHook registers fn to run after every state transition. It is
// called without the breaker's lock held.
func WithStateHook(fn func(from, to State)) Option {
	return func(b *Breaker) { b.hook = fn }
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	now          func() time.Time
	isFailure    func(error) bool
	hook         func(from, to State)

	mu           sync.Mutex
	state        State
	failures     int
	openedAt     time.Time
	trials       int
	trialSuccess int
}

// New returns a closed Breaker.
func New(cfg Config, opts ...Option) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 2
	}
	b := &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		now:          time.Now,
		isFailure:    defaultIsFailure,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Do runs fn if the breaker admits the call. A rejected call returns
// [ErrCircuitOpen] without invoking fn.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, t, err := b.admit()
	b.fire(t)
	if err != nil {
		return err
	}

	callErr := fn(ctx)

	b.fire(b.record(trial, callErr))
	return callErr
}

type transition struct {
	from, to State
	changed  bool
}

func (b *Breaker) setLocked(to State) transition {
	t := transition{from: b.state, to: to, changed: b.state != to}
	b.state = to
	return t
}

func (b *Breaker) fire(t transition) {
	if !t.changed {
		return
	}
	switch t.to {
	case StateOpen:
		slog.Warn("resilience: circuit opened", "name", b.name, "from", t.from)
	default:
		slog.Info("resilience: circuit state changed", "name", b.name, "from", t.from, "to", t.to)
	}
	if b.hook != nil {
		b.hook(t.from, t.to)
	}
}

func (b *Breaker) admit() (trial bool, t transition, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false, t, ErrCircuitOpen
		}
		t = b.setLocked(StateHalfOpen)
		b.trials = 0
		b.trialSuccess = 0
	}
	if b.state == StateHalfOpen {
		if b.trials >= b.halfOpenMax {
			return false, t, ErrCircuitOpen
		}
		b.trials++
		return true, t, nil
	}
	return false, t, nil
}

func (b *Breaker) record(trial bool, err error) transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := err != nil && b.isFailure(err)
	switch {
	case failed && trial:
		b.openedAt = b.now()
		return b.setLocked(StateOpen)
	case failed:
		b.failures++
		if b.state == StateClosed && b.failures >= b.maxFailures {
			b.openedAt = b.now()
			return b.setLocked(StateOpen)
		}
	case trial:
		if err == nil {
			b.trialSuccess++
		}
		if b.trialSuccess >= b.halfOpenMax && b.state == StateHalfOpen {
			b.failures = 0
			return b.setLocked(StateClosed)
		}
	default:
		b.failures = 0
	}
	return transition{}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	t := b.setLocked(StateClosed)
	b.failures = 0
	b.trials = 0
	b.trialSuccess = 0
	b.mu.Unlock()
	b.fire(t)
}
