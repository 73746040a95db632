// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker isolates failing downstream dependencies.
//
// Every call the rollout engine and the pipeline executor make to the
// cluster control plane or the metrics backend goes through a [Breaker]
// obtained from a [Registry], keyed by dependency name.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
//
// # State Diagram
//
//	   ┌─────────────────────────────────────┐
//	   │                 [trial failure]     │
//	   ▼                                     │
//	CLOSED ──[failure threshold]──► OPEN ◄───┤
//	   ▲                              │      │
//	   │                [reset timeout]      │
//	   │                              ▼      │
//	   └───[trial success]──── HALF_OPEN ────┘
type State int

const (
	// Closed is the normal operating state.
	Closed State = iota

	// Open means the circuit has tripped and calls fail fast.
	Open

	// HalfOpen admits exactly one trial call.
	HalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

var (
	// ErrOpen is returned when the breaker rejects a call without running it.
	ErrOpen = errors.New("dependency unavailable: circuit breaker is open")

	// ErrTimeout is returned when a call exceeds the configured call timeout.
	ErrTimeout = errors.New("dependency call timed out")
)

// Config configures breaker behavior.
//
// # Example
//
//	cfg := breaker.Config{
//	    FailureThreshold: 3,
//	    ResetTimeout:     30 * time.Second,
//	    CallTimeout:      5 * time.Second,
//	}
type Config struct {
	// FailureThreshold is consecutive failures before opening the circuit.
	// Default: 5
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a trial call
	// is admitted.
	// Default: 30 seconds
	ResetTimeout time.Duration

	// CallTimeout bounds every call. A timeout counts as a failure.
	// Default: 10 seconds
	CallTimeout time.Duration

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(Transition)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		CallTimeout:      10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	return c
}

// Transition describes one state change.
type Transition struct {
	Dependency string
	From       State
	To         State
	Failures   int
	At         time.Time
}

// Snapshot is a point-in-time copy of the breaker state and statistics.
type Snapshot struct {
	Dependency  string    `json:"dependency"`
	State       State     `json:"-"`
	StateName   string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"lastFailure,omitempty"`
	NextRetry   time.Time `json:"nextRetry,omitempty"`
	Stats       Stats     `json:"stats"`
}

// Stats accumulates call outcomes since the breaker was created.
type Stats struct {
	Calls        int64         `json:"calls"`
	Failures     int64         `json:"failures"`
	Timeouts     int64         `json:"timeouts"`
	Rejected     int64         `json:"rejected"`
	TotalLatency time.Duration `json:"totalLatency"`
	LastLatency  time.Duration `json:"lastLatency"`
}

// ErrorRate returns failures over executed calls.
func (s Stats) ErrorRate() float64 {
	if s.Calls == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Calls)
}

// AvgLatency returns the mean latency of executed calls.
func (s Stats) AvgLatency() time.Duration {
	if s.Calls == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Calls)
}

// Breaker implements the circuit breaker pattern for one dependency.
//
// # Description
//
// Stops calls to a failing dependency. After ResetTimeout it admits a
// single trial call; the trial outcome decides whether the circuit closes
// or reopens.
//
// # Thread Safety
//
// Breaker is safe for concurrent use. State transitions happen under a
// single mutex owned by this breaker.
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	nextRetry     time.Time
	trialInFlight bool
	stats         Stats
}

// Option customises a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a breaker in the closed state.
//
// # Inputs
//
//   - name: Dependency name, carried in transitions and snapshots
//   - config: Thresholds; zero values take defaults
//
// # Outputs
//
//   - *Breaker: New breaker in CLOSED state
func New(name string, config Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:   name,
		config: config.withDefaults(),
		now:    time.Now,
		state:  Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the dependency name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs op if the circuit allows it.
//
// # Description
//
// When the circuit rejects the call, fallback runs with ErrOpen if it is
// non-nil; otherwise ErrOpen is returned. When the call runs, it is bound
// by CallTimeout and its outcome updates the circuit state.
//
// # Inputs
//
//   - ctx: Caller context. Cancelling it is not counted as a failure.
//   - op: The dependency call
//   - fallback: Optional, invoked with the rejection or failure error
//
// # Outputs
//
//   - error: ErrOpen, ErrTimeout, op's error, or fallback's result
//
// # Example
//
//	err := b.Execute(ctx, func(ctx context.Context) error {
//	    return client.Apply(ctx, manifest)
//	}, nil)
//	if errors.Is(err, breaker.ErrOpen) {
//	    // dependency is known to be down
//	}
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error, fallback func(context.Context, error) error) error {
	_, err := Do(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, wrapFallback(fallback))
	return err
}

func wrapFallback(fallback func(context.Context, error) error) func(context.Context, error) (struct{}, error) {
	if fallback == nil {
		return nil
	}
	return func(ctx context.Context, err error) (struct{}, error) {
		return struct{}{}, fallback(ctx, err)
	}
}

// Do is the typed form of Execute.
func Do[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error), fallback func(context.Context, error) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	trial, tr, ok := b.admit()
	b.notify(tr)
	if !ok {
		if fallback != nil {
			return fallback(ctx, ErrOpen)
		}
		return zero, fmt.Errorf("%s: %w", b.name, ErrOpen)
	}

	start := b.now()
	val, err := callWithTimeout(ctx, b.config.CallTimeout, op)
	latency := b.now().Sub(start)

	callerGone := err != nil && ctx.Err() != nil && !errors.Is(err, ErrTimeout)
	tr = b.record(err, trial, callerGone, latency)
	b.notify(tr)

	if err != nil && fallback != nil && !callerGone {
		return fallback(ctx, err)
	}
	return val, err
}

// callWithTimeout runs op under the breaker's CallTimeout. An op that
// ignores its context is abandoned when the timeout fires.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := op(callCtx)
		done <- result{val: v, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, r.err)
		}
		return r.val, r.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}

// admit decides whether a call may run. trial is true when the call is
// the single HALF_OPEN probe.
func (b *Breaker) admit() (trial bool, tr *Transition, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return false, nil, true

	case Open:
		if b.now().Before(b.nextRetry) {
			b.stats.Rejected++
			return false, nil, false
		}
		tr = b.transitionTo(HalfOpen)
		b.trialInFlight = true
		return true, tr, true

	case HalfOpen:
		if b.trialInFlight {
			b.stats.Rejected++
			return false, nil, false
		}
		b.trialInFlight = true
		return true, nil, true
	}

	b.stats.Rejected++
	return false, nil, false
}

// record applies a call outcome. A call abandoned by its caller releases
// the trial slot and leaves the state untouched.
func (b *Breaker) record(err error, trial, callerGone bool, latency time.Duration) *Transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
	}
	if callerGone {
		return nil
	}

	b.stats.Calls++
	b.stats.TotalLatency += latency
	b.stats.LastLatency = latency

	if err == nil {
		return b.recordSuccess()
	}
	b.stats.Failures++
	if errors.Is(err, ErrTimeout) {
		b.stats.Timeouts++
	}
	return b.recordFailure()
}

func (b *Breaker) recordFailure() *Transition {
	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case Closed:
		if b.failures >= b.config.FailureThreshold {
			b.nextRetry = b.lastFailure.Add(b.config.ResetTimeout)
			return b.transitionTo(Open)
		}
	case HalfOpen:
		b.nextRetry = b.lastFailure.Add(b.config.ResetTimeout)
		return b.transitionTo(Open)
	}
	return nil
}

func (b *Breaker) recordSuccess() *Transition {
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.failures = 0
		return b.transitionTo(Closed)
	}
	return nil
}

// transitionTo must be called with mu held.
func (b *Breaker) transitionTo(state State) *Transition {
	if b.state == state {
		return nil
	}
	tr := &Transition{
		Dependency: b.name,
		From:       b.state,
		To:         state,
		Failures:   b.failures,
		At:         b.now(),
	}
	b.state = state
	return tr
}

func (b *Breaker) notify(tr *Transition) {
	if tr != nil && b.config.OnStateChange != nil {
		b.config.OnStateChange(*tr)
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current state and statistics.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Dependency:  b.name,
		State:       b.state,
		StateName:   b.state.String(),
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		NextRetry:   b.nextRetry,
		Stats:       b.stats,
	}
}

// Reset forces the circuit to the closed state.
//
// # Description
//
// Clears the failure count. Use when the dependency is known to be fixed
// externally.
func (b *Breaker) Reset() {
	b.mu.Lock()
	tr := b.transitionTo(Closed)
	b.failures = 0
	b.trialInFlight = false
	b.nextRetry = time.Time{}
	b.mu.Unlock()
	b.notify(tr)
}
