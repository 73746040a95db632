// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience is the single call path to external dependencies.
//
// A [Guard] combines a bounded retry with backoff at the call site and a
// per-dependency circuit breaker that also enforces the call timeout.
// Every attempt counts towards the breaker, so a dependency that keeps
// failing trips the circuit and later attempts fail fast.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/breaker"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
)

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	// Attempts is the total number of attempts, including the first.
	// Default: 3
	Attempts uint

	// Delay is the initial backoff delay. Doubles on every retry.
	// Default: 200ms
	Delay time.Duration

	// MaxDelay caps the backoff delay.
	// Default: 5s
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Attempts == 0 {
		p.Attempts = d.Attempts
	}
	if p.Delay <= 0 {
		p.Delay = d.Delay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}

// Guard wraps external calls with retry, breaker and timeout.
//
// # Thread Safety
//
// Guard is safe for concurrent use.
type Guard struct {
	breakers *breaker.Registry
	policy   RetryPolicy
	logger   *slog.Logger
}

// NewGuard creates a guard over the given breaker registry.
func NewGuard(breakers *breaker.Registry, policy RetryPolicy, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{breakers: breakers, policy: policy.withDefaults(), logger: logger}
}

// Breakers returns the underlying registry.
func (g *Guard) Breakers() *breaker.Registry {
	return g.breakers
}

// Do runs op against dependency with retries.
//
// # Description
//
// Transient failures are retried with exponential backoff up to the
// policy's attempt count. Open circuits, configuration errors, analysis
// failures and caller cancellation are never retried.
//
// # Inputs
//
//   - ctx: Caller context; cancels waits between attempts
//   - dependency: Breaker key (e.g. "control-plane")
//   - op: The call; it receives a context bounded by the call timeout
//
// # Outputs
//
//   - error: The last attempt's error
func (g *Guard) Do(ctx context.Context, dependency string, op func(context.Context) error) error {
	_, err := Call(ctx, g, dependency, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Call is the typed form of Guard.Do.
//
// An error wrapping domain.ErrNotFound is an answer from a healthy
// dependency: it is returned to the caller but recorded as a success by
// the breaker.
func Call[T any](ctx context.Context, g *Guard, dependency string, op func(context.Context) (T, error)) (T, error) {
	return retry.DoWithData(
		func() (T, error) {
			var answer error
			val, err := breaker.Call(ctx, g.breakers, dependency, func(ctx context.Context) (T, error) {
				v, err := op(ctx)
				if errors.Is(err, domain.ErrNotFound) {
					answer = err
					return v, nil
				}
				return v, err
			}, nil)
			// answer is only read once the breaker returned op's own result.
			if err == nil && answer != nil {
				return val, answer
			}
			return val, err
		},
		retry.Context(ctx),
		retry.Attempts(g.policy.Attempts),
		retry.Delay(g.policy.Delay),
		retry.MaxDelay(g.policy.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return Retryable(ctx, err)
		}),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Warn("retrying dependency call",
				"dependency", dependency,
				"attempt", n+1,
				"max_attempts", g.policy.Attempts,
				"error", err)
		}),
	)
}

// Retryable reports whether err is a transient dependency failure.
func Retryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, breaker.ErrOpen),
		errors.Is(err, domain.ErrInvalidConfig),
		errors.Is(err, domain.ErrAnalysisFailed),
		errors.Is(err, domain.ErrCancelled),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, context.Canceled):
		return false
	}
	var perm *PermanentError
	return !errors.As(err, &perm)
}

// PermanentError marks a dependency error that retrying cannot fix, such
// as a 4xx response from the control plane.
type PermanentError struct {
	Err error
}

// Error implements error.
func (e *PermanentError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
