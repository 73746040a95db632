// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/breaker"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
)

var errTransient = errors.New("503 service unavailable")

func newTestGuard(threshold int, attempts uint) *Guard {
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: threshold, ResetTimeout: time.Hour, CallTimeout: time.Second})
	return NewGuard(reg, RetryPolicy{Attempts: attempts, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, nil)
}

func TestGuard_RetriesTransientFailures(t *testing.T) {
	g := newTestGuard(10, 3)
	calls := 0

	err := g.Do(context.Background(), "control-plane", func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	snap, ok := g.Breakers().Snapshot("control-plane")
	require.True(t, ok)
	assert.Equal(t, int64(2), snap.Stats.Failures, "every failed attempt counts towards the breaker")
}

func TestGuard_StopsAtAttemptLimit(t *testing.T) {
	g := newTestGuard(10, 2)
	calls := 0

	err := g.Do(context.Background(), "metrics", func(context.Context) error {
		calls++
		return errTransient
	})

	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 2, calls)
}

func TestGuard_DoesNotRetryOpenCircuit(t *testing.T) {
	g := newTestGuard(1, 5)
	calls := 0

	err := g.Do(context.Background(), "metrics", func(context.Context) error {
		calls++
		return errTransient
	})

	require.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, 1, calls, "the first failure opens the circuit; later attempts fail fast and stop the retry loop")
}

func TestGuard_DoesNotRetryPermanentErrors(t *testing.T) {
	g := newTestGuard(10, 5)
	calls := 0

	err := g.Do(context.Background(), "control-plane", func(context.Context) error {
		calls++
		return Permanent(errors.New("400 bad manifest"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestGuard_NotFoundIsNotABreakerFailure(t *testing.T) {
	g := newTestGuard(2, 3)
	calls := 0

	for i := 0; i < 5; i++ {
		err := g.Do(context.Background(), "control-plane", func(context.Context) error {
			calls++
			return fmt.Errorf("scale staging/checkout/green: %w", domain.ErrNotFound)
		})
		require.ErrorIs(t, err, domain.ErrNotFound)
	}

	assert.Equal(t, 5, calls, "not found is an answer and is never retried")
	snap, ok := g.Breakers().Snapshot("control-plane")
	require.True(t, ok)
	assert.Equal(t, breaker.Closed, snap.State)
	assert.Equal(t, 0, snap.Failures)
	assert.Equal(t, int64(5), snap.Stats.Calls)
	assert.Equal(t, int64(0), snap.Stats.Failures)
}

func TestCall_ReturnsValue(t *testing.T) {
	g := newTestGuard(10, 3)

	v, err := Call(context.Background(), g, "metrics", func(context.Context) ([]float64, error) {
		return []float64{0.1, 0.2}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2}, v)
}

func TestRetryable(t *testing.T) {
	ctx := context.Background()
	assert.True(t, Retryable(ctx, errTransient))
	assert.True(t, Retryable(ctx, breaker.ErrTimeout))
	assert.False(t, Retryable(ctx, breaker.ErrOpen))
	assert.False(t, Retryable(ctx, domain.ErrInvalidConfig))
	assert.False(t, Retryable(ctx, context.Canceled))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.False(t, Retryable(cancelled, errTransient))
}
