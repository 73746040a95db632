// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/breaker"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/events"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/metrics"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/resilience"
)

// =============================================================================
// Test Helpers
// =============================================================================

var prodThresholds = Thresholds{
	MaxErrorRate:    0.01,
	MaxLatency:      300 * time.Millisecond,
	MinAvailability: 0.999,
	DegradedRatio:   0.8,
}

var (
	healthySignals   = domain.HealthSignals{ErrorRate: 0.001, Latency: 50 * time.Millisecond, Availability: 1}
	unhealthySignals = domain.HealthSignals{ErrorRate: 0.2, Latency: 50 * time.Millisecond, Availability: 1}
)

// switchProber returns whatever signals are currently set.
type switchProber struct {
	mu    sync.Mutex
	sig   domain.HealthSignals
	err   error
	calls atomic.Int32
}

func (p *switchProber) set(sig domain.HealthSignals, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sig, p.err = sig, err
}

func (p *switchProber) Probe(context.Context, string) (domain.HealthSignals, error) {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sig, p.err
}

func fastOptions(confirmations int) Options {
	return Options{
		Interval:      5 * time.Millisecond,
		Window:        5 * time.Millisecond,
		Thresholds:    prodThresholds,
		Confirmations: confirmations,
	}
}

// =============================================================================
// Classification
// =============================================================================

func TestClassifySample(t *testing.T) {
	tests := []struct {
		name string
		sig  domain.HealthSignals
		want domain.HealthStatus
	}{
		{"healthy", healthySignals, domain.HealthHealthy},
		{"error rate breach", domain.HealthSignals{ErrorRate: 0.02, Availability: 1}, domain.HealthUnhealthy},
		{"latency breach", domain.HealthSignals{Latency: time.Second, Availability: 1}, domain.HealthUnhealthy},
		{"availability breach", domain.HealthSignals{Availability: 0.99}, domain.HealthUnhealthy},
		{"error rate near limit", domain.HealthSignals{ErrorRate: 0.009, Availability: 1}, domain.HealthDegraded},
		{"latency near limit", domain.HealthSignals{Latency: 250 * time.Millisecond, Availability: 1}, domain.HealthDegraded},
		{"availability near limit", domain.HealthSignals{Availability: 0.9991}, domain.HealthDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifySample(tt.sig, prodThresholds))
		})
	}
}

func TestClassify_EnvironmentThresholdsDiffer(t *testing.T) {
	sig := domain.HealthSignals{ErrorRate: 0.03, Latency: 400 * time.Millisecond, Availability: 0.99}
	dev := Thresholds{MaxErrorRate: 0.1, MaxLatency: 2 * time.Second, MinAvailability: 0.9}

	assert.Equal(t, domain.HealthUnhealthy, ClassifySample(sig, prodThresholds))
	assert.Equal(t, domain.HealthHealthy, ClassifySample(sig, dev))
}

func TestClassify_WindowAveragesAndSkipsFailedProbes(t *testing.T) {
	window := []domain.HealthSnapshot{
		{ErrorRate: 0.015, Latency: 50 * time.Millisecond, Availability: 1},
		{ErrorRate: 0.001, Latency: 50 * time.Millisecond, Availability: 1},
		{ErrorRate: 0.001, Latency: 50 * time.Millisecond, Availability: 1},
		{Error: "metrics backend unavailable"},
	}

	assert.Equal(t, domain.HealthHealthy, Classify(window, prodThresholds), "one breached sample inside a healthy window must not flip it")
	assert.Equal(t, domain.HealthUnknown, Classify(nil, prodThresholds))
	assert.Equal(t, domain.HealthUnknown, Classify(window[3:], prodThresholds))
}

func TestDependencyHealth(t *testing.T) {
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, ResetTimeout: time.Hour})
	_ = reg.Execute(context.Background(), "metrics", func(context.Context) error { return errors.New("down") }, nil)
	_ = reg.Execute(context.Background(), "control-plane", func(context.Context) error { return nil }, nil)

	got := DependencyHealth(reg.Snapshots(), DefaultThresholds(), time.Now())

	require.Len(t, got, 2)
	assert.Equal(t, "control-plane", got[0].ServiceID)
	assert.Equal(t, domain.HealthHealthy, got[0].Status)
	assert.Equal(t, domain.HealthUnhealthy, got[1].Status)
	assert.Zero(t, got[1].Availability)
}

// =============================================================================
// History
// =============================================================================

func TestHistory_BoundedByCount(t *testing.T) {
	h := newHistory(3, 0)
	base := time.Now()
	for i := 0; i < 5; i++ {
		h.push(domain.HealthSnapshot{ServiceID: "s", ErrorRate: float64(i), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	got := h.slice()
	require.Len(t, got, 3)
	assert.Equal(t, []float64{2, 3, 4}, []float64{got[0].ErrorRate, got[1].ErrorRate, got[2].ErrorRate})
}

func TestHistory_BoundedByAge(t *testing.T) {
	h := newHistory(10, 30*time.Second)
	base := time.Now()
	for i := 0; i < 5; i++ {
		h.push(domain.HealthSnapshot{ErrorRate: float64(i), Timestamp: base.Add(time.Duration(i) * 20 * time.Second)})
	}

	got := h.slice()
	require.Len(t, got, 2, "only snapshots within 30s of the newest are kept")
	assert.Equal(t, 3.0, got[0].ErrorRate)
	assert.Len(t, h.since(base.Add(80*time.Second)), 1)
}

// =============================================================================
// Monitor
// =============================================================================

func TestMonitor_CheckHealthRecordsSnapshot(t *testing.T) {
	p := &switchProber{}
	p.set(healthySignals, nil)
	m := NewMonitor(p, Config{Defaults: Options{Thresholds: prodThresholds}})
	defer m.Close()

	snap, err := m.CheckHealth(context.Background(), "prod/checkout")
	require.NoError(t, err)
	assert.Equal(t, domain.HealthHealthy, snap.Status)

	p.set(domain.HealthSignals{}, errors.New("timeout"))
	snap, err = m.CheckHealth(context.Background(), "prod/checkout")
	require.Error(t, err)
	assert.Equal(t, domain.HealthUnknown, snap.Status)
	assert.Equal(t, "timeout", snap.Error)

	assert.Len(t, m.History("prod/checkout"), 2)
}

func TestMonitor_SustainedUnhealthyTriggersRollbackOnce(t *testing.T) {
	p := &switchProber{}
	p.set(unhealthySignals, nil)
	bus := events.NewBus()
	sub := bus.Subscribe(256, events.HealthChanged)
	defer sub.Cancel()
	m := NewMonitor(p, Config{Publisher: bus})
	defer m.Close()

	triggers := make(chan RollbackTrigger, 10)
	m.SetRollbackHandler(func(tr RollbackTrigger) { triggers <- tr })
	m.BindRollout("prod/checkout", "dep-1", fastOptions(3))

	select {
	case tr := <-triggers:
		assert.Equal(t, "dep-1", tr.DeploymentID)
		assert.Contains(t, tr.Reason, "error rate")
		assert.GreaterOrEqual(t, p.calls.Load(), int32(3))
	case <-time.After(2 * time.Second):
		t.Fatal("rollback trigger not fired")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, triggers, "the trigger fires once per binding")

	ev := <-sub.C
	assert.Equal(t, domain.HealthUnknown, ev.Health.From)
	assert.Equal(t, domain.HealthUnhealthy, ev.Health.To)
}

func TestMonitor_TransientBreachDoesNotTrigger(t *testing.T) {
	p := &switchProber{}
	p.set(unhealthySignals, nil)
	m := NewMonitor(p, Config{})
	defer m.Close()

	var fired atomic.Bool
	m.SetRollbackHandler(func(RollbackTrigger) { fired.Store(true) })
	opts := fastOptions(3)
	opts.Interval = 20 * time.Millisecond
	opts.Window = 10 * time.Millisecond
	m.BindRollout("prod/checkout", "dep-1", opts)

	require.Eventually(t, func() bool { return p.calls.Load() >= 1 }, time.Second, time.Millisecond)
	p.set(healthySignals, nil)

	time.Sleep(200 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestMonitor_UnboundServiceNeverTriggers(t *testing.T) {
	p := &switchProber{}
	p.set(unhealthySignals, nil)
	m := NewMonitor(p, Config{})
	defer m.Close()

	var fired atomic.Bool
	m.SetRollbackHandler(func(RollbackTrigger) { fired.Store(true) })
	m.Watch(context.Background(), "prod/checkout", fastOptions(1))

	require.Eventually(t, func() bool { return m.Status("prod/checkout") == domain.HealthUnhealthy }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestMonitor_WatchesDoNotBlockEachOther(t *testing.T) {
	release := make(chan struct{})
	var fastCalls atomic.Int32
	p := ProberFunc(func(ctx context.Context, id string) (domain.HealthSignals, error) {
		if id == "prod/slow" {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return healthySignals, ctx.Err()
		}
		fastCalls.Add(1)
		return healthySignals, nil
	})
	m := NewMonitor(p, Config{})
	defer m.Close()
	defer close(release)

	m.Watch(context.Background(), "prod/slow", fastOptions(1))
	m.Watch(context.Background(), "prod/fast", fastOptions(1))

	require.Eventually(t, func() bool { return fastCalls.Load() >= 5 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"prod/fast", "prod/slow"}, m.Watched())
}

func TestMonitor_UnbindStopsAutomaticWatch(t *testing.T) {
	p := &switchProber{}
	p.set(healthySignals, nil)
	m := NewMonitor(p, Config{})
	defer m.Close()

	m.BindRollout("prod/checkout", "dep-1", fastOptions(3))
	require.Eventually(t, func() bool { return p.calls.Load() >= 2 }, time.Second, time.Millisecond)

	m.UnbindRollout("prod/checkout", "other")
	assert.Equal(t, []string{"prod/checkout"}, m.Watched(), "unbinding with a different id is ignored")

	m.UnbindRollout("prod/checkout", "dep-1")
	assert.Empty(t, m.Watched())
	calls := p.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, p.calls.Load())
}

func optionsOf(m *Monitor, serviceID string) Options {
	m.mu.RLock()
	s := m.services[serviceID]
	m.mu.RUnlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

func TestMonitor_UnbindRestoresManualWatchOptions(t *testing.T) {
	p := &switchProber{}
	p.set(healthySignals, nil)
	m := NewMonitor(p, Config{})
	defer m.Close()

	manual := fastOptions(5)
	manual.Interval = 10 * time.Millisecond
	m.Watch(context.Background(), "prod/checkout", manual)

	m.BindRollout("prod/checkout", "dep-1", fastOptions(2))
	assert.Equal(t, 2, optionsOf(m, "prod/checkout").Confirmations)

	m.UnbindRollout("prod/checkout", "other")
	assert.Equal(t, 2, optionsOf(m, "prod/checkout").Confirmations, "a stale unbind keeps the rollout options")

	m.UnbindRollout("prod/checkout", "dep-1")
	assert.Equal(t, manual.withDefaults(), optionsOf(m, "prod/checkout"))
	assert.Equal(t, []string{"prod/checkout"}, m.Watched(), "a manual watch survives the rollout")

	// A second rollout saves the restored options again.
	m.BindRollout("prod/checkout", "dep-2", fastOptions(1))
	m.UnbindRollout("prod/checkout", "dep-2")
	assert.Equal(t, 5, optionsOf(m, "prod/checkout").Confirmations)
}

func TestMonitor_SetThresholds(t *testing.T) {
	p := &switchProber{}
	p.set(domain.HealthSignals{ErrorRate: 0.03, Availability: 1}, nil)
	m := NewMonitor(p, Config{Defaults: Options{Thresholds: prodThresholds}})
	defer m.Close()

	snap, _ := m.CheckHealth(context.Background(), "dev/checkout")
	assert.Equal(t, domain.HealthUnhealthy, snap.Status)

	require.True(t, m.SetThresholds("dev/checkout", Thresholds{MaxErrorRate: 0.1, MaxLatency: time.Second, MinAvailability: 0.9}))
	snap, _ = m.CheckHealth(context.Background(), "dev/checkout")
	assert.Equal(t, domain.HealthHealthy, snap.Status)
	assert.False(t, m.SetThresholds("unknown", prodThresholds))
}

// =============================================================================
// MetricsProber
// =============================================================================

func TestMetricsProber(t *testing.T) {
	backend := metrics.NewStatic().
		Set(`errors{service="checkout"}`, 0.01, 0.03).
		Set(`latency{service="checkout"}`, 100, 200).
		Set(`up{env="prod",service="checkout"}`, 1, 1)
	guard := resilience.NewGuard(breaker.NewRegistry(breaker.DefaultConfig()), resilience.RetryPolicy{Attempts: 1}, nil)
	p := NewMetricsProber(backend, guard, Queries{
		ErrorRate:    `errors{service="{{service}}"}`,
		LatencyMs:    `latency{service="{{service}}"}`,
		Availability: `up{env="{{environment}}",service="{{service}}"}`,
	}, time.Minute)

	sig, err := p.Probe(context.Background(), ServiceID("prod", "checkout"))

	require.NoError(t, err)
	assert.InDelta(t, 0.02, sig.ErrorRate, 1e-9)
	assert.Equal(t, 150*time.Millisecond, sig.Latency)
	assert.Equal(t, 1.0, sig.Availability)
}

func TestMetricsProber_NoDataIsAnError(t *testing.T) {
	guard := resilience.NewGuard(breaker.NewRegistry(breaker.DefaultConfig()), resilience.RetryPolicy{Attempts: 1}, nil)
	p := NewMetricsProber(metrics.NewStatic(), guard, Queries{ErrorRate: "e", LatencyMs: "l", Availability: "a"}, 0)

	_, err := p.Probe(context.Background(), "checkout")
	assert.ErrorContains(t, err, "no data")
}

func TestServiceID(t *testing.T) {
	env, svc := SplitServiceID(ServiceID("prod", "checkout"))
	assert.Equal(t, "prod", env)
	assert.Equal(t, "checkout", svc)

	env, svc = SplitServiceID("checkout")
	assert.Empty(t, env)
	assert.Equal(t, "checkout", svc)
}
