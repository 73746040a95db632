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
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/metrics"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/resilience"
)

// DependencyName is the breaker key used by MetricsProber.
const DependencyName = "metrics"

// Prober reads the live signals of one service.
type Prober interface {
	Probe(ctx context.Context, serviceID string) (domain.HealthSignals, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, serviceID string) (domain.HealthSignals, error)

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, serviceID string) (domain.HealthSignals, error) {
	return f(ctx, serviceID)
}

// Queries are the metric queries of MetricsProber. {{service}} expands to
// the service name and {{environment}} to its environment.
type Queries struct {
	ErrorRate    string `yaml:"error_rate" validate:"required"`
	LatencyMs    string `yaml:"latency_ms" validate:"required"`
	Availability string `yaml:"availability" validate:"required"`
}

// MetricsProber derives signals from three metric queries.
//
// # Description
//
// Each query is run through the call guard over Lookback and its series is
// averaged. Latency is expected in milliseconds. An empty series is an
// error: a service with no data cannot be called healthy.
type MetricsProber struct {
	backend  metrics.Backend
	guard    *resilience.Guard
	queries  Queries
	lookback time.Duration
}

// NewMetricsProber creates a prober.
func NewMetricsProber(backend metrics.Backend, guard *resilience.Guard, queries Queries, lookback time.Duration) *MetricsProber {
	if lookback <= 0 {
		lookback = time.Minute
	}
	return &MetricsProber{backend: backend, guard: guard, queries: queries, lookback: lookback}
}

// Probe implements Prober.
func (p *MetricsProber) Probe(ctx context.Context, serviceID string) (domain.HealthSignals, error) {
	env, service := SplitServiceID(serviceID)
	expand := strings.NewReplacer("{{service}}", service, "{{environment}}", env)

	errRate, err := p.mean(ctx, "error_rate", expand.Replace(p.queries.ErrorRate))
	if err != nil {
		return domain.HealthSignals{}, err
	}
	latencyMs, err := p.mean(ctx, "latency", expand.Replace(p.queries.LatencyMs))
	if err != nil {
		return domain.HealthSignals{}, err
	}
	avail, err := p.mean(ctx, "availability", expand.Replace(p.queries.Availability))
	if err != nil {
		return domain.HealthSignals{}, err
	}
	return domain.HealthSignals{
		ErrorRate:    errRate,
		Latency:      time.Duration(latencyMs * float64(time.Millisecond)),
		Availability: avail,
	}, nil
}

func (p *MetricsProber) mean(ctx context.Context, signal, query string) (float64, error) {
	series, err := resilience.Call(ctx, p.guard, DependencyName, func(ctx context.Context) ([]float64, error) {
		return p.backend.Query(ctx, query, p.lookback)
	})
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", signal, err)
	}
	if len(series) == 0 {
		return 0, fmt.Errorf("probe %s: no data", signal)
	}
	total := 0.0
	for _, v := range series {
		total += v
	}
	return total / float64(len(series)), nil
}

// ServiceID joins environment and service into the monitor key.
func ServiceID(environment, service string) string {
	if environment == "" {
		return service
	}
	return environment + "/" + service
}

// SplitServiceID is the inverse of ServiceID.
func SplitServiceID(id string) (environment, service string) {
	if i := strings.IndexByte(id, '/'); i >= 0 {
		return id[:i], id[i+1:]
	}
	return "", id
}
