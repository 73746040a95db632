// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/events"
)

const namespace = "rollout"

// =============================================================================
// Prometheus Metrics
// =============================================================================

// Recorder turns events into Prometheus metrics.
//
// # Thread Safety
//
// Observe is safe for concurrent use; the collectors synchronise
// internally.
type Recorder struct {
	registry *prometheus.Registry

	// pipelinesTotal counts finished executions.
	// Labels: pipeline, status
	pipelinesTotal *prometheus.CounterVec

	// stagesTotal counts finished stages.
	// Labels: type, status
	stagesTotal *prometheus.CounterVec

	// deploymentsStarted counts started rollouts.
	// Labels: environment, strategy
	deploymentsStarted *prometheus.CounterVec

	// deploymentsFinished counts terminal rollouts.
	// Labels: environment, strategy, phase
	deploymentsFinished *prometheus.CounterVec

	// deploymentDuration measures start to terminal phase.
	// Labels: strategy, phase
	deploymentDuration *prometheus.HistogramVec

	// rollbacksTotal counts rollback triggers.
	// Labels: environment, service
	rollbacksTotal *prometheus.CounterVec

	// trafficPercent is the candidate share of the latest phase change.
	// Labels: environment, service
	trafficPercent *prometheus.GaugeVec

	// breakerState is 0 closed, 1 half-open, 2 open.
	// Labels: dependency
	breakerState *prometheus.GaugeVec

	// breakerTransitions counts breaker state changes.
	// Labels: dependency, to
	breakerTransitions *prometheus.CounterVec

	// healthStatus is 0 healthy, 1 degraded, 2 unhealthy, -1 unknown.
	// Labels: service
	healthStatus *prometheus.GaugeVec
}

// NewRecorder registers the collectors on a fresh registry that also
// carries the Go and process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		pipelinesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "executions_total",
			Help:      "Finished pipeline executions by status",
		}, []string{"pipeline", "status"}),
		stagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stages_total",
			Help:      "Finished pipeline stages by type and status",
		}, []string{"type", "status"}),
		deploymentsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deployment",
			Name:      "started_total",
			Help:      "Started rollouts",
		}, []string{"environment", "strategy"}),
		deploymentsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deployment",
			Name:      "finished_total",
			Help:      "Rollouts that reached a terminal phase",
		}, []string{"environment", "strategy", "phase"}),
		deploymentDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "deployment",
			Name:      "duration_seconds",
			Help:      "Rollout duration from start to terminal phase",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
		}, []string{"strategy", "phase"}),
		rollbacksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deployment",
			Name:      "rollbacks_total",
			Help:      "Rollbacks triggered",
		}, []string{"environment", "service"}),
		trafficPercent: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "deployment",
			Name:      "traffic_percent",
			Help:      "Traffic share routed to the candidate version",
		}, []string{"environment", "service"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		}, []string{"dependency"}),
		breakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state changes",
		}, []string{"dependency", "to"}),
		healthStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health classification: 0 healthy, 1 degraded, 2 unhealthy, -1 unknown",
		}, []string{"service"}),
	}
}

// Registry exposes the registry, for tests and extra collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Run observes events from sub until ctx is done or sub is closed.
func (r *Recorder) Run(ctx context.Context, sub *events.Subscription) {
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			r.Observe(ev)
		}
	}
}

// Observe updates the metrics for one event.
func (r *Recorder) Observe(ev events.Event) {
	switch ev.Type {
	case events.PipelineCompleted:
		if p := ev.Pipeline; p != nil {
			r.pipelinesTotal.WithLabelValues(p.Pipeline, string(p.Status)).Inc()
		}

	case events.StageCompleted:
		if s := ev.Stage; s != nil {
			r.stagesTotal.WithLabelValues(string(s.Type), string(s.Status)).Inc()
		}

	case events.DeploymentStarted:
		if p := ev.Deployment; p != nil {
			d := p.Deployment
			r.deploymentsStarted.WithLabelValues(d.Environment, string(d.Strategy)).Inc()
		}

	case events.PhaseChanged:
		if p := ev.Deployment; p != nil {
			d := p.Deployment
			r.trafficPercent.WithLabelValues(d.Environment, d.Service).Set(float64(d.TrafficPercent))
			if d.IsTerminal() {
				r.deploymentsFinished.WithLabelValues(d.Environment, string(d.Strategy), string(d.Phase)).Inc()
				if !d.StartedAt.IsZero() && !d.FinishedAt.IsZero() {
					r.deploymentDuration.WithLabelValues(string(d.Strategy), string(d.Phase)).
						Observe(d.FinishedAt.Sub(d.StartedAt).Seconds())
				}
			}
		}

	case events.RollbackTriggered:
		if p := ev.Rollback; p != nil {
			r.rollbacksTotal.WithLabelValues(p.Environment, p.Service).Inc()
		}

	case events.BreakerStateChanged:
		if b := ev.Breaker; b != nil {
			r.breakerState.WithLabelValues(b.Dependency).Set(breakerValue(b.To))
			r.breakerTransitions.WithLabelValues(b.Dependency, b.To).Inc()
		}

	case events.HealthChanged:
		if h := ev.Health; h != nil {
			r.healthStatus.WithLabelValues(h.ServiceID).Set(healthValue(h.To))
		}
	}
}

func breakerValue(state string) float64 {
	switch state {
	case "OPEN":
		return 2
	case "HALF_OPEN":
		return 1
	default:
		return 0
	}
}

func healthValue(s domain.HealthStatus) float64 {
	switch s {
	case domain.HealthHealthy:
		return 0
	case domain.HealthDegraded:
		return 1
	case domain.HealthUnhealthy:
		return 2
	default:
		return -1
	}
}
