// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analysis gates canary progression on live metrics.
//
// An analysis runs a fixed number of iterations. Each iteration queries
// every metric over the lookback window and tests its condition. A metric
// fails the analysis once it has failed more than FailureLimit times, so
// a single bad sample is tolerated unless the limit is zero.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/metrics"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/resilience"
)

// DependencyName is the breaker key used for metric queries.
const DependencyName = "metrics"

// MetricDefinition is one metric gate.
type MetricDefinition struct {
	Name string `json:"name" yaml:"name"`

	// Query is sent to the metrics backend after placeholder expansion:
	// {{deployment}}, {{service}}, {{environment}} and {{window}}.
	Query string `json:"query" yaml:"query"`

	Condition Condition `json:"condition" yaml:"condition"`

	// FailureLimit is the number of failed checks tolerated.
	FailureLimit int `json:"failureLimit" yaml:"failure_limit"`
}

// Window controls iteration of an analysis.
type Window struct {
	// Lookback is the trailing range each query covers.
	// Default: 1m
	Lookback time.Duration `json:"lookback" yaml:"lookback"`

	// Interval is the wait between iterations.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// Samples is the number of iterations.
	// Default: 1
	Samples int `json:"samples" yaml:"samples"`
}

func (w Window) withDefaults() Window {
	if w.Lookback <= 0 {
		w.Lookback = time.Minute
	}
	if w.Samples <= 0 {
		w.Samples = 1
	}
	return w
}

// Subject identifies what is analysed.
type Subject struct {
	DeploymentID string
	Service      string
	Environment  string
}

// Measurement is one metric value in one iteration.
type Measurement struct {
	Metric    string  `json:"metric"`
	Iteration int     `json:"iteration"`
	Value     float64 `json:"value"`
	Passed    bool    `json:"passed"`
	Note      string  `json:"note,omitempty"`
}

// Result is the outcome of an analysis.
type Result struct {
	Success bool `json:"success"`

	// Reason names the metric and condition that failed.
	Reason       string         `json:"reason,omitempty"`
	Measurements []Measurement  `json:"measurements"`
	Failures     map[string]int `json:"failures"`
}

// Runner is the analysis contract consumed by the rollout engine.
type Runner interface {
	Analyze(ctx context.Context, subject Subject, defs []MetricDefinition, window Window) (Result, error)
}

// Analyzer queries the metrics backend through the call guard.
//
// # Thread Safety
//
// Analyzer is safe for concurrent use; analyses share no state.
type Analyzer struct {
	backend metrics.Backend
	guard   *resilience.Guard
	logger  *slog.Logger
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(backend metrics.Backend, guard *resilience.Guard, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{backend: backend, guard: guard, logger: logger}
}

// Analyze evaluates defs over window.
//
// # Description
//
// Runs window.Samples iterations separated by window.Interval. An empty
// series counts as a failed check. The analysis stops at the first metric
// whose failure count exceeds its FailureLimit.
//
// # Inputs
//
//   - ctx: Cancels queries and the wait between iterations
//   - subject: Values for query placeholders
//   - defs: Metric gates; an empty list succeeds immediately
//   - window: Iteration settings
//
// # Outputs
//
//   - Result: Success or the failing metric with a reason
//   - error: Query failure after retries, or cancellation. The result is
//     not meaningful when error is set.
func (a *Analyzer) Analyze(ctx context.Context, subject Subject, defs []MetricDefinition, window Window) (Result, error) {
	window = window.withDefaults()
	res := Result{Success: true, Failures: make(map[string]int, len(defs))}
	if len(defs) == 0 {
		return res, nil
	}

	for iter := 0; iter < window.Samples; iter++ {
		if iter > 0 && window.Interval > 0 {
			if err := sleep(ctx, window.Interval); err != nil {
				return res, err
			}
		}
		for _, def := range defs {
			m, err := a.check(ctx, subject, def, window, iter)
			if err != nil {
				return res, err
			}
			res.Measurements = append(res.Measurements, m)
			if m.Passed {
				continue
			}
			res.Failures[def.Name]++
			if res.Failures[def.Name] > def.FailureLimit {
				res.Success = false
				res.Reason = failureReason(def, m, res.Failures[def.Name], iter+1)
				a.logger.Warn("canary analysis failed",
					"deployment_id", subject.DeploymentID,
					"metric", def.Name,
					"reason", res.Reason)
				return res, nil
			}
		}
	}
	return res, nil
}

func (a *Analyzer) check(ctx context.Context, subject Subject, def MetricDefinition, window Window, iter int) (Measurement, error) {
	query := ExpandQuery(def.Query, subject, window.Lookback)
	series, err := resilience.Call(ctx, a.guard, DependencyName, func(ctx context.Context) ([]float64, error) {
		return a.backend.Query(ctx, query, window.Lookback)
	})
	if err != nil {
		return Measurement{}, fmt.Errorf("query metric %s: %w", def.Name, err)
	}

	m := Measurement{Metric: def.Name, Iteration: iter}
	v, ok, evalErr := def.Condition.Evaluate(series)
	m.Value = v
	m.Passed = ok && evalErr == nil
	if evalErr != nil {
		m.Note = evalErr.Error()
	}
	return m, nil
}

func failureReason(def MetricDefinition, m Measurement, failures, checks int) string {
	observed := fmt.Sprintf("value %.4g", m.Value)
	if m.Note != "" {
		observed = m.Note
	}
	return fmt.Sprintf("metric %q failed condition %q: %s (%d of %d checks failed, limit %d)",
		def.Name, def.Condition.String(), observed, failures, checks, def.FailureLimit)
}

// ExpandQuery substitutes the query placeholders.
func ExpandQuery(query string, subject Subject, lookback time.Duration) string {
	return strings.NewReplacer(
		"{{deployment}}", subject.DeploymentID,
		"{{service}}", subject.Service,
		"{{environment}}", subject.Environment,
		"{{window}}", fmt.Sprintf("%ds", int64(lookback/time.Second)),
	).Replace(query)
}

// Validate checks a metric set before a rollout starts.
func Validate(defs []MetricDefinition) error {
	v := &domain.ValidationError{Subject: "analysis metrics"}
	seen := make(map[string]bool, len(defs))
	for i, def := range defs {
		if def.Name == "" {
			v.Add("metric %d: name is required", i)
		} else if seen[def.Name] {
			v.Add("metric %q: duplicate name", def.Name)
		}
		seen[def.Name] = true
		if strings.TrimSpace(def.Query) == "" {
			v.Add("metric %q: query is required", def.Name)
		}
		if def.FailureLimit < 0 {
			v.Add("metric %q: failure limit must not be negative", def.Name)
		}
		if err := def.Condition.Validate(); err != nil {
			v.Add("metric %q: %v", def.Name, err)
		}
	}
	return v.Err()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
