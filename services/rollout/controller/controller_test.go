// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package controller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/breaker"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/cluster"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/config"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/events"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/health"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/metrics"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/pipeline"
)

// =============================================================================
// Test Helpers
// =============================================================================

const baseConfig = `
dry_run: true
engine:
  poll_interval: 5ms
  ready_timeout: 2s
  approval_timeout: 2s
  rollback_timeout: 2s
health:
  interval: 20ms
  confirmations: 2
resilience:
  retry: {attempts: 1, delay: 1ms, max_delay: 1ms}
  breaker: {failure_threshold: 3, reset_timeout: 1h, call_timeout: 1s}
environments:
  production:
    thresholds: {max_error_rate: 0.05, max_latency: 500ms, min_availability: 0.9}
rollouts:
  canary:
    strategy: canary
    replicas: 2
    steps:
      - {weight: 50, duration: 10ms}
      - {weight: 100}
    metrics:
      - name: errors
        query: canary_errors
        condition: {operator: lt, threshold: 0.05}
    window: {interval: 5ms, samples: 2}
pipelines:
  - name: web
    stages:
      - name: build
        type: build
        steps:
          - {name: compile, command: make}
      - name: production
        type: deploy
        deploy: {environment: production, service: web, rollout: canary, wait_for: deployed}
`

type harness struct {
	c       *Controller
	cp      *cluster.Memory
	backend *metrics.Static
	sub     *events.Subscription
	steps   atomic.Int64
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parse(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	return cfg
}

// newHarness builds a started controller over the in-memory cluster and
// a static metrics table with a healthy web service.
func newHarness(t *testing.T, doc string, runner pipeline.StepRunner) *harness {
	t.Helper()
	h := &harness{
		cp: cluster.NewMemory(),
		backend: metrics.NewStatic().
			Set("canary_errors", 0.01, 0.01).
			Set("error_rate", 0.001).
			Set("latency_ms", 50).
			Set("availability", 0.999),
	}
	h.cp.Seed(cluster.Ref{Environment: "production", Service: "web", Slot: cluster.SlotStable}, "v1", 2)
	if runner == nil {
		runner = pipeline.StepRunnerFunc(func(ctx context.Context, step pipeline.StepDefinition) pipeline.StepResult {
			h.steps.Add(1)
			return pipeline.StepResult{ExitCode: 0, Output: []string{"ok " + step.Name}}
		})
	}

	c, err := New(parse(t, doc), Options{
		ControlPlane: h.cp,
		Metrics:      h.backend,
		Runner:       runner,
		Logger:       quietLogger(),
	})
	require.NoError(t, err)
	h.c = c
	h.sub = c.Bus().Subscribe(1024)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return h
}

func push(commit string) domain.TriggerEvent {
	return domain.TriggerEvent{Type: domain.TriggerPush, Branch: "main", CommitSHA: commit, Author: "dev"}
}

// await reads the subscription until match accepts an event.
func (h *harness) await(t *testing.T, match func(events.Event) bool) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-h.sub.C:
			require.True(t, ok, "bus closed before the event arrived")
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func (h *harness) awaitPipeline(t *testing.T, id string) *events.PipelinePayload {
	t.Helper()
	ev := h.await(t, func(ev events.Event) bool {
		return ev.Type == events.PipelineCompleted && ev.Pipeline.ExecutionID == id
	})
	return ev.Pipeline
}

// run triggers a push and waits for its execution to finish.
func (h *harness) run(t *testing.T, commit string) *domain.PipelineExecution {
	t.Helper()
	rec, err := h.c.Trigger(context.Background(), push(commit))
	require.NoError(t, err)
	h.awaitPipeline(t, rec.ID)
	got, err := h.c.GetPipeline(context.Background(), rec.ID)
	require.NoError(t, err)
	return got
}

func deploymentOf(t *testing.T, rec *domain.PipelineExecution) string {
	t.Helper()
	for _, st := range rec.Stages {
		if st.DeploymentID != "" {
			return st.DeploymentID
		}
	}
	t.Fatalf("execution %s started no deployment", rec.ID)
	return ""
}

// =============================================================================
// Pipeline to Rollout
// =============================================================================

func TestController_PushDeploysThroughCanary(t *testing.T) {
	h := newHarness(t, baseConfig, nil)

	rec := h.run(t, "abc123")
	assert.Equal(t, domain.PipelineSuccess, rec.Status)
	assert.Equal(t, domain.Summary{Passed: 2}, rec.Summary)
	assert.Equal(t, int64(1), h.steps.Load())

	id := deploymentOf(t, rec)
	d, err := h.c.GetDeployment(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseDeployed, d.Phase)
	assert.Equal(t, "abc123", d.Version)
	assert.Equal(t, rec.ID, d.PipelineID)
	assert.Equal(t, 100, d.TrafficPercent)
	assert.Empty(t, d.PreviousVersion)

	split, ok := h.cp.Split("production", "web")
	require.True(t, ok)
	assert.Equal(t, id, split.DeploymentID)
	assert.Equal(t, 100, split.Weight(cluster.SlotStable), "promotion hands traffic back to stable")
	assert.Equal(t, 0, split.Weight(cluster.SlotCanary))

	stable, ok := h.cp.Workload(cluster.Ref{Environment: "production", Service: "web", Slot: cluster.SlotStable})
	require.True(t, ok)
	assert.Equal(t, "abc123", stable.Version)
	canary, ok := h.cp.Workload(cluster.Ref{Environment: "production", Service: "web", Slot: cluster.SlotCanary})
	require.True(t, ok)
	assert.Equal(t, "abc123", canary.Version)
	assert.Equal(t, 0, canary.Replicas.Desired)
	assert.Positive(t, h.backend.Calls("canary_errors"))
}

func TestController_SecondRolloutRecordsPreviousVersion(t *testing.T) {
	h := newHarness(t, baseConfig, nil)

	first := h.run(t, "abc123")
	require.Equal(t, domain.PipelineSuccess, first.Status)
	second := h.run(t, "def456")
	require.Equal(t, domain.PipelineSuccess, second.Status)

	d, err := h.c.GetDeployment(context.Background(), deploymentOf(t, second))
	require.NoError(t, err)
	assert.Equal(t, "def456", d.Version)
	assert.Equal(t, "abc123", d.PreviousVersion)

	list, err := h.c.ListDeployments(context.Background(), "web", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "def456", list[0].Version)
}

func TestController_FailingAnalysisRollsBack(t *testing.T) {
	h := newHarness(t, baseConfig, nil)
	h.backend.Set("canary_errors", 0.4, 0.5)

	rec := h.run(t, "bad0001")
	assert.Equal(t, domain.PipelineFailure, rec.Status)

	id := deploymentOf(t, rec)
	d, err := h.c.GetDeployment(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseRolledBack, d.Phase)
	assert.Equal(t, 0, d.TrafficPercent)

	split, ok := h.cp.Split("production", "web")
	require.True(t, ok)
	assert.Equal(t, 100, split.Weight(cluster.SlotStable))

	stable, ok := h.cp.Workload(cluster.Ref{Environment: "production", Service: "web", Slot: cluster.SlotStable})
	require.True(t, ok)
	assert.Equal(t, "v1", stable.Version)
	assert.Equal(t, 2, stable.Replicas.Desired)

	stored, err := h.c.store.LoadDeployment(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseRolledBack, stored.Phase)
}

func TestController_RollbackIsAnnouncedOnce(t *testing.T) {
	h := newHarness(t, baseConfig, nil)
	h.backend.Set("canary_errors", 0.9, 0.9)

	rec, err := h.c.Trigger(context.Background(), push("bad0002"))
	require.NoError(t, err)

	var rollbacks int
	for {
		ev := h.await(t, func(ev events.Event) bool {
			return ev.Type == events.RollbackTriggered ||
				(ev.Type == events.PipelineCompleted && ev.Pipeline.ExecutionID == rec.ID)
		})
		if ev.Type == events.PipelineCompleted {
			assert.Equal(t, domain.PipelineFailure, ev.Pipeline.Status)
			break
		}
		rollbacks++
		assert.Equal(t, "web", ev.Rollback.Service)
		assert.Equal(t, "production", ev.Rollback.Environment)
		assert.NotEmpty(t, ev.Rollback.Reason)
	}
	assert.Equal(t, 1, rollbacks)
}

// =============================================================================
// Dependencies
// =============================================================================

func TestController_MetricsOutageOpensBreaker(t *testing.T) {
	doc := strings.Replace(baseConfig, "health:\n  interval: 20ms\n", "health:\n  interval: 20ms\n  watch:\n    - {environment: production, service: api}\n", 1)
	h := newHarness(t, doc, nil)
	h.backend.Fail("error_rate", errors.New("influx unreachable"))

	ev := h.await(t, func(ev events.Event) bool { return ev.Type == events.BreakerOpened })
	assert.Equal(t, health.DependencyName, ev.Breaker.Dependency)
	assert.Equal(t, breaker.Closed.String(), ev.Breaker.From)
	assert.Equal(t, breaker.Open.String(), ev.Breaker.To)

	var found bool
	for _, s := range h.c.Breakers() {
		if s.Dependency == health.DependencyName {
			found = true
			assert.Equal(t, breaker.Open, s.State)
		}
	}
	assert.True(t, found)
}

func TestController_ControlPlaneOutageFailsPipeline(t *testing.T) {
	h := newHarness(t, baseConfig, nil)
	h.cp.FailKind(cluster.KindWorkload, errors.New("api server down"))

	rec := h.run(t, "abc123")
	assert.Equal(t, domain.PipelineFailure, rec.Status)
	d, err := h.c.GetDeployment(context.Background(), deploymentOf(t, rec))
	require.NoError(t, err)
	assert.True(t, d.Phase.IsTerminal())
	assert.NotEqual(t, domain.PhaseDeployed, d.Phase)
}

// =============================================================================
// Trigger
// =============================================================================

func TestController_TriggerRejectsBadEvents(t *testing.T) {
	h := newHarness(t, baseConfig, nil)

	_, err := h.c.Trigger(context.Background(), domain.TriggerEvent{Type: domain.TriggerPush})
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Problems, 2)

	ev := push("abc123")
	ev.Pipeline = "missing"
	_, err = h.c.Trigger(context.Background(), ev)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestController_TriggerPersistsPendingExecution(t *testing.T) {
	release := make(chan struct{})
	runner := pipeline.StepRunnerFunc(func(ctx context.Context, _ pipeline.StepDefinition) pipeline.StepResult {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return pipeline.StepResult{}
	})
	h := newHarness(t, baseConfig, runner)
	defer close(release)

	rec, err := h.c.Trigger(context.Background(), push("abc123"))
	require.NoError(t, err)
	assert.Equal(t, "web", rec.Pipeline)

	got, err := h.c.GetPipeline(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	list, err := h.c.ListPipelines(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)
}

func TestController_CancelStopsPipeline(t *testing.T) {
	runner := pipeline.StepRunnerFunc(func(ctx context.Context, _ pipeline.StepDefinition) pipeline.StepResult {
		<-ctx.Done()
		return pipeline.StepResult{ExitCode: -1, Err: ctx.Err()}
	})
	h := newHarness(t, baseConfig, runner)

	rec, err := h.c.Trigger(context.Background(), push("abc123"))
	require.NoError(t, err)
	h.await(t, func(ev events.Event) bool {
		return ev.Type == events.StageStarted && ev.Stage.ExecutionID == rec.ID
	})
	require.NoError(t, h.c.CancelPipeline(rec.ID, "superseded"))

	done := h.awaitPipeline(t, rec.ID)
	assert.Equal(t, domain.PipelineCancelled, done.Status)
}

// =============================================================================
// HTTP Surface
// =============================================================================

func TestController_WebhookOverHTTP(t *testing.T) {
	h := newHarness(t, baseConfig, nil)
	srv := httptest.NewServer(h.c.Handler())
	defer srv.Close()

	body := `{"type":"push","branch":"main","commitSha":"abc123"}`
	resp, err := http.Post(srv.URL+"/v1/webhooks", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	done := h.await(t, func(ev events.Event) bool { return ev.Type == events.PipelineCompleted })
	assert.Equal(t, domain.PipelineSuccess, done.Pipeline.Status)

	resp, err = http.Get(srv.URL + "/v1/pipelines/" + done.Pipeline.ExecutionID)
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), `"status":"success"`)

	assert.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(raw), `rollout_pipeline_executions_total{pipeline="web",status="success"} 1`)
	}, 5*time.Second, 10*time.Millisecond)
}

// =============================================================================
// Reload and Shutdown
// =============================================================================

func TestController_ReloadAddsPipelinesAndWatches(t *testing.T) {
	h := newHarness(t, baseConfig, nil)

	ev := push("abc123")
	ev.Pipeline = "api"
	_, err := h.c.Trigger(context.Background(), ev)
	require.ErrorIs(t, err, domain.ErrNotFound)

	next := strings.Replace(baseConfig, "pipelines:\n", `pipelines:
  - name: api
    stages:
      - {name: build, type: build, steps: [{name: compile, command: make}]}
`, 1)
	next = strings.Replace(next, "health:\n  interval: 20ms\n", "health:\n  interval: 20ms\n  watch:\n    - {environment: production, service: api}\n", 1)
	next = strings.Replace(next, "max_error_rate: 0.05", "max_error_rate: 0.01", 1)
	h.c.Reload(parse(t, next))

	assert.Contains(t, h.c.monitor.Watched(), health.ServiceID("production", "api"))
	assert.Equal(t, 0.01, h.c.config().Thresholds("production").MaxErrorRate)

	rec, err := h.c.Trigger(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineSuccess, h.awaitPipeline(t, rec.ID).Status)

	h.c.Reload(parse(t, baseConfig))
	assert.NotContains(t, h.c.monitor.Watched(), health.ServiceID("production", "api"))
}

func TestController_ShutdownCancelsRunsAndIsIdempotent(t *testing.T) {
	runner := pipeline.StepRunnerFunc(func(ctx context.Context, _ pipeline.StepDefinition) pipeline.StepResult {
		<-ctx.Done()
		return pipeline.StepResult{ExitCode: -1, Err: ctx.Err()}
	})
	h := newHarness(t, baseConfig, runner)

	rec, err := h.c.Trigger(context.Background(), push("abc123"))
	require.NoError(t, err)
	h.await(t, func(ev events.Event) bool {
		return ev.Type == events.StageStarted && ev.Stage.ExecutionID == rec.ID
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.c.Shutdown(ctx))
	require.NoError(t, h.c.Shutdown(ctx))

	var status domain.PipelineStatus
	for ev := range h.sub.C {
		if ev.Type == events.PipelineCompleted && ev.Pipeline.ExecutionID == rec.ID {
			status = ev.Pipeline.Status
		}
	}
	assert.Equal(t, domain.PipelineCancelled, status)

	_, err = h.c.Trigger(context.Background(), push("def456"))
	require.ErrorIs(t, err, domain.ErrCancelled)
}

func TestNew_RejectsNilConfig(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
}
