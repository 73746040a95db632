// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/breaker"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/engine"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/events"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeService struct {
	mu          sync.Mutex
	triggered   []domain.TriggerEvent
	cancelled   map[string]string
	aborted     map[string]string
	deployments map[string]*domain.Deployment
	approveErr  error
	listLimit   int
	listService string
}

func newFakeService() *fakeService {
	return &fakeService{
		cancelled: map[string]string{},
		aborted:   map[string]string{},
		deployments: map[string]*domain.Deployment{
			"d1": {ID: "d1", Service: "web", Environment: "production", Phase: domain.PhaseCanaryRamping, TrafficPercent: 10},
		},
	}
}

func (f *fakeService) Trigger(_ context.Context, ev domain.TriggerEvent) (*domain.PipelineExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.Pipeline == "missing" {
		return nil, fmt.Errorf("pipeline %q: %w", ev.Pipeline, domain.ErrNotFound)
	}
	if ev.Pipeline == "busy" {
		return nil, fmt.Errorf("production/web is being rolled out by deployment d1: %w", domain.ErrConflict)
	}
	f.triggered = append(f.triggered, ev)
	return domain.NewPipelineExecution("web", ev), nil
}

func (f *fakeService) ListPipelines(_ context.Context, limit int) ([]*domain.PipelineExecution, error) {
	f.mu.Lock()
	f.listLimit = limit
	f.mu.Unlock()
	return []*domain.PipelineExecution{{ID: "p1", Pipeline: "web", Status: domain.PipelineRunning}}, nil
}

func (f *fakeService) GetPipeline(_ context.Context, id string) (*domain.PipelineExecution, error) {
	if id != "p1" {
		return nil, fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}
	return &domain.PipelineExecution{ID: "p1", Pipeline: "web", Status: domain.PipelineRunning}, nil
}

func (f *fakeService) CancelPipeline(id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[id] = reason
	return nil
}

func (f *fakeService) ListDeployments(_ context.Context, service string, limit int) ([]*domain.Deployment, error) {
	f.mu.Lock()
	f.listService, f.listLimit = service, limit
	f.mu.Unlock()
	return []*domain.Deployment{f.deployments["d1"]}, nil
}

func (f *fakeService) GetDeployment(_ context.Context, id string) (*domain.Deployment, error) {
	d, ok := f.deployments[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", id, domain.ErrNotFound)
	}
	return d, nil
}

func (f *fakeService) ApproveDeployment(id string) error {
	return f.approveErr
}

func (f *fakeService) AbortDeployment(id, reason string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deployments[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", id, domain.ErrNotFound)
	}
	f.aborted[id] = reason
	return d, nil
}

func (f *fakeService) HealthStatus(string) domain.HealthStatus { return domain.HealthDegraded }

func (f *fakeService) HealthHistory(id string) []domain.HealthSnapshot {
	return []domain.HealthSnapshot{{ServiceID: id, Status: domain.HealthDegraded, ErrorRate: 0.03}}
}

func (f *fakeService) Breakers() []breaker.Snapshot {
	return []breaker.Snapshot{{Dependency: "metrics", StateName: "OPEN", Failures: 5}}
}

func setupServer(t *testing.T, mutate ...func(*Options)) (*Server, *fakeService) {
	t.Helper()
	svc := newFakeService()
	opts := Options{
		Service:      svc,
		Bus:          events.NewBus(),
		Metrics:      http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("rollout_up 1\n")) }),
		WebhookRate:  100,
		WebhookBurst: 100,
	}
	for _, m := range mutate {
		m(&opts)
	}
	return NewServer(opts), svc
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

const pushBody = `{"type":"push","branch":"main","commitSha":"abc123","author":"dev"}`

func TestWebhook_StartsPipeline(t *testing.T) {
	s, svc := setupServer(t)

	w := do(t, s, http.MethodPost, "/v1/webhooks", pushBody)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	rec := decode[domain.PipelineExecution](t, w)
	assert.Equal(t, "abc123", rec.CommitSHA)
	assert.Equal(t, domain.PipelinePending, rec.Status)
	require.Len(t, svc.triggered, 1)
	assert.Equal(t, "main", svc.triggered[0].Branch)
}

func TestWebhook_RejectsMalformedEvents(t *testing.T) {
	s, svc := setupServer(t)

	w := do(t, s, http.MethodPost, "/v1/webhooks", `{"type":"push"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", decode[ErrorResponse](t, w).Code)

	w = do(t, s, http.MethodPost, "/v1/webhooks", `{"type":"push","branch":"main","commitSha":"a","pipeline":"missing"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, svc.triggered)
}

func TestWebhook_BusyServiceIsConflict(t *testing.T) {
	s, svc := setupServer(t)

	w := do(t, s, http.MethodPost, "/v1/webhooks", `{"type":"push","branch":"main","commitSha":"a","pipeline":"busy"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, "CONFLICT", resp.Code)
	assert.Contains(t, resp.Error, "d1")
	assert.Empty(t, svc.triggered)
}

func TestWebhook_RateLimited(t *testing.T) {
	s, _ := setupServer(t, func(o *Options) {
		o.WebhookRate = 0.001
		o.WebhookBurst = 2
	})

	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/v1/webhooks", pushBody).Code)
	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/v1/webhooks", pushBody).Code)
	w := do(t, s, http.MethodPost, "/v1/webhooks", pushBody)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", decode[ErrorResponse](t, w).Code)

	// Other routes are not limited.
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/pipelines", "").Code)
}

func TestPipelines_ListGetCancel(t *testing.T) {
	s, svc := setupServer(t)

	w := do(t, s, http.MethodGet, "/v1/pipelines?limit=5000", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxListLimit, svc.listLimit)
	assert.Len(t, decode[map[string][]domain.PipelineExecution](t, w)["pipelines"], 1)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/pipelines?limit=-1", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/pipelines/p1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/pipelines/nope", "").Code)

	w = do(t, s, http.MethodPost, "/v1/pipelines/p1/cancel", `{"reason":"superseded"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "superseded", svc.cancelled["p1"])
}

func TestDeployments_Operations(t *testing.T) {
	s, svc := setupServer(t)

	w := do(t, s, http.MethodGet, "/v1/deployments?service=web", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "web", svc.listService)
	assert.Equal(t, defaultListLimit, svc.listLimit)

	w = do(t, s, http.MethodGet, "/v1/deployments/d1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, decode[domain.Deployment](t, w).TrafficPercent)

	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/v1/deployments/d1/approve", "").Code)
	svc.approveErr = fmt.Errorf("deployment d1: %w", engine.ErrNotAwaitingApproval)
	w = do(t, s, http.MethodPost, "/v1/deployments/d1/approve", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NOT_AWAITING_APPROVAL", decode[ErrorResponse](t, w).Code)

	w = do(t, s, http.MethodPost, "/v1/deployments/d1/abort", `{"reason":"bad build"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "bad build", svc.aborted["d1"])
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/v1/deployments/zz/abort", "").Code)
}

func TestHealthBreakersMetrics(t *testing.T) {
	s, _ := setupServer(t)

	w := do(t, s, http.MethodGet, "/v1/health/production/web", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "production/web", resp.ServiceID)
	assert.Equal(t, domain.HealthDegraded, resp.Status)
	require.Len(t, resp.History, 1)

	w = do(t, s, http.MethodGet, "/v1/breakers", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"OPEN"`)

	w = do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rollout_up 1")

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)
}

func TestEvents_StreamsFilteredEvents(t *testing.T) {
	s, _ := setupServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events?types=rollbackTriggered"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	bus := s.opts.Bus
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(events.Event{Type: events.StageStarted, Stage: &events.StagePayload{Stage: "build"}})
	bus.Publish(events.Event{Type: events.RollbackTriggered, Rollback: &events.RollbackPayload{DeploymentID: "d1", Reason: "unhealthy"}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.RollbackTriggered, ev.Type)
	require.NotNil(t, ev.Rollback)
	assert.Equal(t, "d1", ev.Rollback.DeploymentID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
