// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine is the deployment state machine.
//
// # Description
//
// One goroutine drives each Deployment through its strategy; unrelated
// deployments run concurrently. Every phase change goes through an
// explicit transition table, is persisted, and is published on the event
// stream. Any strategy error, panic or cancellation leads to ABORTING and
// a rollback attempt, ending in ROLLED_BACK, or FAILED when the rollback
// itself cannot complete. The engine is the only component that decides
// to roll back.
//
// # State Diagram
//
//	PENDING ──► DEPLOYING ──► {CANARY_RAMPING|BLUE_GREEN_SWITCHING|ROLLING|RECREATING} ──► DEPLOYED
//	any in-progress phase ──► ABORTING ──► ROLLED_BACK | FAILED
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/analysis"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/cluster"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/events"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/health"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/resilience"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/traffic"
)

var (
	// ErrShuttingDown is returned by Start after Shutdown.
	ErrShuttingDown = errors.New("rollout engine is shutting down")

	// ErrNotAwaitingApproval is returned by Approve when no step waits.
	ErrNotAwaitingApproval = errors.New("deployment is not awaiting approval")

	// ErrApprovalTimeout aborts a rollout whose approval never came.
	ErrApprovalTimeout = errors.New("manual approval timed out")

	// ErrIllegalTransition reports a phase change missing from the table.
	ErrIllegalTransition = errors.New("illegal phase transition")
)

// RecoveryReason is the reason recorded on deployments found in progress
// at startup.
const RecoveryReason = "controller restarted during rollout"

// AbortError is the cancellation cause of an operator or health abort.
type AbortError struct {
	Reason string
}

// Error implements error.
func (e *AbortError) Error() string {
	return "rollout aborted: " + e.Reason
}

// Unwrap lets errors.Is match domain.ErrCancelled.
func (e *AbortError) Unwrap() error {
	return domain.ErrCancelled
}

// HealthGate binds services under rollout to the health monitor.
type HealthGate interface {
	BindRollout(serviceID, deploymentID string, opts health.Options)
	UnbindRollout(serviceID, deploymentID string)
}

// Store persists deployment records.
type Store interface {
	SaveDeployment(ctx context.Context, d *domain.Deployment) error
	LoadDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	ListInProgressDeployments(ctx context.Context) ([]*domain.Deployment, error)
}

// Config wires the engine's collaborators.
type Config struct {
	// Required.
	ControlPlane cluster.ControlPlane
	Traffic      traffic.Controller
	Analyzer     analysis.Runner
	Guard        *resilience.Guard

	// Optional.
	Health    HealthGate
	Store     Store
	Publisher events.Publisher
	Logger    *slog.Logger

	// PollInterval is the replica readiness polling period.
	// Default: 1s
	PollInterval time.Duration

	// ReadyTimeout bounds every readiness wait.
	// Default: 5m
	ReadyTimeout time.Duration

	// ApprovalTimeout is used by requests that set none.
	// Default: 30m
	ApprovalTimeout time.Duration

	// RollbackTimeout bounds a rollback. Rollbacks run on a context that
	// survives the cancellation which triggered them.
	// Default: 2m
	RollbackTimeout time.Duration
}

// rollout is the engine-owned state of one deployment.
type rollout struct {
	mu  sync.Mutex
	d   *domain.Deployment
	req Request

	ctx    context.Context
	cancel context.CancelCauseFunc

	approve    chan struct{}
	accepted   chan struct{}
	acceptOnce sync.Once
	done       chan struct{}
}

func (r *rollout) snapshot() *domain.Deployment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.Clone()
}

func (r *rollout) update(fn func(d *domain.Deployment)) *domain.Deployment {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.d)
	return r.d.Clone()
}

func (r *rollout) markAccepted() {
	r.acceptOnce.Do(func() { close(r.accepted) })
}

// Engine runs rollouts.
//
// # Thread Safety
//
// Engine is safe for concurrent use. The rollout map lock is held only for
// lookup and registration; each rollout has its own lock.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.RWMutex
	rollouts map[string]*rollout
	closed   bool

	// active maps "environment/service" to the deployment rolling it out.
	active map[string]string
}

var (
	tracerOnce sync.Once
	tracer     trace.Tracer
)

func getTracer() trace.Tracer {
	tracerOnce.Do(func() {
		tracer = otel.Tracer("rollout/engine")
	})
	return tracer
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	v := &domain.ValidationError{Subject: "engine config"}
	if cfg.ControlPlane == nil {
		v.Add("control plane is required")
	}
	if cfg.Traffic == nil {
		v.Add("traffic controller is required")
	}
	if cfg.Analyzer == nil {
		v.Add("analyzer is required")
	}
	if cfg.Guard == nil {
		v.Add("call guard is required")
	}
	if err := v.Err(); err != nil {
		return nil, err
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Discard
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 5 * time.Minute
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = 30 * time.Minute
	}
	if cfg.RollbackTimeout <= 0 {
		cfg.RollbackTimeout = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		base:     base,
		stop:     stop,
		rollouts: make(map[string]*rollout),
		active:   make(map[string]string),
	}, nil
}

// =============================================================================
// Operations
// =============================================================================

// Start validates req and launches the rollout.
//
// # Description
//
// Configuration errors are returned before any record is created. On
// success the PENDING record is persisted, deploymentStarted is published
// and the rollout continues on its own goroutine. One service of one
// environment has at most one rollout in flight: a second Start for it
// fails with domain.ErrConflict until the first reaches a terminal phase.
//
// # Inputs
//
//   - ctx: Used only to persist the initial record
//   - req: What to roll out
//
// # Outputs
//
//   - *domain.Deployment: Snapshot of the new record
//   - error: domain.ErrInvalidConfig, domain.ErrConflict or ErrShuttingDown
//
// # Example
//
//	d, err := eng.Start(ctx, engine.Request{
//	    Environment: "staging", Service: "checkout", Version: "v2",
//	    Strategy: domain.StrategyCanary,
//	    Steps: []domain.CanaryStep{{Weight: 10, Duration: time.Minute}, {Weight: 100}},
//	})
func (e *Engine) Start(ctx context.Context, req Request) (*domain.Deployment, error) {
	req = req.withDefaults(e.cfg.ApprovalTimeout)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := e.now()
	d := &domain.Deployment{
		ID:              domain.NewID(),
		PipelineID:      req.PipelineID,
		Environment:     req.Environment,
		Service:         req.Service,
		Version:         req.Version,
		PreviousVersion: req.PreviousVersion,
		Strategy:        req.Strategy,
		Status:          domain.DeploymentPending,
		Phase:           domain.PhasePending,
		StartedAt:       now,
		Replicas:        domain.Replicas{Desired: req.Replicas},
		CurrentStep:     -1,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrShuttingDown
	}
	key := serviceKey(req.Environment, req.Service)
	if other, busy := e.active[key]; busy {
		e.mu.Unlock()
		return nil, fmt.Errorf("%s is being rolled out by deployment %s: %w", key, other, domain.ErrConflict)
	}
	e.active[key] = d.ID
	r := e.register(d, req)
	e.wg.Add(1)
	e.mu.Unlock()

	snap := r.snapshot()
	e.persist(ctx, snap)
	e.cfg.Publisher.Publish(events.Event{Type: events.DeploymentStarted, Deployment: &events.DeploymentPayload{Deployment: *snap}})
	e.logger.Info("deployment started",
		"deployment_id", d.ID,
		"service", d.Service,
		"environment", d.Environment,
		"version", d.Version,
		"strategy", d.Strategy)

	go e.run(r)
	return snap, nil
}

func serviceKey(environment, service string) string {
	return environment + "/" + service
}

// release frees the service of r for the next rollout.
func (e *Engine) release(r *rollout) {
	key := serviceKey(r.req.Environment, r.req.Service)
	id := r.snapshot().ID
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[key] == id {
		delete(e.active, key)
	}
}

// register adds a rollout. Caller holds e.mu.
func (e *Engine) register(d *domain.Deployment, req Request) *rollout {
	ctx, cancel := context.WithCancelCause(e.base)
	r := &rollout{
		d:        d,
		req:      req,
		ctx:      ctx,
		cancel:   cancel,
		approve:  make(chan struct{}, 1),
		accepted: make(chan struct{}),
		done:     make(chan struct{}),
	}
	e.rollouts[d.ID] = r
	return r
}

func (e *Engine) lookup(id string) (*rollout, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rollouts[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", id, domain.ErrNotFound)
	}
	return r, nil
}

// Approve releases a canary step waiting for manual approval.
func (e *Engine) Approve(id string) error {
	r, err := e.lookup(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.d.IsTerminal() {
		return fmt.Errorf("deployment %s is %s: %w", id, r.d.Phase, domain.ErrTerminal)
	}
	if !r.d.AwaitingApproval {
		return fmt.Errorf("deployment %s: %w", id, ErrNotAwaitingApproval)
	}
	select {
	case r.approve <- struct{}{}:
	default:
	}
	return nil
}

// Abort cancels a rollout, which then rolls back.
//
// # Description
//
// Idempotent: the first reason wins, later calls and calls on a terminal
// deployment return the current snapshot without side effects. Abort does
// not wait for the rollback; use Wait for that.
func (e *Engine) Abort(id, reason string) (*domain.Deployment, error) {
	r, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "aborted by operator"
	}
	r.cancel(&AbortError{Reason: reason})
	return r.snapshot(), nil
}

// HandleRollbackTrigger aborts the deployment named by a health trigger.
func (e *Engine) HandleRollbackTrigger(tr health.RollbackTrigger) {
	if _, err := e.Abort(tr.DeploymentID, tr.Reason); err != nil {
		e.logger.Warn("rollback trigger for unknown deployment",
			"deployment_id", tr.DeploymentID, "service", tr.ServiceID, "error", err)
	}
}

// Get returns a snapshot of a deployment, falling back to the store for
// deployments this process did not run.
func (e *Engine) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	if r, err := e.lookup(id); err == nil {
		return r.snapshot(), nil
	}
	if e.cfg.Store != nil {
		return e.cfg.Store.LoadDeployment(ctx, id)
	}
	return nil, fmt.Errorf("deployment %s: %w", id, domain.ErrNotFound)
}

// List returns snapshots of every deployment known to this process,
// oldest first.
func (e *Engine) List() []*domain.Deployment {
	e.mu.RLock()
	list := make([]*rollout, 0, len(e.rollouts))
	for _, r := range e.rollouts {
		list = append(list, r)
	}
	e.mu.RUnlock()

	out := make([]*domain.Deployment, 0, len(list))
	for _, r := range list {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Wait blocks until the deployment is terminal.
func (e *Engine) Wait(ctx context.Context, id string) (*domain.Deployment, error) {
	r, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// WaitAccepted blocks until the deployment has entered its strategy phase
// or ended, whichever comes first. Callers inspect the returned phase.
func (e *Engine) WaitAccepted(ctx context.Context, id string) (*domain.Deployment, error) {
	r, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.accepted:
		return r.snapshot(), nil
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// Shutdown stops accepting rollouts, aborts the running ones and waits
// for their rollbacks until ctx expires.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	list := make([]*rollout, 0, len(e.rollouts))
	for _, r := range e.rollouts {
		list = append(list, r)
	}
	e.mu.Unlock()

	for _, r := range list {
		r.cancel(&AbortError{Reason: "controller shutting down"})
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.stop()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rollouts still running at shutdown: %w", ctx.Err())
	}
}

// =============================================================================
// Transitions
// =============================================================================

// transition moves r to phase "to", persists and publishes the change.
func (e *Engine) transition(ctx context.Context, r *rollout, to domain.Phase, reason string) error {
	var from domain.Phase
	var illegal bool
	snap := r.update(func(d *domain.Deployment) {
		from = d.Phase
		if !CanTransition(from, to) {
			illegal = true
			return
		}
		d.Phase = to
		d.Status = to.Status()
		if reason != "" {
			d.Reason = reason
		}
		if to.IsTerminal() {
			d.FinishedAt = e.now()
			d.AwaitingApproval = false
		}
	})
	if illegal {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	if isAccepted(to) {
		r.markAccepted()
	}

	e.persist(ctx, snap)
	payload := &events.DeploymentPayload{Deployment: *snap, FromPhase: from}
	e.cfg.Publisher.Publish(events.Event{Type: events.PhaseChanged, Deployment: payload})

	logger := e.logger.With("deployment_id", snap.ID, "service", snap.Service, "from", from, "to", to)
	switch to {
	case domain.PhaseDeployed:
		logger.Info("deployment completed")
		e.cfg.Publisher.Publish(events.Event{Type: events.DeploymentComplete, Deployment: payload})
	case domain.PhaseAborting:
		logger.Warn("rollback triggered", "reason", reason)
		e.cfg.Publisher.Publish(events.Event{Type: events.RollbackTriggered, Rollback: &events.RollbackPayload{
			DeploymentID: snap.ID,
			Service:      snap.Service,
			Environment:  snap.Environment,
			Reason:       reason,
		}})
	case domain.PhaseRolledBack, domain.PhaseFailed:
		logger.Warn("deployment failed", "reason", snap.Reason)
		e.cfg.Publisher.Publish(events.Event{Type: events.DeploymentFailed, Deployment: payload})
	default:
		logger.Info("deployment phase changed")
	}
	return nil
}

// persist saves a snapshot. Persistence errors are logged, never fatal.
func (e *Engine) persist(ctx context.Context, d *domain.Deployment) {
	if e.cfg.Store == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.cfg.Store.SaveDeployment(pctx, d); err != nil {
		e.logger.Error("failed to persist deployment", "deployment_id", d.ID, "phase", d.Phase, "error", err)
	}
}

// save persists the current state of r.
func (e *Engine) save(ctx context.Context, r *rollout) {
	e.persist(ctx, r.snapshot())
}
