// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/analysis"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/cluster"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/health"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/resilience"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/traffic"
)

// strategy is one rollout algorithm.
//
// execute runs on the rollout context and returns on the first failure.
// rollback runs on a fresh context and restores the previous version.
type strategy interface {
	execute(ctx context.Context, r *rollout) error
	rollback(ctx context.Context, r *rollout) error
}

func (e *Engine) strategyFor(s domain.Strategy) strategy {
	switch s {
	case domain.StrategyCanary:
		return &canary{e: e}
	case domain.StrategyBlueGreen:
		return &blueGreen{e: e}
	case domain.StrategyRolling:
		return &inPlace{e: e, recreate: false}
	default:
		return &inPlace{e: e, recreate: true}
	}
}

// run drives one rollout to a terminal phase.
func (e *Engine) run(r *rollout) {
	defer e.wg.Done()
	defer close(r.done)
	defer e.release(r)
	defer r.markAccepted()
	defer r.cancel(nil)

	d := r.snapshot()
	ctx, span := getTracer().Start(r.ctx, "engine.run",
		trace.WithAttributes(
			attribute.String("deployment.id", d.ID),
			attribute.String("deployment.service", d.Service),
			attribute.String("deployment.environment", d.Environment),
			attribute.String("deployment.strategy", string(d.Strategy)),
		),
	)
	defer span.End()

	serviceID := health.ServiceID(d.Environment, d.Service)
	if e.cfg.Health != nil {
		e.cfg.Health.BindRollout(serviceID, d.ID, r.req.Health)
		defer e.cfg.Health.UnbindRollout(serviceID, d.ID)
	}
	defer e.cfg.Traffic.Forget(d.ID)

	s := e.strategyFor(d.Strategy)
	err := e.execute(ctx, r, s)
	if err == nil {
		if terr := e.transition(ctx, r, domain.PhaseDeployed, "rollout completed"); terr != nil {
			err = terr
		} else {
			span.SetStatus(codes.Ok, "deployed")
			return
		}
	}

	reason := failureReason(r.ctx, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	e.abort(ctx, r, s, reason)
}

// execute runs the strategy, converting panics into errors.
func (e *Engine) execute(ctx context.Context, r *rollout, s strategy) (err error) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("rollout panicked",
				"deployment_id", r.snapshot().ID,
				"panic", p,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("rollout panicked: %v", p)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.transition(ctx, r, domain.PhaseDeploying, ""); err != nil {
		return err
	}
	return s.execute(ctx, r)
}

// enterStrategyPhase moves r out of DEPLOYING. Canary and blue-green call
// it once the new replicas are ready, in-place strategies right away.
func (e *Engine) enterStrategyPhase(ctx context.Context, r *rollout) error {
	return e.transition(ctx, r, strategyPhase(r.req.Strategy), "")
}

// abort moves r to ABORTING, rolls back, and records the outcome.
func (e *Engine) abort(ctx context.Context, r *rollout, s strategy, reason string) {
	if r.snapshot().Phase != domain.PhaseAborting {
		if err := e.transition(ctx, r, domain.PhaseAborting, reason); err != nil {
			e.logger.Error("cannot abort deployment", "deployment_id", r.snapshot().ID, "error", err)
			return
		}
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RollbackTimeout)
	defer cancel()
	rerr := e.rollback(rctx, r, s)
	if rerr != nil {
		_ = e.transition(rctx, r, domain.PhaseFailed,
			fmt.Sprintf("rollback failed: %v (rollback reason: %s)", rerr, reason))
		return
	}
	_ = e.transition(rctx, r, domain.PhaseRolledBack, reason)
}

func (e *Engine) rollback(ctx context.Context, r *rollout, s strategy) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("rollback panicked: %v", p)
		}
	}()
	return s.rollback(ctx, r)
}

// failureReason extracts the operator-facing reason of a failed rollout.
func failureReason(rctx context.Context, err error) string {
	var ab *AbortError
	if errors.As(context.Cause(rctx), &ab) {
		return ab.Reason
	}
	if errors.As(err, &ab) {
		return ab.Reason
	}
	var ae *domain.AnalysisError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	if err == nil {
		return "unknown failure"
	}
	return err.Error()
}

// =============================================================================
// Strategy helpers
// =============================================================================

func (e *Engine) apply(ctx context.Context, kind cluster.Kind, spec any) error {
	return e.cfg.Guard.Do(ctx, traffic.DependencyName, func(ctx context.Context) error {
		return e.cfg.ControlPlane.ApplyManifest(ctx, kind, spec)
	})
}

// scale sets the replica count of ref. A missing workload is already at
// zero for our purposes when n is zero.
func (e *Engine) scale(ctx context.Context, ref cluster.Ref, n int) error {
	err := e.apply(ctx, cluster.KindScale, cluster.ScaleSpec{Ref: ref, Replicas: n})
	if n == 0 && errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// desired returns the replica count ref asks for, zero when the workload
// does not exist.
func (e *Engine) desired(ctx context.Context, ref cluster.Ref) (int, error) {
	reps, err := resilience.Call(ctx, e.cfg.Guard, traffic.DependencyName, func(ctx context.Context) (domain.Replicas, error) {
		return e.cfg.ControlPlane.GetReplicaStatus(ctx, ref)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("replica status of %s: %w", ref, err)
	}
	return reps.Desired, nil
}

// waitReady polls ref until want replicas are ready and available.
func (e *Engine) waitReady(ctx context.Context, r *rollout, ref cluster.Ref, want int) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ReadyTimeout)
	defer cancel()
	for {
		reps, err := resilience.Call(ctx, e.cfg.Guard, traffic.DependencyName, func(ctx context.Context) (domain.Replicas, error) {
			return e.cfg.ControlPlane.GetReplicaStatus(ctx, ref)
		})
		if err == nil {
			r.update(func(d *domain.Deployment) { d.Replicas = reps })
			if reps.Desired == want && reps.AllReady() {
				return nil
			}
		} else if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("replica status of %s: %w", ref, err)
		}
		if err := sleep(ctx, e.cfg.PollInterval); err != nil {
			if errors.Is(err, context.DeadlineExceeded) && r.ctx.Err() == nil {
				return fmt.Errorf("%s not ready within %s", ref, e.cfg.ReadyTimeout)
			}
			return err
		}
	}
}

// setTraffic moves the split and records it on the deployment.
func (e *Engine) setTraffic(ctx context.Context, r *rollout, percent int) error {
	id := r.snapshot().ID
	if err := e.cfg.Traffic.SetSplit(ctx, id, percent); err != nil {
		return fmt.Errorf("set traffic to %d%%: %w", percent, err)
	}
	r.update(func(d *domain.Deployment) { d.TrafficPercent = percent })
	e.save(ctx, r)
	return nil
}

// analyze runs defs and converts a rejection to an AnalysisError.
func (e *Engine) analyze(ctx context.Context, r *rollout, prefix string, defs []analysis.MetricDefinition) error {
	if len(defs) == 0 {
		return nil
	}
	d := r.snapshot()
	res, err := e.cfg.Analyzer.Analyze(ctx, analysis.Subject{
		DeploymentID: d.ID,
		Service:      d.Service,
		Environment:  d.Environment,
	}, defs, r.req.Window)
	if err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}
	if !res.Success {
		return domain.NewAnalysisError("%s: %s", prefix, res.Reason)
	}
	return nil
}

// ref names a workload of the rollout's service.
func (r *rollout) ref(slot cluster.Slot) cluster.Ref {
	return cluster.Ref{Environment: r.req.Environment, Service: r.req.Service, Slot: slot}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
