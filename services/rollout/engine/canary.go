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
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/cluster"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/traffic"
)

// canary ramps traffic to a canary workload step by step.
//
// # Description
//
// The canary is deployed next to stable and must be fully ready before
// any traffic moves. Each step sets the weight, dwells for its duration,
// runs analysis and optionally waits for approval. Weights only increase.
// After the last step traffic is pinned to 100% and the new version is
// promoted: stable is updated to it, traffic moves back to stable and the
// canary is scaled to zero, so the next rollout starts from an idle
// canary slot. Rollback restores stable if promotion touched it, routes
// everything to stable and scales the canary to zero.
type canary struct {
	e *Engine

	// stableTouched is set once promotion applied the new version to
	// stable. stableReplicas is what stable ran before that.
	stableTouched  bool
	stableReplicas int
}

func (c *canary) target(r *rollout) traffic.Target {
	return traffic.Target{
		Environment: r.req.Environment,
		Service:     r.req.Service,
		Stable:      cluster.SlotStable,
		Candidate:   cluster.SlotCanary,
	}
}

func (c *canary) execute(ctx context.Context, r *rollout) error {
	e := c.e
	ref := r.ref(cluster.SlotCanary)
	r.update(func(d *domain.Deployment) { d.Slot = string(cluster.SlotCanary) })
	e.save(ctx, r)
	if err := e.apply(ctx, cluster.KindWorkload, cluster.WorkloadSpec{
		Ref:      ref,
		Version:  r.req.Version,
		Replicas: r.req.Replicas,
	}); err != nil {
		return fmt.Errorf("deploy canary: %w", err)
	}
	if err := e.waitReady(ctx, r, ref, r.req.Replicas); err != nil {
		return fmt.Errorf("canary readiness: %w", err)
	}

	d := r.snapshot()
	e.cfg.Traffic.Register(ctx, d.ID, c.target(r))
	if err := e.enterStrategyPhase(ctx, r); err != nil {
		return err
	}

	for i, step := range r.req.Steps {
		r.update(func(d *domain.Deployment) { d.CurrentStep = i })
		if err := e.setTraffic(ctx, r, step.Weight); err != nil {
			return err
		}
		e.logger.Info("canary step",
			"deployment_id", d.ID,
			"step", i+1,
			"of", len(r.req.Steps),
			"weight", step.Weight)

		if err := sleep(ctx, step.Duration); err != nil {
			return err
		}
		if err := e.analyze(ctx, r, fmt.Sprintf("canary step %d at %d%%", i+1, step.Weight), r.req.Metrics); err != nil {
			return err
		}
		if step.Pause {
			if err := c.awaitApproval(ctx, r, r.req.ApprovalTimeout); err != nil {
				return err
			}
		}
	}

	if err := e.setTraffic(ctx, r, 100); err != nil {
		return err
	}
	return c.promote(ctx, r)
}

// promote moves the new version from the canary slot into stable.
//
// # Description
//
// Stable is updated while the canary carries all traffic, then traffic
// moves back to stable. Both slots run the new version at that point,
// so the deployment keeps reporting 100%. A failure before the traffic
// move leaves the canary serving and rollback restores stable.
func (c *canary) promote(ctx context.Context, r *rollout) error {
	e := c.e
	stable := r.ref(cluster.SlotStable)
	prev, err := e.desired(ctx, stable)
	if err != nil {
		return fmt.Errorf("promote: %w", err)
	}
	c.stableReplicas = prev
	c.stableTouched = true

	if err := e.apply(ctx, cluster.KindWorkload, cluster.WorkloadSpec{
		Ref:      stable,
		Version:  r.req.Version,
		Replicas: r.req.Replicas,
	}); err != nil {
		return fmt.Errorf("promote to stable: %w", err)
	}
	if err := e.waitReady(ctx, r, stable, r.req.Replicas); err != nil {
		return fmt.Errorf("promoted stable readiness: %w", err)
	}
	id := r.snapshot().ID
	if err := e.cfg.Traffic.SetSplit(ctx, id, 0); err != nil {
		return fmt.Errorf("move traffic to promoted stable: %w", err)
	}
	e.logger.Info("canary promoted to stable", "deployment_id", id, "version", r.req.Version)

	if err := e.scale(ctx, r.ref(cluster.SlotCanary), 0); err != nil {
		e.logger.Warn("failed to scale down canary after promotion", "deployment_id", id, "error", err)
	}
	return nil
}

// awaitApproval parks the rollout until Approve, abort or timeout.
func (c *canary) awaitApproval(ctx context.Context, r *rollout, timeout time.Duration) error {
	// Drain an approval sent for an earlier pause.
	select {
	case <-r.approve:
	default:
	}
	snap := r.update(func(d *domain.Deployment) { d.AwaitingApproval = true })
	c.e.save(ctx, r)
	c.e.logger.Info("awaiting manual approval", "deployment_id", snap.ID, "step", snap.CurrentStep+1)
	defer func() {
		r.update(func(d *domain.Deployment) { d.AwaitingApproval = false })
		c.e.save(ctx, r)
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-r.approve:
		return nil
	case <-t.C:
		return fmt.Errorf("step %d: %w after %s", snap.CurrentStep+1, ErrApprovalTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *canary) rollback(ctx context.Context, r *rollout) error {
	e := c.e
	d := r.snapshot()
	e.cfg.Traffic.Register(ctx, d.ID, c.target(r))
	if c.stableTouched {
		if err := c.restoreStable(ctx, r); err != nil {
			return err
		}
	}
	if err := e.setTraffic(ctx, r, 0); err != nil {
		return err
	}
	if err := e.scale(ctx, r.ref(cluster.SlotCanary), 0); err != nil {
		return fmt.Errorf("scale down canary: %w", err)
	}
	return nil
}

// restoreStable puts back what stable ran before promotion. It runs
// while the canary still carries the traffic.
func (c *canary) restoreStable(ctx context.Context, r *rollout) error {
	e := c.e
	stable := r.ref(cluster.SlotStable)
	if c.stableReplicas == 0 {
		return e.scale(ctx, stable, 0)
	}
	if r.req.PreviousVersion == "" {
		return fmt.Errorf("restore stable: %w", errNoPreviousVersion)
	}
	if err := e.apply(ctx, cluster.KindWorkload, cluster.WorkloadSpec{
		Ref:      stable,
		Version:  r.req.PreviousVersion,
		Replicas: c.stableReplicas,
	}); err != nil {
		return fmt.Errorf("restore stable: %w", err)
	}
	if err := e.waitReady(ctx, r, stable, c.stableReplicas); err != nil {
		return fmt.Errorf("restored stable readiness: %w", err)
	}
	return nil
}
