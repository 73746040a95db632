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

	"github.com/AleutianAI/AleutianDeploy/services/rollout/cluster"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/traffic"
)

// blueGreen switches all traffic from the live colour to the idle one
// once it is fully ready.
//
// # Description
//
// The live colour is the one the current split sends traffic to. Without
// a split the colour that runs replicas is live, and blue when neither
// or both do. The new version goes to the other colour, which is recorded
// on the deployment as its Slot. The live colour keeps running until the
// switch has passed post-promotion analysis and the scale-down delay
// elapsed, so rollback is a single traffic switch.
type blueGreen struct {
	e *Engine
}

func otherColour(slot cluster.Slot) cluster.Slot {
	if slot == cluster.SlotGreen {
		return cluster.SlotBlue
	}
	return cluster.SlotGreen
}

// liveColour resolves which colour serves the service right now.
func (b *blueGreen) liveColour(ctx context.Context, r *rollout) cluster.Slot {
	e := b.e
	routes, err := e.cfg.Traffic.Current(ctx, r.req.Environment, r.req.Service)
	if err != nil {
		e.logger.Warn("cannot read traffic split, resolving live colour from replicas",
			"service", r.req.Service, "environment", r.req.Environment, "error", err)
	}
	split := cluster.TrafficSplitSpec{Routes: routes}
	blue, green := split.Weight(cluster.SlotBlue), split.Weight(cluster.SlotGreen)
	switch {
	case green > blue:
		return cluster.SlotGreen
	case blue > green:
		return cluster.SlotBlue
	}

	blueUp, berr := e.desired(ctx, r.ref(cluster.SlotBlue))
	greenUp, gerr := e.desired(ctx, r.ref(cluster.SlotGreen))
	if berr == nil && gerr == nil && greenUp > 0 && blueUp == 0 {
		return cluster.SlotGreen
	}
	return cluster.SlotBlue
}

// target returns the split target of r, false before a colour was picked.
func (b *blueGreen) target(r *rollout) (traffic.Target, bool) {
	d := r.snapshot()
	if d.Slot == "" {
		return traffic.Target{}, false
	}
	idle := cluster.Slot(d.Slot)
	return traffic.Target{
		Environment: d.Environment,
		Service:     d.Service,
		Stable:      otherColour(idle),
		Candidate:   idle,
	}, true
}

func (b *blueGreen) execute(ctx context.Context, r *rollout) error {
	e := b.e
	live := b.liveColour(ctx, r)
	idle := otherColour(live)
	d := r.update(func(d *domain.Deployment) { d.Slot = string(idle) })
	e.save(ctx, r)
	e.logger.Info("blue-green colours resolved",
		"deployment_id", d.ID,
		"live", live,
		"target", idle)

	ref := r.ref(idle)
	if err := e.apply(ctx, cluster.KindWorkload, cluster.WorkloadSpec{
		Ref:      ref,
		Version:  r.req.Version,
		Replicas: r.req.Replicas,
	}); err != nil {
		return fmt.Errorf("deploy %s: %w", idle, err)
	}
	if err := e.waitReady(ctx, r, ref, r.req.Replicas); err != nil {
		return fmt.Errorf("%s readiness: %w", idle, err)
	}
	target, _ := b.target(r)
	e.cfg.Traffic.Register(ctx, d.ID, target)
	if err := e.enterStrategyPhase(ctx, r); err != nil {
		return err
	}

	if err := e.analyze(ctx, r, "pre-promotion analysis", r.req.prePromotion()); err != nil {
		return err
	}
	if err := e.setTraffic(ctx, r, 100); err != nil {
		return err
	}
	if err := e.analyze(ctx, r, "post-promotion analysis", r.req.postPromotion()); err != nil {
		return err
	}

	if err := sleep(ctx, r.req.ScaleDownDelay); err != nil {
		return err
	}
	if err := e.scale(ctx, r.ref(live), 0); err != nil {
		e.logger.Warn("failed to scale down previous colour after switch",
			"deployment_id", d.ID, "slot", live, "error", err)
	}
	return nil
}

func (b *blueGreen) rollback(ctx context.Context, r *rollout) error {
	e := b.e
	target, ok := b.target(r)
	if !ok {
		return nil
	}
	e.cfg.Traffic.Register(ctx, r.snapshot().ID, target)
	if err := e.setTraffic(ctx, r, 0); err != nil {
		return err
	}
	if err := e.scale(ctx, r.ref(target.Candidate), 0); err != nil {
		return fmt.Errorf("scale down %s: %w", target.Candidate, err)
	}
	return nil
}
