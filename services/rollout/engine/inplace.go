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

	"github.com/AleutianAI/AleutianDeploy/services/rollout/cluster"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
)

// errNoPreviousVersion fails a rollback that has nothing to restore.
var errNoPreviousVersion = errors.New("no previous version to restore")

// inPlace replaces the stable workload without a second slot.
//
// Rolling hands surge bounds to the control plane. Recreate scales stable
// to zero first and accepts the downtime. Both restore PreviousVersion on
// rollback.
type inPlace struct {
	e        *Engine
	recreate bool
}

func (p *inPlace) execute(ctx context.Context, r *rollout) error {
	e := p.e
	if err := e.enterStrategyPhase(ctx, r); err != nil {
		return err
	}
	stable := r.ref(cluster.SlotStable)
	spec := cluster.WorkloadSpec{
		Ref:      stable,
		Version:  r.req.Version,
		Replicas: r.req.Replicas,
	}
	if p.recreate {
		if err := e.scale(ctx, stable, 0); err != nil {
			return fmt.Errorf("scale down old version: %w", err)
		}
	} else {
		spec.MaxSurge = r.req.MaxSurge
		spec.MaxUnavailable = r.req.MaxUnavailable
	}

	if err := e.apply(ctx, cluster.KindWorkload, spec); err != nil {
		return fmt.Errorf("deploy %s: %w", r.req.Version, err)
	}
	if err := e.waitReady(ctx, r, stable, r.req.Replicas); err != nil {
		return fmt.Errorf("readiness of %s: %w", r.req.Version, err)
	}
	if err := e.analyze(ctx, r, fmt.Sprintf("%s analysis", r.req.Strategy), r.req.Metrics); err != nil {
		return err
	}
	r.update(func(d *domain.Deployment) { d.TrafficPercent = 100 })
	e.save(ctx, r)
	return nil
}

func (p *inPlace) rollback(ctx context.Context, r *rollout) error {
	e := p.e
	if r.req.PreviousVersion == "" {
		return errNoPreviousVersion
	}
	stable := r.ref(cluster.SlotStable)
	if err := e.apply(ctx, cluster.KindWorkload, cluster.WorkloadSpec{
		Ref:            stable,
		Version:        r.req.PreviousVersion,
		Replicas:       r.req.Replicas,
		MaxSurge:       r.req.MaxSurge,
		MaxUnavailable: r.req.MaxUnavailable,
	}); err != nil {
		return fmt.Errorf("restore %s: %w", r.req.PreviousVersion, err)
	}
	if err := e.waitReady(ctx, r, stable, r.req.Replicas); err != nil {
		return fmt.Errorf("readiness of %s: %w", r.req.PreviousVersion, err)
	}
	r.update(func(d *domain.Deployment) { d.TrafficPercent = 0 })
	e.save(ctx, r)
	return nil
}
