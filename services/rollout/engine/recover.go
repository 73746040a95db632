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

	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
)

// Recover rolls back deployments a previous process left in progress.
//
// # Description
//
// A rollout cannot be resumed safely after a restart: its timers,
// approvals and analysis history are gone. Every stored in-progress
// deployment is driven to ABORTING, rolled back with the strategy's
// normal rollback and finished as FAILED with RecoveryReason. Recover
// blocks until every recovery finished and must run before Start.
//
// # Outputs
//
//   - int: Number of deployments recovered
//   - error: Non-nil only when the store could not be listed
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if e.cfg.Store == nil {
		return 0, nil
	}
	stored, err := e.cfg.Store.ListInProgressDeployments(ctx)
	if err != nil {
		return 0, fmt.Errorf("list in-progress deployments: %w", err)
	}

	for _, d := range stored {
		req := Request{
			PipelineID:      d.PipelineID,
			Environment:     d.Environment,
			Service:         d.Service,
			Version:         d.Version,
			PreviousVersion: d.PreviousVersion,
			Strategy:        d.Strategy,
			Replicas:        d.Replicas.Desired,
		}.withDefaults(e.cfg.ApprovalTimeout)

		e.mu.Lock()
		r := e.register(d.Clone(), req)
		e.mu.Unlock()

		e.recoverOne(ctx, r)
	}
	return len(stored), nil
}

func (e *Engine) recoverOne(ctx context.Context, r *rollout) {
	defer close(r.done)
	defer r.markAccepted()
	defer r.cancel(nil)

	d := r.snapshot()
	logger := e.logger.With("deployment_id", d.ID, "service", d.Service, "phase", d.Phase)
	logger.Warn("recovering interrupted deployment")

	if d.Phase != domain.PhaseAborting {
		if err := e.transition(ctx, r, domain.PhaseAborting, RecoveryReason); err != nil {
			logger.Error("cannot recover deployment", "error", err)
			return
		}
	}

	reason := RecoveryReason
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RollbackTimeout)
	defer cancel()
	if err := e.rollback(rctx, r, e.strategyFor(d.Strategy)); err != nil {
		reason = fmt.Sprintf("%s; rollback failed: %v", RecoveryReason, err)
	}
	e.cfg.Traffic.Forget(d.ID)
	_ = e.transition(rctx, r, domain.PhaseFailed, reason)
}
