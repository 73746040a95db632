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
	"log/slog"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/config"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/pipeline"
)

// previousVersionScan bounds the history searched for the stable version.
const previousVersionScan = 50

// deployer hands deploy stages to the rollout engine.
type deployer struct {
	c *Controller
}

// StartDeployment implements pipeline.Deployer.
func (d *deployer) StartDeployment(ctx context.Context, exec *domain.PipelineExecution, spec pipeline.DeploySpec) (string, error) {
	req, err := d.c.config().Request(config.DeployTarget{
		PipelineID:      exec.ID,
		Spec:            spec,
		Version:         exec.CommitSHA,
		PreviousVersion: d.c.previousVersion(ctx, spec.Environment, spec.Service),
	})
	if err != nil {
		return "", err
	}
	dep, err := d.c.engine.Start(ctx, req)
	if err != nil {
		return "", err
	}
	return dep.ID, nil
}

// AwaitDeployment implements pipeline.Deployer.
func (d *deployer) AwaitDeployment(ctx context.Context, id string, until pipeline.WaitFor) (*domain.Deployment, error) {
	if until == pipeline.WaitDeployed {
		return d.c.engine.Wait(ctx, id)
	}
	return d.c.engine.WaitAccepted(ctx, id)
}

// AbortDeployment implements pipeline.Deployer.
func (d *deployer) AbortDeployment(id, reason string) error {
	_, err := d.c.engine.Abort(id, reason)
	return err
}

// previousVersion returns the version last DEPLOYED to the environment,
// empty when there is none.
func (c *Controller) previousVersion(ctx context.Context, environment, service string) string {
	list, err := c.store.ListDeployments(ctx, service, previousVersionScan)
	if err != nil {
		c.logger.Warn("could not look up previous version",
			slog.String("environment", environment),
			slog.String("service", service),
			slog.Any("error", err))
		return ""
	}
	for _, d := range list {
		if d.Environment == environment && d.Phase == domain.PhaseDeployed {
			return d.Version
		}
	}
	return ""
}
