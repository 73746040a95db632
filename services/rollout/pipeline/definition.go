// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
)

// Definition is a configured pipeline.
type Definition struct {
	Name   string            `yaml:"name" validate:"required"`
	Stages []StageDefinition `yaml:"stages" validate:"required,min=1,dive"`
}

// StageDefinition configures one stage.
type StageDefinition struct {
	Name string           `yaml:"name" validate:"required"`
	Type domain.StageType `yaml:"type" validate:"required,oneof=build test security deploy verify promote"`

	// Parallel runs every step at once, bounded by MaxConcurrency. A
	// sequential stage stops at its first failed step.
	Parallel bool `yaml:"parallel"`

	// MaxConcurrency bounds parallel steps. Zero means unbounded.
	MaxConcurrency int `yaml:"max_concurrency" validate:"gte=0"`

	Conditions Conditions `yaml:"conditions"`

	Steps []StepDefinition `yaml:"steps" validate:"dive"`

	// Deploy is required for deploy stages and ignored otherwise.
	Deploy *DeploySpec `yaml:"deploy"`

	// Timeout bounds the whole stage. Zero means no stage timeout.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// StepDefinition configures one command.
type StepDefinition struct {
	Name    string            `yaml:"name" validate:"required"`
	Command string            `yaml:"command" validate:"required"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Dir     string            `yaml:"dir"`

	// Timeout bounds the step. Zero uses the executor default.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// WaitFor selects when a deploy stage is considered successful.
type WaitFor string

const (
	// WaitAccepted succeeds once the deployment entered its strategy
	// phase. Progression continues asynchronously.
	WaitAccepted WaitFor = "accepted"

	// WaitDeployed succeeds only when the deployment reached DEPLOYED.
	WaitDeployed WaitFor = "deployed"
)

// DeploySpec configures the hand-off to the rollout engine.
type DeploySpec struct {
	Environment string `yaml:"environment" validate:"required"`
	Service     string `yaml:"service" validate:"required"`

	// Rollout names the rollout profile (strategy, steps, metrics) to use.
	Rollout string `yaml:"rollout" validate:"required"`

	// Version overrides the version deployed. Empty deploys the commit.
	Version string `yaml:"version"`

	// WaitFor defaults to WaitAccepted.
	WaitFor WaitFor `yaml:"wait_for" validate:"omitempty,oneof=accepted deployed"`
}

// Conditions gate a stage. Every non-empty list must match.
type Conditions struct {
	// Branches are path.Match globs, e.g. "main" or "release/*".
	Branches []string `yaml:"branches"`

	// Triggers lists the trigger types allowed to run the stage.
	Triggers []domain.TriggerType `yaml:"triggers"`

	// RequireStages names earlier stages that must have succeeded.
	RequireStages []string `yaml:"require_stages"`
}

// Validate checks structural rules the struct tags cannot express.
//
// # Description
//
// Stage names must be unique, required stages must come earlier, deploy
// stages need a DeploySpec and every other stage needs at least one step.
func (d Definition) Validate() error {
	v := &domain.ValidationError{Subject: "pipeline " + d.Name}
	if d.Name == "" {
		v.Add("name is required")
	}
	if len(d.Stages) == 0 {
		v.Add("at least one stage is required")
	}
	seen := make(map[string]bool, len(d.Stages))
	for i, st := range d.Stages {
		label := st.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
			v.Add("stage %d: name is required", i+1)
		}
		if seen[st.Name] {
			v.Add("stage %q: duplicate name", st.Name)
		}
		if !st.Type.Valid() {
			v.Add("stage %q: unknown type %q", label, st.Type)
		}
		if st.MaxConcurrency < 0 {
			v.Add("stage %q: max concurrency must not be negative", label)
		}
		for _, req := range st.Conditions.RequireStages {
			if !seen[req] {
				v.Add("stage %q: required stage %q must be defined earlier", label, req)
			}
		}
		for _, g := range st.Conditions.Branches {
			if _, err := path.Match(g, ""); err != nil {
				v.Add("stage %q: bad branch pattern %q", label, g)
			}
		}
		if st.Type == domain.StageDeploy {
			if st.Deploy == nil {
				v.Add("stage %q: deploy stages need a deploy section", label)
			} else {
				if st.Deploy.Environment == "" || st.Deploy.Service == "" || st.Deploy.Rollout == "" {
					v.Add("stage %q: deploy needs environment, service and rollout", label)
				}
				switch st.Deploy.WaitFor {
				case "", WaitAccepted, WaitDeployed:
				default:
					v.Add("stage %q: unknown wait_for %q", label, st.Deploy.WaitFor)
				}
			}
		} else if len(st.Steps) == 0 {
			v.Add("stage %q: at least one step is required", label)
		}
		stepNames := make(map[string]bool, len(st.Steps))
		for j, step := range st.Steps {
			if step.Name == "" || step.Command == "" {
				v.Add("stage %q step %d: name and command are required", label, j+1)
			}
			if stepNames[step.Name] {
				v.Add("stage %q: duplicate step %q", label, step.Name)
			}
			stepNames[step.Name] = true
			if step.Timeout < 0 {
				v.Add("stage %q step %q: timeout must not be negative", label, step.Name)
			}
		}
		seen[st.Name] = true
	}
	return v.Err()
}

// Stage returns the definition of the named stage.
func (d Definition) Stage(name string) (StageDefinition, bool) {
	for _, st := range d.Stages {
		if st.Name == name {
			return st, true
		}
	}
	return StageDefinition{}, false
}

// skipReason evaluates the stage conditions against exec. An empty result
// means the stage runs.
func skipReason(c Conditions, exec *domain.PipelineExecution) string {
	if len(c.Branches) > 0 && !matchBranch(c.Branches, exec.Branch) {
		return fmt.Sprintf("branch %q does not match %s", exec.Branch, strings.Join(c.Branches, ", "))
	}
	if len(c.Triggers) > 0 && !slices.Contains(c.Triggers, exec.Trigger) {
		return fmt.Sprintf("trigger %q not allowed", exec.Trigger)
	}
	for _, req := range c.RequireStages {
		st, ok := exec.Stage(req)
		if !ok || st.Status != domain.StageSuccess {
			status := "missing"
			if ok {
				status = string(st.Status)
			}
			return fmt.Sprintf("required stage %q is %s", req, status)
		}
	}
	return ""
}

func matchBranch(globs []string, branch string) bool {
	for _, g := range globs {
		if ok, _ := path.Match(g, branch); ok {
			return true
		}
	}
	return false
}
