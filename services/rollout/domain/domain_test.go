// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError_UnwrapsToInvalidConfig(t *testing.T) {
	v := &ValidationError{Subject: "canary"}
	require.NoError(t, v.Err())

	v.Add("steps must not be empty")
	v.Add("weight %d out of range", 120)

	err := v.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Contains(t, err.Error(), "steps must not be empty")
	assert.Contains(t, err.Error(), "weight 120 out of range")
}

func TestAnalysisError_UnwrapsToAnalysisFailed(t *testing.T) {
	err := NewAnalysisError("metric %q exceeded", "error-rate")

	assert.True(t, errors.Is(err, ErrAnalysisFailed))

	var ae *AnalysisError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, `metric "error-rate" exceeded`, ae.Reason)
}

func TestPhase_Status(t *testing.T) {
	cases := map[Phase]DeploymentStatus{
		PhasePending:            DeploymentPending,
		PhaseDeploying:          DeploymentDeploying,
		PhaseCanaryRamping:      DeploymentDeploying,
		PhaseBlueGreenSwitching: DeploymentDeploying,
		PhaseAborting:           DeploymentDeploying,
		PhaseDeployed:           DeploymentDeployed,
		PhaseRolledBack:         DeploymentRolledBack,
		PhaseFailed:             DeploymentFailed,
	}
	for phase, want := range cases {
		assert.Equal(t, want, phase.Status(), "phase %s", phase)
	}
}

func TestStepExecution_TerminalIsImmutable(t *testing.T) {
	step := StepExecution{Name: "unit", Status: StageRunning}

	require.NoError(t, step.Finish(StageSuccess, 0, "", ErrorKindNone, 0))
	err := step.Finish(StageFailure, 1, "late failure", ErrorKindFailed, 0)

	assert.ErrorIs(t, err, ErrTerminal)
	assert.Equal(t, StageSuccess, step.Status)
	assert.Empty(t, step.Error)
}

func TestPipelineExecution_RecountIgnoresPendingStages(t *testing.T) {
	exec := NewPipelineExecution("default", TriggerEvent{Type: TriggerPush, Branch: "main", CommitSHA: "abc"})
	exec.Stages = []StageExecution{
		{Name: "build", Status: StageSuccess},
		{Name: "security", Status: StageSkipped},
		{Name: "test", Status: StageFailure},
		{Name: "deploy", Status: StagePending},
	}

	exec.Recount()

	assert.Equal(t, Summary{Passed: 1, Failed: 1, Skipped: 1}, exec.Summary)
}

func TestPipelineExecution_CloneIsDeep(t *testing.T) {
	exec := &PipelineExecution{
		ID: "p1",
		Stages: []StageExecution{{
			Name:  "build",
			Steps: []StepExecution{{Name: "compile", Output: []string{"ok"}}},
		}},
	}

	c := exec.Clone()
	c.Stages[0].Steps[0].Output[0] = "changed"
	c.Stages[0].Name = "renamed"

	assert.Equal(t, "ok", exec.Stages[0].Steps[0].Output[0])
	assert.Equal(t, "build", exec.Stages[0].Name)
}
