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
	"time"

	"github.com/google/uuid"
)

// NewID returns a new random record identifier.
func NewID() string {
	return uuid.NewString()
}

// =============================================================================
// Trigger
// =============================================================================

// TriggerType identifies what started a pipeline execution.
type TriggerType string

const (
	TriggerPush        TriggerType = "push"
	TriggerPullRequest TriggerType = "pull_request"
	TriggerTag         TriggerType = "tag"
	TriggerManual      TriggerType = "manual"
)

// TriggerEvent is the normalized webhook event delivered to the trigger
// entrypoint. Signature validation happens upstream.
type TriggerEvent struct {
	Type      TriggerType `json:"type" binding:"required"`
	Branch    string      `json:"branch" binding:"required"`
	CommitSHA string      `json:"commitSha" binding:"required"`
	Author    string      `json:"author"`
	Message   string      `json:"message"`

	// Pipeline selects a configured pipeline. Empty selects the default.
	Pipeline string `json:"pipeline,omitempty"`
}

// =============================================================================
// Pipeline Execution
// =============================================================================

// PipelineStatus is the overall status of a PipelineExecution.
type PipelineStatus string

const (
	PipelinePending   PipelineStatus = "pending"
	PipelineRunning   PipelineStatus = "running"
	PipelineSuccess   PipelineStatus = "success"
	PipelineFailure   PipelineStatus = "failure"
	PipelineCancelled PipelineStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s PipelineStatus) IsTerminal() bool {
	return s == PipelineSuccess || s == PipelineFailure || s == PipelineCancelled
}

// StageType classifies a stage.
type StageType string

const (
	StageBuild    StageType = "build"
	StageTest     StageType = "test"
	StageSecurity StageType = "security"
	StageDeploy   StageType = "deploy"
	StageVerify   StageType = "verify"
	StagePromote  StageType = "promote"
)

// Valid reports whether t is a known stage type.
func (t StageType) Valid() bool {
	switch t {
	case StageBuild, StageTest, StageSecurity, StageDeploy, StageVerify, StagePromote:
		return true
	}
	return false
}

// StageStatus is the status of a stage or a step.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
	StageFailure StageStatus = "failure"
	StageSkipped StageStatus = "skipped"
)

// IsTerminal reports whether the status is final.
func (s StageStatus) IsTerminal() bool {
	return s == StageSuccess || s == StageFailure || s == StageSkipped
}

// StepStatus shares the stage status vocabulary.
type StepStatus = StageStatus

// ErrorKind distinguishes why a step failed.
type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindFailed    ErrorKind = "failed"
	ErrorKindTimeout   ErrorKind = "timeout"
	ErrorKindCancelled ErrorKind = "cancelled"
)

// Artifact references something a stage produced.
type Artifact struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
}

// StepExecution is one command within a stage.
type StepExecution struct {
	Name      string        `json:"name"`
	Command   string        `json:"command"`
	Args      []string      `json:"args,omitempty"`
	Status    StepStatus    `json:"status"`
	ExitCode  int           `json:"exitCode"`
	Output    []string      `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorKind ErrorKind     `json:"errorKind,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Finish moves the step to a terminal status. Terminal steps are never
// rewritten; Finish returns ErrTerminal in that case.
func (s *StepExecution) Finish(status StepStatus, exitCode int, errMsg string, kind ErrorKind, d time.Duration) error {
	if s.Status.IsTerminal() {
		return ErrTerminal
	}
	s.Status = status
	s.ExitCode = exitCode
	s.Error = errMsg
	s.ErrorKind = kind
	s.Duration = d
	return nil
}

// StageExecution is one stage within an execution.
type StageExecution struct {
	Name         string          `json:"name"`
	Type         StageType       `json:"type"`
	Status       StageStatus     `json:"status"`
	StartedAt    time.Time       `json:"startedAt,omitempty"`
	FinishedAt   time.Time       `json:"finishedAt,omitempty"`
	Steps        []StepExecution `json:"steps,omitempty"`
	Artifacts    []Artifact      `json:"artifacts,omitempty"`
	DeploymentID string          `json:"deploymentId,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// Summary counts stage outcomes. Skipped stages never count as passed or
// failed.
type Summary struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// PipelineExecution is one run triggered by a commit or event.
type PipelineExecution struct {
	ID         string           `json:"id"`
	Pipeline   string           `json:"pipeline"`
	CommitSHA  string           `json:"commitSha"`
	Branch     string           `json:"branch"`
	Trigger    TriggerType      `json:"trigger"`
	Author     string           `json:"author,omitempty"`
	Message    string           `json:"message,omitempty"`
	StartedAt  time.Time        `json:"startedAt,omitempty"`
	FinishedAt time.Time        `json:"finishedAt,omitempty"`
	Status     PipelineStatus   `json:"status"`
	Stages     []StageExecution `json:"stages"`
	Artifacts  []Artifact       `json:"artifacts,omitempty"`
	Summary    Summary          `json:"summary"`
	Reason     string           `json:"reason,omitempty"`
}

// NewPipelineExecution creates a pending execution for a trigger event.
func NewPipelineExecution(pipeline string, ev TriggerEvent) *PipelineExecution {
	return &PipelineExecution{
		ID:        NewID(),
		Pipeline:  pipeline,
		CommitSHA: ev.CommitSHA,
		Branch:    ev.Branch,
		Trigger:   ev.Type,
		Author:    ev.Author,
		Message:   ev.Message,
		Status:    PipelinePending,
	}
}

// IsTerminal reports whether the execution finished.
func (p *PipelineExecution) IsTerminal() bool {
	return p.Status.IsTerminal()
}

// Stage returns the stage with the given name.
func (p *PipelineExecution) Stage(name string) (*StageExecution, bool) {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i], true
		}
	}
	return nil, false
}

// Recount recomputes the summary from the stage statuses.
func (p *PipelineExecution) Recount() {
	var s Summary
	for _, st := range p.Stages {
		switch st.Status {
		case StageSuccess:
			s.Passed++
		case StageFailure:
			s.Failed++
		case StageSkipped:
			s.Skipped++
		}
	}
	p.Summary = s
}

// Clone returns a deep copy safe to hand to other goroutines.
func (p *PipelineExecution) Clone() *PipelineExecution {
	if p == nil {
		return nil
	}
	c := *p
	c.Artifacts = append([]Artifact(nil), p.Artifacts...)
	c.Stages = make([]StageExecution, len(p.Stages))
	for i, st := range p.Stages {
		cs := st
		cs.Artifacts = append([]Artifact(nil), st.Artifacts...)
		cs.Steps = make([]StepExecution, len(st.Steps))
		for j, step := range st.Steps {
			cstep := step
			cstep.Args = append([]string(nil), step.Args...)
			cstep.Output = append([]string(nil), step.Output...)
			cs.Steps[j] = cstep
		}
		c.Stages[i] = cs
	}
	return &c
}
