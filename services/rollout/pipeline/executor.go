// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs ordered stages of build, test and deploy steps.
//
// Stages run strictly in order. A stage runs its steps in parallel
// (fan-out, fan-in) or sequentially, or hands off to the rollout engine
// when it is a deploy stage. Failed stages are never retried
// automatically; that decision is left to an operator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/events"
)

// RecoveryReason is recorded on executions found in progress at startup.
const RecoveryReason = "controller restarted during pipeline"

// ErrAlreadyRunning is returned when an execution id is already running.
var ErrAlreadyRunning = errors.New("pipeline execution already running")

// Deployer is the hand-off to the rollout engine.
type Deployer interface {
	// StartDeployment starts a rollout for the execution and returns the
	// deployment id without waiting for progression.
	StartDeployment(ctx context.Context, exec *domain.PipelineExecution, spec DeploySpec) (string, error)

	// AwaitDeployment blocks until the deployment was accepted or reached
	// a terminal phase (WaitAccepted) or is terminal (WaitDeployed).
	AwaitDeployment(ctx context.Context, deploymentID string, until WaitFor) (*domain.Deployment, error)

	// AbortDeployment stops a deployment started by a cancelled stage.
	AbortDeployment(deploymentID, reason string) error
}

// Store persists execution records.
type Store interface {
	SavePipeline(ctx context.Context, exec *domain.PipelineExecution) error
	ListInProgressPipelines(ctx context.Context) ([]*domain.PipelineExecution, error)
}

// Config wires an Executor.
type Config struct {
	// Runner executes non-deploy steps. Required.
	Runner StepRunner

	// Deployer is required by pipelines with deploy stages.
	Deployer Deployer

	Store     Store
	Publisher events.Publisher
	Logger    *slog.Logger

	// StepTimeout applies to steps that set none.
	// Default: 10m
	StepTimeout time.Duration
}

// cancelError is the cancellation cause set by Cancel.
type cancelError struct {
	reason string
}

func (e *cancelError) Error() string { return e.reason }

func (e *cancelError) Unwrap() error { return domain.ErrCancelled }

// execution is one running pipeline. rec is guarded by mu; parallel steps
// write their own slot of the step slice.
type execution struct {
	mu     sync.Mutex
	rec    *domain.PipelineExecution
	cancel context.CancelCauseFunc
}

func (e *execution) update(fn func(rec *domain.PipelineExecution)) *domain.PipelineExecution {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.rec)
	return e.rec.Clone()
}

func (e *execution) snapshot() *domain.PipelineExecution {
	return e.update(func(*domain.PipelineExecution) {})
}

// Executor runs pipeline executions.
//
// # Thread Safety
//
// Executor is safe for concurrent use. Each Run call owns its execution.
type Executor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running map[string]*execution
}

var (
	tracerOnce sync.Once
	tracer     trace.Tracer
)

func getTracer() trace.Tracer {
	tracerOnce.Do(func() {
		tracer = otel.Tracer("rollout/pipeline")
	})
	return tracer
}

// NewExecutor creates an executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("%w: pipeline executor needs a step runner", domain.ErrInvalidConfig)
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Discard
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		running: make(map[string]*execution),
	}, nil
}

// Run executes rec according to def and returns the terminal record.
//
// # Description
//
// The caller's record is not modified; Run works on a copy and returns
// it. Stages whose conditions are unmet are recorded as skipped. The first
// failed stage stops the pipeline. Cancelling ctx or calling Cancel ends
// the execution as cancelled, with in-flight steps recorded as failures of
// kind cancelled.
//
// # Inputs
//
//   - ctx: Parent context. Cancellation cancels the execution.
//   - rec: A non-terminal execution, usually from domain.NewPipelineExecution.
//   - def: The pipeline definition.
//
// # Outputs
//
//   - *domain.PipelineExecution: The terminal record.
//   - error: Only for invalid input (domain.ErrInvalidConfig,
//     domain.ErrTerminal, ErrAlreadyRunning). Stage failures are reported
//     in the record.
func (x *Executor) Run(ctx context.Context, rec *domain.PipelineExecution, def Definition) (*domain.PipelineExecution, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: nil pipeline execution", domain.ErrInvalidConfig)
	}
	if rec.IsTerminal() {
		return nil, fmt.Errorf("execution %s is %s: %w", rec.ID, rec.Status, domain.ErrTerminal)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if hasDeployStage(def) && x.cfg.Deployer == nil {
		return nil, fmt.Errorf("%w: pipeline %s has deploy stages but no deployer is configured", domain.ErrInvalidConfig, def.Name)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	e := &execution{rec: rec.Clone(), cancel: cancel}

	x.mu.Lock()
	if _, busy := x.running[rec.ID]; busy {
		x.mu.Unlock()
		return nil, fmt.Errorf("execution %s: %w", rec.ID, ErrAlreadyRunning)
	}
	x.running[rec.ID] = e
	x.mu.Unlock()
	defer func() {
		x.mu.Lock()
		delete(x.running, rec.ID)
		x.mu.Unlock()
	}()

	runCtx, span := getTracer().Start(runCtx, "pipeline.Run",
		trace.WithAttributes(
			attribute.String("pipeline.name", def.Name),
			attribute.String("pipeline.execution_id", rec.ID),
			attribute.String("pipeline.branch", rec.Branch),
			attribute.Int("pipeline.stage_count", len(def.Stages)),
		),
	)
	defer span.End()

	snap := e.update(func(r *domain.PipelineExecution) {
		r.Pipeline = def.Name
		r.Status = domain.PipelineRunning
		r.StartedAt = x.now()
		r.Stages = newStages(def)
		r.Recount()
	})
	x.persist(ctx, snap)
	x.cfg.Publisher.Publish(events.Event{Type: events.PipelineStarted, Pipeline: pipelinePayload(snap)})
	logger := x.logger.With(slog.String("execution_id", rec.ID), slog.String("pipeline", def.Name))
	logger.Info("pipeline started", slog.String("branch", rec.Branch), slog.String("commit", rec.CommitSHA))

	failedStage := ""
	for i, sd := range def.Stages {
		if runCtx.Err() != nil {
			break
		}
		var reason string
		e.update(func(r *domain.PipelineExecution) { reason = skipReason(sd.Conditions, r) })
		if reason != "" {
			x.skipStage(ctx, e, i, reason)
			continue
		}
		if !x.runStage(runCtx, e, i, sd) {
			if runCtx.Err() == nil {
				failedStage = sd.Name
			}
			break
		}
	}

	final := e.update(func(r *domain.PipelineExecution) {
		switch {
		case runCtx.Err() != nil:
			r.Status = domain.PipelineCancelled
			r.Reason = cancelReason(runCtx)
		case failedStage != "":
			r.Status = domain.PipelineFailure
			if st, ok := r.Stage(failedStage); ok {
				r.Reason = fmt.Sprintf("stage %s failed: %s", failedStage, st.Reason)
			}
		default:
			r.Status = domain.PipelineSuccess
		}
		r.FinishedAt = x.now()
		r.Recount()
	})
	x.persist(ctx, final)
	x.cfg.Publisher.Publish(events.Event{Type: events.PipelineCompleted, Pipeline: pipelinePayload(final)})

	if final.Status == domain.PipelineSuccess {
		span.SetStatus(codes.Ok, "")
		logger.Info("pipeline completed",
			slog.Int("passed", final.Summary.Passed),
			slog.Int("skipped", final.Summary.Skipped),
			slog.Duration("duration", final.FinishedAt.Sub(final.StartedAt)))
	} else {
		span.SetStatus(codes.Error, final.Reason)
		logger.Warn("pipeline did not succeed",
			slog.String("status", string(final.Status)),
			slog.String("reason", final.Reason))
	}
	return final, nil
}

func newStages(def Definition) []domain.StageExecution {
	stages := make([]domain.StageExecution, len(def.Stages))
	for i, sd := range def.Stages {
		steps := make([]domain.StepExecution, len(sd.Steps))
		for j, step := range sd.Steps {
			steps[j] = domain.StepExecution{
				Name:    step.Name,
				Command: step.Command,
				Args:    append([]string(nil), step.Args...),
				Status:  domain.StagePending,
			}
		}
		stages[i] = domain.StageExecution{
			Name:   sd.Name,
			Type:   sd.Type,
			Status: domain.StagePending,
			Steps:  steps,
		}
	}
	return stages
}

func hasDeployStage(def Definition) bool {
	for _, st := range def.Stages {
		if st.Type == domain.StageDeploy {
			return true
		}
	}
	return false
}

func cancelReason(ctx context.Context) string {
	var ce *cancelError
	if errors.As(context.Cause(ctx), &ce) {
		return ce.reason
	}
	return "pipeline cancelled"
}

// =============================================================================
// Stages
// =============================================================================

func (x *Executor) skipStage(ctx context.Context, e *execution, i int, reason string) {
	snap := e.update(func(r *domain.PipelineExecution) {
		st := &r.Stages[i]
		st.Status = domain.StageSkipped
		st.Reason = reason
		for j := range st.Steps {
			st.Steps[j].Status = domain.StageSkipped
		}
		r.Recount()
	})
	x.persist(ctx, snap)
	st := snap.Stages[i]
	x.logger.Info("stage skipped",
		slog.String("execution_id", snap.ID),
		slog.String("stage", st.Name),
		slog.String("reason", reason))
	x.cfg.Publisher.Publish(events.Event{Type: events.StageCompleted, Stage: stagePayload(snap.ID, st)})
}

// runStage runs one stage and reports whether it succeeded.
func (x *Executor) runStage(ctx context.Context, e *execution, i int, sd StageDefinition) bool {
	ctx, span := getTracer().Start(ctx, "pipeline.Stage",
		trace.WithAttributes(
			attribute.String("stage.name", sd.Name),
			attribute.String("stage.type", string(sd.Type)),
			attribute.Bool("stage.parallel", sd.Parallel),
		),
	)
	defer span.End()

	snap := e.update(func(r *domain.PipelineExecution) {
		r.Stages[i].Status = domain.StageRunning
		r.Stages[i].StartedAt = x.now()
	})
	x.persist(ctx, snap)
	x.cfg.Publisher.Publish(events.Event{Type: events.StageStarted, Stage: stagePayload(snap.ID, snap.Stages[i])})

	stageCtx := ctx
	if sd.Timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, sd.Timeout)
		defer cancel()
	}

	var reason string
	if sd.Type == domain.StageDeploy {
		reason = x.runDeploy(stageCtx, e, i, sd)
	} else {
		reason = x.runSteps(stageCtx, e, i, sd)
	}

	snap = e.update(func(r *domain.PipelineExecution) {
		st := &r.Stages[i]
		st.FinishedAt = x.now()
		if reason == "" {
			st.Status = domain.StageSuccess
		} else {
			st.Status = domain.StageFailure
			st.Reason = reason
		}
		r.Recount()
	})
	x.persist(ctx, snap)
	st := snap.Stages[i]
	x.cfg.Publisher.Publish(events.Event{Type: events.StageCompleted, Stage: stagePayload(snap.ID, st)})

	logger := x.logger.With(slog.String("execution_id", snap.ID), slog.String("stage", sd.Name))
	if reason != "" {
		span.SetStatus(codes.Error, reason)
		logger.Warn("stage failed", slog.String("reason", reason))
		return false
	}
	span.SetStatus(codes.Ok, "")
	logger.Info("stage completed", slog.Duration("duration", st.FinishedAt.Sub(st.StartedAt)))
	return true
}

// runSteps returns the failure reason of the stage, empty on success.
func (x *Executor) runSteps(ctx context.Context, e *execution, i int, sd StageDefinition) string {
	if !sd.Parallel {
		for j, step := range sd.Steps {
			if msg := x.runStep(ctx, e, i, j, step); msg != "" {
				return fmt.Sprintf("step %s: %s", step.Name, msg)
			}
		}
		return ""
	}

	// Siblings are not cancelled when one fails: every step runs to
	// completion and the stage fails if any failed.
	msgs := make([]string, len(sd.Steps))
	var g errgroup.Group
	if sd.MaxConcurrency > 0 {
		g.SetLimit(sd.MaxConcurrency)
	}
	for j, step := range sd.Steps {
		g.Go(func() error {
			msgs[j] = x.runStep(ctx, e, i, j, step)
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for j, msg := range msgs {
		if msg != "" {
			failed = append(failed, sd.Steps[j].Name)
		}
	}
	if len(failed) == 0 {
		return ""
	}
	sort.Strings(failed)
	return fmt.Sprintf("%d of %d parallel steps failed: %v", len(failed), len(sd.Steps), failed)
}

// runStep runs one step and returns its failure message, empty on success.
func (x *Executor) runStep(ctx context.Context, e *execution, i, j int, step StepDefinition) string {
	e.update(func(r *domain.PipelineExecution) { r.Stages[i].Steps[j].Status = domain.StageRunning })

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = x.cfg.StepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := x.now()
	var res StepResult
	if ctx.Err() == nil {
		res = x.cfg.Runner.RunStep(stepCtx, step)
	}
	elapsed := x.now().Sub(start)

	status := domain.StageSuccess
	kind := domain.ErrorKindNone
	msg := ""
	switch {
	case ctx.Err() != nil:
		status = domain.StageFailure
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = domain.ErrorKindTimeout
			msg = "stage timeout exceeded"
		} else {
			kind = domain.ErrorKindCancelled
			msg = "cancelled: " + cancelReason(ctx)
		}
	case errors.Is(stepCtx.Err(), context.DeadlineExceeded):
		status = domain.StageFailure
		kind = domain.ErrorKindTimeout
		msg = fmt.Sprintf("timed out after %s", timeout)
	case res.Err != nil || res.ExitCode != 0:
		status = domain.StageFailure
		kind = domain.ErrorKindFailed
		msg = fmt.Sprintf("exit code %d", res.ExitCode)
		if res.Err != nil {
			msg = res.Err.Error()
		}
	}

	exitCode := res.ExitCode
	if exitCode == 0 && kind != domain.ErrorKindNone && kind != domain.ErrorKindFailed {
		exitCode = -1
	}
	e.update(func(r *domain.PipelineExecution) {
		s := &r.Stages[i].Steps[j]
		s.Output = res.Output
		_ = s.Finish(status, exitCode, msg, kind, elapsed)
	})
	x.logger.Debug("step finished",
		slog.String("step", step.Name),
		slog.String("status", string(status)),
		slog.String("error_kind", string(kind)),
		slog.Duration("duration", elapsed))
	return msg
}

// runDeploy hands the stage to the Deployer and returns its failure
// reason, empty on success.
func (x *Executor) runDeploy(ctx context.Context, e *execution, i int, sd StageDefinition) string {
	spec := *sd.Deploy
	if spec.WaitFor == "" {
		spec.WaitFor = WaitAccepted
	}
	id, err := x.cfg.Deployer.StartDeployment(ctx, e.snapshot(), spec)
	if err != nil {
		return fmt.Sprintf("start deployment: %v", err)
	}
	snap := e.update(func(r *domain.PipelineExecution) {
		st := &r.Stages[i]
		st.DeploymentID = id
		st.Artifacts = append(st.Artifacts, domain.Artifact{Name: spec.Service, Kind: "deployment", Ref: id})
	})
	x.persist(ctx, snap)

	d, err := x.cfg.Deployer.AwaitDeployment(ctx, id, spec.WaitFor)
	if err != nil {
		if ctx.Err() != nil {
			reason := "deploy stage cancelled"
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				reason = "deploy stage timeout exceeded"
			}
			if aerr := x.cfg.Deployer.AbortDeployment(id, reason); aerr != nil {
				x.logger.Warn("failed to abort deployment", slog.String("deployment_id", id), slog.Any("error", aerr))
			}
			return reason
		}
		return fmt.Sprintf("await deployment %s: %v", id, err)
	}

	switch {
	case d.Phase == domain.PhaseRolledBack || d.Phase == domain.PhaseFailed:
		return fmt.Sprintf("deployment %s ended %s: %s", id, d.Phase, d.Reason)
	case spec.WaitFor == WaitDeployed && d.Phase != domain.PhaseDeployed:
		return fmt.Sprintf("deployment %s is %s, not deployed", id, d.Phase)
	}
	e.update(func(r *domain.PipelineExecution) {
		r.Artifacts = append(r.Artifacts, domain.Artifact{Name: spec.Service, Kind: "deployment", Ref: id})
	})
	return ""
}

// =============================================================================
// Operations
// =============================================================================

// Cancel stops a running execution.
func (x *Executor) Cancel(id, reason string) error {
	x.mu.Lock()
	e, ok := x.running[id]
	x.mu.Unlock()
	if !ok {
		return fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	e.cancel(&cancelError{reason: reason})
	return nil
}

// Get returns a snapshot of a running execution.
func (x *Executor) Get(id string) (*domain.PipelineExecution, bool) {
	x.mu.Lock()
	e, ok := x.running[id]
	x.mu.Unlock()
	if !ok {
		return nil, false
	}
	return e.snapshot(), true
}

// Running returns the ids of running executions, sorted.
func (x *Executor) Running() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	ids := make([]string, 0, len(x.running))
	for id := range x.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Recover marks executions a previous process left running as failed.
func (x *Executor) Recover(ctx context.Context) (int, error) {
	if x.cfg.Store == nil {
		return 0, nil
	}
	stored, err := x.cfg.Store.ListInProgressPipelines(ctx)
	if err != nil {
		return 0, fmt.Errorf("list in-progress pipelines: %w", err)
	}
	for _, rec := range stored {
		now := x.now()
		for i := range rec.Stages {
			st := &rec.Stages[i]
			if st.Status != domain.StageRunning {
				continue
			}
			st.Status = domain.StageFailure
			st.Reason = RecoveryReason
			st.FinishedAt = now
			for j := range st.Steps {
				if st.Steps[j].Status == domain.StageRunning {
					_ = st.Steps[j].Finish(domain.StageFailure, -1, RecoveryReason, domain.ErrorKindCancelled, 0)
				}
			}
		}
		rec.Status = domain.PipelineFailure
		rec.Reason = RecoveryReason
		rec.FinishedAt = now
		rec.Recount()
		x.persist(ctx, rec)
		x.cfg.Publisher.Publish(events.Event{Type: events.PipelineCompleted, Pipeline: pipelinePayload(rec)})
		x.logger.Warn("marked interrupted pipeline as failed", slog.String("execution_id", rec.ID))
	}
	return len(stored), nil
}

func (x *Executor) persist(ctx context.Context, rec *domain.PipelineExecution) {
	if x.cfg.Store == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := x.cfg.Store.SavePipeline(pctx, rec); err != nil {
		x.logger.Error("failed to persist pipeline execution",
			slog.String("execution_id", rec.ID),
			slog.Any("error", err))
	}
}

func pipelinePayload(rec *domain.PipelineExecution) *events.PipelinePayload {
	return &events.PipelinePayload{
		ExecutionID: rec.ID,
		Pipeline:    rec.Pipeline,
		CommitSHA:   rec.CommitSHA,
		Branch:      rec.Branch,
		Status:      rec.Status,
		Summary:     rec.Summary,
		Reason:      rec.Reason,
	}
}

func stagePayload(executionID string, st domain.StageExecution) *events.StagePayload {
	return &events.StagePayload{
		ExecutionID: executionID,
		Stage:       st.Name,
		Type:        st.Type,
		Status:      st.Status,
		Reason:      st.Reason,
	}
}
