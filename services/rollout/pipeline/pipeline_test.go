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
	"context"
	"errors"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/events"
)

// =============================================================================
// Test Helpers
// =============================================================================

// fakeRunner interprets the step command: "ok", "fail", "block" (until
// ctx is done) or "slow" (sleeps 20ms).
type fakeRunner struct {
	mu       sync.Mutex
	ran      []string
	inflight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeRunner) RunStep(ctx context.Context, step StepDefinition) StepResult {
	f.mu.Lock()
	f.ran = append(f.ran, step.Name)
	f.mu.Unlock()

	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	switch step.Command {
	case "fail":
		return StepResult{ExitCode: 1, Output: []string{"boom"}, Err: errors.New("exit status 1")}
	case "block":
		<-ctx.Done()
		return StepResult{ExitCode: -1, Err: ctx.Err()}
	case "slow":
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return StepResult{ExitCode: -1, Err: ctx.Err()}
		}
	}
	return StepResult{Output: []string{step.Name + " done"}}
}

func (f *fakeRunner) Ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

type fakeDeployer struct {
	mu      sync.Mutex
	phase   domain.Phase
	reason  string
	block   bool
	started []DeploySpec
	aborted []string
}

func (d *fakeDeployer) StartDeployment(_ context.Context, _ *domain.PipelineExecution, spec DeploySpec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = append(d.started, spec)
	return "dep-1", nil
}

func (d *fakeDeployer) AwaitDeployment(ctx context.Context, id string, _ WaitFor) (*domain.Deployment, error) {
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return &domain.Deployment{ID: id, Phase: d.phase, Reason: d.reason}, nil
}

func (d *fakeDeployer) AbortDeployment(id, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aborted = append(d.aborted, id)
	return nil
}

type memStore struct {
	mu   sync.Mutex
	recs map[string]*domain.PipelineExecution
}

func (s *memStore) SavePipeline(_ context.Context, rec *domain.PipelineExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recs == nil {
		s.recs = make(map[string]*domain.PipelineExecution)
	}
	s.recs[rec.ID] = rec.Clone()
	return nil
}

func (s *memStore) ListInProgressPipelines(context.Context) ([]*domain.PipelineExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.PipelineExecution
	for _, rec := range s.recs {
		if !rec.IsTerminal() {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func steps(cmds ...string) []StepDefinition {
	out := make([]StepDefinition, len(cmds))
	for i, c := range cmds {
		out[i] = StepDefinition{Name: string(rune('a' + i)), Command: c}
	}
	return out
}

func newExecutor(t *testing.T, runner StepRunner, mutate ...func(*Config)) *Executor {
	t.Helper()
	cfg := Config{Runner: runner, StepTimeout: time.Second}
	for _, fn := range mutate {
		fn(&cfg)
	}
	x, err := NewExecutor(cfg)
	require.NoError(t, err)
	return x
}

func pushTo(branch string) *domain.PipelineExecution {
	return domain.NewPipelineExecution("", domain.TriggerEvent{
		Type: domain.TriggerPush, Branch: branch, CommitSHA: "abc1234",
	})
}

func stageStatuses(rec *domain.PipelineExecution) map[string]domain.StageStatus {
	out := make(map[string]domain.StageStatus, len(rec.Stages))
	for _, st := range rec.Stages {
		out[st.Name] = st.Status
	}
	return out
}

// =============================================================================
// Ordering and failure
// =============================================================================

func TestRun_SequentialStagesSucceed(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(64)
	defer sub.Cancel()

	runner := &fakeRunner{}
	store := &memStore{}
	x := newExecutor(t, runner, func(c *Config) { c.Publisher = bus; c.Store = store })
	def := Definition{Name: "web", Stages: []StageDefinition{
		{Name: "build", Type: domain.StageBuild, Steps: steps("ok", "ok")},
		{Name: "test", Type: domain.StageTest, Steps: steps("ok")},
	}}

	rec := pushTo("main")
	got, err := x.Run(context.Background(), rec, def)
	require.NoError(t, err)

	assert.Equal(t, domain.PipelineSuccess, got.Status)
	assert.Equal(t, domain.Summary{Passed: 2}, got.Summary)
	assert.Equal(t, "web", got.Pipeline)
	assert.False(t, got.FinishedAt.IsZero())
	assert.Equal(t, []string{"a", "b", "a"}, runner.Ran())
	assert.Equal(t, []string{"a done"}, got.Stages[0].Steps[0].Output)
	assert.Equal(t, domain.PipelinePending, rec.Status, "caller record is not mutated")

	var types []events.Type
	for len(sub.C) > 0 {
		types = append(types, (<-sub.C).Type)
	}
	assert.Equal(t, []events.Type{
		events.PipelineStarted,
		events.StageStarted, events.StageCompleted,
		events.StageStarted, events.StageCompleted,
		events.PipelineCompleted,
	}, types)

	stored, ok := store.recs[rec.ID]
	require.True(t, ok)
	assert.Equal(t, domain.PipelineSuccess, stored.Status)
	assert.Empty(t, x.Running())
}

func TestRun_SequentialFailureStopsStageAndPipeline(t *testing.T) {
	runner := &fakeRunner{}
	x := newExecutor(t, runner)
	def := Definition{Name: "web", Stages: []StageDefinition{
		{Name: "build", Type: domain.StageBuild, Steps: steps("ok", "fail", "ok")},
		{Name: "test", Type: domain.StageTest, Steps: steps("ok")},
	}}

	got, err := x.Run(context.Background(), pushTo("main"), def)
	require.NoError(t, err)

	assert.Equal(t, domain.PipelineFailure, got.Status)
	assert.Contains(t, got.Reason, "stage build failed")
	assert.Equal(t, []string{"a", "b"}, runner.Ran())

	build := got.Stages[0]
	assert.Equal(t, domain.StageFailure, build.Status)
	assert.Equal(t, domain.StageFailure, build.Steps[1].Status)
	assert.Equal(t, domain.ErrorKindFailed, build.Steps[1].ErrorKind)
	assert.Equal(t, 1, build.Steps[1].ExitCode)
	assert.Equal(t, domain.StagePending, build.Steps[2].Status)
	assert.Equal(t, domain.StagePending, got.Stages[1].Status)
	assert.Equal(t, domain.Summary{Failed: 1}, got.Summary)
}

func TestRun_ParallelSiblingsAllComplete(t *testing.T) {
	runner := &fakeRunner{}
	x := newExecutor(t, runner)
	def := Definition{Name: "web", Stages: []StageDefinition{
		{Name: "checks", Type: domain.StageSecurity, Parallel: true, Steps: steps("fail", "slow", "ok")},
	}}

	got, err := x.Run(context.Background(), pushTo("main"), def)
	require.NoError(t, err)

	assert.Equal(t, domain.PipelineFailure, got.Status)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, runner.Ran())
	st := got.Stages[0]
	assert.Equal(t, domain.StageFailure, st.Steps[0].Status)
	assert.Equal(t, domain.StageSuccess, st.Steps[1].Status)
	assert.Equal(t, domain.StageSuccess, st.Steps[2].Status)
	assert.Contains(t, st.Reason, "1 of 3 parallel steps failed")
}

func TestRun_ParallelRespectsMaxConcurrency(t *testing.T) {
	runner := &fakeRunner{}
	x := newExecutor(t, runner)
	def := Definition{Name: "web", Stages: []StageDefinition{
		{Name: "test", Type: domain.StageTest, Parallel: true, MaxConcurrency: 2,
			Steps: steps("slow", "slow", "slow", "slow", "slow")},
	}}

	got, err := x.Run(context.Background(), pushTo("main"), def)
	require.NoError(t, err)

	assert.Equal(t, domain.PipelineSuccess, got.Status)
	assert.Len(t, runner.Ran(), 5)
	assert.LessOrEqual(t, runner.peak.Load(), int32(2))
}

// =============================================================================
// Conditions
// =============================================================================

func TestRun_UnmetConditionsSkipWithoutBlockingIndependentStages(t *testing.T) {
	runner := &fakeRunner{}
	x := newExecutor(t, runner)
	def := Definition{Name: "web", Stages: []StageDefinition{
		{Name: "build", Type: domain.StageBuild, Steps: steps("ok")},
		{Name: "release-notes", Type: domain.StageVerify, Steps: steps("ok"),
			Conditions: Conditions{Branches: []string{"release/*"}}},
		{Name: "publish-notes", Type: domain.StagePromote, Steps: steps("ok"),
			Conditions: Conditions{RequireStages: []string{"release-notes"}}},
		{Name: "test", Type: domain.StageTest, Steps: steps("ok"),
			Conditions: Conditions{RequireStages: []string{"build"}}},
	}}

	got, err := x.Run(context.Background(), pushTo("main"), def)
	require.NoError(t, err)

	assert.Equal(t, domain.PipelineSuccess, got.Status)
	assert.Equal(t, map[string]domain.StageStatus{
		"build":         domain.StageSuccess,
		"release-notes": domain.StageSkipped,
		"publish-notes": domain.StageSkipped,
		"test":          domain.StageSuccess,
	}, stageStatuses(got))
	assert.Equal(t, domain.Summary{Passed: 2, Skipped: 2}, got.Summary)
	assert.Contains(t, got.Stages[1].Reason, `branch "main" does not match release/*`)
	assert.Contains(t, got.Stages[2].Reason, `required stage "release-notes" is skipped`)
	assert.Len(t, runner.Ran(), 2)
}

func TestRun_TriggerCondition(t *testing.T) {
	x := newExecutor(t, &fakeRunner{})
	def := Definition{Name: "web", Stages: []StageDefinition{
		{Name: "tag-only", Type: domain.StagePromote, Steps: steps("ok"),
			Conditions: Conditions{Triggers: []domain.TriggerType{domain.TriggerTag}}},
	}}

	got, err := x.Run(context.Background(), pushTo("main"), def)
	require.NoError(t, err)
	assert.Equal(t, domain.StageSkipped, got.Stages[0].Status)
	assert.Equal(t, domain.StageSkipped, got.Stages[0].Steps[0].Status)
	assert.Equal(t, domain.PipelineSuccess, got.Status)
}

// =============================================================================
// Cancellation and timeouts
// =============================================================================

func TestCancel_MarksInFlightStepsCancelled(t *testing.T) {
	x := newExecutor(t, &fakeRunner{})
	def := Definition{Name: "web", Stages: []StageDefinition{
		{Name: "test", Type: domain.StageTest, Parallel: true, Steps: steps("block", "block")},
		{Name: "after", Type: domain.StageVerify, Steps: steps("ok")},
	}}
	rec := pushTo("main")

	done := make(chan *domain.PipelineExecution, 1)
	go func() {
		got, err := x.Run(context.Background(), rec, def)
		assert.NoError(t, err)
		done <- got
	}()
	require.Eventually(t, func() bool {
		snap, ok := x.Get(rec.ID)
		return ok && snap.Stages[0].Steps[0].Status == domain.StageRunning &&
			snap.Stages[0].Steps[1].Status == domain.StageRunning
	}, time.Second, time.Millisecond)

	require.NoError(t, x.Cancel(rec.ID, "superseded by newer commit"))
	var got *domain.PipelineExecution
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop after cancel")
	}

	assert.Equal(t, domain.PipelineCancelled, got.Status)
	assert.Equal(t, "superseded by newer commit", got.Reason)
	for _, step := range got.Stages[0].Steps {
		assert.Equal(t, domain.StageFailure, step.Status)
		assert.Equal(t, domain.ErrorKindCancelled, step.ErrorKind)
	}
	assert.Equal(t, domain.StagePending, got.Stages[1].Status)

	assert.ErrorIs(t, x.Cancel(rec.ID, "again"), domain.ErrNotFound)
}

func TestRun_StepTimeout(t *testing.T) {
	x := newExecutor(t, &fakeRunner{})
	def := Definition{Name: "web", Stages: []StageDefinition{
		{Name: "test", Type: domain.StageTest, Steps: []StepDefinition{
			{Name: "hang", Command: "block", Timeout: 10 * time.Millisecond},
		}},
	}}

	got, err := x.Run(context.Background(), pushTo("main"), def)
	require.NoError(t, err)

	step := got.Stages[0].Steps[0]
	assert.Equal(t, domain.PipelineFailure, got.Status)
	assert.Equal(t, domain.ErrorKindTimeout, step.ErrorKind)
	assert.Equal(t, -1, step.ExitCode)
	assert.Contains(t, step.Error, "timed out after 10ms")
}

func TestRun_StageTimeout(t *testing.T) {
	x := newExecutor(t, &fakeRunner{})
	def := Definition{Name: "web", Stages: []StageDefinition{
		{Name: "test", Type: domain.StageTest, Timeout: 10 * time.Millisecond, Steps: steps("block")},
	}}

	got, err := x.Run(context.Background(), pushTo("main"), def)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineFailure, got.Status)
	assert.Equal(t, domain.ErrorKindTimeout, got.Stages[0].Steps[0].ErrorKind)
}

// =============================================================================
// Deploy stages
// =============================================================================

func deployPipeline(wait WaitFor) Definition {
	return Definition{Name: "web", Stages: []StageDefinition{
		{Name: "build", Type: domain.StageBuild, Steps: steps("ok")},
		{Name: "staging", Type: domain.StageDeploy, Deploy: &DeploySpec{
			Environment: "staging", Service: "checkout", Rollout: "canary", WaitFor: wait,
		}},
	}}
}

func TestDeployStage_AcceptedDeploymentSucceeds(t *testing.T) {
	dep := &fakeDeployer{phase: domain.PhaseCanaryRamping}
	x := newExecutor(t, &fakeRunner{}, func(c *Config) { c.Deployer = dep })

	got, err := x.Run(context.Background(), pushTo("main"), deployPipeline(""))
	require.NoError(t, err)

	assert.Equal(t, domain.PipelineSuccess, got.Status)
	assert.Equal(t, "dep-1", got.Stages[1].DeploymentID)
	require.Len(t, got.Artifacts, 1)
	assert.Equal(t, "dep-1", got.Artifacts[0].Ref)
	require.Len(t, dep.started, 1)
	assert.Equal(t, WaitAccepted, dep.started[0].WaitFor)
}

func TestDeployStage_RolledBackDeploymentFails(t *testing.T) {
	dep := &fakeDeployer{phase: domain.PhaseRolledBack, reason: "error-rate above 0.05"}
	x := newExecutor(t, &fakeRunner{}, func(c *Config) { c.Deployer = dep })

	got, err := x.Run(context.Background(), pushTo("main"), deployPipeline(WaitDeployed))
	require.NoError(t, err)

	assert.Equal(t, domain.PipelineFailure, got.Status)
	assert.Contains(t, got.Stages[1].Reason, "ROLLED_BACK")
	assert.Contains(t, got.Reason, "error-rate above 0.05")
}

func TestDeployStage_WaitDeployedRejectsInProgress(t *testing.T) {
	dep := &fakeDeployer{phase: domain.PhaseCanaryRamping}
	x := newExecutor(t, &fakeRunner{}, func(c *Config) { c.Deployer = dep })

	got, err := x.Run(context.Background(), pushTo("main"), deployPipeline(WaitDeployed))
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineFailure, got.Status)
	assert.Contains(t, got.Stages[1].Reason, "not deployed")
}

func TestDeployStage_CancelAbortsDeployment(t *testing.T) {
	dep := &fakeDeployer{block: true}
	x := newExecutor(t, &fakeRunner{}, func(c *Config) { c.Deployer = dep })
	ctx, cancel := context.WithCancel(context.Background())

	rec := pushTo("main")
	done := make(chan *domain.PipelineExecution, 1)
	go func() {
		got, _ := x.Run(ctx, rec, deployPipeline(WaitDeployed))
		done <- got
	}()
	require.Eventually(t, func() bool {
		snap, ok := x.Get(rec.ID)
		return ok && snap.Stages[1].DeploymentID != ""
	}, time.Second, time.Millisecond)
	cancel()

	got := <-done
	assert.Equal(t, domain.PipelineCancelled, got.Status)
	dep.mu.Lock()
	assert.Equal(t, []string{"dep-1"}, dep.aborted)
	dep.mu.Unlock()
}

// =============================================================================
// Validation and recovery
// =============================================================================

func TestRun_RejectsInvalidInput(t *testing.T) {
	x := newExecutor(t, &fakeRunner{})

	_, err := x.Run(context.Background(), pushTo("main"), Definition{Name: "web", Stages: []StageDefinition{
		{Name: "build", Type: domain.StageBuild},
		{Name: "test", Type: domain.StageTest, Steps: steps("ok"),
			Conditions: Conditions{RequireStages: []string{"lint"}}},
		{Name: "deploy", Type: domain.StageDeploy},
	}})
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "at least one step is required")
	assert.Contains(t, err.Error(), `required stage "lint" must be defined earlier`)
	assert.Contains(t, err.Error(), "deploy stages need a deploy section")

	_, err = x.Run(context.Background(), pushTo("main"), deployPipeline(""))
	assert.ErrorIs(t, err, domain.ErrInvalidConfig, "deploy stage without deployer")

	done := pushTo("main")
	done.Status = domain.PipelineSuccess
	_, err = x.Run(context.Background(), done, Definition{Name: "web", Stages: []StageDefinition{
		{Name: "build", Type: domain.StageBuild, Steps: steps("ok")},
	}})
	assert.ErrorIs(t, err, domain.ErrTerminal)
}

func TestRecover_FailsInterruptedExecutions(t *testing.T) {
	store := &memStore{}
	rec := pushTo("main")
	rec.Status = domain.PipelineRunning
	rec.Stages = []domain.StageExecution{{
		Name: "test", Type: domain.StageTest, Status: domain.StageRunning,
		Steps: []domain.StepExecution{{Name: "unit", Status: domain.StageRunning}},
	}}
	require.NoError(t, store.SavePipeline(context.Background(), rec))

	x := newExecutor(t, &fakeRunner{}, func(c *Config) { c.Store = store })
	n, err := x.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := store.recs[rec.ID]
	assert.Equal(t, domain.PipelineFailure, got.Status)
	assert.Equal(t, RecoveryReason, got.Reason)
	assert.Equal(t, domain.StageFailure, got.Stages[0].Status)
	assert.Equal(t, domain.ErrorKindCancelled, got.Stages[0].Steps[0].ErrorKind)
	assert.Equal(t, domain.Summary{Failed: 1}, got.Summary)
}

// =============================================================================
// CommandRunner
// =============================================================================

func TestCommandRunner_CapturesOutputAndExitCode(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := &CommandRunner{MaxLines: 2}

	res := r.RunStep(context.Background(), StepDefinition{
		Name: "script", Command: "sh",
		Args: []string{"-c", "echo one; echo two; echo $GREETING; exit 3"},
		Env:  map[string]string{"GREETING": "three"},
	})
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, []string{"two", "three"}, res.Output)
	assert.ErrorContains(t, res.Err, "exited with code 3")

	res = r.RunStep(context.Background(), StepDefinition{Name: "ok", Command: "sh", Args: []string{"-c", "true"}})
	assert.NoError(t, res.Err)
	assert.Equal(t, 0, res.ExitCode)
}

func TestCommandRunner_KillsOnCancel(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := (&CommandRunner{}).RunStep(ctx, StepDefinition{Name: "hang", Command: "sleep", Args: []string{"5"}})
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, -1, res.ExitCode)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}
