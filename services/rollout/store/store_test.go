// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func deployment(id string, phase domain.Phase, started time.Time) *domain.Deployment {
	return &domain.Deployment{
		ID:          id,
		Environment: "staging",
		Service:     "checkout",
		Version:     "v2",
		Strategy:    domain.StrategyCanary,
		Phase:       phase,
		Status:      phase.Status(),
		StartedAt:   started,
		CurrentStep: -1,
	}
}

func TestDeployment_SaveLoadRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	d := deployment("d1", domain.PhaseCanaryRamping, time.Unix(100, 0).UTC())
	d.TrafficPercent = 25
	d.Replicas = domain.Replicas{Desired: 3, Ready: 3, Available: 3}

	require.NoError(t, s.SaveDeployment(ctx, d))
	got, err := s.LoadDeployment(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, d, got)

	_, err = s.LoadDeployment(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeployment_InProgressIndexFollowsPhase(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Unix(100, 0).UTC()

	require.NoError(t, s.SaveDeployment(ctx, deployment("d1", domain.PhaseDeploying, now)))
	require.NoError(t, s.SaveDeployment(ctx, deployment("d2", domain.PhaseBlueGreenSwitching, now)))
	require.NoError(t, s.SaveDeployment(ctx, deployment("d3", domain.PhaseDeployed, now)))

	active, err := s.ListInProgressDeployments(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(active))
	for _, d := range active {
		ids = append(ids, d.ID)
	}
	assert.ElementsMatch(t, []string{"d1", "d2"}, ids)

	require.NoError(t, s.SaveDeployment(ctx, deployment("d1", domain.PhaseRolledBack, now)))
	active, err = s.ListInProgressDeployments(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "d2", active[0].ID)

	all, err := s.ListDeployments(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestListDeployments_NewestFirstWithFilterAndLimit(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Unix(1000, 0).UTC()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.SaveDeployment(ctx, deployment(id, domain.PhaseDeployed, base.Add(time.Duration(i)*time.Minute))))
	}
	other := deployment("x", domain.PhaseDeployed, base.Add(time.Hour))
	other.Service = "search"
	require.NoError(t, s.SaveDeployment(ctx, other))

	got, err := s.ListDeployments(ctx, "checkout", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestPipeline_SaveLoadAndInProgress(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	rec := domain.NewPipelineExecution("web", domain.TriggerEvent{Type: domain.TriggerPush, Branch: "main", CommitSHA: "abc"})
	rec.Status = domain.PipelineRunning
	rec.Stages = []domain.StageExecution{{
		Name: "build", Type: domain.StageBuild, Status: domain.StageRunning,
		Steps: []domain.StepExecution{{Name: "compile", Command: "make", Status: domain.StageRunning}},
	}}
	require.NoError(t, s.SavePipeline(ctx, rec))

	active, err := s.ListInProgressPipelines(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, rec.ID, active[0].ID)
	assert.Equal(t, "compile", active[0].Stages[0].Steps[0].Name)

	rec.Status = domain.PipelineSuccess
	require.NoError(t, s.SavePipeline(ctx, rec))
	active, err = s.ListInProgressPipelines(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	got, err := s.LoadPipeline(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineSuccess, got.Status)

	list, err := s.ListPipelines(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.LoadPipeline(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSave_RejectsRecordsWithoutID(t *testing.T) {
	s := openTest(t)
	assert.ErrorIs(t, s.SaveDeployment(context.Background(), &domain.Deployment{}), domain.ErrInvalidConfig)
	assert.ErrorIs(t, s.SavePipeline(context.Background(), nil), domain.ErrInvalidConfig)
}

func TestSave_CancelledContext(t *testing.T) {
	s := openTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.SaveDeployment(ctx, deployment("d1", domain.PhaseDeploying, time.Now()))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClose_IsIdempotentAndRejectsLaterCalls(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.LoadDeployment(context.Background(), "d1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = 0

	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.SaveDeployment(context.Background(), deployment("d1", domain.PhaseRolling, time.Unix(5, 0).UTC())))
	require.NoError(t, s.Close())

	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Close()
	active, err := s.ListInProgressDeployments(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, domain.PhaseRolling, active[0].Phase)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
