// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package domain defines the records shared by the rollout controller.
//
// This package is a leaf in the dependency graph: it holds the pipeline
// execution records, the deployment record driven by the rollout engine,
// health snapshots and the sentinel errors every other package wraps.
//
// # Records
//
//   - [PipelineExecution] owns its [StageExecution] values, which own
//     their [StepExecution] values.
//   - [Deployment] is one progressive rollout of a version to an
//     environment. The rollout engine is its only writer.
//   - [HealthSnapshot] is one health-check tick for one service.
//
// All records are JSON-serialisable so the store can persist them for
// crash recovery.
//
// # Thread Safety
//
// Records are plain values. Owners must synchronise access; readers
// should work on copies obtained through Clone.
package domain
