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
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
)

// StepResult is what a StepRunner reports for one step.
type StepResult struct {
	ExitCode int
	Output   []string

	// Err is non-nil when the step failed. A non-zero exit code alone is a
	// failure too.
	Err error
}

// StepRunner executes one step.
//
// Implementations must return promptly once ctx is done.
type StepRunner interface {
	RunStep(ctx context.Context, step StepDefinition) StepResult
}

// StepRunnerFunc adapts a function to StepRunner.
type StepRunnerFunc func(ctx context.Context, step StepDefinition) StepResult

// RunStep implements StepRunner.
func (f StepRunnerFunc) RunStep(ctx context.Context, step StepDefinition) StepResult {
	return f(ctx, step)
}

// CommandRunner runs steps as local processes.
//
// # Description
//
// Stdout and stderr are captured together and split into lines. Only the
// last MaxLines lines are kept. The process is killed when ctx is done.
//
// # Thread Safety
//
// CommandRunner is safe for concurrent use.
type CommandRunner struct {
	// WorkDir is used when the step sets no Dir.
	WorkDir string

	// MaxLines caps captured output.
	// Default: 500
	MaxLines int

	Logger *slog.Logger
}

// RunStep implements StepRunner.
func (r *CommandRunner) RunStep(ctx context.Context, step StepDefinition) StepResult {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxLines := r.MaxLines
	if maxLines <= 0 {
		maxLines = 500
	}

	cmd := exec.CommandContext(ctx, step.Command, step.Args...)
	cmd.Dir = step.Dir
	if cmd.Dir == "" {
		cmd.Dir = r.WorkDir
	}
	if len(step.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(step.Env)...)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logger.Debug("running step",
		slog.String("step", step.Name),
		slog.String("command", step.Command),
		slog.Any("args", step.Args))

	err := cmd.Run()
	res := StepResult{Output: tailLines(out.Bytes(), maxLines)}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		res.Err = ctxErr
		return res
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.Err = fmt.Errorf("%s exited with code %d", step.Command, res.ExitCode)
			return res
		}
		res.ExitCode = -1
		res.Err = fmt.Errorf("start %s: %w", step.Command, err)
	}
	return res
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func tailLines(b []byte, max int) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if len(lines) > max {
			lines = lines[1:]
		}
	}
	return lines
}
