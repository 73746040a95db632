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
	"fmt"
	"strings"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrInvalidConfig marks a configuration error. These are raised at
	// registration or validation time, never in the middle of a rollout.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotFound is returned when a pipeline execution or deployment id
	// is unknown.
	ErrNotFound = errors.New("not found")

	// ErrAnalysisFailed marks an expected gate rejection (canary analysis or
	// health gate). It triggers rollback, it is not a crash.
	ErrAnalysisFailed = errors.New("analysis failed")

	// ErrCancelled marks work stopped by an operator abort, a pipeline
	// cancellation or a shutdown.
	ErrCancelled = errors.New("cancelled")

	// ErrTerminal is returned when mutating a record that already reached
	// a terminal state.
	ErrTerminal = errors.New("record is terminal")

	// ErrConflict is returned when work collides with work already in
	// flight, such as a second rollout of a service that is rolling out.
	ErrConflict = errors.New("conflict")
)

// ValidationError collects every problem found while validating a
// configuration so operators can fix them in one pass.
//
// # Description
//
// Unwraps to ErrInvalidConfig, so callers can test with
// errors.Is(err, domain.ErrInvalidConfig).
//
// # Example
//
//	v := &domain.ValidationError{Subject: "canary"}
//	v.Add("steps must not be empty")
//	if err := v.Err(); err != nil {
//	    return err
//	}
type ValidationError struct {
	// Subject names what was validated (e.g. "deployment request").
	Subject string

	// Problems lists every violation found.
	Problems []string
}

// Add records a problem.
func (v *ValidationError) Add(format string, args ...any) {
	v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
}

// Err returns nil when no problem was recorded, the receiver otherwise.
func (v *ValidationError) Err() error {
	if len(v.Problems) == 0 {
		return nil
	}
	return v
}

// Error implements error.
func (v *ValidationError) Error() string {
	subject := v.Subject
	if subject == "" {
		subject = "configuration"
	}
	return fmt.Sprintf("%s: %s: %s", ErrInvalidConfig, subject, strings.Join(v.Problems, "; "))
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (v *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

// AnalysisError carries the operator-facing reason of a gate rejection.
type AnalysisError struct {
	// Reason identifies which metric or threshold triggered the rejection.
	Reason string
}

// Error implements error.
func (e *AnalysisError) Error() string {
	return fmt.Sprintf("%s: %s", ErrAnalysisFailed, e.Reason)
}

// Unwrap lets errors.Is match ErrAnalysisFailed.
func (e *AnalysisError) Unwrap() error {
	return ErrAnalysisFailed
}

// NewAnalysisError builds an AnalysisError from a formatted reason.
func NewAnalysisError(format string, args ...any) error {
	return &AnalysisError{Reason: fmt.Sprintf(format, args...)}
}
