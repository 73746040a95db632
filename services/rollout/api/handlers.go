// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/breaker"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/engine"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/health"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/pipeline"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type reasonRequest struct {
	Reason string `json:"reason"`
}

// HealthResponse is the body of GET /v1/health/:environment/:service.
type HealthResponse struct {
	ServiceID string                  `json:"serviceId"`
	Status    domain.HealthStatus     `json:"status"`
	History   []domain.HealthSnapshot `json:"history"`
}

// handleWebhook handles POST /v1/webhooks.
//
// # Description
//
// Accepts a normalized trigger event and starts the selected pipeline.
// Responds 202 with the pending execution; the run continues in the
// background.
func (s *Server) handleWebhook(c *gin.Context) {
	var ev domain.TriggerEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}
	rec, err := s.opts.Service.Trigger(c.Request.Context(), ev)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

func (s *Server) handleListPipelines(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	list, err := s.opts.Service.ListPipelines(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pipelines": list})
}

func (s *Server) handleGetPipeline(c *gin.Context) {
	rec, err := s.opts.Service.GetPipeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleCancelPipeline(c *gin.Context) {
	var body reasonRequest
	_ = c.ShouldBindJSON(&body)
	if err := s.opts.Service.CancelPipeline(c.Param("id"), body.Reason); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleListDeployments(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	list, err := s.opts.Service.ListDeployments(c.Request.Context(), c.Query("service"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployments": list})
}

func (s *Server) handleGetDeployment(c *gin.Context) {
	d, err := s.opts.Service.GetDeployment(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) handleApprove(c *gin.Context) {
	if err := s.opts.Service.ApproveDeployment(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleAbort(c *gin.Context) {
	var body reasonRequest
	_ = c.ShouldBindJSON(&body)
	d, err := s.opts.Service.AbortDeployment(c.Param("id"), body.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, d)
}

func (s *Server) handleHealth(c *gin.Context) {
	id := health.ServiceID(c.Param("environment"), c.Param("service"))
	history := s.opts.Service.HealthHistory(id)
	if history == nil {
		history = []domain.HealthSnapshot{}
	}
	c.JSON(http.StatusOK, HealthResponse{
		ServiceID: id,
		Status:    s.opts.Service.HealthStatus(id),
		History:   history,
	})
}

func (s *Server) handleBreakers(c *gin.Context) {
	snaps := s.opts.Service.Breakers()
	if snaps == nil {
		snaps = []breaker.Snapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"breakers": snaps})
}

// =============================================================================
// Helpers
// =============================================================================

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		writeError(c, http.StatusBadRequest, "INVALID_LIMIT", errors.New("limit must be a positive integer"))
		return 0, false
	}
	return min(n, maxListLimit), true
}

// fail maps a service error to a status code.
func (s *Server) fail(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrInvalidConfig):
		status, code = http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, domain.ErrTerminal):
		status, code = http.StatusConflict, "TERMINAL"
	case errors.Is(err, engine.ErrNotAwaitingApproval):
		status, code = http.StatusConflict, "NOT_AWAITING_APPROVAL"
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		status, code = http.StatusConflict, "ALREADY_RUNNING"
	case errors.Is(err, domain.ErrConflict):
		status, code = http.StatusConflict, "CONFLICT"
	case errors.Is(err, engine.ErrShuttingDown):
		status, code = http.StatusServiceUnavailable, "SHUTTING_DOWN"
	case errors.Is(err, breaker.ErrOpen):
		status, code = http.StatusServiceUnavailable, "DEPENDENCY_UNAVAILABLE"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err)
	}
	writeError(c, status, code, err)
}

func writeError(c *gin.Context, status int, code string, err error) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Code: code})
}
