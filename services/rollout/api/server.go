// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api is the HTTP surface of the rollout controller.
//
// Routes:
//
//	POST /v1/webhooks                       trigger a pipeline
//	GET  /v1/pipelines                      recent executions
//	GET  /v1/pipelines/:id                  one execution
//	POST /v1/pipelines/:id/cancel           cancel a running execution
//	GET  /v1/deployments                    recent deployments (?service=)
//	GET  /v1/deployments/:id                one deployment
//	POST /v1/deployments/:id/approve        release a paused canary step
//	POST /v1/deployments/:id/abort          abort and roll back
//	GET  /v1/health/:environment/:service   health status and history
//	GET  /v1/breakers                       circuit breaker snapshots
//	GET  /v1/events                         websocket event stream
//	GET  /metrics                           Prometheus exposition
//	GET  /healthz                           liveness
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/breaker"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/events"
)

// Service is what the handlers need from the controller.
type Service interface {
	Trigger(ctx context.Context, ev domain.TriggerEvent) (*domain.PipelineExecution, error)
	ListPipelines(ctx context.Context, limit int) ([]*domain.PipelineExecution, error)
	GetPipeline(ctx context.Context, id string) (*domain.PipelineExecution, error)
	CancelPipeline(id, reason string) error

	ListDeployments(ctx context.Context, service string, limit int) ([]*domain.Deployment, error)
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	ApproveDeployment(id string) error
	AbortDeployment(id, reason string) (*domain.Deployment, error)

	HealthStatus(serviceID string) domain.HealthStatus
	HealthHistory(serviceID string) []domain.HealthSnapshot
	Breakers() []breaker.Snapshot
}

// Options configures a Server.
type Options struct {
	Service Service

	// Bus feeds /v1/events. Nil disables the route.
	Bus *events.Bus

	// Metrics serves /metrics. Nil disables the route.
	Metrics http.Handler

	// WebhookRate and WebhookBurst bound POST /v1/webhooks.
	// Zero rate disables limiting.
	WebhookRate  float64
	WebhookBurst int

	// EventBuffer is the per-connection buffer of the event stream.
	// Default: 256
	EventBuffer int

	// ServiceName labels the server spans.
	// Default: "rolloutd"
	ServiceName string

	Logger *slog.Logger
}

// Server holds the router and its dependencies.
type Server struct {
	opts    Options
	router  *gin.Engine
	limiter *rate.Limiter
	logger  *slog.Logger
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "rolloutd"
	}
	limit := rate.Inf
	if opts.WebhookRate > 0 {
		limit = rate.Limit(opts.WebhookRate)
	}
	burst := opts.WebhookBurst
	if burst < 1 {
		burst = 1
	}

	s := &Server{
		opts:    opts,
		limiter: rate.NewLimiter(limit, burst),
		logger:  opts.Logger.With(slog.String("component", "api")),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(opts.ServiceName))
	router.Use(s.requestLogger())
	s.routes(router)
	s.router = router
	return s
}

func (s *Server) routes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}

	v1 := router.Group("/v1")
	{
		v1.POST("/webhooks", s.rateLimited(), s.handleWebhook)

		pipelines := v1.Group("/pipelines")
		{
			pipelines.GET("", s.handleListPipelines)
			pipelines.GET("/:id", s.handleGetPipeline)
			pipelines.POST("/:id/cancel", s.handleCancelPipeline)
		}

		deployments := v1.Group("/deployments")
		{
			deployments.GET("", s.handleListDeployments)
			deployments.GET("/:id", s.handleGetDeployment)
			deployments.POST("/:id/approve", s.handleApprove)
			deployments.POST("/:id/abort", s.handleAbort)
		}

		v1.GET("/health/:environment/:service", s.handleHealth)
		v1.GET("/breakers", s.handleBreakers)
		if s.opts.Bus != nil {
			v1.GET("/events", s.handleEvents)
		}
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("api listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			return
		}
		s.logger.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}

func (s *Server) rateLimited() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "webhook rate limit exceeded",
				Code:  "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}
