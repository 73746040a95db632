// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package controller wires the rollout components into one process.
//
// A Controller owns the event bus, the store, the breakers, the health
// monitor, the rollout engine and the pipeline executor. It implements
// api.Service, so the HTTP layer never reaches into the components.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/analysis"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/api"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/breaker"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/cluster"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/config"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/engine"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/events"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/health"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/metrics"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/notify"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/pipeline"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/resilience"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/store"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/telemetry"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/traffic"
)

// Options overrides collaborators built from configuration.
type Options struct {
	// ControlPlane replaces the HTTP client (or the in-memory cluster in
	// dry-run mode).
	ControlPlane cluster.ControlPlane

	// Metrics replaces the Influx (or static) backend.
	Metrics metrics.Backend

	// Runner replaces the local command runner.
	Runner pipeline.StepRunner

	// ConfigPath enables hot reload of the file it names.
	ConfigPath string

	Logger *slog.Logger
}

// Controller is the running rollout controller.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
type Controller struct {
	mu  sync.RWMutex
	cfg *config.Config

	opts   Options
	logger *slog.Logger

	bus        *events.Bus
	store      *store.Store
	influx     *metrics.Influx
	breakers   *breaker.Registry
	guard      *resilience.Guard
	monitor    *health.Monitor
	engine     *engine.Engine
	executor   *pipeline.Executor
	recorder   *telemetry.Recorder
	dispatcher *notify.Dispatcher
	server     *api.Server

	// watched holds the service ids watched because of health.watch.
	watched map[string]bool

	base     context.Context
	stop     context.CancelFunc
	runs     sync.WaitGroup
	recorded *events.Subscription

	consumers     context.CancelFunc
	consumerGroup *errgroup.Group
	shutdownOnce  sync.Once
	shutdownErr   error
}

// New builds every component from cfg. Nothing runs until Start.
//
// # Inputs
//
//   - cfg: A validated configuration, usually from config.Load.
//   - opts: Optional overrides.
//
// # Outputs
//
//   - *Controller: Ready to Start.
//   - error: Non-nil if the store cannot be opened or a component
//     rejects its configuration.
func New(cfg *config.Config, opts Options) (*Controller, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil configuration", domain.ErrInvalidConfig)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		bus:     events.NewBus(),
		watched: make(map[string]bool),
	}
	c.base, c.stop = context.WithCancel(context.Background())

	storeCfg := cfg.Store
	storeCfg.Logger = logger
	st, err := store.Open(storeCfg)
	if err != nil {
		return nil, err
	}
	c.store = st

	c.breakers = breaker.NewRegistry(breakerConfig(cfg.Resilience.Breaker, c.onBreakerTransition))
	for name, bc := range cfg.Resilience.Dependencies {
		c.breakers.Configure(name, breakerConfig(bc, nil))
	}
	c.guard = resilience.NewGuard(c.breakers, resilience.RetryPolicy{
		Attempts: cfg.Resilience.Retry.Attempts,
		Delay:    cfg.Resilience.Retry.Delay,
		MaxDelay: cfg.Resilience.Retry.MaxDelay,
	}, logger.With(slog.String("component", "resilience")))

	cp := c.controlPlane()
	backend := c.metricsBackend()

	var sink health.SnapshotSink
	if c.influx != nil && cfg.Metrics.Influx.HealthMeasurement != "" {
		sink = c.influx
	}
	c.monitor = health.NewMonitor(
		health.NewMetricsProber(backend, c.guard, cfg.Health.Queries, cfg.Health.Lookback),
		health.Config{
			HistorySize:   cfg.Health.HistorySize,
			HistoryMaxAge: cfg.Health.HistoryMaxAge,
			Defaults:      monitorDefaults(cfg),
			Publisher:     c.bus,
			Sink:          sink,
			Logger:        logger.With(slog.String("component", "health")),
		})

	c.engine, err = engine.New(engine.Config{
		ControlPlane:    cp,
		Traffic:         traffic.NewMeshController(cp, c.guard, cfg.ControlPlane.PropagationDelay, logger.With(slog.String("component", "traffic"))),
		Analyzer:        analysis.NewAnalyzer(backend, c.guard, logger.With(slog.String("component", "analysis"))),
		Guard:           c.guard,
		Health:          c.monitor,
		Store:           c.store,
		Publisher:       c.bus,
		Logger:          logger.With(slog.String("component", "engine")),
		PollInterval:    cfg.Engine.PollInterval,
		ReadyTimeout:    cfg.Engine.ReadyTimeout,
		ApprovalTimeout: cfg.Engine.ApprovalTimeout,
		RollbackTimeout: cfg.Engine.RollbackTimeout,
	})
	if err != nil {
		c.stop()
		_ = c.closeResources()
		return nil, err
	}
	c.monitor.SetRollbackHandler(c.engine.HandleRollbackTrigger)

	runner := opts.Runner
	if runner == nil {
		runner = &pipeline.CommandRunner{
			WorkDir:  cfg.Steps.WorkDir,
			MaxLines: cfg.Steps.MaxOutputLines,
			Logger:   logger.With(slog.String("component", "runner")),
		}
	}
	c.executor, err = pipeline.NewExecutor(pipeline.Config{
		Runner:      runner,
		Deployer:    &deployer{c: c},
		Store:       c.store,
		Publisher:   c.bus,
		Logger:      logger.With(slog.String("component", "pipeline")),
		StepTimeout: cfg.Steps.Timeout,
	})
	if err != nil {
		c.stop()
		_ = c.closeResources()
		return nil, err
	}

	c.recorder = telemetry.NewRecorder()
	c.recorded = c.bus.Subscribe(cfg.Server.EventBuffer)
	c.dispatcher = notify.NewDispatcher(c.bus, cfg.Notify.Buffer, logger, c.sinks(cfg)...)
	c.server = api.NewServer(api.Options{
		Service:      c,
		Bus:          c.bus,
		Metrics:      c.recorder.Handler(),
		WebhookRate:  cfg.Server.WebhookRate,
		WebhookBurst: cfg.Server.WebhookBurst,
		EventBuffer:  cfg.Server.EventBuffer,
		ServiceName:  cfg.Telemetry.ServiceName,
		Logger:       logger,
	})
	return c, nil
}

func breakerConfig(bc config.BreakerConfig, hook func(breaker.Transition)) breaker.Config {
	return breaker.Config{
		FailureThreshold: bc.FailureThreshold,
		ResetTimeout:     bc.ResetTimeout,
		CallTimeout:      bc.CallTimeout,
		OnStateChange:    hook,
	}
}

func monitorDefaults(cfg *config.Config) health.Options {
	return health.Options{
		Interval:      cfg.Health.Interval,
		Window:        cfg.Health.Window,
		Thresholds:    health.DefaultThresholds(),
		Confirmations: cfg.Health.Confirmations,
	}
}

func (c *Controller) controlPlane() cluster.ControlPlane {
	switch {
	case c.opts.ControlPlane != nil:
		return c.opts.ControlPlane
	case c.cfg.DryRun:
		c.logger.Warn("dry-run mode: using the in-memory control plane")
		return cluster.NewMemory()
	default:
		return cluster.NewHTTPClient(c.cfg.ControlPlane.URL, c.cfg.ControlPlane.Token,
			&http.Client{Timeout: c.cfg.ControlPlane.Timeout})
	}
}

func (c *Controller) metricsBackend() metrics.Backend {
	if c.opts.Metrics != nil {
		return c.opts.Metrics
	}
	if c.cfg.Metrics.Influx != nil && !c.cfg.DryRun {
		c.influx = metrics.NewInflux(*c.cfg.Metrics.Influx)
		return c.influx
	}
	static := metrics.NewStatic()
	for key, series := range c.cfg.Metrics.Static {
		static.Set(key, series...)
	}
	// Healthy defaults so a dry run without static series can progress.
	if _, ok := c.cfg.Metrics.Static["error_rate"]; !ok {
		static.Set("error_rate", 0)
	}
	if _, ok := c.cfg.Metrics.Static["latency_ms"]; !ok {
		static.Set("latency_ms", 50)
	}
	if _, ok := c.cfg.Metrics.Static["availability"]; !ok {
		static.Set("availability", 1)
	}
	return static
}

func (c *Controller) sinks(cfg *config.Config) []notify.Sink {
	var sinks []notify.Sink
	if cfg.Notify.Log {
		sinks = append(sinks, notify.NewLogSink(c.logger.With(slog.String("component", "events"))))
	}
	for _, w := range cfg.Notify.Webhooks {
		hook := notify.NewWebhook(w, c.guard, nil)
		c.breakers.Configure(hook.Dependency(), breakerConfig(cfg.Resilience.Breaker, nil))
		sinks = append(sinks, hook)
	}
	return sinks
}

// onBreakerTransition turns breaker transitions into events.
func (c *Controller) onBreakerTransition(tr breaker.Transition) {
	payload := &events.BreakerPayload{
		Dependency: tr.Dependency,
		From:       tr.From.String(),
		To:         tr.To.String(),
		Failures:   tr.Failures,
	}
	c.bus.Publish(events.Event{Type: events.BreakerStateChanged, At: tr.At, Breaker: payload})
	if tr.To == breaker.Open {
		c.logger.Warn("circuit breaker opened",
			slog.String("dependency", tr.Dependency),
			slog.Int("failures", tr.Failures))
		c.bus.Publish(events.Event{Type: events.BreakerOpened, At: tr.At, Breaker: payload})
	}
}

func (c *Controller) config() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Bus returns the event bus.
func (c *Controller) Bus() *events.Bus { return c.bus }

// Handler returns the HTTP API.
func (c *Controller) Handler() http.Handler { return c.server.Handler() }

// Recorder returns the metrics recorder.
func (c *Controller) Recorder() *telemetry.Recorder { return c.recorder }

// =============================================================================
// Lifecycle
// =============================================================================

// Start recovers interrupted work and starts the background consumers
// and configured health watches. It does not serve HTTP; see Run.
func (c *Controller) Start(ctx context.Context) error {
	if n, err := c.engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover deployments: %w", err)
	} else if n > 0 {
		c.logger.Warn("rolled back deployments interrupted by a restart", slog.Int("count", n))
	}
	if n, err := c.executor.Recover(ctx); err != nil {
		return fmt.Errorf("recover pipelines: %w", err)
	} else if n > 0 {
		c.logger.Warn("failed pipeline executions interrupted by a restart", slog.Int("count", n))
	}

	consumerCtx, cancel := context.WithCancel(context.Background())
	c.consumers = cancel
	c.consumerGroup = &errgroup.Group{}
	c.consumerGroup.Go(func() error {
		c.recorder.Run(consumerCtx, c.recorded)
		return nil
	})
	c.consumerGroup.Go(func() error { return c.dispatcher.Run(consumerCtx) })

	c.applyWatches(c.config())
	c.logger.Info("controller started",
		slog.Bool("dry_run", c.config().DryRun),
		slog.Int("pipelines", len(c.config().Pipelines)))
	return nil
}

// Run starts the controller, serves the API and watches the config file
// until ctx is done, then shuts down.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		_ = c.Shutdown(context.Background())
		return err
	}
	cfg := c.config()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.server.ListenAndServe(gctx, cfg.Server.Listen, cfg.Server.ShutdownTimeout)
	})
	if c.opts.ConfigPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, c.opts.ConfigPath, c.Reload, c.logger)
		})
	}
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(err, c.Shutdown(shutdownCtx))
}

// Shutdown cancels running pipelines, rolls back running deployments
// and closes every resource. Safe to call more than once.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		for _, id := range c.executor.Running() {
			_ = c.executor.Cancel(id, "controller shutting down")
		}
		var errs []error
		if err := c.engine.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown engine: %w", err))
		}
		c.stop()

		done := make(chan struct{})
		go func() {
			c.runs.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for pipelines: %w", ctx.Err()))
		}

		c.monitor.Close()
		if c.consumers != nil {
			c.consumers()
			_ = c.consumerGroup.Wait()
		}
		c.bus.Close()
		errs = append(errs, c.closeResources())
		c.shutdownErr = errors.Join(errs...)
		c.logger.Info("controller stopped")
	})
	return c.shutdownErr
}

func (c *Controller) closeResources() error {
	if c.influx != nil {
		c.influx.Close()
	}
	return c.store.Close()
}

// =============================================================================
// Configuration Reload
// =============================================================================

// Reload applies a new configuration.
//
// # Description
//
// Pipelines, rollout profiles, environment thresholds and health watches
// take effect immediately; running rollouts keep the options they started
// with, except that watched services pick up new thresholds. Listen
// address, store, control plane and metrics backend changes need a
// restart and are only logged.
func (c *Controller) Reload(next *config.Config) {
	if next == nil {
		return
	}
	c.mu.Lock()
	prev := c.cfg
	c.cfg = next
	c.mu.Unlock()

	if prev.Server.Listen != next.Server.Listen ||
		prev.Store.Path != next.Store.Path ||
		prev.ControlPlane.URL != next.ControlPlane.URL ||
		prev.DryRun != next.DryRun {
		c.logger.Warn("configuration changes to server, store, control plane or dry-run need a restart")
	}

	c.monitor.SetDefaults(monitorDefaults(next))
	for _, id := range c.monitor.Services() {
		env, _ := health.SplitServiceID(id)
		c.monitor.SetThresholds(id, next.Thresholds(env))
	}
	c.applyWatches(next)
	c.logger.Info("configuration applied",
		slog.Int("pipelines", len(next.Pipelines)),
		slog.Int("rollouts", len(next.Rollouts)))
}

// applyWatches reconciles the configured health watches.
func (c *Controller) applyWatches(cfg *config.Config) {
	want := make(map[string]string, len(cfg.Health.Watch))
	for _, w := range cfg.Health.Watch {
		want[health.ServiceID(w.Environment, w.Service)] = w.Environment
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.watched {
		if _, ok := want[id]; !ok {
			c.monitor.Unwatch(id)
			delete(c.watched, id)
		}
	}
	for id, env := range want {
		if c.watched[id] {
			continue
		}
		c.monitor.Watch(c.base, id, cfg.HealthOptions(env))
		c.watched[id] = true
	}
}
