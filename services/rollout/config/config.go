// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the rollout controller configuration.
//
// The configuration is a single YAML file. Load applies defaults, checks
// struct tags with go-playground/validator and then runs the semantic
// checks tags cannot express (pipeline stage references, rollout profiles,
// environment thresholds). An invalid file is rejected as a whole; the
// controller never runs with a partially valid configuration.
//
// # Example
//
//	dry_run: true
//	environments:
//	  production:
//	    thresholds: {max_error_rate: 0.01, max_latency: 300ms, min_availability: 0.999}
//	  development:
//	    thresholds: {max_error_rate: 0.10, max_latency: 2s, min_availability: 0.9}
//	rollouts:
//	  canary:
//	    strategy: canary
//	    steps: [{weight: 10, duration: 5m}, {weight: 50, duration: 10m, pause: true}]
//	pipelines:
//	  - name: web
//	    stages:
//	      - {name: build, type: build, steps: [{name: compile, command: make}]}
//	      - name: production
//	        type: deploy
//	        deploy: {environment: production, service: web, rollout: canary}
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/analysis"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/health"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/metrics"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/notify"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/pipeline"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/store"
)

// =============================================================================
// Schema
// =============================================================================

// Config is the root of the configuration file.
type Config struct {
	// DryRun swaps the control plane, traffic controller and metrics
	// backend for in-memory implementations.
	DryRun bool `yaml:"dry_run"`

	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Store        store.Config       `yaml:"store"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Resilience   ResilienceConfig   `yaml:"resilience"`
	Engine       EngineConfig       `yaml:"engine"`
	Health       HealthConfig       `yaml:"health"`
	Steps        StepsConfig        `yaml:"steps"`
	Notify       NotifyConfig       `yaml:"notify"`

	// Environments maps an environment name to its health policy.
	Environments map[string]Environment `yaml:"environments" validate:"required,min=1,dive"`

	// Rollouts maps a profile name to a rollout strategy configuration.
	Rollouts map[string]RolloutProfile `yaml:"rollouts" validate:"required,min=1,dive"`

	Pipelines []pipeline.Definition `yaml:"pipelines" validate:"dive"`

	// DefaultPipeline runs for trigger events that name no pipeline.
	// Default: the first pipeline
	DefaultPipeline string `yaml:"default_pipeline"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Listen is the address the API binds.
	// Default: ":8080"
	Listen string `yaml:"listen" validate:"required"`

	// WebhookRate and WebhookBurst bound trigger ingestion per second.
	// Default: 10 and 20
	WebhookRate  float64 `yaml:"webhook_rate" validate:"gt=0"`
	WebhookBurst int     `yaml:"webhook_burst" validate:"gt=0"`

	// EventBuffer is the per-subscriber buffer of the event stream.
	// Default: 256
	EventBuffer int `yaml:"event_buffer" validate:"gt=0"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: info
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Format is the console encoding: text, json, or auto (text on a
	// terminal, JSON otherwise).
	// Default: text
	Format string `yaml:"format" validate:"oneof=text json auto"`

	// Dir enables a daily JSON log file alongside stderr.
	Dir string `yaml:"dir"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	// ServiceName is the resource service.name.
	// Default: "rolloutd"
	ServiceName string `yaml:"service_name" validate:"required"`

	// OTLPEndpoint enables the OTLP gRPC exporter, e.g. "localhost:4317".
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Stdout writes spans to stdout when no OTLP endpoint is set.
	Stdout bool `yaml:"stdout"`

	// SampleRatio is the parent-based trace sampling ratio.
	// Default: 1
	SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
}

// ControlPlaneConfig configures the cluster control plane client.
type ControlPlaneConfig struct {
	// URL of the control plane API. Required unless DryRun.
	URL   string `yaml:"url" validate:"omitempty,url"`
	Token string `yaml:"token"`

	// Timeout bounds one HTTP request.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// PropagationDelay is waited after every traffic split change.
	PropagationDelay time.Duration `yaml:"propagation_delay" validate:"gte=0"`
}

// MetricsConfig selects the metrics backend.
type MetricsConfig struct {
	// Influx is required unless DryRun.
	Influx *metrics.InfluxConfig `yaml:"influx"`

	// Static series keyed by a query substring, used in dry-run mode.
	Static map[string][]float64 `yaml:"static"`
}

// BreakerConfig mirrors breaker.Config for the file.
type BreakerConfig struct {
	// Default: 5
	FailureThreshold int `yaml:"failure_threshold" validate:"gte=0"`
	// Default: 30s
	ResetTimeout time.Duration `yaml:"reset_timeout" validate:"gte=0"`
	// Default: 10s
	CallTimeout time.Duration `yaml:"call_timeout" validate:"gte=0"`
}

// RetryConfig mirrors resilience.RetryPolicy for the file.
type RetryConfig struct {
	// Default: 3
	Attempts uint `yaml:"attempts"`
	// Default: 200ms
	Delay time.Duration `yaml:"delay" validate:"gte=0"`
	// Default: 5s
	MaxDelay time.Duration `yaml:"max_delay" validate:"gte=0"`
}

// ResilienceConfig configures breakers and retries for outbound calls.
type ResilienceConfig struct {
	Breaker BreakerConfig `yaml:"breaker"`
	Retry   RetryConfig   `yaml:"retry"`

	// Dependencies overrides Breaker per dependency ("control-plane",
	// "metrics").
	Dependencies map[string]BreakerConfig `yaml:"dependencies" validate:"dive"`
}

// EngineConfig mirrors the rollout engine timing knobs.
type EngineConfig struct {
	// Default: 1s
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	// Default: 5m
	ReadyTimeout time.Duration `yaml:"ready_timeout" validate:"gt=0"`
	// Default: 30m
	ApprovalTimeout time.Duration `yaml:"approval_timeout" validate:"gt=0"`
	// Default: 2m
	RollbackTimeout time.Duration `yaml:"rollback_timeout" validate:"gt=0"`
}

// WatchTarget is a service monitored continuously, not only during a
// rollout.
type WatchTarget struct {
	Environment string `yaml:"environment" validate:"required"`
	Service     string `yaml:"service" validate:"required"`
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	// Default: 15s
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
	// Default: 3 x Interval
	Window time.Duration `yaml:"window" validate:"gt=0"`
	// Default: 3
	Confirmations int `yaml:"confirmations" validate:"gt=0"`
	// Default: 120
	HistorySize int `yaml:"history_size" validate:"gt=0"`
	// Default: 15m
	HistoryMaxAge time.Duration `yaml:"history_max_age" validate:"gt=0"`
	// Lookback is the range each probe query covers.
	// Default: 1m
	Lookback time.Duration `yaml:"lookback" validate:"gt=0"`

	// Queries are the signal queries. Defaults target the influx
	// "http_requests" measurement.
	Queries health.Queries `yaml:"queries"`

	Watch []WatchTarget `yaml:"watch" validate:"dive"`
}

// StepsConfig configures the local step runner.
type StepsConfig struct {
	WorkDir string `yaml:"work_dir"`
	// Default: 10m
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	// Default: 500
	MaxOutputLines int `yaml:"max_output_lines" validate:"gt=0"`
}

// NotifyConfig configures notification sinks.
type NotifyConfig struct {
	// Log writes every event to the controller log.
	Log bool `yaml:"log"`

	// Buffer is the dispatcher's per-sink queue.
	// Default: 128
	Buffer int `yaml:"buffer" validate:"gt=0"`

	Webhooks []notify.WebhookConfig `yaml:"webhooks" validate:"dive"`
}

// Environment is the health policy of one environment.
type Environment struct {
	Thresholds health.Thresholds `yaml:"thresholds"`

	// Confirmations overrides Health.Confirmations.
	Confirmations int `yaml:"confirmations" validate:"gte=0"`

	// ApprovalTimeout overrides Engine.ApprovalTimeout.
	ApprovalTimeout time.Duration `yaml:"approval_timeout" validate:"gte=0"`
}

// RolloutProfile is a named rollout strategy configuration.
type RolloutProfile struct {
	Strategy domain.Strategy `yaml:"strategy" validate:"required,oneof=canary blue-green rolling recreate"`

	// Default: 1
	Replicas int `yaml:"replicas" validate:"gte=0"`

	Steps []domain.CanaryStep `yaml:"steps"`

	ApprovalTimeout time.Duration `yaml:"approval_timeout" validate:"gte=0"`

	Metrics       []analysis.MetricDefinition `yaml:"metrics"`
	PrePromotion  []analysis.MetricDefinition `yaml:"pre_promotion"`
	PostPromotion []analysis.MetricDefinition `yaml:"post_promotion"`
	Window        analysis.Window             `yaml:"window"`

	ScaleDownDelay time.Duration `yaml:"scale_down_delay" validate:"gte=0"`
	MaxSurge       int           `yaml:"max_surge" validate:"gte=0"`
	MaxUnavailable int           `yaml:"max_unavailable" validate:"gte=0"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultQueries are Flux templates for the health signals.
func DefaultQueries() health.Queries {
	const base = `from(bucket: "{{bucket}}") |> range(start: {{start}}) |> filter(fn: (r) => r._measurement == "http_requests" and r.environment == "{{environment}}" and r.service == "{{service}}" and r._field == "%s")`
	return health.Queries{
		ErrorRate:    fmt.Sprintf(base, "error_rate"),
		LatencyMs:    fmt.Sprintf(base, "latency_ms"),
		Availability: fmt.Sprintf(base, "availability"),
	}
}

// applyDefaults fills every unset field.
func (c *Config) applyDefaults() {
	setDefault(&c.Server.Listen, ":8080")
	setDefault(&c.Server.WebhookRate, 10)
	setDefault(&c.Server.WebhookBurst, 20)
	setDefault(&c.Server.EventBuffer, 256)
	setDefault(&c.Server.ShutdownTimeout, 30*time.Second)

	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "text")
	setDefault(&c.Telemetry.ServiceName, "rolloutd")
	setDefault(&c.Telemetry.SampleRatio, 1)

	if c.Store == (store.Config{}) {
		if c.DryRun {
			c.Store = store.InMemoryConfig()
		} else {
			c.Store = store.DefaultConfig()
			c.Store.Path = "data/rolloutd"
		}
	}

	setDefault(&c.ControlPlane.Timeout, 30*time.Second)

	setDefault(&c.Engine.PollInterval, time.Second)
	setDefault(&c.Engine.ReadyTimeout, 5*time.Minute)
	setDefault(&c.Engine.ApprovalTimeout, 30*time.Minute)
	setDefault(&c.Engine.RollbackTimeout, 2*time.Minute)

	setDefault(&c.Health.Interval, 15*time.Second)
	setDefault(&c.Health.Window, 3*c.Health.Interval)
	setDefault(&c.Health.Confirmations, 3)
	setDefault(&c.Health.HistorySize, 120)
	setDefault(&c.Health.HistoryMaxAge, 15*time.Minute)
	setDefault(&c.Health.Lookback, time.Minute)
	if c.Health.Queries == (health.Queries{}) {
		c.Health.Queries = DefaultQueries()
	}

	setDefault(&c.Steps.Timeout, 10*time.Minute)
	setDefault(&c.Steps.MaxOutputLines, 500)

	setDefault(&c.Notify.Buffer, 128)
	for i := range c.Notify.Webhooks {
		w := &c.Notify.Webhooks[i]
		setDefault(&w.Rate, 5)
		setDefault(&w.Burst, 10)
		setDefault(&w.Timeout, 5*time.Second)
	}

	for name, env := range c.Environments {
		if env.Thresholds == (health.Thresholds{}) {
			env.Thresholds = health.DefaultThresholds()
		}
		setDefault(&env.Thresholds.DegradedRatio, 0.8)
		c.Environments[name] = env
	}
	for name, p := range c.Rollouts {
		setDefault(&p.Replicas, 1)
		c.Rollouts[name] = p
	}
	if c.DefaultPipeline == "" && len(c.Pipelines) > 0 {
		c.DefaultPipeline = c.Pipelines[0].Name
	}
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// =============================================================================
// Loading
// =============================================================================

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Load reads, defaults and validates the file at path.
//
// # Outputs
//
//   - *Config: The validated configuration.
//   - error: Read or parse failures, or a domain.ValidationError listing
//     every problem (matches domain.ErrInvalidConfig).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates. Unknown keys are
// rejected. An empty document is an empty configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parse yaml: %v", domain.ErrInvalidConfig, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs tag validation and the semantic checks.
func (c *Config) Validate() error {
	v := &domain.ValidationError{Subject: "config"}

	if err := getValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				v.Add("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag())
			}
		} else {
			v.Add("%v", err)
		}
	}

	if !c.DryRun {
		if c.ControlPlane.URL == "" {
			v.Add("control_plane.url is required unless dry_run is set")
		}
		if c.Metrics.Influx == nil {
			v.Add("metrics.influx is required unless dry_run is set")
		}
	}

	for _, name := range sortedKeys(c.Rollouts) {
		if _, err := c.Rollouts[name].request("validate", "validate", "v0"); err != nil {
			appendProblems(v, fmt.Sprintf("rollout %q", name), err)
		}
	}

	seen := make(map[string]bool, len(c.Pipelines))
	for _, def := range c.Pipelines {
		if seen[def.Name] {
			v.Add("pipeline %q: duplicate name", def.Name)
		}
		seen[def.Name] = true
		if err := def.Validate(); err != nil {
			appendProblems(v, "", err)
		}
		for _, st := range def.Stages {
			if st.Type != domain.StageDeploy || st.Deploy == nil {
				continue
			}
			if _, ok := c.Environments[st.Deploy.Environment]; !ok {
				v.Add("pipeline %q stage %q: unknown environment %q", def.Name, st.Name, st.Deploy.Environment)
			}
			if _, ok := c.Rollouts[st.Deploy.Rollout]; !ok {
				v.Add("pipeline %q stage %q: unknown rollout profile %q", def.Name, st.Name, st.Deploy.Rollout)
			}
		}
	}
	if c.DefaultPipeline != "" && !seen[c.DefaultPipeline] {
		v.Add("default_pipeline %q is not defined", c.DefaultPipeline)
	}

	for _, w := range c.Health.Watch {
		if _, ok := c.Environments[w.Environment]; !ok {
			v.Add("health.watch %s: unknown environment %q", w.Service, w.Environment)
		}
	}
	return v.Err()
}

func appendProblems(v *domain.ValidationError, prefix string, err error) {
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		v.Add("%s: %v", prefix, err)
		return
	}
	subject := ve.Subject
	if prefix != "" {
		subject = prefix
	}
	for _, p := range ve.Problems {
		v.Add("%s: %s", subject, p)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Pipeline returns the named pipeline, or the default one for an empty
// name.
func (c *Config) Pipeline(name string) (pipeline.Definition, bool) {
	if name == "" {
		name = c.DefaultPipeline
	}
	for _, def := range c.Pipelines {
		if def.Name == name {
			return def, true
		}
	}
	return pipeline.Definition{}, false
}

// Thresholds returns the thresholds of an environment, the package
// defaults for an unknown one.
func (c *Config) Thresholds(environment string) health.Thresholds {
	if env, ok := c.Environments[environment]; ok {
		return env.Thresholds
	}
	return health.DefaultThresholds()
}

// HealthOptions returns the watch options for an environment.
func (c *Config) HealthOptions(environment string) health.Options {
	opts := health.Options{
		Interval:      c.Health.Interval,
		Window:        c.Health.Window,
		Thresholds:    c.Thresholds(environment),
		Confirmations: c.Health.Confirmations,
	}
	if env, ok := c.Environments[environment]; ok && env.Confirmations > 0 {
		opts.Confirmations = env.Confirmations
	}
	return opts
}
