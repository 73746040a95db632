// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
)

// InfluxConfig locates an InfluxDB 2.x instance.
type InfluxConfig struct {
	URL    string `yaml:"url" validate:"required,url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org" validate:"required"`
	Bucket string `yaml:"bucket" validate:"required"`

	// HealthMeasurement is the measurement health snapshots are written
	// to. Empty disables snapshot recording.
	HealthMeasurement string `yaml:"health_measurement"`
}

// Influx evaluates Flux queries.
//
// # Description
//
// Queries may reference {{bucket}} and {{start}}; both are expanded before
// the query is sent. {{start}} becomes a negative Flux duration covering
// the window, so a typical query looks like:
//
//	from(bucket: "{{bucket}}")
//	  |> range(start: {{start}})
//	  |> filter(fn: (r) => r._measurement == "http" and r.service == "checkout")
//	  |> filter(fn: (r) => r._field == "error_rate")
//
// Every record whose value is numeric contributes one sample.
//
// # Thread Safety
//
// Influx is safe for concurrent use.
type Influx struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	writeAPI api.WriteAPIBlocking
	cfg      InfluxConfig
}

// NewInflux creates a client. It does not contact the server.
func NewInflux(cfg InfluxConfig) *Influx {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Influx{
		client:   client,
		queryAPI: client.QueryAPI(cfg.Org),
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		cfg:      cfg,
	}
}

// Query implements Backend.
func (i *Influx) Query(ctx context.Context, query string, window time.Duration) ([]float64, error) {
	flux := ExpandFlux(query, i.cfg.Bucket, window)
	result, err := i.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	defer result.Close()

	var series []float64
	for result.Next() {
		if v, ok := numeric(result.Record().Value()); ok {
			series = append(series, v)
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("influx result: %w", err)
	}
	return series, nil
}

// WriteSnapshot records a health snapshot as a point.
func (i *Influx) WriteSnapshot(ctx context.Context, snap domain.HealthSnapshot) error {
	if i.cfg.HealthMeasurement == "" {
		return nil
	}
	p := influxdb2.NewPointWithMeasurement(i.cfg.HealthMeasurement).
		AddTag("service", snap.ServiceID).
		AddTag("status", string(snap.Status)).
		AddField("error_rate", snap.ErrorRate).
		AddField("latency_ms", float64(snap.Latency)/float64(time.Millisecond)).
		AddField("availability", snap.Availability).
		SetTime(snap.Timestamp)
	if err := i.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// Ping reports whether the server is reachable.
func (i *Influx) Ping(ctx context.Context) error {
	ok, err := i.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influx ping: %w", err)
	}
	if !ok {
		return fmt.Errorf("influx ping: server not ready")
	}
	return nil
}

// Close releases the client.
func (i *Influx) Close() {
	i.client.Close()
}

// ExpandFlux substitutes {{bucket}} and {{start}} in a Flux query.
func ExpandFlux(query, bucket string, window time.Duration) string {
	if window <= 0 {
		window = time.Minute
	}
	start := fmt.Sprintf("-%ds", int64((window+time.Second-1)/time.Second))
	return strings.NewReplacer("{{bucket}}", bucket, "{{start}}", start).Replace(query)
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}
