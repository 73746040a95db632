// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis

import (
	"fmt"
	"math"
	"sort"
)

// Aggregation reduces a series to one value.
type Aggregation string

const (
	AggMean  Aggregation = "mean"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
	AggLast  Aggregation = "last"
	AggSum   Aggregation = "sum"
	AggCount Aggregation = "count"
	AggP50   Aggregation = "p50"
	AggP90   Aggregation = "p90"
	AggP95   Aggregation = "p95"
	AggP99   Aggregation = "p99"
)

// Operator compares the aggregated value with the threshold.
type Operator string

const (
	OpLess         Operator = "lt"
	OpLessEqual    Operator = "lte"
	OpGreater      Operator = "gt"
	OpGreaterEqual Operator = "gte"
	OpEqual        Operator = "eq"
)

var operatorSymbols = map[Operator]string{
	OpLess:         "<",
	OpLessEqual:    "<=",
	OpGreater:      ">",
	OpGreaterEqual: ">=",
	OpEqual:        "==",
}

// Condition is the success condition of a metric. The check passes when
// Aggregation(series) Operator Threshold holds.
type Condition struct {
	Aggregation Aggregation `json:"aggregation" yaml:"aggregation"`
	Operator    Operator    `json:"operator" yaml:"operator"`
	Threshold   float64     `json:"threshold" yaml:"threshold"`
}

// String renders the condition, e.g. "mean < 0.05".
func (c Condition) String() string {
	agg := c.Aggregation
	if agg == "" {
		agg = AggMean
	}
	return fmt.Sprintf("%s %s %g", agg, operatorSymbols[c.Operator], c.Threshold)
}

// Validate checks the aggregation and operator names.
func (c Condition) Validate() error {
	if _, ok := operatorSymbols[c.Operator]; !ok {
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	if c.Aggregation == "" {
		return nil
	}
	if _, ok := aggregate(c.Aggregation, []float64{1}); !ok {
		return fmt.Errorf("unknown aggregation %q", c.Aggregation)
	}
	return nil
}

// Evaluate aggregates series and tests the condition.
//
// # Outputs
//
//   - float64: The aggregated value
//   - bool: Whether the condition holds
//   - error: Non-nil when the series is empty or the condition unknown
func (c Condition) Evaluate(series []float64) (float64, bool, error) {
	if len(series) == 0 {
		return 0, false, fmt.Errorf("no data")
	}
	agg := c.Aggregation
	if agg == "" {
		agg = AggMean
	}
	v, ok := aggregate(agg, series)
	if !ok {
		return 0, false, fmt.Errorf("unknown aggregation %q", agg)
	}
	switch c.Operator {
	case OpLess:
		return v, v < c.Threshold, nil
	case OpLessEqual:
		return v, v <= c.Threshold, nil
	case OpGreater:
		return v, v > c.Threshold, nil
	case OpGreaterEqual:
		return v, v >= c.Threshold, nil
	case OpEqual:
		return v, math.Abs(v-c.Threshold) < 1e-9, nil
	}
	return v, false, fmt.Errorf("unknown operator %q", c.Operator)
}

func aggregate(agg Aggregation, s []float64) (float64, bool) {
	switch agg {
	case AggMean:
		return sum(s) / float64(len(s)), true
	case AggSum:
		return sum(s), true
	case AggCount:
		return float64(len(s)), true
	case AggLast:
		return s[len(s)-1], true
	case AggMin:
		m := s[0]
		for _, v := range s[1:] {
			m = math.Min(m, v)
		}
		return m, true
	case AggMax:
		m := s[0]
		for _, v := range s[1:] {
			m = math.Max(m, v)
		}
		return m, true
	case AggP50:
		return percentile(s, 0.50), true
	case AggP90:
		return percentile(s, 0.90), true
	case AggP95:
		return percentile(s, 0.95), true
	case AggP99:
		return percentile(s, 0.99), true
	}
	return 0, false
}

func sum(s []float64) float64 {
	total := 0.0
	for _, v := range s {
		total += v
	}
	return total
}

// percentile uses the nearest-rank method.
func percentile(s []float64, q float64) float64 {
	sorted := append([]float64(nil), s...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}
