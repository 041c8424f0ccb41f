// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package scoring

import (
	"fmt"
	"math"
)

// CurveKind selects the normalization shape.
type CurveKind string

const (
	// Linear maps Floor..Ceiling to 0..1 (higher raw is better).
	Linear CurveKind = "linear"
	// InverseLinear maps Floor..Ceiling to 1..0 (lower raw is better).
	InverseLinear CurveKind = "inverse_linear"
)

// Curve normalizes a raw dimension value to [0,1]. Values outside
// Floor..Ceiling are clamped.
type Curve struct {
	Kind    CurveKind `toml:"kind" json:"kind"`
	Floor   float64   `toml:"floor" json:"floor"`
	Ceiling float64   `toml:"ceiling" json:"ceiling"`
}

// Apply normalizes x.
func (c Curve) Apply(x float64) float64 {
	span := c.Ceiling - c.Floor
	if span <= 0 || math.IsNaN(x) {
		return 0
	}
	t := (x - c.Floor) / span
	t = math.Max(0, math.Min(1, t))
	if c.Kind == InverseLinear {
		return 1 - t
	}
	return t
}

// WithCeiling returns a copy capped at ceiling when that is tighter.
func (c Curve) WithCeiling(ceiling float64) Curve {
	if ceiling > c.Floor && ceiling < c.Ceiling {
		c.Ceiling = ceiling
	}
	return c
}

// Validate checks the curve is usable.
func (c Curve) Validate() error {
	switch c.Kind {
	case Linear, InverseLinear:
	default:
		return fmt.Errorf("unknown curve kind %q", c.Kind)
	}
	if c.Ceiling <= c.Floor {
		return fmt.Errorf("curve ceiling %.4f must exceed floor %.4f", c.Ceiling, c.Floor)
	}
	return nil
}

// Curves holds the per-dimension curves for the dimensions computed from
// numeric descriptor fields. PolicyCompliance and Availability are discrete
// and have fixed mappings.
type Curves struct {
	Quality      Curve `toml:"quality" json:"quality"`
	Cost         Curve `toml:"cost" json:"cost"`
	Latency      Curve `toml:"latency" json:"latency"`
	Knowledge    Curve `toml:"knowledge" json:"knowledge"`
	Reasoning    Curve `toml:"reasoning" json:"reasoning"`
	EthicsSafety Curve `toml:"ethics_safety" json:"ethics_safety"`
}

// DefaultCurves: quality and the 0..100 scores are linear over [0,100];
// cost is inverse-linear up to a 0.03 per-1K budget ceiling; latency (p95)
// is inverse-linear up to a 3s SLA ceiling; proficiency is linear over [0,1].
func DefaultCurves() Curves {
	return Curves{
		Quality:      Curve{Kind: Linear, Floor: 0, Ceiling: 100},
		Cost:         Curve{Kind: InverseLinear, Floor: 0, Ceiling: 0.03},
		Latency:      Curve{Kind: InverseLinear, Floor: 0, Ceiling: 3000},
		Knowledge:    Curve{Kind: Linear, Floor: 0, Ceiling: 1},
		Reasoning:    Curve{Kind: Linear, Floor: 0, Ceiling: 100},
		EthicsSafety: Curve{Kind: Linear, Floor: 0, Ceiling: 100},
	}
}

// Validate checks every curve.
func (c Curves) Validate() error {
	named := map[string]Curve{
		"quality":       c.Quality,
		"cost":          c.Cost,
		"latency":       c.Latency,
		"knowledge":     c.Knowledge,
		"reasoning":     c.Reasoning,
		"ethics_safety": c.EthicsSafety,
	}
	for _, name := range []string{"quality", "cost", "latency", "knowledge", "reasoning", "ethics_safety"} {
		if err := named[name].Validate(); err != nil {
			return fmt.Errorf("scoring.curves.%s: %w", name, err)
		}
	}
	return nil
}
