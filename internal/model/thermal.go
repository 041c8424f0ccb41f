// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"strings"
	"time"
)

// ThermalLevel is the readiness tier of a self-hosted target.
// Levels are ordered: OFF < COLD < WARM < HOT.
type ThermalLevel int

const (
	ThermalOff ThermalLevel = iota
	ThermalCold
	ThermalWarm
	ThermalHot
)

// String returns the upper-case level name.
func (l ThermalLevel) String() string {
	switch l {
	case ThermalOff:
		return "OFF"
	case ThermalCold:
		return "COLD"
	case ThermalWarm:
		return "WARM"
	case ThermalHot:
		return "HOT"
	default:
		return fmt.Sprintf("ThermalLevel(%d)", int(l))
	}
}

// Ready reports whether a request can be served without provisioning.
func (l ThermalLevel) Ready() bool {
	return l >= ThermalWarm
}

// ParseThermalLevel parses a level name (case-insensitive).
func ParseThermalLevel(s string) (ThermalLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OFF":
		return ThermalOff, nil
	case "COLD":
		return ThermalCold, nil
	case "WARM":
		return ThermalWarm, nil
	case "HOT":
		return ThermalHot, nil
	default:
		return ThermalOff, fmt.Errorf("invalid thermal state %q", s)
	}
}

// MarshalText encodes the level by name.
func (l ThermalLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *ThermalLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseThermalLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ThermalState is a point-in-time view of one thermal-capable model.
type ThermalState struct {
	ModelID              string       `json:"model_id"`
	State                ThermalLevel `json:"state"`
	LastTransitionAt     time.Time    `json:"last_transition_at"`
	LastDemandAt         time.Time    `json:"last_demand_at"`
	InFlightProvisioning bool         `json:"in_flight_provisioning"`
	PendingWaiters       int          `json:"pending_waiters"`
	ProvisionCount       int          `json:"provision_count"`
}
