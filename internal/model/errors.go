// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

// Sentinels for errors.Is. The typed errors below match their sentinel.
var (
	ErrNoEligibleModel      = errors.New("no eligible model")
	ErrInvalidProfile       = errors.New("invalid weight profile")
	ErrThermalTimeout       = errors.New("thermal provisioning timeout")
	ErrVerificationRejected = errors.New("verification rejected")
	ErrAuditWrite           = errors.New("audit write failure")
	ErrUnknownDomain        = errors.New("unknown domain")
	ErrBackendUnavailable   = errors.New("backend unavailable")
)

// =============================================================================
// NO ELIGIBLE MODEL
// =============================================================================

// NoEligibleModelError is returned when no candidate survives the hard gates,
// or every survivor was rejected downstream. The engine never substitutes a
// non-compliant model.
type NoEligibleModelError struct {
	TenantID string
	DomainID string
	Reason   string

	// Excluded maps model id to the reason code it was dropped for
	Excluded map[string]string

	// Cause is the last downstream rejection (thermal, verification), if any
	Cause error
}

func (e *NoEligibleModelError) Error() string {
	msg := fmt.Sprintf("no eligible model for tenant %q domain %q", e.TenantID, e.DomainID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if len(e.Excluded) > 0 {
		counts := make(map[string]int)
		for _, reason := range e.Excluded {
			counts[reason]++
		}
		reasons := make([]string, 0, len(counts))
		for r, n := range counts {
			reasons = append(reasons, fmt.Sprintf("%s=%d", r, n))
		}
		sort.Strings(reasons)
		msg += " (" + strings.Join(reasons, ", ") + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *NoEligibleModelError) Unwrap() error { return e.Cause }

func (e *NoEligibleModelError) Is(target error) bool { return target == ErrNoEligibleModel }

// =============================================================================
// INVALID PROFILE
// =============================================================================

// InvalidProfileError is raised before scoring when a profile cannot be used.
type InvalidProfileError struct {
	ProfileID string
	Reason    string
}

func (e *InvalidProfileError) Error() string {
	return fmt.Sprintf("invalid profile %q: %s", e.ProfileID, e.Reason)
}

func (e *InvalidProfileError) Is(target error) bool { return target == ErrInvalidProfile }

// =============================================================================
// THERMAL TIMEOUT
// =============================================================================

// ThermalProvisioningTimeout means a cold target was not ready in time.
// It is non-fatal: the engine moves on to the next ranked candidate.
type ThermalProvisioningTimeout struct {
	ModelID   string
	Waited    time.Duration
	QueueFull bool
}

func (e *ThermalProvisioningTimeout) Error() string {
	if e.QueueFull {
		return fmt.Sprintf("thermal provisioning of %s: waiter queue full", e.ModelID)
	}
	return fmt.Sprintf("thermal provisioning of %s not ready after %s", e.ModelID, e.Waited)
}

func (e *ThermalProvisioningTimeout) Is(target error) bool { return target == ErrThermalTimeout }

// =============================================================================
// VERIFICATION
// =============================================================================

// VerificationRejected means a candidate's divergence estimate exceeded the
// effective threshold.
type VerificationRejected struct {
	ModelID    string
	Divergence float64
	Threshold  float64
	Attempts   int
}

func (e *VerificationRejected) Error() string {
	return fmt.Sprintf("verification rejected %s: divergence %.3f exceeds threshold %.3f (attempt %d)",
		e.ModelID, e.Divergence, e.Threshold, e.Attempts)
}

func (e *VerificationRejected) Is(target error) bool { return target == ErrVerificationRejected }

// =============================================================================
// AUDIT
// =============================================================================

// AuditWriteFailure is logged and retried; it never fails a selection.
type AuditWriteFailure struct {
	DecisionID string
	Shard      string
	Attempts   int
	Cause      error
}

func (e *AuditWriteFailure) Error() string {
	return fmt.Sprintf("audit write of decision %s (shard %s) failed after %d attempts: %v",
		e.DecisionID, e.Shard, e.Attempts, e.Cause)
}

func (e *AuditWriteFailure) Unwrap() error { return e.Cause }

func (e *AuditWriteFailure) Is(target error) bool { return target == ErrAuditWrite }

// =============================================================================
// LOOKUP
// =============================================================================

// UnknownDomainError is returned when a request names a domain the catalog
// does not hold.
type UnknownDomainError struct {
	DomainID string
}

func (e *UnknownDomainError) Error() string {
	return fmt.Sprintf("unknown domain %q", e.DomainID)
}

func (e *UnknownDomainError) Is(target error) bool { return target == ErrUnknownDomain }
