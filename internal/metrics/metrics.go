// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics defines the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rigroute"

// Selection metrics
var (
	SelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "selections_total",
			Help:      "Selection attempts by domain and outcome",
		},
		[]string{"domain", "outcome"},
	)

	SelectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "selection_duration_seconds",
			Help:      "Time to produce a selection, including thermal waits",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"domain"},
	)

	FilterExclusionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compliance",
			Name:      "exclusions_total",
			Help:      "Candidates removed by the hard gates, by reason",
		},
		[]string{"domain", "reason"},
	)

	VerificationRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "rejections_total",
			Help:      "Candidates demoted by the verification gate",
		},
		[]string{"domain"},
	)
)

// Thermal metrics
var (
	ThermalTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "thermal",
			Name:      "transitions_total",
			Help:      "Thermal state transitions",
		},
		[]string{"from", "to"},
	)

	ProvisioningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "thermal",
			Name:      "provisionings_total",
			Help:      "Provisioning actions started, by result",
		},
		[]string{"result"},
	)

	ProvisioningDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "thermal",
			Name:      "provisioning_duration_seconds",
			Help:      "Time from provisioning start to ready",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	ThermalTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "thermal",
			Name:      "timeouts_total",
			Help:      "Callers that gave up waiting on provisioning",
		},
	)
)

// Audit metrics
var (
	AuditWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "write_failures_total",
			Help:      "Failed decision writes (each retry counts)",
		},
	)

	AuditReconcileTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "reconcile_flags_total",
			Help:      "Decisions flagged for reconciliation",
		},
	)

	AuditOutboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "outbox_depth",
			Help:      "Decisions queued but not yet persisted",
		},
	)

	AuditRechainTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "rechain_total",
			Help:      "Appends that lost their sequence to another writer and were rechained",
		},
	)
)

// Registry metrics
var (
	RegistryModels = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "models",
			Help:      "Registered models by availability",
		},
		[]string{"availability"},
	)

	ProbeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "probe_failures_total",
			Help:      "Health probe failures by provider",
		},
		[]string{"provider"},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Event metrics
var (
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Decision events by result (published, failed, dropped)",
		},
		[]string{"result"},
	)
)
