// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the daemon's Prometheus collectors. They
// register with the default registry on import and are served by the
// daemon at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session metrics
var (
	// ActiveSessions tracks live capture sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peek_sessions_active",
			Help: "Number of live capture sessions",
		},
	)

	// SessionRestores counts reload restores by outcome (ok/failed).
	SessionRestores = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peek_session_restores_total",
			Help: "Source-tab reload restores by outcome",
		},
		[]string{"outcome"},
	)

	// OutputOverlays tracks viewer overlays across all sessions.
	OutputOverlays = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peek_output_overlays",
			Help: "Number of viewer overlays across all sessions",
		},
	)
)

// Capture metrics
var (
	// CaptureContexts tracks acquired tab streams.
	CaptureContexts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peek_capture_contexts",
			Help: "Number of acquired source-tab streams",
		},
	)

	// AcquisitionFailures counts failed stream acquisitions.
	AcquisitionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peek_acquisition_failures_total",
			Help: "Total failed tab-stream acquisitions",
		},
	)

	// RenderLoops tracks running per-session render loops.
	RenderLoops = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peek_render_loops",
			Help: "Number of running per-session render loops",
		},
	)

	// FramesRendered counts frames drawn into session canvases.
	FramesRendered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peek_frames_rendered_total",
			Help: "Total frames copied into session canvases",
		},
	)

	// ZeroFrameStalls counts render loops that drew nothing within the
	// grace window.
	ZeroFrameStalls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peek_zero_frame_stalls_total",
			Help: "Render loops that drew no frame within the grace window",
		},
	)
)

// Signaling metrics
var (
	// PeerLinks tracks open viewer connections.
	PeerLinks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peek_peer_links",
			Help: "Number of open viewer PeerConnections",
		},
	)

	// OffersCreated counts issued offers.
	OffersCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peek_offers_created_total",
			Help: "Total SDP offers issued",
		},
	)

	// NegotiationDropped counts answers and candidates dropped as stale
	// by message kind and reason.
	NegotiationDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peek_negotiation_dropped_total",
			Help: "Answers and ICE candidates dropped by kind and reason",
		},
		[]string{"kind", "reason"},
	)

	// DeliveryRetries counts re-injections after a surface had no
	// listener, by outcome (delivered/dropped).
	DeliveryRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peek_delivery_retries_total",
			Help: "Surface re-injections after a failed delivery, by outcome",
		},
		[]string{"outcome"},
	)

	// RelayConnections tracks connected relay endpoints by role
	// (surface/host).
	RelayConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "peek_relay_connections",
			Help: "Connected relay endpoints by role",
		},
		[]string{"role"},
	)
)
