// Package metrics defines the Prometheus collectors shared by the capture
// and detection layers. Exposition is left to the embedding service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "argus",
		Subsystem: "capture",
		Name:      "frames_total",
		Help:      "Frames successfully captured, per source.",
	}, []string{"source"})

	CaptureErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "argus",
		Subsystem: "capture",
		Name:      "read_errors_total",
		Help:      "Frame read failures, per source.",
	}, []string{"source"})

	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "argus",
		Subsystem: "capture",
		Name:      "reconnects_total",
		Help:      "Reconnection attempts, per source.",
	}, []string{"source"})

	ActiveSources = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "argus",
		Subsystem: "capture",
		Name:      "active_sources",
		Help:      "Sources currently streaming.",
	})

	Detections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "argus",
		Subsystem: "detect",
		Name:      "detections_total",
		Help:      "Detection results with at least one positive signal, per source.",
	}, []string{"source"})

	Anomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "argus",
		Subsystem: "detect",
		Name:      "anomalies_total",
		Help:      "Frames flagged anomalous, per source.",
	}, []string{"source"})

	CycleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "argus",
		Subsystem: "detect",
		Name:      "cycle_failures_total",
		Help:      "Detection cycles aborted by an internal error, per source.",
	}, []string{"source"})

	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "argus",
		Subsystem: "sink",
		Name:      "publish_failures_total",
		Help:      "Best-effort sink publishes that returned an error, per sink.",
	}, []string{"sink"})
)
