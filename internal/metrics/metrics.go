// Package metrics exposes Prometheus instruments for the coordinator, upload path and reconstruction worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions is the number of studio sessions with at least one participant.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamly",
		Subsystem: "coordinator",
		Name:      "active_sessions",
		Help:      "Studio sessions currently in the registry",
	})

	ConnectedParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamly",
		Subsystem: "coordinator",
		Name:      "participants",
		Help:      "Participants currently joined across all sessions",
	})

	// MessagesTotal counts relayed and broadcast messages by event and outcome (delivered, dropped, no_target).
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamly",
			Subsystem: "coordinator",
			Name:      "messages_total",
			Help:      "Messages delivered to participant connections",
		},
		[]string{"event", "result"},
	)

	RecordingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamly",
			Subsystem: "coordinator",
			Name:      "recordings_total",
			Help:      "Recording lifecycle transitions",
		},
		[]string{"transition"},
	)

	SegmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamly",
			Subsystem: "upload",
			Name:      "segments_total",
			Help:      "Segment uploads by track type and status",
		},
		[]string{"track", "status"},
	)

	SegmentBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamly",
			Subsystem: "upload",
			Name:      "segment_bytes_total",
			Help:      "Bytes of segments stored",
		},
		[]string{"track"},
	)

	// ReconstructionsTotal counts job outcomes: processed, completed, failed, skipped, coalesced, cancelled, dead_lettered.
	ReconstructionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamly",
			Subsystem: "worker",
			Name:      "reconstructions_total",
			Help:      "Reconstruction job outcomes",
		},
		[]string{"outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamly",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "streamly",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	ReconstructionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "streamly",
		Subsystem: "worker",
		Name:      "reconstruction_duration_seconds",
		Help:      "Wall time of successful reconstruction jobs",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})
)

// RecordMessage records one delivery attempt.
func RecordMessage(event, result string) {
	MessagesTotal.WithLabelValues(event, result).Inc()
}

// RecordSegment records a stored segment upload.
func RecordSegment(track, status string, bytes int64) {
	SegmentsTotal.WithLabelValues(track, status).Inc()
	if status == "stored" {
		SegmentBytesTotal.WithLabelValues(track).Add(float64(bytes))
	}
}

// RecordReconstruction records a job outcome. Duration is observed for jobs that produced deliverables.
func RecordReconstruction(outcome string, durationSec float64) {
	ReconstructionsTotal.WithLabelValues(outcome).Inc()
	if outcome == "completed" || outcome == "processed" {
		ReconstructionDuration.Observe(durationSec)
	}
}

// RecordHTTP records one served request. route is the matched gin route pattern.
func RecordHTTP(method, route, status string, durationSec float64) {
	HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	HTTPRequestDuration.WithLabelValues(route).Observe(durationSec)
}
