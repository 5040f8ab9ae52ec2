// Package metrics registers the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks currently open device connections.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pettracker_gateway_active_sessions",
		Help: "Number of open device sessions.",
	})

	// BytesRead counts raw bytes consumed from device sockets.
	BytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pettracker_gateway_bytes_read_total",
		Help: "Raw bytes read from device connections.",
	})

	// FramesDecoded counts frames that decoded cleanly.
	FramesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pettracker_gateway_frames_decoded_total",
		Help: "Frames decoded successfully.",
	})

	// FrameErrors counts frames dropped for framing or checksum faults.
	FrameErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pettracker_gateway_frame_errors_total",
		Help: "Frames dropped due to framing, escape or checksum errors.",
	})

	// EventsPublished counts bus publishes by event kind.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pettracker_gateway_events_published_total",
		Help: "Events published to the bus.",
	}, []string{"kind"})

	// EventsSuppressed counts events withheld by the publish gate.
	EventsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pettracker_gateway_events_suppressed_total",
		Help: "Events suppressed by throttling or deduplication.",
	}, []string{"kind"})

	// PublishErrors counts downstream publish failures.
	PublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pettracker_gateway_publish_errors_total",
		Help: "Publishes rejected or dropped by the bus.",
	})
)
