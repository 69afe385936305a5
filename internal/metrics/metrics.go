// Package metrics collects the structured statistics spec.md §4.5 and
// §4.9 ask for (TS ingest throughput, blind-scan progress, command-bus
// latency) as Prometheus instruments the caller can mount on its own
// HTTP mux. This package never opens a listener itself.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set is the collector bundle registered for one Device instance.
type Set struct {
	registry *prometheus.Registry

	CmdBusLatency   *prometheus.HistogramVec
	CmdBusFrames    *prometheus.CounterVec
	TSTransfers     prometheus.Counter
	TSBytes         prometheus.Counter
	TSDroppedBytes  prometheus.Counter
	TSRetainedBytes prometheus.Gauge
	BlindScanStage  prometheus.Gauge
	BlindScanHits   prometheus.Counter
}

// New registers and returns a fresh metric Set under namespace.
func New(namespace string) *Set {
	reg := prometheus.NewRegistry()

	s := &Set{
		registry: reg,
		CmdBusLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cmdbus",
			Name:      "frame_latency_seconds",
			Help:      "Round-trip latency of one command-bus frame exchange, by opcode.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"opcode"}),
		CmdBusFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cmdbus",
			Name:      "frames_total",
			Help:      "Command frames exchanged, by opcode.",
		}, []string{"opcode"}),
		TSTransfers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ts",
			Name:      "transfers_total",
			Help:      "Isochronous transfers reassembled into TS nodes.",
		}),
		TSBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ts",
			Name:      "bytes_total",
			Help:      "Sync-aligned TS bytes emitted by the reassembler.",
		}),
		TSDroppedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ts",
			Name:      "dropped_bytes_total",
			Help:      "Bytes evicted from the retention ring before being read.",
		}),
		TSRetainedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ts",
			Name:      "retained_bytes",
			Help:      "Current size of the retained sub-list.",
		}),
		BlindScanStage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "blindscan",
			Name:      "progress_percent",
			Help:      "Overall blind-scan progress, 0-100.",
		}),
		BlindScanHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blindscan",
			Name:      "detections_total",
			Help:      "Carriers detected across all blind-scan runs.",
		}),
	}

	reg.MustRegister(
		s.CmdBusLatency, s.CmdBusFrames,
		s.TSTransfers, s.TSBytes, s.TSDroppedBytes, s.TSRetainedBytes,
		s.BlindScanStage, s.BlindScanHits,
	)

	return s
}

// Handler exposes the registry for the caller to mount, e.g. on an
// existing http.ServeMux at "/metrics". dvbcore never binds a port itself.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
