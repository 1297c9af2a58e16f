// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsTotal counts packets seen by the session tracker by outcome
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperer_packets_total",
			Help: "Total number of packets classified by the session tracker",
		},
		[]string{"result"}, // tracked | not_tcp | outside_session | stale
	)

	// DecodeErrorsTotal counts frames the decoder could not parse
	DecodeErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whisperer_decode_errors_total",
			Help: "Total number of frames that failed to decode",
		},
	)

	// CaptureDropsTotal counts packets dropped by the capture source
	CaptureDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperer_capture_drops_total",
			Help: "Total number of packets dropped during capture",
		},
		[]string{"interface", "stage"}, // stage: kernel | interface
	)

	// SessionsActive tracks the number of sessions held in memory
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "whisperer_sessions_active",
			Help: "Current number of tracked TCP sessions",
		},
	)

	// SessionsExportedTotal counts session records handed to the sink
	SessionsExportedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whisperer_sessions_exported_total",
			Help: "Total number of session records exported",
		},
	)

	// SessionsEvictedTotal counts sessions removed from memory
	SessionsEvictedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperer_sessions_evicted_total",
			Help: "Total number of sessions evicted",
		},
		[]string{"reason"}, // closed | idle
	)

	// BufferFlushesTotal counts output buffer flushes
	BufferFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperer_buffer_flushes_total",
			Help: "Total number of output buffer flushes",
		},
		[]string{"buffer", "trigger"}, // trigger: full | timer | drain
	)

	// BufferBytesTotal counts bytes flushed by output buffers
	BufferBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperer_buffer_bytes_total",
			Help: "Total number of record bytes flushed by output buffers",
		},
		[]string{"buffer"},
	)

	// SinkSendsTotal counts successful sink deliveries
	SinkSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperer_sink_sends_total",
			Help: "Total number of successful sink deliveries",
		},
		[]string{"sink"},
	)

	// SinkErrorsTotal counts failed sink deliveries
	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperer_sink_errors_total",
			Help: "Total number of failed sink deliveries",
		},
		[]string{"sink"},
	)

	// SinkLatencySeconds measures sink delivery latency
	SinkLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whisperer_sink_latency_seconds",
			Help:    "Latency of sink deliveries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"sink"},
	)

	// DNSCacheEntries tracks the size of the reverse DNS cache
	DNSCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "whisperer_dns_cache_entries",
			Help: "Current number of reverse DNS cache entries",
		},
	)

	// DNSLookupsTotal counts reverse lookups by outcome
	DNSLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperer_dns_lookups_total",
			Help: "Total number of reverse DNS lookups",
		},
		[]string{"result"}, // resolved | failed | dropped
	)

	// SchedulerSkippedTotal counts periodic runs skipped because the previous run was still in flight
	SchedulerSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperer_scheduler_skipped_total",
			Help: "Total number of periodic job runs skipped due to overlap",
		},
		[]string{"job"},
	)
)
