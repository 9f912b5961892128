// Package metrics holds the Prometheus metrics exported by vmoverlay and the
// host net/disk collectors that Serve exposes alongside them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var PagesByOutcome = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "vmoverlay_pages_total",
		Help: "Pages processed by domain and dedup outcome",
	},
	[]string{"domain", "outcome"},
)

var DiffAlgorithmUsed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "vmoverlay_diff_algorithm_total",
		Help: "Pages diffed by the algorithm that produced their wire representation",
	},
	[]string{"algorithm"},
)

var BytesWritten = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "vmoverlay_bytes_written_total",
		Help: "Compressed bytes written to blob files",
	},
	[]string{"codec"},
)

var ActiveWorkers = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "vmoverlay_active_workers",
		Help: "Worker goroutines currently configured for a diff pool",
	},
	[]string{"domain"},
)

var ObservedBandwidthMbps = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "vmoverlay_observed_bandwidth_mbps",
		Help: "Last bandwidth sample observed by the adaptive controller",
	},
)

var PageLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "vmoverlay_page_latency_seconds",
		Help:    "Latency of diffing a single page",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	},
	[]string{"domain"},
)
