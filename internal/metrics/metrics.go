// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollsTotal counts PollNext calls by outcome (packet, timeout, eof, error)
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcapguard_polls_total",
			Help: "Total number of poll calls by outcome",
		},
		[]string{"engine", "source", "outcome"},
	)

	// PacketsTotal counts packets delivered to the consumer
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcapguard_packets_total",
			Help: "Total number of packets captured",
		},
		[]string{"engine", "source"},
	)

	// BytesTotal counts captured bytes delivered to the consumer
	BytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcapguard_captured_bytes_total",
			Help: "Total number of captured bytes",
		},
		[]string{"engine", "source"},
	)

	// PacketSizeBytes tracks the distribution of captured lengths
	PacketSizeBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pcapguard_packet_size_bytes",
			Help:    "Captured length of delivered packets",
			Buckets: prometheus.ExponentialBuckets(64, 2, 11), // 64 .. 65536
		},
		[]string{"engine"},
	)

	// FilterCompileFailuresTotal counts rejected filter expressions
	FilterCompileFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcapguard_filter_compile_failures_total",
			Help: "Total number of filter expressions the engine refused to compile",
		},
		[]string{"engine"},
	)

	// OpenSessions tracks capture sessions currently open
	OpenSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pcapguard_open_sessions",
			Help: "Number of capture sessions currently open",
		},
		[]string{"engine"},
	)

	// ReleasesTotal counts native resources released, by kind (session, program, dumper)
	ReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcapguard_releases_total",
			Help: "Total number of native resources released",
		},
		[]string{"engine", "kind"},
	)

	// DumpedPacketsTotal counts packets written to capture files
	DumpedPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcapguard_dumped_packets_total",
			Help: "Total number of packets written to capture files",
		},
		[]string{"engine"},
	)
)

// Resource kinds for ReleasesTotal.
const (
	KindSession = "session"
	KindProgram = "program"
	KindDumper  = "dumper"
)
