package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	FramesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sovereign",
			Name:      "frames_received_total",
			Help:      "Inbound frames by frame type.",
		},
		[]string{"type"},
	)

	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sovereign",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped, by reason.",
		},
		[]string{"kind"},
	)

	EnvelopesRelayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sovereign",
			Name:      "envelopes_relayed_total",
			Help:      "Envelopes sealed and handed to the transport.",
		},
	)

	SendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sovereign",
			Name:      "send_failures_total",
			Help:      "Outbound frames the transport refused.",
		},
	)

	Published = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sovereign",
			Name:      "published_total",
			Help:      "Messages handed to the local delivery sink.",
		},
	)

	SinkDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sovereign",
			Name:      "sink_dropped_total",
			Help:      "Deliveries dropped because a subscriber buffer was full.",
		},
		[]string{"topic"},
	)

	PeersEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sovereign",
			Name:      "peers_evicted_total",
			Help:      "Peers removed after exceeding the staleness timeout.",
		},
	)

	Peers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sovereign",
			Name:      "peers",
			Help:      "Registry entries by trust state.",
		},
		[]string{"state"},
	)

	Connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sovereign",
			Name:      "connections",
			Help:      "Open transport connections.",
		},
	)

	FrameDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sovereign",
			Name:      "frame_duration_seconds",
			Help:      "Time from admission to applied decision per frame.",
			// 50us .. ~0.8s
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 15),
		},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sovereign",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version).",
		},
		[]string{"version"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "sovereign",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		FramesReceived, FramesDropped, EnvelopesRelayed, SendFailures, Published,
		SinkDrops, PeersEvicted, Peers, Connections, FrameDuration, buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}
