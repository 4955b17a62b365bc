package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldscan",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fieldscan",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	linkFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldscan",
			Subsystem: "link",
			Name:      "frames_total",
			Help:      "Frames moved over the node link.",
		},
		[]string{"role", "direction", "kind"},
	)
	linkBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldscan",
			Subsystem: "link",
			Name:      "payload_bytes_total",
			Help:      "Payload bytes moved over the node link.",
		},
		[]string{"role", "direction"},
	)
	linkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldscan",
			Subsystem: "link",
			Name:      "errors_total",
			Help:      "Dropped frames and undecodable payloads.",
		},
		[]string{"role", "reason"},
	)
	queueDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldscan",
			Subsystem: "link",
			Name:      "queue_drops_total",
			Help:      "Messages evicted from a full queue.",
		},
		[]string{"role", "queue"},
	)
	linkConnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldscan",
			Subsystem: "link",
			Name:      "connects_total",
			Help:      "Streams established, including reconnects.",
		},
		[]string{"role"},
	)
	linkConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fieldscan",
			Subsystem: "link",
			Name:      "connected",
			Help:      "1 while a stream is established.",
		},
		[]string{"role"},
	)
	scanCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldscan",
			Subsystem: "scan",
			Name:      "cycles_total",
			Help:      "Scan cycles by outcome.",
		},
		[]string{"role", "mode", "outcome"},
	)
	scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fieldscan",
			Subsystem: "scan",
			Name:      "cycle_duration_seconds",
			Help:      "Scan cycle duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"role", "mode"},
	)
	hyperspectralSweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldscan",
			Subsystem: "scan",
			Name:      "hyperspectral_sweeps_total",
			Help:      "Hyperspectral sweeps by outcome.",
		},
		[]string{"role", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			linkFrames,
			linkBytes,
			linkErrors,
			queueDrops,
			linkConnects,
			linkConnected,
			scanCycles,
			scanDuration,
			hyperspectralSweeps,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrame(role, direction, kind string, payloadBytes int) {
	RegisterMetrics()
	linkFrames.WithLabelValues(role, direction, kind).Inc()
	linkBytes.WithLabelValues(role, direction).Add(float64(payloadBytes))
}

func RecordLinkError(role, reason string) {
	RegisterMetrics()
	linkErrors.WithLabelValues(role, reason).Inc()
}

func RecordQueueDrop(role, queue string) {
	RegisterMetrics()
	queueDrops.WithLabelValues(role, queue).Inc()
}

func RecordConnected(role string, connected bool) {
	RegisterMetrics()
	if connected {
		linkConnects.WithLabelValues(role).Inc()
		linkConnected.WithLabelValues(role).Set(1)
		return
	}
	linkConnected.WithLabelValues(role).Set(0)
}

func RecordScanCycle(role string, manual bool, outcome string, duration time.Duration) {
	RegisterMetrics()
	mode := "targeted"
	if manual {
		mode = "manual"
	}
	scanCycles.WithLabelValues(role, mode, outcome).Inc()
	scanDuration.WithLabelValues(role, mode).Observe(duration.Seconds())
}

func RecordHyperspectralSweep(role string, success bool) {
	RegisterMetrics()
	outcome := "ok"
	if !success {
		outcome = "failed"
	}
	hyperspectralSweeps.WithLabelValues(role, outcome).Inc()
}
