package monitor

import (
	"strconv"
	"sync"
	"time"

	"github.com/CodedInternet/robocan/onboard/registry"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robocan",
			Name:      "frames_total",
			Help:      "Frames captured from the bus.",
		},
		[]string{"source", "type"},
	)
	malformedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robocan",
			Name:      "malformed_frames_total",
			Help:      "Captured frames that did not match the catalog.",
		},
		[]string{"source"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robocan",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "robocan",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesTotal, malformedFrames, httpRequests, httpDuration)
	})
}

func sourceLabel(src uint8) string {
	if name := moduleName(src); name != "" {
		return name
	}
	return registry.ModuleAddress(src).String()
}

// RecordFrame counts a captured frame by source and packet type.
func RecordFrame(r *Record) {
	RegisterMetrics()
	src := sourceLabel(r.Source)
	framesTotal.WithLabelValues(src, r.TypeName).Inc()
	if r.Malformed != "" {
		malformedFrames.WithLabelValues(src).Inc()
	}
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
