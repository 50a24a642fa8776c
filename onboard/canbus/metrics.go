package canbus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	transportEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robocan",
			Subsystem: "transport",
			Name:      "events_total",
			Help:      "Frames and failures seen by a node's transport.",
		},
		[]string{"module", "event"},
	)
)

// RegisterMetrics adds the transport counters to the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(transportEvents)
	})
}

// transportMetrics mirrors Stats for one node.
type transportMetrics struct {
	sent, received, malformed, txErrors, rxErrors prometheus.Counter
}

func newTransportMetrics(module string) transportMetrics {
	RegisterMetrics()
	return transportMetrics{
		sent:      transportEvents.WithLabelValues(module, "sent"),
		received:  transportEvents.WithLabelValues(module, "received"),
		malformed: transportEvents.WithLabelValues(module, "malformed"),
		txErrors:  transportEvents.WithLabelValues(module, "tx_error"),
		rxErrors:  transportEvents.WithLabelValues(module, "rx_error"),
	}
}
