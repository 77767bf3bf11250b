package sockmux

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sockmux",
			Subsystem: "frames",
			Name:      "total",
			Help:      "Frames fully read or written.",
		},
		[]string{"app", "direction"},
	)
	bytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sockmux",
			Subsystem: "bytes",
			Name:      "total",
			Help:      "Bytes moved through engine sockets.",
		},
		[]string{"app", "direction"},
	)
	framesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sockmux",
			Subsystem: "frames",
			Name:      "rejected_total",
			Help:      "Inbound frames dropped before delivery.",
		},
		[]string{"app", "reason"},
	)
	connectionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sockmux",
			Subsystem: "connections",
			Name:      "events_total",
			Help:      "Connection lifecycle events.",
		},
		[]string{"app", "event"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sockmux",
			Subsystem: "connections",
			Name:      "reconnects_total",
			Help:      "Client redial attempts.",
		},
		[]string{"app", "success"},
	)
	liveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sockmux",
			Subsystem: "connections",
			Name:      "live",
			Help:      "Connections with an open descriptor.",
		},
		[]string{"app"},
	)
)

// RegisterMetrics registers the engine collectors with the default
// Prometheus registerer. It is safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesTotal, bytesTotal, framesRejected, connectionEvents, reconnects, liveConnections)
	})
}

func recordFrameRead(app string)    { framesTotal.WithLabelValues(app, "in").Inc() }
func recordFrameWritten(app string) { framesTotal.WithLabelValues(app, "out").Inc() }

func recordBytesRead(app string, n int) {
	bytesTotal.WithLabelValues(app, "in").Add(float64(n))
}

func recordBytesWritten(app string, n int) {
	bytesTotal.WithLabelValues(app, "out").Add(float64(n))
}

func recordRejected(app, reason string) {
	framesRejected.WithLabelValues(app, reason).Inc()
}

func recordAccepted(app string)       { connectionEvents.WithLabelValues(app, "accepted").Inc() }
func recordConnectionLost(app string) { connectionEvents.WithLabelValues(app, "lost").Inc() }
func recordKilled(app string)         { connectionEvents.WithLabelValues(app, "killed").Inc() }

func recordConnectionUp(app string)   { liveConnections.WithLabelValues(app).Inc() }
func recordConnectionDown(app string) { liveConnections.WithLabelValues(app).Dec() }

func recordReconnect(app string, success bool) {
	reconnects.WithLabelValues(app, strconv.FormatBool(success)).Inc()
}
