package nls

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rojolang/nls-sdk-go/pkg/nls/pool"
)

var (
	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nls_connections_active",
		Help: "Connections currently owned by a worker",
	})

	connectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nls_connect_attempts_total",
		Help: "Connection setup attempts by result",
	}, []string{"result"})

	framesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nls_frames_sent_total",
		Help: "Frames written by opcode",
	}, []string{"opcode"})

	framesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nls_frames_received_total",
		Help: "Frames decoded by opcode",
	}, []string{"opcode"})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nls_bytes_sent_total",
		Help: "Bytes written to the socket",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nls_bytes_received_total",
		Help: "Bytes read from the socket",
	})

	eventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nls_events_delivered_total",
		Help: "Listener events by type",
	}, []string{"type"})

	setupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nls_setup_duration_seconds",
		Help:    "Time from attach to the started event",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	bufferFull = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nls_buffer_full_total",
		Help: "Audio sends rejected by backpressure",
	})
)

// RegisterMetrics registers the engine and pool collectors with reg.
// Collectors that are already registered are skipped.
func RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		connectionsActive,
		connectAttempts,
		framesSent,
		framesReceived,
		bytesSent,
		bytesReceived,
		eventsDelivered,
		setupDuration,
		bufferFull,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return pool.RegisterMetrics(reg)
}
