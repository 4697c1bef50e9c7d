// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for the client Run Loop.
// All methods are safe on a nil *Metrics, which disables collection.

package control

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/momentics/binance-ws/api"
)

const namespace = "wsclient"

// Metrics groups the collectors shared by every client built with it.
type Metrics struct {
	connects  *prometheus.CounterVec
	frames    *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	dropped   prometheus.Counter
	discarded prometheus.Counter
	states    *prometheus.CounterVec
	closing   prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg. Collectors
// already registered by an earlier call are reused, so several clients may
// share prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connects_total",
			Help: "Connection attempts by outcome",
		}, []string{"status"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_total",
			Help: "Frames moved over the wire",
		}, []string{"direction", "opcode"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_total",
			Help: "Raw bytes moved over the wire",
		}, []string{"direction"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Events dropped by the event channel drop policy",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sends_discarded_total",
			Help: "Outbound data messages discarded after the close handshake started",
		}),
		states: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "state_transitions_total",
			Help: "Run Loop state transitions by target state",
		}, []string{"state"}),
		closing: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "close_handshake_seconds",
			Help:    "Time from entering Closing to Closed",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		return m
	}
	m.connects = register(reg, m.connects)
	m.frames = register(reg, m.frames)
	m.bytes = register(reg, m.bytes)
	m.dropped = register(reg, m.dropped)
	m.discarded = register(reg, m.discarded)
	m.states = register(reg, m.states)
	m.closing = register(reg, m.closing)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) IncConnect(status string) {
	if m != nil {
		m.connects.WithLabelValues(status).Inc()
	}
}

// ObserveFrame counts one frame of n wire bytes; direction is "in" or "out".
func (m *Metrics) ObserveFrame(direction, opcode string, n int) {
	if m != nil {
		m.frames.WithLabelValues(direction, opcode).Inc()
		m.bytes.WithLabelValues(direction).Add(float64(n))
	}
}

func (m *Metrics) IncDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Metrics) IncDiscarded() {
	if m != nil {
		m.discarded.Inc()
	}
}

func (m *Metrics) IncState(s api.State) {
	if m != nil {
		m.states.WithLabelValues(s.String()).Inc()
	}
}

func (m *Metrics) ObserveCloseHandshake(d time.Duration) {
	if m != nil {
		m.closing.Observe(d.Seconds())
	}
}
