package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups relay collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	activeConns    prometheus.Gauge
	activeRooms    prometheus.Gauge
	activeChannels prometheus.Gauge
	connTotal      prometheus.Counter
	handshakes     *prometheus.CounterVec
	frames         *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	evictions      prometheus.Counter
	rotations      *prometheus.CounterVec
	latency        *prometheus.HistogramVec
}

// NewMetrics registers relay collectors on reg (the default registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodecrypt_connections_active",
			Help: "Current number of registered relay connections.",
		}),
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodecrypt_rooms_active",
			Help: "Current number of live room actors.",
		}),
		activeChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodecrypt_channels_active",
			Help: "Current number of non-empty channels across rooms.",
		}),
		connTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodecrypt_connections_total",
			Help: "Total number of connections accepted since start.",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodecrypt_handshakes_total",
			Help: "Handshake attempts grouped by result.",
		}, []string{"result"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodecrypt_frames_total",
			Help: "Decrypted application frames grouped by action.",
		}, []string{"action"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodecrypt_frames_dropped_total",
			Help: "Inbound frames dropped grouped by reason.",
		}, []string{"reason"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodecrypt_idle_evictions_total",
			Help: "Connections evicted by the idle sweep.",
		}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodecrypt_key_rotations_total",
			Help: "Identity key rotation checks grouped by result.",
		}, []string{"result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nodecrypt_relay_latency_seconds",
			Help:    "Latency for handling relay events.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.activeConns,
		m.activeRooms,
		m.activeChannels,
		m.connTotal,
		m.handshakes,
		m.frames,
		m.dropped,
		m.evictions,
		m.rotations,
		m.latency,
	)
	return m
}

func (m *Metrics) incConn() {
	if m == nil {
		return
	}
	m.activeConns.Inc()
	m.connTotal.Inc()
}

func (m *Metrics) decConn() {
	if m == nil {
		return
	}
	m.activeConns.Dec()
}

func (m *Metrics) incRoom() {
	if m == nil {
		return
	}
	m.activeRooms.Inc()
}

func (m *Metrics) decRoom() {
	if m == nil {
		return
	}
	m.activeRooms.Dec()
}

func (m *Metrics) addChannels(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.activeChannels.Add(float64(delta))
}

func (m *Metrics) recordHandshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *Metrics) recordFrame(action string) {
	if m == nil {
		return
	}
	switch action {
	case ActionJoin, ActionDirect, ActionFanout:
	default:
		action = "unknown"
	}
	m.frames.WithLabelValues(action).Inc()
}

func (m *Metrics) recordDrop(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) recordRotation(result string) {
	if m == nil {
		return
	}
	m.rotations.WithLabelValues(result).Inc()
}

func (m *Metrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.latency.WithLabelValues(op).Observe(dur.Seconds())
}
