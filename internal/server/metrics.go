package server

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	upgrades *prometheus.CounterVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodecrypt_http_requests_total",
			Help: "HTTP requests grouped by route and status code.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nodecrypt_http_request_duration_seconds",
			Help:    "HTTP request latency by route. Websocket routes measure the whole session.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"route"}),
		upgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodecrypt_ws_upgrades_total",
			Help: "Websocket upgrade attempts grouped by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(m.requests, m.latency, m.upgrades)
	return m
}

func (m *httpMetrics) observeRequest(route string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(dur.Seconds())
}

func (m *httpMetrics) recordUpgrade(result string) {
	if m == nil {
		return
	}
	m.upgrades.WithLabelValues(result).Inc()
}
