package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/halvden/spacefray/pkg/transport"
)

// Metrics tracks server health for the internal /metrics endpoint. Each
// server carries its own registry so tests can run several servers in one
// process.
type Metrics struct {
	registry *prometheus.Registry

	clients  prometheus.Gauge
	entities prometheus.Gauge
	frames   prometheus.Counter
	tickTime prometheus.Histogram
	pingTime prometheus.Histogram

	datagramsReceived prometheus.Gauge
	datagramsInvalid  prometheus.Gauge
	datagramsDropped  prometheus.Gauge
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spacefray_clients",
			Help: "Connected game clients",
		}),
		entities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spacefray_entities",
			Help: "Live entities in the simulation",
		}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spacefray_frames_total",
			Help: "Simulation ticks since start",
		}),
		tickTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "spacefray_tick_seconds",
			Help:    "Wall time of one receive/step/send tick",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		pingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "spacefray_client_ping_seconds",
			Help:    "Smoothed client RTT sampled once per second",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		datagramsReceived: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spacefray_datagrams_received_total",
			Help: "Datagrams accepted by the transport",
		}),
		datagramsInvalid: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spacefray_datagrams_invalid_total",
			Help: "Datagrams that failed to decode",
		}),
		datagramsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spacefray_datagrams_dropped_total",
			Help: "Datagrams dropped on full queues",
		}),
	}
	m.registry.MustRegister(
		m.clients, m.entities, m.frames, m.tickTime, m.pingTime,
		m.datagramsReceived, m.datagramsInvalid, m.datagramsDropped,
	)
	return m
}

// Handler serves this server's collectors
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTick observes one tick's duration and bumps the frame counter
func (m *Metrics) RecordTick(d time.Duration) {
	m.frames.Inc()
	m.tickTime.Observe(d.Seconds())
}

// RecordPing observes one client's smoothed RTT
func (m *Metrics) RecordPing(d time.Duration) {
	m.pingTime.Observe(d.Seconds())
}

// SetClients updates the connected client gauge
func (m *Metrics) SetClients(n int) {
	m.clients.Set(float64(n))
}

// SetEntities updates the live entity gauge
func (m *Metrics) SetEntities(n int) {
	m.entities.Set(float64(n))
}

// SetTransportStats copies the transport's counters into the gauges
func (m *Metrics) SetTransportStats(st *transport.Stats) {
	if st == nil {
		return
	}
	m.datagramsReceived.Set(float64(st.Received.Load()))
	m.datagramsInvalid.Set(float64(st.Invalid.Load()))
	m.datagramsDropped.Set(float64(st.Dropped.Load()))
}
