// Package metrics exposes room and signaling statistics to Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

const namespace = "huddle"

// RoomSource lists the live rooms to report on.
type RoomSource interface {
	Rooms() []*core.Room
}

type Metrics struct {
	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	broadcasts prometheus.Counter
	kicks      prometheus.Counter
	sessions   prometheus.Gauge
}

// New registers every collector on reg. rooms may be nil.
func New(reg prometheus.Registerer, rooms RoomSource) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "requests_total",
			Help:      "Signaling requests by type and outcome.",
		}, []string{"type", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "request_duration_seconds",
			Help:      "Time to answer a signaling request.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"type"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "broadcasts_total",
			Help:      "Room snapshots pushed to all peers of a room.",
		}),
		kicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "backpressure_kicks_total",
			Help:      "Sessions closed because their send queue was full.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "sessions",
			Help:      "Open signaling connections.",
		}),
	}
	reg.MustRegister(m.requests, m.latency, m.broadcasts, m.kicks, m.sessions)
	if rooms != nil {
		reg.MustRegister(&roomCollector{rooms: rooms})
	}
	return m
}

// ObserveRequest records one answered request. A nil receiver is a no-op.
func (m *Metrics) ObserveRequest(typ string, err error, took time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(typ, Outcome(err)).Inc()
	m.latency.WithLabelValues(typ).Observe(took.Seconds())
}

func (m *Metrics) Broadcast() {
	if m != nil {
		m.broadcasts.Inc()
	}
}

func (m *Metrics) Kick() {
	if m != nil {
		m.kicks.Inc()
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

// Outcome is the label value for err.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrIncompatible):
		return "incompatible"
	case errors.Is(err, domain.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, domain.ErrEngine):
		return "engine_error"
	case errors.Is(err, domain.ErrBadRequest):
		return "bad_request"
	default:
		return "internal"
	}
}

var (
	peersDesc      = prometheus.NewDesc(namespace+"_room_peers", "Peers joined to the room.", []string{"room"}, nil)
	transportsDesc = prometheus.NewDesc(namespace+"_room_transports", "Open transports in the room.", []string{"room"}, nil)
	producersDesc  = prometheus.NewDesc(namespace+"_room_producers", "Live producers in the room.", []string{"room"}, nil)
	consumersDesc  = prometheus.NewDesc(namespace+"_room_consumers", "Live consumers in the room.", []string{"room"}, nil)
)

// roomCollector reads store sizes at scrape time.
type roomCollector struct {
	rooms RoomSource
}

func (c *roomCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- peersDesc
	ch <- transportsDesc
	ch <- producersDesc
	ch <- consumersDesc
}

func (c *roomCollector) Collect(ch chan<- prometheus.Metric) {
	for _, r := range c.rooms.Rooms() {
		peers, transports, producers, consumers := r.Counts()
		id := string(r.ID())
		ch <- prometheus.MustNewConstMetric(peersDesc, prometheus.GaugeValue, float64(peers), id)
		ch <- prometheus.MustNewConstMetric(transportsDesc, prometheus.GaugeValue, float64(transports), id)
		ch <- prometheus.MustNewConstMetric(producersDesc, prometheus.GaugeValue, float64(producers), id)
		ch <- prometheus.MustNewConstMetric(consumersDesc, prometheus.GaugeValue, float64(consumers), id)
	}
}
