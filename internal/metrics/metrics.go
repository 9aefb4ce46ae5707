// Package metrics holds the prometheus collectors for calls, games and the
// development relay. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "heartline"

// Settlement outcomes.
const (
	SettlementCreated   = "created"
	SettlementAdopted   = "adopted"
	SettlementAbandoned = "abandoned"
	SettlementFailed    = "failed"
)

// Game outcomes.
const (
	GameCompleted = "completed"
	GameDeclined  = "declined"
	GameAbandoned = "abandoned"
	GameFailed    = "failed"
)

type Metrics struct {
	Registry *prometheus.Registry

	searches           prometheus.Counter
	matches            prometheus.Counter
	searchTimeouts     prometheus.Counter
	leaves             *prometheus.CounterVec
	transportErrors    *prometheus.CounterVec
	protocolViolations *prometheus.CounterVec
	settlements        *prometheus.CounterVec
	callDuration       prometheus.Histogram
	games              *prometheus.CounterVec

	relayClients prometheus.Gauge
	relayWaiting prometheus.Gauge
	relayPairs   prometheus.Counter
	relayFrames  *prometheus.CounterVec
}

// New registers every collector on a fresh registry, plus the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		searches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_searches_total",
			Help:      "Total number of searches started",
		}),
		matches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_matches_total",
			Help:      "Total number of matched notifications accepted",
		}),
		searchTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_search_timeouts_total",
			Help:      "Total number of searches ended by call_timeout",
		}),
		leaves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_leaves_total",
			Help:      "Total number of attempts that ended in Left",
		}, []string{"reason"}),
		transportErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_transport_errors_total",
			Help:      "Total number of transport errors",
		}, []string{"reason"}),
		protocolViolations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_protocol_violations_total",
			Help:      "Total number of signaling messages rejected as protocol violations",
		}, []string{"message"}),
		settlements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_settlements_total",
			Help:      "Total number of settlements by outcome",
		}, []string{"outcome"}),
		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Recorded call duration",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),
		games: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "games_total",
			Help:      "Total number of constructive games by outcome",
		}, []string{"outcome"}),

		relayClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_clients",
			Help:      "Current number of relay connections",
		}),
		relayWaiting: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_waiting",
			Help:      "Current number of clients waiting for a match",
		}),
		relayPairs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_pairs_total",
			Help:      "Total number of pairs formed by the relay",
		}),
		relayFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_total",
			Help:      "Total number of frames handled by the relay",
		}, []string{"name"}),
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) SearchStarted() {
	if m != nil {
		m.searches.Inc()
	}
}

func (m *Metrics) Matched() {
	if m != nil {
		m.matches.Inc()
	}
}

func (m *Metrics) SearchTimedOut() {
	if m != nil {
		m.searchTimeouts.Inc()
	}
}

func (m *Metrics) Left(reason string) {
	if m != nil {
		m.leaves.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) TransportError(reason string) {
	if m != nil {
		m.transportErrors.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ProtocolViolation(message string) {
	if m != nil {
		m.protocolViolations.WithLabelValues(message).Inc()
	}
}

func (m *Metrics) Settled(outcome string) {
	if m != nil {
		m.settlements.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) CallDuration(seconds int) {
	if m != nil {
		m.callDuration.Observe(float64(seconds))
	}
}

func (m *Metrics) Game(outcome string) {
	if m != nil {
		m.games.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) RelayConnected() {
	if m != nil {
		m.relayClients.Inc()
	}
}

func (m *Metrics) RelayDisconnected() {
	if m != nil {
		m.relayClients.Dec()
	}
}

func (m *Metrics) RelayWaiting(n int) {
	if m != nil {
		m.relayWaiting.Set(float64(n))
	}
}

func (m *Metrics) RelayPaired() {
	if m != nil {
		m.relayPairs.Inc()
	}
}

func (m *Metrics) RelayFrame(name string) {
	if m != nil {
		m.relayFrames.WithLabelValues(name).Inc()
	}
}
