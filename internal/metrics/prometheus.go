package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus implements Metrics using client_golang vectors, grounded on
// the pack's promauto-based registration style.
type Prometheus struct {
	topicSubscribers *prometheus.GaugeVec
	messagesTotal    *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec

	connectionsOpened *prometheus.CounterVec
	connectionsClosed *prometheus.CounterVec
	handshakeSeconds  *prometheus.HistogramVec

	authFailures *prometheus.CounterVec
	rateLimited  *prometheus.CounterVec

	ingestMessages *prometheus.CounterVec
	ingestErrors   *prometheus.CounterVec
}

// NewPrometheus registers every gauge/counter/histogram with reg (the server
// passes its own private registry, not prometheus.DefaultRegisterer) and
// returns the Metrics implementation.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		topicSubscribers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamgateway_topic_subscribers",
			Help: "Current subscriber count per topic.",
		}, []string{"topic"}),
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgateway_messages_published_total",
			Help: "Envelopes published per topic.",
		}, []string{"topic"}),
		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgateway_messages_dropped_total",
			Help: "Envelopes dropped by drop-oldest backpressure per topic.",
		}, []string{"topic"}),
		connectionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgateway_connections_opened_total",
			Help: "Connections opened per protocol (sse, ws).",
		}, []string{"protocol"}),
		connectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgateway_connections_closed_total",
			Help: "Connections closed per protocol.",
		}, []string{"protocol"}),
		handshakeSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamgateway_handshake_duration_seconds",
			Help:    "Handshake latency by protocol, token source, and outcome.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"protocol", "source", "outcome"}),
		authFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgateway_auth_failures_total",
			Help: "Token verification failures by reason.",
		}, []string{"reason"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgateway_rate_limited_total",
			Help: "Requests rejected by the rate limiter by tenant and kind.",
		}, []string{"tenant", "kind"}),
		ingestMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgateway_ingest_messages_total",
			Help: "Messages accepted from external producers by source.",
		}, []string{"source"}),
		ingestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgateway_ingest_errors_total",
			Help: "Ingest errors by source.",
		}, []string{"source"}),
	}
}

func (p *Prometheus) SetTopicSubscribers(topic string, count int) {
	p.topicSubscribers.WithLabelValues(topic).Set(float64(count))
}

func (p *Prometheus) IncMessagesPublished(topic string) {
	p.messagesTotal.WithLabelValues(topic).Inc()
}

func (p *Prometheus) AddMessagesDropped(topic string, n int) {
	p.messagesDropped.WithLabelValues(topic).Add(float64(n))
}

func (p *Prometheus) IncConnectionsOpened(protocol string) {
	p.connectionsOpened.WithLabelValues(protocol).Inc()
}

func (p *Prometheus) IncConnectionsClosed(protocol string) {
	p.connectionsClosed.WithLabelValues(protocol).Inc()
}

func (p *Prometheus) ObserveHandshakeSeconds(protocol, source, outcome string, seconds float64) {
	p.handshakeSeconds.WithLabelValues(protocol, source, outcome).Observe(seconds)
}

func (p *Prometheus) IncAuthFailures(reason string) {
	p.authFailures.WithLabelValues(reason).Inc()
}

func (p *Prometheus) IncRateLimited(tenant, kind string) {
	p.rateLimited.WithLabelValues(tenant, kind).Inc()
}

func (p *Prometheus) IncIngestMessages(source string) {
	p.ingestMessages.WithLabelValues(source).Inc()
}

func (p *Prometheus) IncIngestErrors(source string) {
	p.ingestErrors.WithLabelValues(source).Inc()
}

var _ Metrics = (*Prometheus)(nil)
