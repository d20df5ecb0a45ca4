package ably

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus collectors of a client.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "ably").
	Namespace string

	// Subsystem is the metrics subsystem (default: "connection").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures MetricsConfig.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "ably",
		Subsystem: "connection",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the collectors updated by the connection manager. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	stateTransitions  *prometheus.CounterVec
	transportAttempts *prometheus.CounterVec
	acks              *prometheus.CounterVec
	idleTimeouts      prometheus.Counter
	pendingMessages   prometheus.Gauge
	queuedMessages    prometheus.Gauge
}

// NewMetrics registers the client collectors.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "state_transitions_total",
			Help:        "Connection state changes by destination state",
			ConstLabels: config.ConstLabels,
		}, []string{"state"}),

		transportAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "transport_attempts_total",
			Help:        "Transport connection attempts by transport and outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"transport", "outcome"}),

		acks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "message_acks_total",
			Help:        "Outbound messages resolved by ACK or NACK",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),

		idleTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "idle_timeouts_total",
			Help:        "Transports dropped because no activity was seen within the idle interval",
			ConstLabels: config.ConstLabels,
		}),

		pendingMessages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "pending_messages",
			Help:        "Messages sent and awaiting acknowledgement",
			ConstLabels: config.ConstLabels,
		}),

		queuedMessages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "queued_messages",
			Help:        "Messages buffered until the connection is available",
			ConstLabels: config.ConstLabels,
		}),
	}
}

func (m *Metrics) stateChanged(state ConnectionState) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(state.String()).Inc()
}

func (m *Metrics) transportAttempt(name TransportName, outcome string) {
	if m == nil {
		return
	}
	m.transportAttempts.WithLabelValues(string(name), outcome).Inc()
}

func (m *Metrics) resolved(n int, success bool) {
	if m == nil || n == 0 {
		return
	}
	result := "ack"
	if !success {
		result = "nack"
	}
	m.acks.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) idleTimeout() {
	if m == nil {
		return
	}
	m.idleTimeouts.Inc()
}

func (m *Metrics) queueSizes(pending, queued int) {
	if m == nil {
		return
	}
	m.pendingMessages.Set(float64(pending))
	m.queuedMessages.Set(float64(queued))
}
