// Package metrics holds the Prometheus instruments for a relay process.
// A nil *Metrics is valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "relayd"

// Drop reasons.
const (
	DropUnwritable      = "unwritable"
	DropEncode          = "encode"
	DropPublishQueue    = "publish_queue_full"
	DropBreakerOpen     = "breaker_open"
	DropBrokerError     = "broker_error"
	DropMalformedBroker = "malformed_broker_payload"
)

// Metrics holds Prometheus metrics for the relay.
type Metrics struct {
	ConnectionsActive *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec
	ChannelsActive    prometheus.Gauge
	Instructions      *prometheus.CounterVec
	Delivered         prometheus.Counter
	Dropped           *prometheus.CounterVec
	BrokerPublished   prometheus.Counter
	BrokerErrors      *prometheus.CounterVec
	BrokerSubscribed  prometheus.Gauge
	BreakerState      prometheus.Gauge
}

// New creates and registers relay metrics on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of connected clients.",
		}, []string{"transport"}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted client connections.",
		}, []string{"transport"}),
		ChannelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Number of channels with at least one local member.",
		}),
		Instructions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instructions_total",
			Help:      "Client records by instruction; malformed and rate_limited records are ignored.",
		}, []string{"op"}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Events queued to local channel members.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped, partitioned by reason.",
		}, []string{"reason"}),
		BrokerPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "published_total",
			Help:      "Events handed to the broker.",
		}),
		BrokerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "errors_total",
			Help:      "Broker operations that failed, partitioned by operation.",
		}, []string{"op"}),
		BrokerSubscribed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "subscribed_channels",
			Help:      "Channels this process is subscribed to on the broker.",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "breaker_state",
			Help:      "Publish circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
	}

	reg.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.ChannelsActive,
		m.Instructions,
		m.Delivered,
		m.Dropped,
		m.BrokerPublished,
		m.BrokerErrors,
		m.BrokerSubscribed,
		m.BreakerState,
	)
	return m
}

func (m *Metrics) ConnOpened(transport string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(transport).Inc()
	m.ConnectionsTotal.WithLabelValues(transport).Inc()
}

func (m *Metrics) ConnClosed(transport string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(transport).Dec()
}

func (m *Metrics) SetChannels(n int) {
	if m == nil {
		return
	}
	m.ChannelsActive.Set(float64(n))
}

func (m *Metrics) Instruction(op string) {
	if m == nil {
		return
	}
	m.Instructions.WithLabelValues(op).Inc()
}

func (m *Metrics) Deliver(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Delivered.Add(float64(n))
}

func (m *Metrics) Drop(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Dropped.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) BrokerPublish() {
	if m == nil {
		return
	}
	m.BrokerPublished.Inc()
}

func (m *Metrics) BrokerError(op string) {
	if m == nil {
		return
	}
	m.BrokerErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) SetBrokerSubscribed(n int) {
	if m == nil {
		return
	}
	m.BrokerSubscribed.Set(float64(n))
}

func (m *Metrics) SetBreakerState(state float64) {
	if m == nil {
		return
	}
	m.BreakerState.Set(state)
}
