// Package metrics exposes prometheus collectors for connection lifecycle
// and message throughput observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	connectionStatus  *prometheus.GaugeVec
	stateTransitions  *prometheus.CounterVec
	commandsTotal     *prometheus.CounterVec
	commandTimeouts   *prometheus.CounterVec
	staleEvents       *prometheus.CounterVec
	workersActive     *prometheus.GaugeVec
	messagesConsumed  *prometheus.CounterVec
	messagesPublished *prometheus.CounterVec
	publishErrors     *prometheus.CounterVec
	consumeRate       *prometheus.GaugeVec
	reportsDropped    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connectionStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_connection_up",
			Help: "Connection status (1 = open, 0 = closed or failed)",
		}, []string{"connection"}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_state_transitions_total",
			Help: "Lifecycle state transitions by resulting state",
		}, []string{"connection", "state"}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_commands_total",
			Help: "Lifecycle commands processed by kind and result",
		}, []string{"kind", "result"}),
		commandTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_command_timeouts_total",
			Help: "Commands that exceeded their deadline",
		}, []string{"kind"}),
		staleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_stale_events_total",
			Help: "Events discarded because their originating handler was superseded",
		}, []string{"connection"}),
		workersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_workers_active",
			Help: "Active workers by kind",
		}, []string{"connection", "kind"}),
		messagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_messages_consumed_total",
			Help: "Inbound messages consumed from the broker",
		}, []string{"connection"}),
		messagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_messages_published_total",
			Help: "Outbound messages published to the broker",
		}, []string{"connection"}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_publish_errors_total",
			Help: "Failed outbound publishes",
		}, []string{"connection"}),
		consumeRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_consume_rate",
			Help: "Inbound messages per second since connection start",
		}, []string{"connection"}),
		reportsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_status_reports_dropped_total",
			Help: "Status reports dropped because the machine mailbox was saturated",
		}, []string{"connection"}),
	}

	if reg != nil {
		collectors := []prometheus.Collector{
			m.connectionStatus,
			m.stateTransitions,
			m.commandsTotal,
			m.commandTimeouts,
			m.staleEvents,
			m.workersActive,
			m.messagesConsumed,
			m.messagesPublished,
			m.publishErrors,
			m.consumeRate,
			m.reportsDropped,
		}
		for _, c := range collectors {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

func (m *Metrics) SetConnectionStatus(connection string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	m.connectionStatus.WithLabelValues(connection).Set(v)
}

func (m *Metrics) IncStateTransition(connection, state string) {
	m.stateTransitions.WithLabelValues(connection, state).Inc()
}

func (m *Metrics) IncCommand(kind, result string) {
	m.commandsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) IncCommandTimeout(kind string) {
	m.commandTimeouts.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncStaleEvent(connection string) {
	m.staleEvents.WithLabelValues(connection).Inc()
}

func (m *Metrics) SetWorkersActive(connection, kind string, n float64) {
	m.workersActive.WithLabelValues(connection, kind).Set(n)
}

func (m *Metrics) IncMessagesConsumed(connection string) {
	m.messagesConsumed.WithLabelValues(connection).Inc()
}

func (m *Metrics) IncMessagesPublished(connection string) {
	m.messagesPublished.WithLabelValues(connection).Inc()
}

func (m *Metrics) IncPublishErrors(connection string) {
	m.publishErrors.WithLabelValues(connection).Inc()
}

func (m *Metrics) SetConsumeRate(connection string, rate float64) {
	m.consumeRate.WithLabelValues(connection).Set(rate)
}

func (m *Metrics) IncReportsDropped(connection string) {
	m.reportsDropped.WithLabelValues(connection).Inc()
}
