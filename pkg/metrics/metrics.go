// Package metrics holds the Prometheus collectors shared by the bridge
// daemon. Collectors register on the default registry at init time.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatbridge"

var (
	// ConnectionState is 1 for the current state label, 0 for the rest.
	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connection_state",
		Help:      "Current connection state (1 = active state)",
	}, []string{"state"})

	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_transitions_total",
		Help:      "Connection state transitions by source, target and trigger",
	}, []string{"from", "to", "event"})

	ReconnectsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_scheduled_total",
		Help:      "Reconnect attempts scheduled after a disconnect",
	})

	ReconnectAttempts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reconnect_attempts",
		Help:      "Consecutive reconnect attempts since the last ready state",
	})

	WatchdogChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "watchdog_checks_total",
		Help:      "Watchdog checks by outcome",
	}, []string{"outcome"})

	SessionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_events_total",
		Help:      "Session lifecycle events (saved, confirmed, deleted)",
	}, []string{"event"})

	StoreOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_store_operations_total",
		Help:      "Session store operations by backend, operation and result",
	}, []string{"backend", "op", "result"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Webhook deliveries by final outcome",
	}, []string{"outcome"})

	DeliveryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_delivery_attempts_total",
		Help:      "Individual webhook POST attempts",
	})

	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "webhook_delivery_duration_seconds",
		Help:      "Wall time of a delivery including retries",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_routed_total",
		Help:      "Incoming messages by routing decision",
	}, []string{"decision"})
)

// SetState marks state as the only active ConnectionState label.
func SetState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}
