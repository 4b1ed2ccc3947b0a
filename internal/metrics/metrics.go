// Package metrics defines the Prometheus collectors of the canvas server.
//
// Every method is safe on a nil *Metrics so components can run without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "canvas"

// Metrics holds the server's collectors.
type Metrics struct {
	PixelsPlaced        *prometheus.CounterVec
	SnapshotsTaken      prometheus.Counter
	SnapshotsPruned     prometheus.Counter
	ActiveConnections   prometheus.Gauge
	FailedDeliveries    prometheus.Counter
	SubscriptionRestart prometheus.Counter
	PublishFailures     prometheus.Counter
	PublishDropped      prometheus.Counter
}

// New creates the collectors and registers them on registry.
// Panics if a collector is already registered, like prometheus.MustRegister.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		PixelsPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pixels_placed_total",
			Help:      "Total number of pixels placed, by color",
		}, []string{"color"}),

		SnapshotsTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "taken_total",
			Help:      "Total number of snapshots created",
		}),

		SnapshotsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "pruned_total",
			Help:      "Total number of snapshots deleted by retention",
		}),

		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "active_connections",
			Help:      "Number of live client connections on this process",
		}),

		FailedDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "failed_deliveries_total",
			Help:      "Deliveries that failed and caused the connection to be dropped",
		}),

		SubscriptionRestart: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "subscription_restarts_total",
			Help:      "Times the change bus subscription loop was restarted",
		}),

		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "publish_failures_total",
			Help:      "Change events the bus failed to publish",
		}),

		PublishDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "publish_dropped_total",
			Help:      "Change events dropped because the publish queue was full",
		}),
	}

	registry.MustRegister(
		m.PixelsPlaced,
		m.SnapshotsTaken,
		m.SnapshotsPruned,
		m.ActiveConnections,
		m.FailedDeliveries,
		m.SubscriptionRestart,
		m.PublishFailures,
		m.PublishDropped,
	)
	return m
}

func (m *Metrics) PixelPlaced(color string, n int) {
	if m == nil {
		return
	}
	m.PixelsPlaced.WithLabelValues(color).Add(float64(n))
}

func (m *Metrics) SnapshotTaken() {
	if m == nil {
		return
	}
	m.SnapshotsTaken.Inc()
}

func (m *Metrics) SnapshotPruned() {
	if m == nil {
		return
	}
	m.SnapshotsPruned.Inc()
}

// SetConnections records the current connection count.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(float64(n))
}

func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.FailedDeliveries.Inc()
}

func (m *Metrics) SubscriptionRestarted() {
	if m == nil {
		return
	}
	m.SubscriptionRestart.Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

func (m *Metrics) PublishDroppedFull() {
	if m == nil {
		return
	}
	m.PublishDropped.Inc()
}
