package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/tick-relay/internal/model"
)

// Metrics holds the relay's Prometheus collectors on a private registry so
// tests can run side by side without global registration conflicts.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionUp         prometheus.Gauge
	ReconnectCount       prometheus.Gauge
	ActiveSubscriptions  prometheus.Gauge
	PendingSubscriptions prometheus.Gauge
	FailedSubscriptions  prometheus.Gauge
	MessagesProcessed    prometheus.Gauge
	QueueDepth           prometheus.Gauge
	DroppedMessages      prometheus.Gauge
	ErrorRate            prometheus.Gauge
	PublishFailures      prometheus.Gauge
	CPUPercent           prometheus.Gauge
	MemoryPercent        prometheus.Gauge

	// 0 healthy, 1 unknown, 2 warning, 3 critical.
	HealthStatus prometheus.Gauge
}

// New creates the collector set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tick_relay_connection_up",
			Help: "1 when the upstream STOMP connection is established",
		}),
		ReconnectCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tick_relay_reconnects",
			Help: "Number of successful reconnects since start",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tick_relay_subscriptions_active",
			Help: "Acknowledged upstream subscriptions",
		}),
		PendingSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tick_relay_subscriptions_pending",
			Help: "Subscriptions awaiting an upstream receipt",
		}),
		FailedSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tick_relay_subscriptions_failed",
			Help: "Subscriptions that never received a receipt",
		}),
		MessagesProcessed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tick_relay_messages_processed",
			Help: "Messages processed by the worker pool since start",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tick_relay_queue_depth",
			Help: "Messages waiting in the bridge and worker queues",
		}),
		DroppedMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tick_relay_messages_dropped",
			Help: "Messages dropped by backpressure since start",
		}),
		ErrorRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tick_relay_error_rate_percent",
			Help: "Processing errors as a percentage of processed messages",
		}),
		PublishFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tick_relay_publish_failures_consecutive",
			Help: "Consecutive Redis publish failures",
		}),
		CPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tick_relay_cpu_percent",
			Help: "Process CPU usage percent",
		}),
		MemoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tick_relay_memory_percent",
			Help: "Process RSS as a percentage of system memory",
		}),
		HealthStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tick_relay_health_status",
			Help: "Overall health: 0 healthy, 1 unknown, 2 warning, 3 critical",
		}),
	}

	m.registry.MustRegister(
		m.ConnectionUp, m.ReconnectCount,
		m.ActiveSubscriptions, m.PendingSubscriptions, m.FailedSubscriptions,
		m.MessagesProcessed, m.QueueDepth, m.DroppedMessages, m.ErrorRate,
		m.PublishFailures, m.CPUPercent, m.MemoryPercent, m.HealthStatus,
	)
	return m
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Apply projects one health snapshot onto the collectors.
func (m *Metrics) Apply(snapshot model.HealthSnapshot) {
	if snapshot.ConnectionState == "connected" {
		m.ConnectionUp.Set(1)
	} else {
		m.ConnectionUp.Set(0)
	}
	m.ReconnectCount.Set(float64(snapshot.ReconnectCount))
	m.ActiveSubscriptions.Set(float64(snapshot.ActiveSubscriptions))
	m.PendingSubscriptions.Set(float64(snapshot.PendingSubscriptions))
	m.FailedSubscriptions.Set(float64(snapshot.FailedSubscriptions))
	m.MessagesProcessed.Set(float64(snapshot.ProcessedTotal))
	m.QueueDepth.Set(float64(snapshot.QueueDepth))
	m.DroppedMessages.Set(float64(snapshot.DroppedTotal))
	m.ErrorRate.Set(snapshot.ErrorRate)
	m.PublishFailures.Set(float64(snapshot.PublishFailures))
	m.CPUPercent.Set(snapshot.CPUPercent)
	m.MemoryPercent.Set(snapshot.MemoryPercent)
	m.HealthStatus.Set(statusValue(snapshot.Overall))
}

func statusValue(status model.Status) float64 {
	switch status {
	case model.StatusHealthy:
		return 0
	case model.StatusWarning:
		return 2
	case model.StatusCritical:
		return 3
	default:
		return 1
	}
}
