package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the server's instrumentation set.
type Metrics struct {
	SessionCount                prometheus.Gauge
	SubscriptionCount           prometheus.Gauge
	MonitoredItemCount          prometheus.Gauge
	NotificationMessagesSent    prometheus.Counter
	KeepAliveMessagesSent       prometheus.Counter
	MonitoredItemQueueOverflows prometheus.Counter
	PublishRequestsQueued       prometheus.Counter
	PublishRequestsTimedOut     prometheus.Counter
}

// NewMetrics instantiates the metric set. Call Register to expose it
// on a prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "uaserver",
			Name:      "sessions",
			Help:      "Number of active sessions.",
		}),
		SubscriptionCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "uaserver",
			Name:      "subscriptions",
			Help:      "Number of live subscriptions.",
		}),
		MonitoredItemCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "uaserver",
			Name:      "monitored_items",
			Help:      "Number of monitored items.",
		}),
		NotificationMessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uaserver",
			Name:      "notification_messages_sent_total",
			Help:      "Notification messages delivered to publish requests.",
		}),
		KeepAliveMessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uaserver",
			Name:      "keepalive_messages_sent_total",
			Help:      "Keep-alive messages delivered to publish requests.",
		}),
		MonitoredItemQueueOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uaserver",
			Name:      "monitored_item_queue_overflows_total",
			Help:      "Notifications discarded because a monitored item queue was full.",
		}),
		PublishRequestsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uaserver",
			Name:      "publish_requests_queued_total",
			Help:      "Publish requests accepted into a session queue.",
		}),
		PublishRequestsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uaserver",
			Name:      "publish_requests_timed_out_total",
			Help:      "Publish requests faulted after their timeout hint elapsed.",
		}),
	}
}

// Register adds all metrics to the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	cs := []prometheus.Collector{
		m.SessionCount,
		m.SubscriptionCount,
		m.MonitoredItemCount,
		m.NotificationMessagesSent,
		m.KeepAliveMessagesSent,
		m.MonitoredItemQueueOverflows,
		m.PublishRequestsQueued,
		m.PublishRequestsTimedOut,
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
