package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courtside",
		Name:      "messages_sent_total",
		Help:      "Messages persisted, by type.",
	}, []string{"type"})

	SendRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courtside",
		Name:      "message_send_retries_total",
		Help:      "Inserts retried after a transient store error.",
	})

	MessagesRead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courtside",
		Name:      "messages_marked_read_total",
		Help:      "Messages flipped to read.",
	})

	BroadcastRecipients = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courtside",
		Name:      "broadcast_recipients_total",
		Help:      "Broadcast fan-out outcomes per recipient.",
	}, []string{"outcome"})

	DeliveryEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courtside",
		Name:      "delivery_events_total",
		Help:      "Events published on the delivery channel, by kind.",
	}, []string{"kind"})

	DeliveryDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courtside",
		Name:      "delivery_events_dropped_total",
		Help:      "Events dropped because a subscriber buffer was full.",
	})

	ReconcileDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courtside",
		Name:      "reconcile_inserts_dropped_total",
		Help:      "Insert events dropped because fetch-by-id failed or returned nothing.",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "courtside",
		Name:      "delivery_subscriptions",
		Help:      "Open delivery channel subscriptions.",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "courtside",
		Name:      "ws_connections",
		Help:      "Open websocket connections.",
	})

	PushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courtside",
		Name:      "push_failures_total",
		Help:      "Push notifications that could not be handed off.",
	})

	RetentionPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courtside",
		Name:      "retention_purged_total",
		Help:      "Rows physically removed by the retention job.",
	})
)
