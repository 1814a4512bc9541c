package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the delivery node
type Collector struct {
	// Connection metrics
	ConnectionsTotal   prometheus.Gauge
	ConnectionsCreated prometheus.Counter
	ConnectionsClosed  prometheus.Counter

	// Registry metrics
	RegisteredChannels prometheus.Gauge
	OnlineUsers        prometheus.Gauge
	ChannelsEvicted    prometheus.Counter
	StaleDeregisters   prometheus.Counter

	// Outbox metrics
	OutboxClaimed prometheus.Counter

	// Dispatcher metrics
	PublishesByOutcome *prometheus.CounterVec
	PublishRetries     prometheus.Counter
	DeadLettered       prometheus.Counter
	LeaseRacesLost     prometheus.Counter

	// Delivery metrics
	MessagesDelivered prometheus.Counter
	MessagesDropped   prometheus.Counter
	DuplicatesDropped prometheus.Counter
}

// NewCollector creates a new metrics collector with all Prometheus metrics
// registered on the given registerer. A nil registerer uses the default.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if namespace == "" {
		namespace = "imdelivery"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := func(opts prometheus.CounterOpts) prometheus.Counter {
		c := prometheus.NewCounter(opts)
		reg.MustRegister(c)
		return c
	}
	gauge := func(opts prometheus.GaugeOpts) prometheus.Gauge {
		g := prometheus.NewGauge(opts)
		reg.MustRegister(g)
		return g
	}

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publishes_total",
		Help:      "Publish attempts by broker outcome",
	}, []string{"outcome"})
	reg.MustRegister(outcomes)

	return &Collector{
		ConnectionsTotal: gauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Current number of live client connections",
		}),
		ConnectionsCreated: factory(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_created_total",
			Help:      "Total number of client connections accepted since start",
		}),
		ConnectionsClosed: factory(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total number of client connections closed since start",
		}),
		RegisteredChannels: gauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_channels",
			Help:      "Current number of channels in the registry",
		}),
		OnlineUsers: gauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Current number of users with at least one live channel",
		}),
		ChannelsEvicted: factory(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_evicted_total",
			Help:      "Total number of channels evicted by conflicting registrations",
		}),
		StaleDeregisters: factory(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_deregisters_total",
			Help:      "Total number of deregistrations that referenced an already-replaced channel",
		}),
		OutboxClaimed: factory(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_claimed_total",
			Help:      "Total number of outbox messages claimed by dispatcher workers",
		}),
		PublishesByOutcome: outcomes,
		PublishRetries: factory(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_retries_total",
			Help:      "Total number of publish attempts scheduled for retry",
		}),
		DeadLettered: factory(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_lettered_total",
			Help:      "Total number of messages that exhausted their retry budget",
		}),
		LeaseRacesLost: factory(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_races_lost_total",
			Help:      "Total number of mark calls dropped because the worker's lease had expired",
		}),
		MessagesDelivered: factory(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Total number of messages pushed to live client connections",
		}),
		MessagesDropped: factory(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of inbound messages dropped because no local channel matched",
		}),
		DuplicatesDropped: factory(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_dropped_total",
			Help:      "Total number of inbound messages dropped by the duplicate index",
		}),
	}
}
