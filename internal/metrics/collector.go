package dimmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "godim"
	subsystem = "station"
)

// Label names for station metrics.
const (
	labelFraming = "framing"
	labelKind    = "kind"
	labelReason  = "reason"
)

// Deliver kinds for the messages_routed_total counter.
const (
	KindUser      = "user"
	KindBot       = "bot"
	KindGroup     = "group"
	KindBroadcast = "broadcast"
	KindStation   = "station"
	KindRoaming   = "roaming"
	KindBridge    = "bridge"
)

// Drop reasons for the messages_dropped_total counter.
const (
	ReasonBlocked    = "blocked"
	ReasonCycle      = "cycle"
	ReasonVerify     = "verify"
	ReasonUnroutable = "unroutable"
	ReasonOverflow   = "overflow"
)

// -------------------------------------------------------------------------
// Reporter
// -------------------------------------------------------------------------

// Reporter is the metrics surface consumed by the session center, the
// dispatcher, the offline store and the push center. The Prometheus
// Collector implements it; Noop stands in when metrics are disabled.
type Reporter interface {
	// SessionOpened increments the active sessions gauge.
	SessionOpened(framing string)

	// SessionClosed decrements the active sessions gauge.
	SessionClosed(framing string)

	// MessageRouted counts one delivered message per deliver kind.
	MessageRouted(kind string)

	// MessageDropped counts one dropped message per drop reason.
	MessageDropped(reason string)

	// OfflineStored counts one message persisted to the offline store.
	OfflineStored()

	// OfflineRemoved counts one message removed after delivery.
	OfflineRemoved()

	// OfflineDropped counts one oldest-message eviction on overflow.
	OfflineDropped()

	// PushQueued counts one notification accepted by the push center.
	PushQueued()

	// PushDropped counts one notification rejected by back-pressure.
	PushDropped()

	// PushQueueDepth records the current push queue length.
	PushQueueDepth(n int)
}

// Noop is a Reporter that discards everything. Used when no collector is
// configured, so callers never nil-check.
type Noop struct{}

func (Noop) SessionOpened(string)  {}
func (Noop) SessionClosed(string)  {}
func (Noop) MessageRouted(string)  {}
func (Noop) MessageDropped(string) {}
func (Noop) OfflineStored()        {}
func (Noop) OfflineRemoved()       {}
func (Noop) OfflineDropped()       {}
func (Noop) PushQueued()           {}
func (Noop) PushDropped()          {}
func (Noop) PushQueueDepth(int)    {}

// -------------------------------------------------------------------------
// Collector — Prometheus Station Metrics
// -------------------------------------------------------------------------

// Collector holds all station Prometheus metrics.
//
// Metrics are designed for production relay monitoring:
//   - Session gauges track currently connected clients per wire framing.
//   - Routed counters track delivery volume per deliver strategy.
//   - Drop counters flag verification failures and routing cycles.
//   - Offline and push metrics expose store growth and back-pressure.
type Collector struct {
	// Sessions tracks the number of currently connected sessions per
	// framing. Incremented on accept, decremented on disconnect.
	Sessions *prometheus.GaugeVec

	// MessagesRouted counts messages handed to a deliver strategy,
	// labeled by deliver kind (user, group, broadcast, roaming, ...).
	MessagesRouted *prometheus.CounterVec

	// MessagesDropped counts messages dropped before delivery, labeled
	// by reason (blocked sender, trace cycle, bad signature, ...).
	MessagesDropped *prometheus.CounterVec

	// OfflineStoredTotal counts messages persisted for offline receivers.
	OfflineStoredTotal prometheus.Counter

	// OfflineRemovedTotal counts stored messages removed after delivery.
	OfflineRemovedTotal prometheus.Counter

	// OfflineDroppedTotal counts oldest-message evictions on overflow.
	OfflineDroppedTotal prometheus.Counter

	// PushQueuedTotal counts notifications accepted by the push center.
	PushQueuedTotal prometheus.Counter

	// PushDroppedTotal counts notifications rejected by back-pressure.
	PushDroppedTotal prometheus.Counter

	// PushDepth is the current push notification queue length.
	PushDepth prometheus.Gauge
}

// NewCollector creates a Collector with all station metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "godim_station_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.MessagesRouted,
		c.MessagesDropped,
		c.OfflineStoredTotal,
		c.OfflineRemovedTotal,
		c.OfflineDroppedTotal,
		c.PushQueuedTotal,
		c.PushDroppedTotal,
		c.PushDepth,
	)

	return c
}

// newMetrics creates all Prometheus metrics without registering them.
func newMetrics() *Collector {
	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently connected client sessions.",
		}, []string{labelFraming}),

		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_routed_total",
			Help:      "Total messages handed to a deliver strategy.",
		}, []string{labelKind}),

		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_dropped_total",
			Help:      "Total messages dropped before delivery.",
		}, []string{labelReason}),

		OfflineStoredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "offline_stored_total",
			Help:      "Total messages persisted to the offline store.",
		}),

		OfflineRemovedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "offline_removed_total",
			Help:      "Total stored messages removed after delivery.",
		}),

		OfflineDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "offline_dropped_total",
			Help:      "Total oldest-message evictions on offline store overflow.",
		}),

		PushQueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "push_queued_total",
			Help:      "Total push notifications accepted into the queue.",
		}),

		PushDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "push_dropped_total",
			Help:      "Total push notifications dropped by back-pressure.",
		}),

		PushDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "push_queue_depth",
			Help:      "Current push notification queue length.",
		}),
	}
}

// -------------------------------------------------------------------------
// Reporter implementation
// -------------------------------------------------------------------------

// SessionOpened increments the connected sessions gauge for the framing.
// Called by the session center when a session registers.
func (c *Collector) SessionOpened(framing string) {
	c.Sessions.WithLabelValues(framing).Inc()
}

// SessionClosed decrements the connected sessions gauge for the framing.
// Called by the session center when a session unwinds.
func (c *Collector) SessionClosed(framing string) {
	c.Sessions.WithLabelValues(framing).Dec()
}

// MessageRouted increments the routed messages counter for the kind.
func (c *Collector) MessageRouted(kind string) {
	c.MessagesRouted.WithLabelValues(kind).Inc()
}

// MessageDropped increments the dropped messages counter for the reason.
func (c *Collector) MessageDropped(reason string) {
	c.MessagesDropped.WithLabelValues(reason).Inc()
}

// OfflineStored counts one persisted offline message.
func (c *Collector) OfflineStored() { c.OfflineStoredTotal.Inc() }

// OfflineRemoved counts one removed offline message.
func (c *Collector) OfflineRemoved() { c.OfflineRemovedTotal.Inc() }

// OfflineDropped counts one overflow eviction.
func (c *Collector) OfflineDropped() { c.OfflineDroppedTotal.Inc() }

// PushQueued counts one accepted notification.
func (c *Collector) PushQueued() { c.PushQueuedTotal.Inc() }

// PushDropped counts one rejected notification.
func (c *Collector) PushDropped() { c.PushDroppedTotal.Inc() }

// PushQueueDepth records the current queue length.
func (c *Collector) PushQueueDepth(n int) { c.PushDepth.Set(float64(n)) }
