// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dpslens"

// Collector owns the analyzer metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	// FramesTotal counts decoded frames by kind
	FramesTotal *prometheus.CounterVec
	// DropsTotal counts frames or bytes rejected by the analyzer, by reason
	DropsTotal *prometheus.CounterVec
	// TransitionsTotal counts session state changes
	TransitionsTotal *prometheus.CounterVec
	// SessionState marks the current state of each flow with 1
	SessionState *prometheus.GaugeVec
	// EventsTotal counts emitted combat events by kind
	EventsTotal *prometheus.CounterVec
	// EventDuplicatesTotal counts damage records suppressed as duplicates
	EventDuplicatesTotal prometheus.Counter
	// SubscriberDropsTotal counts events evicted from saturated subscribers
	SubscriberDropsTotal *prometheus.CounterVec
	// SnapshotEntities tracks the entity count of the latest snapshot
	SnapshotEntities *prometheus.GaugeVec
	// IngressDropsTotal counts chunks dropped at dispatch
	IngressDropsTotal *prometheus.CounterVec
	// FeedLatencySeconds measures per-chunk analyzer latency
	FeedLatencySeconds prometheus.Histogram
}

// NewCollector registers all metrics with reg. A nil reg registers with
// the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Collector{
		FramesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total number of decoded frames",
		}, []string{"kind"}),
		DropsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drops_total",
			Help:      "Total number of rejected frames by reason",
		}, []string{"reason"}),
		TransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Total number of session state transitions",
		}, []string{"from", "to"}),
		SessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current session state per flow (1 = active state)",
		}, []string{"flow", "state"}),
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of emitted combat events",
		}, []string{"kind"}),
		EventDuplicatesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_duplicates_total",
			Help:      "Total number of duplicate damage records suppressed",
		}),
		SubscriberDropsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_drops_total",
			Help:      "Total number of events dropped from saturated subscriber queues",
		}, []string{"subscriber"}),
		SnapshotEntities: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_entities",
			Help:      "Number of entities in the latest published snapshot",
		}, []string{"flow"}),
		IngressDropsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_drops_total",
			Help:      "Total number of byte chunks dropped before analysis",
		}, []string{"partition"}),
		FeedLatencySeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "feed_latency_seconds",
			Help:      "Latency of analyzing one byte chunk in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		}),
	}
}

// Drop reasons.
const (
	ReasonMalformed  = "malformed"
	ReasonTampered   = "tampered"
	ReasonStale      = "stale"
	ReasonDiscarded  = "discarded"
	ReasonRejected   = "rejected"
	ReasonOutOfOrder = "out_of_order"
	ReasonUnknown    = "unknown_opcode"
	ReasonResync     = "resync_bytes"
)

func (c *Collector) Frame(kind string) {
	if c == nil {
		return
	}
	c.FramesTotal.WithLabelValues(kind).Inc()
}

func (c *Collector) Drop(reason string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.DropsTotal.WithLabelValues(reason).Add(float64(n))
}

// Transition records a state change of flow.
func (c *Collector) Transition(flow, from, to string) {
	if c == nil {
		return
	}
	c.TransitionsTotal.WithLabelValues(from, to).Inc()
	c.SessionState.WithLabelValues(flow, from).Set(0)
	c.SessionState.WithLabelValues(flow, to).Set(1)
}

func (c *Collector) Event(kind string) {
	if c == nil {
		return
	}
	c.EventsTotal.WithLabelValues(kind).Inc()
}

func (c *Collector) Duplicate() {
	if c == nil {
		return
	}
	c.EventDuplicatesTotal.Inc()
}

func (c *Collector) SubscriberDrop(name string) {
	if c == nil {
		return
	}
	c.SubscriberDropsTotal.WithLabelValues(name).Inc()
}

func (c *Collector) Snapshot(flow string, entities int) {
	if c == nil {
		return
	}
	c.SnapshotEntities.WithLabelValues(flow).Set(float64(entities))
}

func (c *Collector) IngressDrop(partition string) {
	if c == nil {
		return
	}
	c.IngressDropsTotal.WithLabelValues(partition).Inc()
}

func (c *Collector) FeedLatency(seconds float64) {
	if c == nil {
		return
	}
	c.FeedLatencySeconds.Observe(seconds)
}

// Forget removes per-flow series after the flow is gone.
func (c *Collector) Forget(flow string) {
	if c == nil {
		return
	}
	c.SessionState.DeletePartialMatch(prometheus.Labels{"flow": flow})
	c.SnapshotEntities.DeleteLabelValues(flow)
}
