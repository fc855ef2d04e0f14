// Package metrics exposes Prometheus collectors for ring protocol activity.
// All methods are safe on a nil *Metrics so nodes can run without them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chordring"

// Metrics groups the collectors shared by every node of one ring.
type Metrics struct {
	MessagesHandled  *prometheus.CounterVec
	MessagesDeferred *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	LookupHops       prometheus.Histogram
	KeysTransferred  prometheus.Counter
	FingerUpdates    prometheus.Counter
	InvariantErrors  prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		MessagesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_handled_total",
			Help:      "Messages processed by nodes, by message kind.",
		}, []string{"kind"}),
		MessagesDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_deferred_total",
			Help:      "Messages buffered because the node was not configured yet.",
		}, []string{"kind"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages discarded, by reason.",
		}, []string{"reason"}),
		LookupHops: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_hops",
			Help:      "Forwards taken by FindSuccessor before it was answered.",
			Buckets:   prometheus.LinearBuckets(0, 1, 16),
		}),
		KeysTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_transferred_total",
			Help:      "Keys handed off between nodes.",
		}),
		FingerUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finger_updates_total",
			Help:      "Finger entries whose node changed.",
		}),
		InvariantErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Fatal protocol invariant violations.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.MessagesHandled,
		m.MessagesDeferred,
		m.MessagesDropped,
		m.LookupHops,
		m.KeysTransferred,
		m.FingerUpdates,
		m.InvariantErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handled counts a processed message.
func (m *Metrics) Handled(kind string) {
	if m == nil {
		return
	}
	m.MessagesHandled.WithLabelValues(kind).Inc()
}

// Deferred counts a buffered message.
func (m *Metrics) Deferred(kind string) {
	if m == nil {
		return
	}
	m.MessagesDeferred.WithLabelValues(kind).Inc()
}

// Dropped counts a discarded message.
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// ObserveHops records the hop count of an answered lookup.
func (m *Metrics) ObserveHops(hops int) {
	if m == nil {
		return
	}
	m.LookupHops.Observe(float64(hops))
}

// Transferred counts handed-off keys.
func (m *Metrics) Transferred(n int) {
	if m == nil {
		return
	}
	m.KeysTransferred.Add(float64(n))
}

// FingerUpdated counts a finger whose node changed.
func (m *Metrics) FingerUpdated() {
	if m == nil {
		return
	}
	m.FingerUpdates.Inc()
}

// Invariant counts a fatal violation.
func (m *Metrics) Invariant() {
	if m == nil {
		return
	}
	m.InvariantErrors.Inc()
}
