// Package metrics exposes Prometheus collectors for the broker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vmsbus/vms-server/internal/vms"
)

// Metrics groups the collectors the broker updates.
type Metrics struct {
	AvailabilitySequence prometheus.Gauge
	AvailableLayers      prometheus.Gauge
	SubscriptionSequence prometheus.Gauge
	SubscribedLayers     prometheus.Gauge
	RegisteredPublishers prometheus.Gauge
	MessagesTotal        prometheus.Counter
	DeliveriesTotal      prometheus.Counter
	UndeliveredTotal     prometheus.Counter
	ResolutionDuration   prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		AvailabilitySequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vms_availability_sequence",
			Help: "Sequence number of the latest layer availability snapshot.",
		}),
		AvailableLayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vms_available_layers",
			Help: "Number of layers available from at least one publisher.",
		}),
		SubscriptionSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vms_subscription_sequence",
			Help: "Sequence number of the latest subscription state.",
		}),
		SubscribedLayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vms_subscribed_layers",
			Help: "Number of layers with at least one subscriber or HAL registration.",
		}),
		RegisteredPublishers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vms_registered_publishers",
			Help: "Number of publisher ids assigned.",
		}),
		MessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vms_messages_total",
			Help: "Total number of messages routed.",
		}),
		DeliveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vms_deliveries_total",
			Help: "Total number of per-subscriber deliveries.",
		}),
		UndeliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vms_undelivered_messages_total",
			Help: "Messages routed that matched no subscriber.",
		}),
		ResolutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vms_resolution_duration_seconds",
			Help:    "Time taken to recompute layer availability.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	collectors := []prometheus.Collector{
		m.AvailabilitySequence,
		m.AvailableLayers,
		m.SubscriptionSequence,
		m.SubscribedLayers,
		m.RegisteredPublishers,
		m.MessagesTotal,
		m.DeliveriesTotal,
		m.UndeliveredTotal,
		m.ResolutionDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveAvailability records a new availability snapshot and how long it
// took to compute.
func (m *Metrics) ObserveAvailability(a vms.AvailableLayers, took time.Duration) {
	if m == nil {
		return
	}
	m.AvailabilitySequence.Set(float64(a.Sequence))
	m.AvailableLayers.Set(float64(len(a.AssociatedLayers)))
	m.ResolutionDuration.Observe(took.Seconds())
}

// ObserveSubscriptions records a new subscription state.
func (m *Metrics) ObserveSubscriptions(s vms.SubscriptionState) {
	if m == nil {
		return
	}
	m.SubscriptionSequence.Set(float64(s.Sequence))
	m.SubscribedLayers.Set(float64(len(s.Layers)))
}

// ObservePublishers records the registry size.
func (m *Metrics) ObservePublishers(n int) {
	if m == nil {
		return
	}
	m.RegisteredPublishers.Set(float64(n))
}

// ObserveMessage records one routed message and its fan-out.
func (m *Metrics) ObserveMessage(deliveries int) {
	if m == nil {
		return
	}
	m.MessagesTotal.Inc()
	m.DeliveriesTotal.Add(float64(deliveries))
	if deliveries == 0 {
		m.UndeliveredTotal.Inc()
	}
}
