// Package metrics exposes the hub's prometheus collectors. Components record
// through the Metrics handle; the HTTP service serves the registry on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/transitlabs/sirihub/models"
)

type Metrics struct {
	registry *prometheus.Registry

	mergeOutcomes        *prometheus.CounterVec
	deliveriesDispatched *prometheus.CounterVec
	deliveryFailures     *prometheus.CounterVec
	outboundActive       *prometheus.GaugeVec
	inboundFailing       *prometheus.GaugeVec
	storeEntries         *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		mergeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sirihub",
			Name:      "merge_outcomes_total",
			Help:      "Merge classifications per category and dataset.",
		}, []string{"category", "dataset", "outcome"}),
		deliveriesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sirihub",
			Name:      "deliveries_dispatched_total",
			Help:      "Outbound deliveries dispatched per category and kind.",
		}, []string{"category", "kind"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sirihub",
			Name:      "delivery_failures_total",
			Help:      "Outbound dispatch failures per category.",
		}, []string{"category"}),
		outboundActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sirihub",
			Name:      "outbound_subscriptions_active",
			Help:      "Active outbound push subscriptions per category.",
		}, []string{"category"}),
		inboundFailing: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sirihub",
			Name:      "inbound_subscription_failing",
			Help:      "1 when an active inbound subscription is failing its liveness check.",
		}, []string{"subscription", "dataset", "vendor"}),
		storeEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sirihub",
			Name:      "store_entries",
			Help:      "Live entries per category store.",
		}, []string{"category"}),
	}

	m.registry.MustRegister(
		m.mergeOutcomes,
		m.deliveriesDispatched,
		m.deliveryFailures,
		m.outboundActive,
		m.inboundFailing,
		m.storeEntries,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordMerge(category models.Category, dataset string, result models.MergeResult) {
	labels := prometheus.Labels{"category": string(category), "dataset": dataset}

	add := func(outcome string, n int) {
		if n == 0 {
			return
		}
		l := prometheus.Labels{"category": labels["category"], "dataset": labels["dataset"], "outcome": outcome}
		m.mergeOutcomes.With(l).Add(float64(n))
	}
	add("updated", result.Updated)
	add("expired", result.Expired)
	add("ignored", result.Ignored)
}

func (m *Metrics) RecordDispatch(category models.Category, kind models.DeliveryKind) {
	m.deliveriesDispatched.WithLabelValues(string(category), string(kind)).Inc()
}

func (m *Metrics) RecordDispatchFailure(category models.Category) {
	m.deliveryFailures.WithLabelValues(string(category)).Inc()
}

func (m *Metrics) SetOutboundActive(category models.Category, n int) {
	m.outboundActive.WithLabelValues(string(category)).Set(float64(n))
}

func (m *Metrics) SetInboundFailing(sub models.SubscriptionHealth) {
	v := 0.0
	if sub.Failing {
		v = 1.0
	}
	m.inboundFailing.WithLabelValues(sub.SubscriptionID, sub.Dataset, sub.Vendor).Set(v)
}

func (m *Metrics) SetStoreEntries(category models.Category, n int) {
	m.storeEntries.WithLabelValues(string(category)).Set(float64(n))
}
