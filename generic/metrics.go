package generic

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	feedEventsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salesops",
		Subsystem: "feed",
		Name:      "events_total",
		Help:      "Change feed events by table, operation and outcome (applied, noop, ignored, foreign).",
	}, []string{"table", "op", "outcome"})

	feedReconnectCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salesops",
		Subsystem: "feed",
		Name:      "reconnects_total",
		Help:      "Subscriptions re-established after the stream dropped.",
	}, []string{"table"})

	snapshotLoadCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salesops",
		Subsystem: "snapshot",
		Name:      "loads_total",
		Help:      "Bulk snapshot loads by outcome (ok, error, stale).",
	}, []string{"outcome"})

	bindingsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "salesops",
		Subsystem: "binding",
		Name:      "active",
		Help:      "Widget bindings currently attached to an owner.",
	})
)

func init() {
	prometheus.MustRegister(feedEventsCounter, feedReconnectCounter, snapshotLoadCounter, bindingsGauge)
}

func recordFeedEvent(table string, op ChangeOp, outcome string) {
	feedEventsCounter.WithLabelValues(table, string(op), outcome).Inc()
}

func recordReconnect(table string) {
	feedReconnectCounter.WithLabelValues(table).Inc()
}

func recordLoad(outcome string) {
	snapshotLoadCounter.WithLabelValues(outcome).Inc()
}
