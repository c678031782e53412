package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Исходы обработки события ленты изменений.
const (
	OutcomeApplied = "applied"
	OutcomeIgnored = "ignored"
	OutcomeDropped = "dropped"
	OutcomeInvalid = "invalid"
)

var (
	// EventsTotal считает события по потоку и исходу.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_events_total",
		Help: "Total change events processed by stream and outcome",
	}, []string{"stream", "outcome"})

	// RollbacksTotal считает откаты оптимистичных изменений.
	RollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_rollbacks_total",
		Help: "Total optimistic mutations rolled back after a failed request",
	}, []string{"operation"})

	// LookupDegradations считает подстановки заглушек вместо профилей и сниппетов.
	LookupDegradations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_lookup_degradations_total",
		Help: "Total enrichment lookups that degraded to a placeholder",
	}, []string{"kind"})

	// RelayConnections - число открытых websocket-подписок релея.
	RelayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedsync_relay_connections",
		Help: "Number of active relay websocket connections",
	})
)

func Event(stream, outcome string) {
	EventsTotal.WithLabelValues(stream, outcome).Inc()
}

func Rollback(operation string) {
	RollbacksTotal.WithLabelValues(operation).Inc()
}

func Degraded(kind string) {
	LookupDegradations.WithLabelValues(kind).Inc()
}
