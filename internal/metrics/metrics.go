// Package metrics exposes the prometheus instrumentation for the call
// generator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OfferedCalls counts originate requests issued by the burst loop.
	OfferedCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchd_offered_calls_total",
		Help: "Total originate requests issued.",
	})

	// FailedCalls counts background jobs resolving with -ERR, by cause.
	FailedCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchd_failed_calls_total",
		Help: "Total failed originates, by engine-reported cause.",
	}, []string{"cause"})

	// OriginatedSessions counts CHANNEL_ORIGINATE transitions.
	OriginatedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchd_originated_sessions_total",
		Help: "Total sessions that reached CHANNEL_ORIGINATE.",
	})

	// AnsweredSessions counts CHANNEL_ANSWER transitions.
	AnsweredSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchd_answered_sessions_total",
		Help: "Total originated sessions that were answered.",
	})

	// ActiveSessions tracks the cluster-wide live session count.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "switchd_active_sessions",
		Help: "Current live sessions across the pool.",
	})

	// Erlangs tracks the cluster-wide live call count.
	Erlangs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "switchd_erlangs",
		Help: "Current live calls (erlangs) across the pool.",
	})

	// BurstSize observes the per-tick originate batch size.
	BurstSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "switchd_burst_size",
		Help:    "Originates issued per pacing tick.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
)
