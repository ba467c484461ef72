// Package metrics provides Prometheus metrics for the cluster state engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sparkles"

var (
	// DiscoveryFetchesTotal counts discovery round trips by endpoint and result.
	DiscoveryFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_fetches_total",
			Help:      "Total number of discovery requests by endpoint and result.",
		},
		[]string{"endpoint", "result"},
	)

	// RulesReviewsTotal counts self-rules reviews fetched per result.
	RulesReviewsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_reviews_total",
			Help:      "Total number of self-subject rules reviews by result.",
		},
		[]string{"result"},
	)

	// AccessReviewsTotal counts authoritative access reviews by verdict.
	AccessReviewsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_reviews_total",
			Help:      "Total number of self-subject access reviews by verdict.",
		},
		[]string{"verdict"},
	)

	// VerdictsTotal counts authorization answers by path (coarse, full) and verdict.
	VerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_verdicts_total",
			Help:      "Total number of authorization verdicts by evaluation path and verdict.",
		},
		[]string{"path", "verdict"},
	)

	// WatchEventsTotal counts watch events applied to live collections.
	WatchEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_events_total",
			Help:      "Total number of watch events applied by collection and event type.",
		},
		[]string{"collection", "type"},
	)

	// CollectionSyncsActive is the number of running collection synchronizations.
	CollectionSyncsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collection_syncs_active",
			Help:      "Number of running live collection synchronization tasks.",
		},
		[]string{"collection"},
	)

	// CollectionFailuresTotal counts synchronization tasks that terminated with an error.
	CollectionFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_failures_total",
			Help:      "Total number of live collection synchronizations that failed.",
		},
		[]string{"collection"},
	)
)

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
