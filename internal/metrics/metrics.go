package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Submission outcomes
const (
	OutcomeAccepted    = "accepted"
	OutcomeBadJSON     = "bad_json"
	OutcomeInvalid     = "invalid"
	OutcomeImplausible = "implausible"
	OutcomeRateLimited = "rate_limited"
	OutcomeError       = "error"
)

// Metrics holds the service collectors
type Metrics struct {
	Submissions     *prometheus.CounterVec
	PersistDuration prometheus.Histogram
	Projections     *prometheus.CounterVec
	FeedClients     prometheus.Gauge
}

// New registers the collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neondefense",
			Name:      "score_submissions_total",
			Help:      "Score submissions by outcome.",
		}, []string{"outcome"}),
		PersistDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "neondefense",
			Name:      "score_persist_seconds",
			Help:      "Time spent appending a score.",
			Buckets:   prometheus.DefBuckets,
		}),
		Projections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neondefense",
			Name:      "ranking_projections_total",
			Help:      "Entries projected into the ranking index by result.",
		}, []string{"result"}),
		FeedClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "neondefense",
			Name:      "feed_clients",
			Help:      "Connected live feed clients.",
		}),
	}
}

// NewUnregistered returns collectors bound to a private registry
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
