package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for event processing. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ruleOutcomes  *prometheus.CounterVec
	actionResults *prometheus.CounterVec
	eventDuration prometheus.Histogram
}

// NewMetrics creates the engine metrics and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		ruleOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gamification",
			Name:      "rule_outcomes_total",
			Help:      "Terminal outcomes of rule evaluations",
		}, []string{"outcome"}),
		actionResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gamification",
			Name:      "action_results_total",
			Help:      "Results of dispatched actions",
		}, []string{"kind", "status"}),
		eventDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gamification",
			Name:      "event_duration_seconds",
			Help:      "Time to process one domain event",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.ruleOutcomes, m.actionResults, m.eventDuration)
	return m
}

func (m *Metrics) observeRule(r RuleResult) {
	if m == nil {
		return
	}
	m.ruleOutcomes.WithLabelValues(r.Outcome).Inc()
	for _, a := range r.Actions {
		status := "success"
		if !a.Success {
			status = "failure"
		}
		m.actionResults.WithLabelValues(string(a.Kind), status).Inc()
	}
}

func (m *Metrics) observeEvent(d time.Duration) {
	if m == nil {
		return
	}
	m.eventDuration.Observe(d.Seconds())
}
