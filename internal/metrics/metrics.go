// Package metrics holds the Prometheus instruments of the cohort engine.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cohort"

type Metrics struct {
	// MaterializationsTotal counts runs by outcome (success, error, conflict, skipped).
	MaterializationsTotal  *prometheus.CounterVec
	MaterializationSeconds prometheus.Histogram
	// MembershipRowsTotal counts appended sign rows. Labels: sign (add, remove)
	MembershipRowsTotal    *prometheus.CounterVec
	StaticMembersInserted  prometheus.Counter
	LeaseContentionTotal   prometheus.Counter
	StuckCalculationsReset prometheus.Counter
}

// New registers the instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MaterializationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "materializations_total",
			Help:      "Cohort materialization runs by outcome",
		}, []string{"outcome"}),
		MaterializationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "materialization_duration_seconds",
			Help:      "Wall time of cohort materialization runs",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
		MembershipRowsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "membership_rows_total",
			Help:      "Membership sign rows appended by sign",
		}, []string{"sign"}),
		StaticMembersInserted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "static_members_inserted_total",
			Help:      "Persons newly added to static cohorts",
		}),
		LeaseContentionTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_contention_total",
			Help:      "Recalculations skipped because another worker held the cohort lease",
		}),
		StuckCalculationsReset: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stuck_calculations_reset_total",
			Help:      "Calculations cleared after exceeding the stuck timeout",
		}),
	}
}

func (m *Metrics) ObserveMaterialization(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.MaterializationsTotal.WithLabelValues(outcome).Inc()
	m.MaterializationSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) AddMembershipRows(added, removed int) {
	if m == nil {
		return
	}
	m.MembershipRowsTotal.WithLabelValues("add").Add(float64(added))
	m.MembershipRowsTotal.WithLabelValues("remove").Add(float64(removed))
}

func (m *Metrics) AddStaticMembers(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.StaticMembersInserted.Add(float64(n))
}

func (m *Metrics) LeaseContended() {
	if m == nil {
		return
	}
	m.LeaseContentionTotal.Inc()
}

func (m *Metrics) StuckReset(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.StuckCalculationsReset.Add(float64(n))
}
