package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	tickTotal        *prometheus.CounterVec
	tickLatency      *prometheus.HistogramVec
	reconcileTotal   *prometheus.CounterVec
	staffFailures    *prometheus.CounterVec
	backlogAdded     *prometheus.CounterVec
	confidenceResets *prometheus.CounterVec
	rolloverTotal    *prometheus.CounterVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		tickTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weekline",
			Name:      "pipeline_tick_total",
			Help:      "Pipeline ticks per org/role by outcome.",
		}, []string{"org_id", "role_id", "outcome"}),
		tickLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "weekline",
			Name:      "pipeline_tick_seconds",
			Help:      "Duration of one org/role pipeline tick.",
			Buckets: []float64{
				0.005, 0.01, 0.025, 0.05,
				0.1, 0.25, 0.5,
				1, 2.5, 5, 10, 30,
			},
		}, []string{"org_id", "role_id"}),
		reconcileTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weekline",
			Name:      "reconcile_total",
			Help:      "Site reconciliations by outcome.",
		}, []string{"site_id", "outcome"}),
		staffFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weekline",
			Name:      "reconcile_staff_failures_total",
			Help:      "Staff members whose reconciliation failed.",
		}, []string{"site_id"}),
		backlogAdded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weekline",
			Name:      "backlog_added_total",
			Help:      "Backlog items opened by reconciliation.",
		}, []string{"site_id"}),
		confidenceResets: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weekline",
			Name:      "confidence_resets_total",
			Help:      "Confidence scores cleared for unperformed assignments.",
		}, []string{"site_id"}),
		rolloverTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weekline",
			Name:      "rollover_total",
			Help:      "RunRollover invocations by trigger and status.",
		}, []string{"org_id", "trigger", "status"}),
	}
})

func get() *metrics { return metricsSingleton() }

func ObserveTick(orgID string, roleID int64, outcome string, d time.Duration) {
	m := get()
	role := strconv.FormatInt(roleID, 10)
	m.tickTotal.WithLabelValues(orgID, role, outcome).Inc()
	m.tickLatency.WithLabelValues(orgID, role).Observe(d.Seconds())
}

func ObserveReconcile(siteID, outcome string, failed, backlog, resets int) {
	m := get()
	m.reconcileTotal.WithLabelValues(siteID, outcome).Inc()
	if failed > 0 {
		m.staffFailures.WithLabelValues(siteID).Add(float64(failed))
	}
	if backlog > 0 {
		m.backlogAdded.WithLabelValues(siteID).Add(float64(backlog))
	}
	if resets > 0 {
		m.confidenceResets.WithLabelValues(siteID).Add(float64(resets))
	}
}

func ObserveRollover(orgID, trigger, status string) {
	get().rolloverTotal.WithLabelValues(orgID, trigger, status).Inc()
}
