package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the reconciler's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	OracleQueries   *prometheus.CounterVec
	OracleWalkBacks prometheus.Counter
	LocateProbes    prometheus.Histogram
	GapsDetected    *prometheus.CounterVec
	GapFailures     *prometheus.CounterVec
	GapsDeferred    *prometheus.CounterVec
	RecordsInserted *prometheus.CounterVec
	ReconcileTime   *prometheus.HistogramVec

	SchedulerInFlight prometheus.Gauge
	SchedulerClaims   prometheus.Counter
	DirtyRequeued     prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OracleQueries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerfill_oracle_queries_total",
			Help: "Point-in-time balance reads by token kind and outcome",
		}, []string{"kind", "outcome"}),
		OracleWalkBacks: f.NewCounter(prometheus.CounterOpts{
			Name: "ledgerfill_oracle_walkbacks_total",
			Help: "Balance reads answered by an earlier block than requested",
		}),
		LocateProbes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledgerfill_locate_probes",
			Help:    "Distinct blocks probed per locate call",
			Buckets: []float64{1, 2, 4, 8, 16, 24, 32, 48, 64},
		}),
		GapsDetected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerfill_gaps_detected_total",
			Help: "Gaps found by phase",
		}, []string{"phase"}),
		GapFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerfill_gap_failures_total",
			Help: "Gaps deferred because locating or synthesizing failed",
		}, []string{"phase"}),
		GapsDeferred: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerfill_gaps_deferred_total",
			Help: "Gaps left open because no block in range matched, including parked ones skipped",
		}, []string{"phase"}),
		RecordsInserted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerfill_records_inserted_total",
			Help: "Ledger records written by class",
		}, []string{"class"}),
		ReconcileTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledgerfill_reconcile_duration_seconds",
			Help:    "Time to reconcile one account",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"trigger"}),
		SchedulerInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerfill_scheduler_in_flight",
			Help: "Dirty-account tasks currently running",
		}),
		SchedulerClaims: f.NewCounter(prometheus.CounterOpts{
			Name: "ledgerfill_scheduler_claims_total",
			Help: "Dirty accounts claimed for reconciliation",
		}),
		DirtyRequeued: f.NewCounter(prometheus.CounterOpts{
			Name: "ledgerfill_dirty_requeued_total",
			Help: "Completed tasks whose account was re-marked dirty while running",
		}),
	}
}

func (m *Metrics) OracleQuery(kind, outcome string) {
	if m == nil {
		return
	}
	m.OracleQueries.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) OracleWalkBack() {
	if m == nil {
		return
	}
	m.OracleWalkBacks.Inc()
}

func (m *Metrics) Probes(n int) {
	if m == nil {
		return
	}
	m.LocateProbes.Observe(float64(n))
}

func (m *Metrics) Gaps(phase string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.GapsDetected.WithLabelValues(phase).Add(float64(n))
}

func (m *Metrics) GapFailed(phase string) {
	if m == nil {
		return
	}
	m.GapFailures.WithLabelValues(phase).Inc()
}

func (m *Metrics) GapDeferred(phase string) {
	if m == nil {
		return
	}
	m.GapsDeferred.WithLabelValues(phase).Inc()
}

func (m *Metrics) Inserted(class string) {
	if m == nil {
		return
	}
	m.RecordsInserted.WithLabelValues(class).Inc()
}

func (m *Metrics) ObserveReconcile(trigger string, started time.Time) {
	if m == nil {
		return
	}
	m.ReconcileTime.WithLabelValues(trigger).Observe(time.Since(started).Seconds())
}

func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.SchedulerClaims.Inc()
	m.SchedulerInFlight.Inc()
}

func (m *Metrics) TaskFinished(requeued bool) {
	if m == nil {
		return
	}
	m.SchedulerInFlight.Dec()
	if requeued {
		m.DirtyRequeued.Inc()
	}
}
