// Package metrics exposes Prometheus counters for polling, runs and the rows
// each run writes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dvloznov/payu-reconciler/internal/domain"
)

const namespace = "payu_reconciler"

// Metrics holds the collectors of one process.
type Metrics struct {
	polls         *prometheus.CounterVec
	runs          *prometheus.CounterVec
	rows          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	changeSetSize prometheus.Histogram
	lastSuccess   prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_polls_total",
			Help:      "Report status polls by outcome",
		}, []string{"outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished reconciliation runs by status, failing phase and error kind",
		}, []string{"status", "phase", "kind"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Reconciled rows by action",
		}, []string{"action"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a reconciliation run",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34m
		}),
		changeSetSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "change_set_writes",
			Help:      "Inserts plus updates per applied change set",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8), // 1 to 16384
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run",
		}),
	}
	reg.MustRegister(m.polls, m.runs, m.rows, m.runDuration, m.changeSetSize, m.lastSuccess)
	return m
}

// ObservePoll counts one status poll by outcome (pending, ready, failed,
// transient_error or error).
func (m *Metrics) ObservePoll(outcome string) {
	m.polls.WithLabelValues(outcome).Inc()
}

// ObserveApply counts the rows of an applied change set.
func (m *Metrics) ObserveApply(cs *domain.ChangeSet, res domain.ApplyResult) {
	m.rows.WithLabelValues("inserted").Add(float64(res.Inserted))
	m.rows.WithLabelValues("updated").Add(float64(res.Updated))
	if cs != nil {
		m.rows.WithLabelValues("unchanged").Add(float64(len(cs.Unchanged)))
	}
	m.changeSetSize.Observe(float64(res.Inserted + res.Updated))
}

// ObserveRun records a finished run. A nil err counts as success.
func (m *Metrics) ObserveRun(phase string, err error, elapsed time.Duration, finishedAt time.Time) {
	m.runDuration.Observe(elapsed.Seconds())
	if err == nil {
		m.runs.WithLabelValues("success", "", "").Inc()
		m.lastSuccess.Set(float64(finishedAt.Unix()))
		return
	}
	m.runs.WithLabelValues("failed", phase, string(domain.KindOf(err))).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
