// Package metrics exposes Prometheus collectors for the scheduling engine and
// the HTTP surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/gmsas95/myrai-meds/internal/medication"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "meds"

// Metrics implements medication.Recorder on top of Prometheus collectors
type Metrics struct {
	startTime time.Time

	dosesMaterialized prometheus.Counter
	dosesMissed       prometheus.Counter
	sweeps            *prometheus.CounterVec
	sweepDuration     prometheus.Histogram
	conflicts         prometheus.Counter
	reports           *prometheus.CounterVec
	ticks             *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	skillCalls      *prometheus.CounterVec
}

var _ medication.Recorder = (*Metrics)(nil)

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		dosesMaterialized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "doses_materialized_total",
			Help:      "Dose instances created by the materializer.",
		}),
		dosesMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "doses_missed_total",
			Help:      "Dose instances moved to missed by the overdue sweeper.",
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Per-tracker overdue sweeps by result.",
		}, []string{"result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of per-tracker overdue sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutation_conflicts_total",
			Help:      "Optimistic transaction conflicts that were retried.",
		}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adherence_reports_total",
			Help:      "Adherence reports generated by risk level.",
		}, []string{"risk"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Sweep triggers by ticker mode.",
		}, []string{"mode"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_breaker_open",
			Help:      "1 while the sweep circuit breaker is not closed.",
		}, []string{"name"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		skillCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skill_calls_total",
			Help:      "Assistant tool executions by tool and outcome.",
		}, []string{"tool", "success"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.dosesMaterialized,
			m.dosesMissed,
			m.sweeps,
			m.sweepDuration,
			m.conflicts,
			m.reports,
			m.ticks,
			m.breakerState,
			m.requests,
			m.requestDuration,
			m.skillCalls,
		)
	}
	return m
}

func (m *Metrics) DosesMaterialized(n int) {
	m.dosesMaterialized.Add(float64(n))
}

func (m *Metrics) DosesMissed(n int) {
	m.dosesMissed.Add(float64(n))
}

func (m *Metrics) SweepCompleted(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sweeps.WithLabelValues(result).Inc()
	m.sweepDuration.Observe(d.Seconds())
}

func (m *Metrics) MutationConflict() {
	m.conflicts.Inc()
}

func (m *Metrics) ReportGenerated(risk medication.RiskLevel) {
	m.reports.WithLabelValues(string(risk)).Inc()
}

// SchedulerTick counts one sweep trigger from the named ticker mode.
func (m *Metrics) SchedulerTick(mode string) {
	m.ticks.WithLabelValues(mode).Inc()
}

// BreakerStateChanged tracks whether the named breaker is open.
func (m *Metrics) BreakerStateChanged(name string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	m.breakerState.WithLabelValues(name).Set(v)
}

func (m *Metrics) RecordRequest(method, route string, status int, d time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) RecordSkillCall(tool string, success bool) {
	m.skillCalls.WithLabelValues(tool, strconv.FormatBool(success)).Inc()
}

// Uptime returns the time since New.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
