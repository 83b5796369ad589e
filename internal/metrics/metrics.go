// Package metrics exposes Prometheus collectors for the changeset engine.
//
// A nil *Metrics is valid and records nothing, so library callers that do
// not care about metrics never have to construct one.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "changeset"

// Outcome labels for run results.
const (
	OutcomeOK      = "ok"
	OutcomeInvalid = "invalid"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

// Metrics groups the engine collectors.
type Metrics struct {
	compiles     *prometheus.CounterVec
	fallbacks    *prometheus.CounterVec
	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	hookFailures *prometheus.CounterVec
	transactions *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		compiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "atomic_compiles_total",
			Help:      "Actions compiled into a single atomic write.",
		}, []string{"resource", "action"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "atomic_fallbacks_total",
			Help:      "Actions that could not be compiled atomically and ran the phased pipeline.",
		}, []string{"resource", "action"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Changeset runs by outcome.",
		}, []string{"resource", "action", "outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a changeset run, hooks included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resource", "action"}),
		hookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_failures_total",
			Help:      "Hooks that returned an error or panicked.",
		}, []string{"phase"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transactions opened by the engine by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.compiles, m.fallbacks, m.runs, m.runDuration, m.hookFailures, m.transactions)
	}
	return m
}

// AtomicCompiled counts a successful atomic compilation.
func (m *Metrics) AtomicCompiled(resource, action string) {
	if m == nil {
		return
	}
	m.compiles.WithLabelValues(resource, action).Inc()
}

// FellBack counts a compilation that reported not atomic.
func (m *Metrics) FellBack(resource, action string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(resource, action).Inc()
}

// RunFinished records the outcome and duration of a run.
func (m *Metrics) RunFinished(resource, action, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(resource, action, outcome).Inc()
	m.runDuration.WithLabelValues(resource, action).Observe(d.Seconds())
}

// HookFailed counts a failing hook in phase.
func (m *Metrics) HookFailed(phase string) {
	if m == nil {
		return
	}
	m.hookFailures.WithLabelValues(phase).Inc()
}

// TransactionFinished counts a committed or rolled back transaction.
func (m *Metrics) TransactionFinished(committed bool) {
	if m == nil {
		return
	}
	outcome := "rollback"
	if committed {
		outcome = "commit"
	}
	m.transactions.WithLabelValues(outcome).Inc()
}
