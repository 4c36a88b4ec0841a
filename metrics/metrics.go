// Package metrics holds the job's Prometheus collectors.
//
// Exposed series:
//   - sentinel_admissions_total{result}    admitted|duplicate|resumed|invalid|cooldown|persist_failed|notify_failed|finalize_failed
//   - sentinel_transitions_total{status}   status moves produced by exit evaluation
//   - sentinel_reconcile_total{kind}       zombie|orphan|healed|backfilled|critical
//   - sentinel_positions_total{event}      opened|scaled|closed|emergency
//   - sentinel_symbol_failures_total       symbols whose pass errored
//   - sentinel_broker_errors_total         failed broker calls
//   - sentinel_run_duration_seconds        wall time of the last run
//   - sentinel_run_last_success_timestamp  unix time of the last completed run
//
// A batch job has no scrape endpoint, so the registry is pushed to a
// Pushgateway when the run ends. Every method is safe on a nil *Collector.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/web3guy0/sentinel/types"
)

type Collector struct {
	registry *prometheus.Registry

	admissions     *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	reconcile      *prometheus.CounterVec
	positions      *prometheus.CounterVec
	symbolFailures prometheus.Counter
	brokerErrors   prometheus.Counter
	runDuration    prometheus.Gauge
	lastSuccess    prometheus.Gauge
}

// New creates collectors on a private registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_admissions_total",
				Help: "Candidate admission outcomes",
			},
			[]string{"result"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_transitions_total",
				Help: "Signal status transitions",
			},
			[]string{"status"},
		),
		reconcile: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_reconcile_total",
				Help: "Reconciliation findings",
			},
			[]string{"kind"},
		),
		positions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_positions_total",
				Help: "Position lifecycle events",
			},
			[]string{"event"},
		),
		symbolFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_symbol_failures_total",
			Help: "Symbols whose pass failed",
		}),
		brokerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_broker_errors_total",
			Help: "Failed broker calls",
		}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_run_duration_seconds",
			Help: "Duration of the last run",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_run_last_success_timestamp",
			Help: "Unix time of the last completed run",
		}),
	}

	c.registry.MustRegister(
		c.admissions, c.transitions, c.reconcile, c.positions,
		c.symbolFailures, c.brokerErrors, c.runDuration, c.lastSuccess,
	)
	return c
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Admission(result string) {
	if c == nil {
		return
	}
	c.admissions.WithLabelValues(result).Inc()
}

func (c *Collector) Transition(to types.SignalStatus) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(string(to)).Inc()
}

func (c *Collector) PositionEvent(event string) {
	if c == nil {
		return
	}
	c.positions.WithLabelValues(event).Inc()
}

func (c *Collector) Reconciled(r *types.ReconciliationReport) {
	if c == nil || r == nil {
		return
	}
	c.reconcile.WithLabelValues("zombie").Add(float64(len(r.Zombies)))
	c.reconcile.WithLabelValues("orphan").Add(float64(len(r.Orphans)))
	c.reconcile.WithLabelValues("healed").Add(float64(r.Healed))
	c.reconcile.WithLabelValues("backfilled").Add(float64(r.Backfilled))
	c.reconcile.WithLabelValues("critical").Add(float64(len(r.CriticalIssues)))
}

func (c *Collector) SymbolFailed() {
	if c == nil {
		return
	}
	c.symbolFailures.Inc()
}

func (c *Collector) BrokerError() {
	if c == nil {
		return
	}
	c.brokerErrors.Inc()
}

// RunFinished records the run's wall time; completed marks a clean loop
func (c *Collector) RunFinished(d time.Duration, completed bool) {
	if c == nil {
		return
	}
	c.runDuration.Set(d.Seconds())
	if completed {
		c.lastSuccess.SetToCurrentTime()
	}
}

// Push sends the registry to a Pushgateway. An empty url is a no-op.
func (c *Collector) Push(ctx context.Context, url, job, environment string) error {
	if c == nil || url == "" {
		return nil
	}
	return push.New(url, job).
		Gatherer(c.registry).
		Grouping("environment", environment).
		PushContext(ctx)
}
