package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry aggregates the Prometheus instruments for the orchestration core.
// Each instance carries its own registry so tests can construct it freely.
type Telemetry struct {
	registry *prometheus.Registry

	turnsTotal    *prometheus.CounterVec
	turnDuration  prometheus.Histogram
	matchesTotal  *prometheus.CounterVec
	synthTotal    prometheus.Counter
	stepsTotal    *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	asyncWaits    prometheus.Counter
	asyncTimeouts prometheus.Counter
	replansTotal  prometheus.Counter
}

func NewTelemetry() *Telemetry {
	reg := prometheus.NewRegistry()
	t := &Telemetry{
		registry: reg,
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wgagent_turns_total",
			Help: "Conversation turns processed, by intent and outcome.",
		}, []string{"intent", "outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wgagent_turn_duration_seconds",
			Help:    "End-to-end turn latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		matchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wgagent_workflow_matches_total",
			Help: "Accepted workflow matches, by tier.",
		}, []string{"tier"}),
		synthTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wgagent_plan_synthesis_total",
			Help: "Plans produced by synthesis instead of a catalog match.",
		}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wgagent_steps_total",
			Help: "Executed plan steps, by tool and status.",
		}, []string{"tool", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wgagent_step_duration_seconds",
			Help:    "Per-step execution latency including retries.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"tool"}),
		asyncWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wgagent_async_waits_total",
			Help: "Steps that entered the async waiting state.",
		}),
		asyncTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wgagent_async_timeouts_total",
			Help: "Async tasks that exhausted the wait budget.",
		}),
		replansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wgagent_replans_total",
			Help: "Turns that triggered a replan.",
		}),
	}
	reg.MustRegister(
		t.turnsTotal, t.turnDuration, t.matchesTotal, t.synthTotal,
		t.stepsTotal, t.stepDuration, t.asyncWaits, t.asyncTimeouts, t.replansTotal,
	)
	return t
}

// Registry exposes the instruments for promhttp.
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

func (t *Telemetry) RecordTurn(intent, outcome string, d time.Duration) {
	t.turnsTotal.WithLabelValues(intent, outcome).Inc()
	t.turnDuration.Observe(d.Seconds())
}

func (t *Telemetry) RecordMatch(tier string) { t.matchesTotal.WithLabelValues(tier).Inc() }

func (t *Telemetry) RecordSynthesis() { t.synthTotal.Inc() }

func (t *Telemetry) RecordStep(tool, status string, d time.Duration) {
	t.stepsTotal.WithLabelValues(tool, status).Inc()
	t.stepDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (t *Telemetry) RecordAsyncWait() { t.asyncWaits.Inc() }

func (t *Telemetry) RecordAsyncTimeout() { t.asyncTimeouts.Inc() }

func (t *Telemetry) RecordReplan() { t.replansTotal.Inc() }
