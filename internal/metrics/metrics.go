// Package metrics exposes Prometheus instrumentation for the orchestrator
// and its supporting components.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector behind its own registry so tests can create
// isolated instances.
type Metrics struct {
	stageTransitions  *prometheus.CounterVec
	workflowsFailed   *prometheus.CounterVec
	agentExecutions   *prometheus.CounterVec
	agentLatency      *prometheus.HistogramVec
	retries           *prometheus.CounterVec
	compensations     *prometheus.CounterVec
	governanceVerdict *prometheus.CounterVec
	approvalDecisions *prometheus.CounterVec
	alertsIssued      *prometheus.CounterVec
	activeWorkers     prometheus.Gauge
	queueDepth        prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a metrics instance with the given namespace.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		stageTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workflow",
				Name:      "stage_transitions_total",
				Help:      "Total workflow stage transitions by target stage",
			},
			[]string{"to"},
		),
		workflowsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workflow",
				Name:      "failures_total",
				Help:      "Total workflow failures by reason",
			},
			[]string{"reason"},
		),
		agentExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "executions_total",
				Help:      "Total agent executions by agent and outcome",
			},
			[]string{"agent", "outcome"},
		),
		agentLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "execution_duration_milliseconds",
				Help:      "Agent execution latency in milliseconds",
				Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"agent"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "retries_total",
				Help:      "Total agent retries by agent",
			},
			[]string{"agent"},
		),
		compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "compensations_total",
				Help:      "Total compensation runs by outcome",
			},
			[]string{"outcome"},
		),
		governanceVerdict: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "governance",
				Name:      "verdicts_total",
				Help:      "Total governance verdicts by outcome",
			},
			[]string{"outcome"},
		),
		approvalDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "governance",
				Name:      "approval_decisions_total",
				Help:      "Total approval decisions by result",
			},
			[]string{"result"},
		),
		alertsIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "status",
				Name:      "alerts_total",
				Help:      "Total alerts issued by kind",
			},
			[]string{"kind"},
		),
		activeWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "workers_active",
				Help:      "Number of workers currently executing a workflow",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "queue_depth",
				Help:      "Current depth of the workflow job queue",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.stageTransitions,
		m.workflowsFailed,
		m.agentExecutions,
		m.agentLatency,
		m.retries,
		m.compensations,
		m.governanceVerdict,
		m.approvalDecisions,
		m.alertsIssued,
		m.activeWorkers,
		m.queueDepth,
	)
	return m
}

// Nop returns a metrics instance whose collectors are live but unexported.
// Components accept it when no metrics wiring is configured.
func Nop() *Metrics {
	return New("nop")
}

func (m *Metrics) RecordStageTransition(to string) {
	m.stageTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) RecordWorkflowFailure(reason string) {
	m.workflowsFailed.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordAgentExecution(agent string, success bool, latency time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.agentExecutions.WithLabelValues(agent, outcome).Inc()
	m.agentLatency.WithLabelValues(agent).Observe(float64(latency.Milliseconds()))
}

func (m *Metrics) RecordRetry(agent string) {
	m.retries.WithLabelValues(agent).Inc()
}

func (m *Metrics) RecordCompensation(outcome string) {
	m.compensations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordGovernanceVerdict(allowed, requiresApproval bool) {
	switch {
	case !allowed:
		m.governanceVerdict.WithLabelValues("blocked").Inc()
	case requiresApproval:
		m.governanceVerdict.WithLabelValues("approval_required").Inc()
	default:
		m.governanceVerdict.WithLabelValues("allowed").Inc()
	}
}

func (m *Metrics) RecordApprovalDecision(result string) {
	m.approvalDecisions.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordAlert(kind string) {
	m.alertsIssued.WithLabelValues(kind).Inc()
}

func (m *Metrics) WorkerStarted() { m.activeWorkers.Inc() }
func (m *Metrics) WorkerStopped() { m.activeWorkers.Dec() }

func (m *Metrics) SetQueueDepth(n int) { m.queueDepth.Set(float64(n)) }

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test scrapes.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
