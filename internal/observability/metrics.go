package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Kazi.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Orchestrator metrics.
	RunsTotal       *prometheus.CounterVec
	IterationsTotal prometheus.Counter
	ContextOpsTotal *prometheus.CounterVec

	// Safety metrics.
	CommandsBlockedTotal *prometheus.CounterVec

	// LLM metrics.
	LLMRequestsTotal *prometheus.CounterVec
	LLMRetriesTotal  prometheus.Counter

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration prometheus.Histogram
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "bot",
			Name:      "runs_total",
			Help:      "Total task runs, including drained deferred tasks.",
		}, []string{"status"}),

		IterationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "bot",
			Name:      "iterations_total",
			Help:      "Total budget-consuming loop iterations.",
		}),

		ContextOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "bot",
			Name:      "context_ops_total",
			Help:      "Total context-management operations.",
		}, []string{"op"}),

		CommandsBlockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "safety",
			Name:      "commands_blocked_total",
			Help:      "Commands rejected by the safety validator.",
		}, []string{"command"}),

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "status"}),

		LLMRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "llm",
			Name:      "schema_retries_total",
			Help:      "Corrective retries after schema-violating LLM responses.",
		}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox command executions.",
		}, []string{"status"}),

		SandboxExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox command execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.IterationsTotal,
		m.ContextOpsTotal,
		m.CommandsBlockedTotal,
		m.LLMRequestsTotal,
		m.LLMRetriesTotal,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
	)

	return m
}

// commandWord reduces a full command line to its first word so the blocked
// counter has bounded label cardinality.
func commandWord(command string) string {
	for i := 0; i < len(command); i++ {
		if command[i] == ' ' || command[i] == '\t' {
			return command[:i]
		}
	}
	return command
}

// RecordBlockedCommand increments the safety counter for a rejected command.
// Nil-safe.
func (m *MetricsCollector) RecordBlockedCommand(command string) {
	if m == nil {
		return
	}
	m.CommandsBlockedTotal.WithLabelValues(commandWord(command)).Inc()
}
