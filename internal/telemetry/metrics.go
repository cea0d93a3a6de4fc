package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Escalation ──────────────────────────────────────────────────────────────

	EscalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portal",
		Subsystem: "escalation",
		Name:      "requests_total",
		Help:      "Escalation requests, labelled by outcome.",
	}, []string{"outcome"})

	// ─── Workflow engine ─────────────────────────────────────────────────────────

	TriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portal",
		Subsystem: "workflow",
		Name:      "triggers_total",
		Help:      "Trigger calls, labelled by event name.",
	}, []string{"event"})

	InstancesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portal",
		Subsystem: "workflow",
		Name:      "instances_finished_total",
		Help:      "Workflow instances reaching a terminal status.",
	}, []string{"status"})

	StepsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portal",
		Subsystem: "workflow",
		Name:      "steps_executed_total",
		Help:      "Step executions, labelled by type and resulting status.",
	}, []string{"type", "status"})

	TriggerDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "portal",
		Subsystem: "workflow",
		Name:      "trigger_duration_seconds",
		Help:      "Time spent evaluating and executing one trigger call.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	}, []string{"event"})

	ApprovalsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "portal",
		Subsystem: "workflow",
		Name:      "approvals_timed_out_total",
		Help:      "Approval steps resolved to timed_out.",
	})

	// ─── Consumers ───────────────────────────────────────────────────────────────

	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portal",
		Subsystem: "kafka",
		Name:      "events_consumed_total",
		Help:      "Domain events read from Kafka, labelled by result.",
	}, []string{"result"})
)
