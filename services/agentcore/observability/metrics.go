// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "aleutian"

const agentSubsystem = "agentcore"

// Metrics holds the Prometheus collectors for the agent core.
//
// # Fields
//
//   - StateTransitionsTotal: FSM transitions by source and target state
//   - LoopStepsTotal: AgentLoop steps by observed state and outcome
//   - TodoItemsTotal: Finished todo items by item type and outcome
//   - ToolCallsTotal: Tool executions by tool and outcome
//   - ToolDurationSeconds: Tool execution latency
//   - ApprovalsPending: Approval requests currently waiting
//   - ApprovalDecisionsTotal: Approval decisions by outcome
//   - CompositionStepsTotal: Composition expressions evaluated by kind
//
// # Thread Safety
//
// All operations are thread-safe. All methods accept a nil receiver.
type Metrics struct {
	// Labels: from, to
	StateTransitionsTotal *prometheus.CounterVec

	// Labels: state, outcome (continue, stop, error)
	LoopStepsTotal *prometheus.CounterVec

	// Labels: item_type, outcome (completed, failed)
	TodoItemsTotal *prometheus.CounterVec

	// Labels: tool, outcome (success, soft_failure, error)
	ToolCallsTotal *prometheus.CounterVec

	// Labels: tool
	ToolDurationSeconds *prometheus.HistogramVec

	ApprovalsPending prometheus.Gauge

	// Labels: outcome (approved, denied, expired)
	ApprovalDecisionsTotal *prometheus.CounterVec

	// Labels: kind (call, sequence, parallel, ...)
	CompositionStepsTotal *prometheus.CounterVec
}

// NewMetrics creates all collectors and registers them with reg.
//
// Inputs:
//
//	reg - Registerer to use. Pass prometheus.DefaultRegisterer in production
//	      and prometheus.NewRegistry() in tests.
//
// Outputs:
//
//	*Metrics - The registered metrics. Panics on duplicate registration,
//	           matching promauto semantics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		StateTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "state_transitions_total",
				Help:      "Context state transitions by source and target state",
			},
			[]string{"from", "to"},
		),
		LoopStepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "loop_steps_total",
				Help:      "Agent loop steps by observed state and outcome",
			},
			[]string{"state", "outcome"},
		),
		TodoItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "todo_items_total",
				Help:      "Finished todo items by item type and outcome",
			},
			[]string{"item_type", "outcome"},
		),
		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "tool_calls_total",
				Help:      "Tool executions by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		ToolDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "tool_duration_seconds",
				Help:      "Tool execution latency in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"tool"},
		),
		ApprovalsPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "approvals_pending",
				Help:      "Tool approval requests currently waiting for a decision",
			},
		),
		ApprovalDecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "approval_decisions_total",
				Help:      "Approval decisions by outcome",
			},
			[]string{"outcome"},
		),
		CompositionStepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "composition_steps_total",
				Help:      "Composition expressions evaluated by kind",
			},
			[]string{"kind"},
		),
	}
}

// =============================================================================
// Recording Helpers
// =============================================================================

// RecordTransition counts one state change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.StateTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordLoopStep counts one AgentLoop step.
func (m *Metrics) RecordLoopStep(state, outcome string) {
	if m == nil {
		return
	}
	m.LoopStepsTotal.WithLabelValues(state, outcome).Inc()
}

// RecordTodoItem counts one finished todo item.
func (m *Metrics) RecordTodoItem(itemType, outcome string) {
	if m == nil {
		return
	}
	m.TodoItemsTotal.WithLabelValues(itemType, outcome).Inc()
}

// RecordToolCall counts one tool execution and observes its latency.
func (m *Metrics) RecordToolCall(tool, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
	m.ToolDurationSeconds.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// SetApprovalsPending sets the pending approvals gauge.
func (m *Metrics) SetApprovalsPending(n int) {
	if m == nil {
		return
	}
	m.ApprovalsPending.Set(float64(n))
}

// RecordApprovalDecision counts one approval outcome.
func (m *Metrics) RecordApprovalDecision(outcome string) {
	if m == nil {
		return
	}
	m.ApprovalDecisionsTotal.WithLabelValues(outcome).Inc()
}

// RecordCompositionStep counts one evaluated expression.
func (m *Metrics) RecordCompositionStep(kind string) {
	if m == nil {
		return
	}
	m.CompositionStepsTotal.WithLabelValues(kind).Inc()
}
