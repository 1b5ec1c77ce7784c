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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewMetrics_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordTransition("idle", "processing_user_message")
	m.RecordLoopStep("executing_todo_list", "continue")
	m.RecordTodoItem("tool_call", "completed")
	m.RecordToolCall("echo", "success", 20*time.Millisecond)
	m.SetApprovalsPending(2)
	m.RecordApprovalDecision("approved")
	m.RecordCompositionStep("sequence")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StateTransitionsTotal.WithLabelValues("idle", "processing_user_message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("echo", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ApprovalsPending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompositionStepsTotal.WithLabelValues("sequence")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTransition("a", "b")
		m.RecordLoopStep("a", "stop")
		m.RecordTodoItem("chat", "failed")
		m.RecordToolCall("x", "error", time.Second)
		m.SetApprovalsPending(1)
		m.RecordApprovalDecision("denied")
		m.RecordCompositionStep("call")
	})
}

func TestInit_NoneExporter(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{TraceExporter: "none"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{TraceExporter: "zipkin"})
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestRecordError_SetsStatus(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	RecordError(span, errors.New("boom"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
}

func TestTraceID_NoSpan(t *testing.T) {
	assert.Equal(t, "", TraceID(context.Background()))
}
