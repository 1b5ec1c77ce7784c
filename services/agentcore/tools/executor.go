// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/observability"
)

// DefaultTimeout bounds a single tool execution.
const DefaultTimeout = 30 * time.Second

// Executor runs tool calls against some tool source.
type Executor interface {
	// Execute runs call. A source that does not know the tool returns an
	// error matching ErrToolNotFound.
	Execute(ctx context.Context, call ToolCall) (ToolResult, error)

	// ListTools returns the schemas this source can execute.
	ListTools() []ToolSchema
}

// RegistryExecutor executes tools from a local Registry.
//
// Thread Safety:
//
//	RegistryExecutor is safe for concurrent use.
type RegistryExecutor struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// RegistryExecutorOption configures a RegistryExecutor.
type RegistryExecutorOption func(*RegistryExecutor)

// WithTimeout sets the per-call timeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) RegistryExecutorOption {
	return func(e *RegistryExecutor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RegistryExecutorOption {
	return func(e *RegistryExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records tool call counts and latency.
func WithMetrics(m *observability.Metrics) RegistryExecutorOption {
	return func(e *RegistryExecutor) {
		e.metrics = m
	}
}

// NewRegistryExecutor creates an executor over registry.
func NewRegistryExecutor(registry *Registry, opts ...RegistryExecutorOption) *RegistryExecutor {
	e := &RegistryExecutor{
		registry: registry,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs call against the registry.
//
// Errors:
//
//	ErrToolNotFound - Tool is not registered
//	ErrInvalidArguments - Arguments are not a JSON object
//	ErrExecutionFailed - Tool returned an error or timed out
//
// Thread Safety: This method is safe for concurrent use.
func (e *RegistryExecutor) Execute(ctx context.Context, call ToolCall) (ToolResult, error) {
	name := NormalizeToolName(call.Function.Name)
	logger := e.logger.With(
		"tool", name,
		"call_id", call.ID,
	)

	tool, ok := e.registry.Get(name)
	if !ok {
		return ToolResult{}, NotFound(name)
	}

	args, err := call.ParsedArguments()
	if err != nil {
		logger.Warn("Invalid tool arguments", "error", err)
		return ToolResult{}, err
	}

	ctx, span := observability.StartSpan(ctx, observability.TracerTools, "RegistryExecutor.Execute",
		trace.WithAttributes(attribute.String("tool", name)),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	logger.Debug("Executing tool")
	result, err := tool.Execute(ctx, args)
	elapsed := time.Since(start)

	if err != nil {
		observability.RecordError(span, err)
		e.metrics.RecordToolCall(name, "error", elapsed)
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Error("Tool execution timed out", "timeout", e.timeout)
			return ToolResult{}, Executionf("%s timed out after %v", name, e.timeout)
		}
		var te *ToolError
		if errors.As(err, &te) {
			return ToolResult{}, te
		}
		logger.Error("Tool execution failed", "error", err)
		return ToolResult{}, Execution(err.Error())
	}

	outcome := "success"
	if !result.Success {
		outcome = "soft_failure"
	}
	e.metrics.RecordToolCall(name, outcome, elapsed)
	observability.SetSpanOK(span)

	logger.Debug("Tool executed",
		"success", result.Success,
		"duration", elapsed,
	)
	return result, nil
}

// ListTools implements Executor.
func (e *RegistryExecutor) ListTools() []ToolSchema {
	return e.registry.Schemas()
}

// Chain tries executors in order and returns the first answer that is not
// ErrToolNotFound.
type Chain []Executor

// Execute implements Executor.
func (c Chain) Execute(ctx context.Context, call ToolCall) (ToolResult, error) {
	for _, ex := range c {
		if ex == nil {
			continue
		}
		result, err := ex.Execute(ctx, call)
		if IsNotFound(err) {
			continue
		}
		return result, err
	}
	return ToolResult{}, NotFound(NormalizeToolName(call.Function.Name))
}

// ListTools returns the union of all schemas. Earlier executors shadow
// later ones with the same tool name.
func (c Chain) ListTools() []ToolSchema {
	seen := make(map[string]bool)
	var out []ToolSchema
	for _, ex := range c {
		if ex == nil {
			continue
		}
		for _, s := range ex.ListTools() {
			if seen[s.Name] {
				continue
			}
			seen[s.Name] = true
			out = append(out, s)
		}
	}
	return out
}

var (
	_ Executor = (*RegistryExecutor)(nil)
	_ Executor = Chain(nil)
)
