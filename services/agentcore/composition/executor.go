// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package composition

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/observability"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

// Executor evaluates ToolExpr trees.
//
// Thread Safety:
//
//	Executor is safe for concurrent use. Each evaluation must use its own
//	ExecutionContext.
type Executor struct {
	tools   tools.Executor
	logger  *slog.Logger
	metrics *observability.Metrics
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics counts evaluated nodes by kind.
func WithMetrics(m *observability.Metrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// NewExecutor creates an executor that resolves Call nodes through source.
func NewExecutor(source tools.Executor, opts ...ExecutorOption) *Executor {
	e := &Executor{
		tools:  source,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute evaluates expr in ec.
//
// Description:
//
//	Evaluates the tree, appends an ExecutionStep to ec's log, and binds
//	"_last" when evaluation returned a result without error.
//
// Outputs:
//
//	tools.ToolResult - Result of the root node. Success=false is a soft failure.
//	error - A tools.ToolError. KindNotFound means a Call named an unknown tool.
func (e *Executor) Execute(ctx context.Context, expr *ToolExpr, ec *ExecutionContext) (tools.ToolResult, error) {
	ctx, span := observability.StartSpan(ctx, observability.TracerComposition, "Executor.Execute",
		trace.WithAttributes(attribute.String("expr", expr.Label())),
	)
	defer span.End()

	result, err := e.eval(ctx, expr, ec)
	ec.record(expr, result, err)

	if err != nil {
		observability.RecordError(span, err)
		e.logger.Debug("Composition failed", "expr_name", expr.Label(), "error", err)
		return tools.ToolResult{}, err
	}

	ec.Bind(LastBinding, result)
	observability.SetSpanOK(span)
	e.logger.Debug("Composition step", "expr_name", expr.Label(), "success", result.Success)
	return result, nil
}

func (e *Executor) eval(ctx context.Context, expr *ToolExpr, ec *ExecutionContext) (tools.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return tools.ToolResult{}, tools.Execution(err.Error())
	}
	if expr == nil {
		return tools.ToolResult{}, tools.Execution("nil expression")
	}
	e.metrics.RecordCompositionStep(string(expr.Type))

	switch expr.Type {
	case ExprCall:
		return e.evalCall(ctx, expr)
	case ExprSequence:
		return e.evalSequence(ctx, expr, ec)
	case ExprParallel:
		return e.evalParallel(ctx, expr, ec)
	case ExprChoice:
		return e.evalChoice(ctx, expr, ec)
	case ExprRetry:
		return e.evalRetry(ctx, expr, ec)
	case ExprLet:
		return e.evalLet(ctx, expr, ec)
	case ExprVar:
		if r, ok := ec.Lookup(expr.Name); ok {
			return r, nil
		}
		return tools.ToolResult{}, tools.Executionf("Variable not found: %s", expr.Name)
	default:
		return tools.ToolResult{}, tools.Executionf("unknown expression type %q", expr.Type)
	}
}

func (e *Executor) evalCall(ctx context.Context, expr *ToolExpr) (tools.ToolResult, error) {
	if e.tools == nil {
		return tools.ToolResult{}, tools.NotFound(expr.Tool)
	}
	args := "{}"
	if len(expr.Args) > 0 {
		b, err := json.Marshal(expr.Args)
		if err != nil {
			return tools.ToolResult{}, tools.InvalidArguments(expr.Tool, err.Error())
		}
		args = string(b)
	}
	call := tools.ToolCall{
		ID:       "call_" + uuid.NewString(),
		Type:     tools.DefaultCallType,
		Function: tools.FunctionCall{Name: tools.NormalizeToolName(expr.Tool), Arguments: args},
	}
	return e.tools.Execute(ctx, call)
}

func (e *Executor) evalSequence(ctx context.Context, expr *ToolExpr, ec *ExecutionContext) (tools.ToolResult, error) {
	failFast := expr.FailFastEnabled()
	last := tools.SuccessResult("empty sequence")

	for _, step := range expr.Steps {
		r, err := e.eval(ctx, step, ec)
		if err != nil {
			if failFast {
				return tools.ToolResult{}, err
			}
			last = tools.FailureResult(err.Error())
			ec.Bind(LastBinding, last)
			continue
		}
		last = r
		ec.Bind(LastBinding, r)
		if failFast && !r.Success {
			return r, nil
		}
	}
	return last, nil
}

type branchOutcome struct {
	result tools.ToolResult
	err    error
}

func (e *Executor) evalParallel(ctx context.Context, expr *ToolExpr, ec *ExecutionContext) (tools.ToolResult, error) {
	if len(expr.Branches) == 0 {
		return tools.SuccessResult("empty parallel"), nil
	}

	outcomes := make([]branchOutcome, len(expr.Branches))
	scopes := make([]*ExecutionContext, len(expr.Branches))
	for i := range expr.Branches {
		scopes[i] = ec.NestedScope()
	}

	// Branch failures are collected, not propagated, so every branch runs
	// to completion before the wait policy is applied.
	var g errgroup.Group
	for i, branch := range expr.Branches {
		g.Go(func() error {
			r, err := e.eval(ctx, branch, scopes[i])
			outcomes[i] = branchOutcome{result: r, err: err}
			return nil
		})
	}
	_ = g.Wait()

	return mergeBranches(expr.WaitPolicyOrDefault(), outcomes)
}

func mergeBranches(wait WaitPolicy, outcomes []branchOutcome) (tools.ToolResult, error) {
	switch wait.mode() {
	case WaitModeAny:
		var firstFailure *tools.ToolResult
		var lastErr error
		for i := range outcomes {
			o := outcomes[i]
			switch {
			case o.err != nil:
				lastErr = o.err
			case o.result.Success:
				return o.result, nil
			case firstFailure == nil:
				firstFailure = &outcomes[i].result
			}
		}
		if firstFailure != nil {
			return *firstFailure, nil
		}
		if lastErr != nil {
			return tools.ToolResult{}, lastErr
		}
		return tools.ToolResult{}, tools.Execution("no parallel branch succeeded")

	case WaitModeN:
		succeeded := 0
		var lastSuccess *tools.ToolResult
		for i := range outcomes {
			if outcomes[i].err == nil && outcomes[i].result.Success {
				succeeded++
				lastSuccess = &outcomes[i].result
			}
		}
		if succeeded >= wait.N {
			if lastSuccess != nil {
				return *lastSuccess, nil
			}
			return tools.SuccessResult("required branches succeeded"), nil
		}
		return tools.FailureResult(fmt.Sprintf("only %d of %d branches succeeded; required %d",
			succeeded, len(outcomes), wait.N)), nil

	default:
		// The first failing branch in declaration order decides, whether it
		// failed hard or soft.
		var lastSuccess *tools.ToolResult
		for i := range outcomes {
			o := outcomes[i]
			switch {
			case o.err != nil:
				return tools.ToolResult{}, o.err
			case !o.result.Success:
				return o.result, nil
			default:
				lastSuccess = &outcomes[i].result
			}
		}
		if lastSuccess != nil {
			return *lastSuccess, nil
		}
		return tools.SuccessResult("all branches completed"), nil
	}
}

func (e *Executor) evalChoice(ctx context.Context, expr *ToolExpr, ec *ExecutionContext) (tools.ToolResult, error) {
	last, ok := ec.Lookup(LastBinding)
	if !ok {
		last = tools.SuccessResult("{}")
	}
	if expr.Condition != nil && expr.Condition.Evaluate(last) {
		return e.eval(ctx, expr.Then, ec)
	}
	if expr.Else != nil {
		return e.eval(ctx, expr.Else, ec)
	}
	return tools.SuccessResult("condition not met"), nil
}

func (e *Executor) evalRetry(ctx context.Context, expr *ToolExpr, ec *ExecutionContext) (tools.ToolResult, error) {
	attempts := expr.Attempts()
	delay := time.Duration(expr.Delay()) * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		r, err := e.eval(ctx, expr.Expr, ec)
		if err == nil && r.Success {
			return r, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = tools.Execution(r.Result)
		}
		e.logger.Debug("Retry attempt failed", "attempt", attempt, "max_attempts", attempts, "error", lastErr)

		if attempt < attempts && delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return tools.ToolResult{}, tools.Execution(ctx.Err().Error())
			case <-timer.C:
			}
		}
	}
	if lastErr != nil {
		return tools.ToolResult{}, lastErr
	}
	return tools.ToolResult{}, tools.Execution("retry attempts exhausted")
}

func (e *Executor) evalLet(ctx context.Context, expr *ToolExpr, ec *ExecutionContext) (tools.ToolResult, error) {
	r, err := e.eval(ctx, expr.Expr, ec)
	if err != nil {
		return tools.ToolResult{}, err
	}
	body := ec.NestedScope()
	body.Bind(expr.Var, r)
	body.Bind(LastBinding, r)
	return e.eval(ctx, expr.Body, body)
}
