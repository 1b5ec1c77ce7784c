// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/approval"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/events"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/observability"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/state"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

// Auto-loop stop reasons.
const (
	StopMaxDepth  = "max_depth_reached"
	StopMaxTools  = "max_tools_reached"
	StopTimeout   = "timeout"
	StopCancelled = "cancelled"
)

// AllTools in Policy.RequireApproval gates every tool.
const AllTools = "*"

// Policy bounds unattended tool execution.
type Policy struct {
	// RequireApproval names tools that wait for a user decision.
	RequireApproval []string `json:"require_approval" yaml:"require_approval"`

	// MaxDepth is the number of LLM rounds one auto-loop may run.
	MaxDepth int `json:"max_depth" yaml:"max_depth"`

	// MaxTools is the number of tools one auto-loop may execute.
	MaxTools int `json:"max_tools" yaml:"max_tools"`

	// Timeout bounds the wall time of one auto-loop. Zero disables it.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// ToolsPerSecond throttles execution. Zero disables the throttle.
	ToolsPerSecond float64 `json:"tools_per_second" yaml:"tools_per_second"`
}

// DefaultPolicy returns the default auto-loop bounds.
func DefaultPolicy() Policy {
	return Policy{
		MaxDepth: 5,
		MaxTools: 10,
		Timeout:  5 * time.Minute,
	}
}

// RequiresApproval reports whether tool must be approved before it runs.
func (p Policy) RequiresApproval(tool string) bool {
	name := tools.NormalizeToolName(tool)
	return slices.ContainsFunc(p.RequireApproval, func(t string) bool {
		return t == AllTools || tools.NormalizeToolName(t) == name
	})
}

func (p Policy) limiter() *rate.Limiter {
	if p.ToolsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(p.ToolsPerSecond), max(1, int(p.ToolsPerSecond)))
}

// CallResult is the outcome of one dispatched call.
type CallResult struct {
	Call     tools.ToolCall   `json:"call"`
	Result   tools.ToolResult `json:"result"`
	Error    string           `json:"error,omitempty"`
	Duration time.Duration    `json:"duration"`
	Executed bool             `json:"executed"`
}

// Outcome describes what a Dispatch or ResolveApproval did.
type Outcome struct {
	// Results holds one entry per call that was executed, denied, or
	// skipped, in call order.
	Results []CallResult `json:"results,omitempty"`

	// Suspended is set when the batch waits on RequestID.
	Suspended bool   `json:"suspended"`
	RequestID string `json:"request_id,omitempty"`

	// Denied is set when the user denied a call and the batch was dropped.
	Denied bool `json:"denied"`

	// FollowUp is set when the auto-loop is still running and the caller
	// should send the results back to the LLM for another round.
	FollowUp bool `json:"follow_up"`

	// StopReason is set when the auto-loop was cancelled by its bounds.
	StopReason string `json:"stop_reason,omitempty"`
}

// Failed reports whether a call failed hard, leaving the context in
// TransientFailure.
func (o Outcome) Failed() bool {
	for _, r := range o.Results {
		if r.Executed && r.Error != "" {
			return true
		}
	}
	return false
}

// pendingBatch is a batch of calls waiting on approvals.
type pendingBatch struct {
	calls      []tools.ToolCall
	approvedBy map[string]string
	requestID  string
	callID     string
}

// Dispatcher executes the tool calls of one LLM response.
//
// Description:
//
//	Calls named by Policy.RequireApproval suspend the batch behind an
//	approval request, one call at a time. Once every gated call is
//	approved the whole batch runs in order. The first call moves the
//	context from ParsingToolCalls (or AwaitingToolApproval) to
//	ExecutingTool; the rest run inside the bounded auto-loop. A hard
//	failure stops the batch in TransientFailure. Consecutive failures of
//	one tool raise the retry count, so the next Retry event fails the
//	context once DefaultMaxRetries is reached.
//
//	When the batch finishes the auto-loop bounds are checked. Within
//	bounds the caller is asked for a follow-up LLM round; the next
//	Dispatch deepens the same loop.
//
// Thread Safety:
//
//	Safe for concurrent use. Calls are serialized.
type Dispatcher struct {
	mu        sync.Mutex
	sessionID string
	tracked   *state.Context
	executor  tools.Executor
	approvals *approval.Manager
	sink      events.Sink
	logger    *slog.Logger
	policy    Policy
	limiter   *rate.Limiter
	pending   *pendingBatch
	now       func() time.Time

	// failures counts consecutive hard failures per tool. It feeds the
	// retry count of TransientFailure and resets when the tool succeeds
	// or the turn ends.
	failures map[string]int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithPolicy sets the approval and auto-loop policy.
func WithPolicy(p Policy) DispatcherOption {
	return func(d *Dispatcher) {
		d.policy = p
	}
}

// WithDispatcherSink sets the UI event sink.
func WithDispatcherSink(s events.Sink) DispatcherOption {
	return func(d *Dispatcher) {
		d.sink = s
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithDispatcherClock overrides time.Now for timeout checks.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates a dispatcher for one session.
func NewDispatcher(sessionID string, tracked *state.Context, executor tools.Executor, approvals *approval.Manager, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sessionID: sessionID,
		tracked:   tracked,
		executor:  executor,
		approvals: approvals,
		logger:    slog.Default(),
		policy:    DefaultPolicy(),
		now:       time.Now,
		failures:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.limiter = d.policy.limiter()
	d.logger = d.logger.With("session_id", sessionID)
	return d
}

// Policy returns the current policy.
func (d *Dispatcher) Policy() Policy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.policy
}

// UpdatePolicy replaces the policy. A suspended batch keeps the approvals
// it already has.
func (d *Dispatcher) UpdatePolicy(p Policy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.policy = p
	d.limiter = p.limiter()
	d.logger.Info("Dispatch policy updated",
		"max_depth", p.MaxDepth, "max_tools", p.MaxTools, "require_approval", p.RequireApproval)
}

// PendingRequest returns the request id the dispatcher is waiting on.
func (d *Dispatcher) PendingRequest() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return "", false
	}
	return d.pending.requestID, true
}

// Dispatch executes calls or suspends them behind an approval request.
//
// Inputs:
//
//	ctx - Cancellation stops the batch between calls.
//	calls - Finalized calls from one LLM response.
//
// Outputs:
//
//	Outcome - What happened to the batch.
//	error - ErrDispatchInProgress when an earlier batch is still waiting,
//	        ErrNotParsingToolCalls outside ParsingToolCalls, or the context
//	        error when ctx was cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []tools.ToolCall) (Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending != nil {
		return Outcome{}, fmt.Errorf("%w: request %s", ErrDispatchInProgress, d.pending.requestID)
	}
	if len(calls) == 0 {
		return Outcome{}, nil
	}
	if k := d.tracked.State().Kind; k != state.StateParsingToolCalls {
		return Outcome{}, fmt.Errorf("%w: state is %s", ErrNotParsingToolCalls, k)
	}

	ctx, span := observability.StartSpan(ctx, observability.TracerTools, "Dispatcher.Dispatch",
		trace.WithAttributes(
			attribute.String("session_id", d.sessionID),
			attribute.Int("calls", len(calls)),
		),
	)
	defer span.End()

	if d.tracked.AutoLoop().Active {
		depth := d.tracked.DeepenAutoLoop()
		span.SetAttributes(attribute.Int("depth", depth))
	}

	b := &pendingBatch{
		calls:      append([]tools.ToolCall(nil), calls...),
		approvedBy: make(map[string]string),
	}
	out, err := d.advance(ctx, b)
	if err != nil {
		observability.RecordError(span, err)
		return out, err
	}
	observability.SetSpanOK(span)
	return out, nil
}

// ResolveApproval applies the user's decision on requestID.
//
// Outputs:
//
//	Outcome - Denied, suspended on the next gated call, or the executed batch.
//	error - ErrNoPendingApproval when the dispatcher is not waiting on
//	        requestID; approval.ErrRequestNotFound when the request expired.
//	        An expired request drops the batch.
func (d *Dispatcher) ResolveApproval(ctx context.Context, requestID string, approved bool, reason string) (Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b := d.pending
	if b == nil || b.requestID != requestID {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNoPendingApproval, requestID)
	}

	if _, err := d.approvals.ApproveRequest(requestID, approved, reason); err != nil {
		d.logger.Warn("Approval request expired", "request_id", requestID)
		d.dropPending(b, "approval expired")
		return Outcome{Denied: true}, err
	}

	if !approved {
		d.logger.Info("Tool calls denied", "request_id", requestID, "reason", reason)
		msg := "denied by user"
		if reason != "" {
			msg += ": " + reason
		}
		return Outcome{Denied: true, Results: d.dropPending(b, msg)}, nil
	}

	b.approvedBy[b.callID] = requestID
	b.requestID, b.callID = "", ""
	d.pending = nil
	return d.advance(ctx, b)
}

// ExpirePending drops a suspended batch whose request is no longer known
// to the approval manager. It reports whether a batch was dropped.
func (d *Dispatcher) ExpirePending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.pending
	if b == nil {
		return false
	}
	if _, ok := d.approvals.GetRequest(b.requestID); ok {
		return false
	}
	d.logger.Info("Dropping expired tool batch", "request_id", b.requestID)
	d.dropPending(b, "approval expired")
	return true
}

// dropPending discards b, returns the context to Idle, and reports every
// call as not executed. Must hold d.mu.
func (d *Dispatcher) dropPending(b *pendingBatch, msg string) []CallResult {
	d.pending = nil
	d.tracked.DenyToolCalls()
	results := make([]CallResult, 0, len(b.calls))
	for _, c := range b.calls {
		d.emit(events.TypeToolError, &events.ToolErrorData{ToolCallID: c.ID, Error: msg})
		results = append(results, CallResult{Call: c, Error: msg})
	}
	return results
}

// advance requests approval for the next gated call or runs the batch.
// Must hold d.mu.
func (d *Dispatcher) advance(ctx context.Context, b *pendingBatch) (Outcome, error) {
	for _, c := range b.calls {
		if !d.policy.RequiresApproval(c.Function.Name) || b.approvedBy[c.ID] != "" {
			continue
		}
		name := tools.NormalizeToolName(c.Function.Name)
		requestID := d.approvals.CreateRequest(d.sessionID, c, name, d.describe(name))
		d.tracked.RequestToolApproval(requestID, name)
		b.requestID, b.callID = requestID, c.ID
		d.pending = b
		d.logger.Info("Tool call awaiting approval", "tool", name, "request_id", requestID)
		return Outcome{Suspended: true, RequestID: requestID}, nil
	}
	return d.run(ctx, b)
}

// run executes every call of b. Must hold d.mu.
func (d *Dispatcher) run(ctx context.Context, b *pendingBatch) (Outcome, error) {
	var out Outcome
	for i, call := range b.calls {
		if i > 0 {
			if reason := d.exceeded(false); reason != "" {
				out.StopReason = reason
				out.Results = append(out.Results, skipped(b.calls[i:], reason)...)
				d.cancelLoop(reason)
				return out, nil
			}
		}
		if err := d.limiter.Wait(ctx); err != nil {
			out.Results = append(out.Results, skipped(b.calls[i:], StopCancelled)...)
			out.StopReason = StopCancelled
			d.cancelLoop(StopCancelled)
			return out, err
		}

		result := d.execute(ctx, call, b.approvedBy[call.ID])
		out.Results = append(out.Results, result)
		if result.Error != "" {
			out.Results = append(out.Results, skipped(b.calls[i+1:], "previous call failed")...)
			return out, nil
		}

		if !d.tracked.AutoLoop().Active {
			d.tracked.BeginAutoLoop(1)
		}
		d.tracked.RecordAutoLoopProgress()
	}

	if reason := d.exceeded(true); reason != "" {
		out.StopReason = reason
		d.cancelLoop(reason)
		return out, nil
	}
	out.FollowUp = true
	return out, nil
}

// execute runs one call and drives the tool states around it.
func (d *Dispatcher) execute(ctx context.Context, call tools.ToolCall, requestID string) CallResult {
	name := tools.NormalizeToolName(call.Function.Name)
	logger := d.logger.With("tool", name, "tool_call_id", call.ID)

	d.tracked.BeginToolExecution(name, d.failures[name]+1, requestID)
	d.emit(events.TypeToolStart, &events.ToolStartData{
		ToolCallID: call.ID,
		ToolName:   name,
		Arguments:  events.ToolArguments(call.Function.Arguments),
	})

	start := time.Now()
	result, err := d.executor.Execute(ctx, call)
	elapsed := time.Since(start)

	if err != nil {
		d.failures[name]++
		logger.Warn("Tool call failed", "error", err, "failures", d.failures[name], "duration_ms", elapsed.Milliseconds())
		d.tracked.RecordToolExecutionFailure(name, d.failures[name], err.Error(), requestID)
		d.emit(events.TypeToolError, &events.ToolErrorData{ToolCallID: call.ID, Error: err.Error()})
		return CallResult{Call: call, Error: err.Error(), Duration: elapsed, Executed: true}
	}

	logger.Debug("Tool call completed", "success", result.Success, "duration_ms", elapsed.Milliseconds())
	delete(d.failures, name)
	d.tracked.CompleteToolExecution()
	d.emit(events.TypeToolComplete, &events.ToolCompleteData{
		ToolCallID: call.ID,
		Result:     result,
		DurationMs: elapsed.Milliseconds(),
	})
	return CallResult{Call: call, Result: result, Duration: elapsed, Executed: true}
}

// exceeded returns the bound the running auto-loop has hit, or "". Depth
// only gates follow-up rounds, so it is checked at the end of a batch.
func (d *Dispatcher) exceeded(checkDepth bool) string {
	c := d.tracked.AutoLoop()
	if !c.Active {
		return ""
	}
	switch {
	case checkDepth && d.policy.MaxDepth > 0 && c.Depth >= d.policy.MaxDepth:
		return StopMaxDepth
	case d.policy.MaxTools > 0 && c.ToolsExecuted >= d.policy.MaxTools:
		return StopMaxTools
	case d.policy.Timeout > 0 && !c.StartedAt.IsZero() && d.now().Sub(c.StartedAt) >= d.policy.Timeout:
		return StopTimeout
	}
	return ""
}

func (d *Dispatcher) cancelLoop(reason string) {
	if !d.tracked.AutoLoop().Active {
		return
	}
	d.logger.Info("Auto-loop cancelled", "reason", reason)
	d.tracked.CancelAutoLoop(reason)
}

// FinishAutoLoop closes a running auto-loop after an LLM round that asked
// for no more tools and resets the tool failure counts. It reports whether
// a loop was running.
func (d *Dispatcher) FinishAutoLoop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.failures)
	c := d.tracked.AutoLoop()
	if !c.Active {
		return false
	}
	d.logger.Debug("Auto-loop finished", "depth", c.Depth, "tools_executed", c.ToolsExecuted)
	d.tracked.CompleteAutoLoop()
	return true
}

func (d *Dispatcher) describe(name string) string {
	for _, s := range d.executor.ListTools() {
		if s.Name == name {
			return s.Description
		}
	}
	return ""
}

func (d *Dispatcher) emit(t events.Type, data any) {
	if d.sink == nil {
		return
	}
	d.sink.Emit(t, data)
}

func skipped(calls []tools.ToolCall, reason string) []CallResult {
	out := make([]CallResult, 0, len(calls))
	for _, c := range calls {
		out = append(out, CallResult{Call: c, Error: "not executed: " + reason})
	}
	return out
}
