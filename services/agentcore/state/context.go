// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/observability"
)

// Metadata keys attached to tool lifecycle updates.
const (
	MetaToolEvent       = "tool_event"
	MetaToolName        = "tool_name"
	MetaRequestID       = "request_id"
	MetaPendingRequests = "pending_requests"
	MetaPendingTools    = "pending_tools"
	MetaAttempt         = "attempt"
	MetaRetryCount      = "retry_count"
	MetaError           = "error"
	MetaDepth           = "depth"
	MetaToolsExecuted   = "tools_executed"
	MetaReason          = "reason"
)

// AutoLoopCounters are the counters of the running auto-loop.
type AutoLoopCounters struct {
	Active        bool      `json:"active"`
	Depth         int       `json:"depth"`
	ToolsExecuted int       `json:"tools_executed"`
	StartedAt     time.Time `json:"started_at,omitempty"`
}

// Context is one conversation's state machine, publishing a ContextUpdate
// for every event it handles.
//
// Description:
//
//	Updates are published while the context lock is held, so subscribers
//	observe them in transition order. The Context is marked dirty after
//	each change until a persister calls ClearDirty.
//
// Thread Safety:
//
//	Context is safe for concurrent use.
type Context struct {
	id        string
	mu        sync.Mutex
	machine   *Machine
	publisher Publisher
	logger    *slog.Logger
	metrics   *observability.Metrics
	autoLoop  AutoLoopCounters
	dirty     bool
	now       func() time.Time
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithPublisher sets where updates go. Without one they are discarded.
func WithPublisher(p Publisher) ContextOption {
	return func(c *Context) {
		c.publisher = p
	}
}

// WithContextLogger sets the logger.
func WithContextLogger(l *slog.Logger) ContextOption {
	return func(c *Context) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithContextMetrics records transitions into m.
func WithContextMetrics(m *observability.Metrics) ContextOption {
	return func(c *Context) {
		c.metrics = m
	}
}

// WithInitialState starts the context in s instead of Idle.
func WithInitialState(s ContextState) ContextOption {
	return func(c *Context) {
		c.machine = NewMachineWithState(s)
	}
}

// NewContext creates a tracked context with the given id.
func NewContext(id string, opts ...ContextOption) *Context {
	c := &Context{
		id:      id,
		machine: NewMachine(),
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("context_id", id))
	return c
}

// ID returns the context id.
func (c *Context) ID() string { return c.id }

// State returns the current state.
func (c *Context) State() ContextState { return c.machine.State() }

// History returns the recent transitions.
func (c *Context) History() []StateTransition { return c.machine.History() }

// CanTransition reports whether e would change the state.
func (c *Context) CanTransition(e ChatEvent) bool { return c.machine.CanTransition(e) }

// HandleEvent applies e and publishes the resulting update.
func (c *Context) HandleEvent(e ChatEvent) ContextUpdate {
	return c.HandleEventWithMetadata(e, nil)
}

// HandleEventWithMetadata applies e and publishes an update carrying meta.
func (c *Context) HandleEventWithMetadata(e ChatEvent, meta map[string]any) ContextUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, _ := c.applyLocked(e, meta)
	return u
}

// TryEvent applies e only when it changes the state.
//
// Errors:
//
//	ErrInvalidTransition - e would not change the state. Nothing is published.
func (c *Context) TryEvent(e ChatEvent) (ContextUpdate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.machine.CanTransition(e) {
		_, err := c.machine.TryEvent(e)
		return ContextUpdate{}, err
	}
	return c.applyLocked(e, nil)
}

// applyLocked runs the machine and publishes. Must hold c.mu.
func (c *Context) applyLocked(e ChatEvent, meta map[string]any) (ContextUpdate, error) {
	t := c.machine.HandleEvent(e)
	if t.Changed {
		c.dirty = true
		c.metrics.RecordTransition(string(t.From.Kind), string(t.To.Kind))
		c.logger.Debug("context state changed",
			slog.String("from", string(t.From.Kind)),
			slog.String("to", string(t.To.Kind)),
			slog.String("event", string(e.Kind)))
	}
	prev := t.From
	u := ContextUpdate{
		ContextID:     c.id,
		CurrentState:  t.To,
		PreviousState: &prev,
		Timestamp:     c.now(),
		Metadata:      meta,
	}
	c.publishLocked(u)
	return u, nil
}

func (c *Context) publishLocked(u ContextUpdate) {
	if c.publisher != nil {
		c.publisher.Publish(u)
	}
}

// PublishMessage publishes a message change without a state transition.
func (c *Context) PublishMessage(m MessageUpdate) ContextUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := ContextUpdate{
		ContextID:     c.id,
		CurrentState:  c.machine.State(),
		MessageUpdate: &m,
		Timestamp:     c.now(),
	}
	c.publishLocked(u)
	return u
}

// Reset returns the context to Idle and clears the auto-loop counters.
func (c *Context) Reset() ContextUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.machine.State()
	c.machine.Reset()
	c.autoLoop = AutoLoopCounters{}
	c.dirty = true
	u := ContextUpdate{ContextID: c.id, CurrentState: c.machine.State(), PreviousState: &prev, Timestamp: c.now()}
	c.publishLocked(u)
	return u
}

// Restore sets the state without publishing, for loading persisted contexts.
func (c *Context) Restore(s ContextState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.machine.Restore(s)
	c.dirty = false
}

// IsDirty reports whether the context changed since the last ClearDirty.
func (c *Context) IsDirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// ClearDirty marks the context as persisted.
func (c *Context) ClearDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = false
}

// =============================================================================
// Tool lifecycle
// =============================================================================

// RequestToolApproval records a pending approval for tool.
func (c *Context) RequestToolApproval(requestID, tool string) ContextUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	meta := map[string]any{
		MetaToolEvent: "approval_requested",
		MetaToolName:  tool,
		MetaRequestID: requestID,
	}
	t := c.machine.State()
	next := computeNext(t, ToolApprovalRequested(requestID, tool))
	if next.Kind == StateAwaitingToolApproval {
		meta[MetaPendingRequests] = nonNil(next.PendingRequests)
		meta[MetaPendingTools] = nonNil(next.ToolNames)
	}
	u, _ := c.applyLocked(ToolApprovalRequested(requestID, tool), meta)
	return u
}

// DenyToolCalls records that the user denied the pending calls.
func (c *Context) DenyToolCalls() ContextUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, _ := c.applyLocked(Event(EventToolCallsDenied), map[string]any{MetaToolEvent: "approval_denied"})
	return u
}

// BeginToolExecution records the start of a tool attempt. requestID may be
// empty for calls that needed no approval.
func (c *Context) BeginToolExecution(tool string, attempt int, requestID string) ContextUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	meta := map[string]any{
		MetaToolEvent: "execution_started",
		MetaToolName:  tool,
		MetaAttempt:   attempt,
	}
	if requestID != "" {
		meta[MetaRequestID] = requestID
	}
	u, _ := c.applyLocked(ToolExecutionStarted(tool, attempt, requestID), meta)
	return u
}

// RecordToolExecutionFailure records a failed attempt.
func (c *Context) RecordToolExecutionFailure(tool string, retryCount int, errMsg, requestID string) ContextUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	meta := map[string]any{
		MetaToolEvent:  "execution_failed",
		MetaToolName:   tool,
		MetaRetryCount: retryCount,
		MetaError:      errMsg,
	}
	if requestID != "" {
		meta[MetaRequestID] = requestID
	}
	u, _ := c.applyLocked(ToolExecutionFailed(tool, errMsg, retryCount, requestID), meta)
	return u
}

// CompleteToolExecution records a finished attempt.
func (c *Context) CompleteToolExecution() ContextUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, _ := c.applyLocked(Event(EventToolExecutionCompleted), map[string]any{MetaToolEvent: "execution_completed"})
	return u
}

// =============================================================================
// Auto-loop
// =============================================================================

// BeginAutoLoop starts the auto-loop counters at depth and enters ToolAutoLoop.
func (c *Context) BeginAutoLoop(depth int) ContextUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoLoop = AutoLoopCounters{Active: true, Depth: depth, StartedAt: c.now()}
	u, _ := c.applyLocked(ToolAutoLoopStarted(depth, 0), map[string]any{
		MetaToolEvent: "auto_loop_started",
		MetaDepth:     depth,
	})
	return u
}

// RecordAutoLoopProgress counts one executed tool.
func (c *Context) RecordAutoLoopProgress() ContextUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoLoop.ToolsExecuted++
	d, n := c.autoLoop.Depth, c.autoLoop.ToolsExecuted
	u, _ := c.applyLocked(ToolAutoLoopProgress(d, n), map[string]any{
		MetaToolEvent:     "auto_loop_progress",
		MetaDepth:         d,
		MetaToolsExecuted: n,
	})
	return u
}

// DeepenAutoLoop increments the depth, for a follow-up LLM round inside the
// loop.
func (c *Context) DeepenAutoLoop() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoLoop.Depth++
	return c.autoLoop.Depth
}

// CompleteAutoLoop finishes the loop and resets the counters.
func (c *Context) CompleteAutoLoop() ContextUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.autoLoop.ToolsExecuted
	c.autoLoop = AutoLoopCounters{}
	u, _ := c.applyLocked(Event(EventToolAutoLoopFinished), map[string]any{
		MetaToolEvent:     "auto_loop_finished",
		MetaToolsExecuted: n,
	})
	return u
}

// CancelAutoLoop abandons the loop and resets the counters.
func (c *Context) CancelAutoLoop(reason string) ContextUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	counters := c.autoLoop
	c.autoLoop = AutoLoopCounters{}
	u, _ := c.applyLocked(Event(EventToolAutoLoopCancelled), map[string]any{
		MetaToolEvent:     "auto_loop_cancelled",
		MetaReason:        reason,
		MetaToolsExecuted: counters.ToolsExecuted,
		"depth_reached":   counters.Depth,
	})
	return u
}

// AutoLoop returns the current auto-loop counters.
func (c *Context) AutoLoop() AutoLoopCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoLoop
}
