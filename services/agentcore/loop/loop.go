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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/events"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/observability"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/state"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/todo"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

// Persister saves loop progress. Implementations must be safe for
// concurrent use.
type Persister interface {
	SaveState(ctx context.Context, contextID string, s state.ContextState) error
	SaveTodoList(ctx context.Context, list *todo.TodoList) error
}

// AgentLoop advances a tracked context through its todo lists.
//
// Description:
//
//	Each Step looks at the current state and does at most one unit of work:
//	start the next pending item, close a finished list, or run a blocking
//	item inline. Non-blocking (chat) items stop the loop; the caller drives
//	the LLM and reports back with CompleteItem or FailItem.
//
// Thread Safety:
//
//	Steps are serialized by an internal mutex. Concurrent callers block
//	until the running step finishes.
type AgentLoop struct {
	mu        sync.Mutex
	tracked   *state.Context
	todos     *todo.Manager
	executors []ItemExecutor
	sink      events.Sink
	persister Persister
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// Option configures an AgentLoop.
type Option func(*AgentLoop)

// WithExecutors appends item executors. Earlier executors win.
func WithExecutors(executors ...ItemExecutor) Option {
	return func(l *AgentLoop) {
		l.executors = append(l.executors, executors...)
	}
}

// WithSink sets the UI event sink.
func WithSink(s events.Sink) Option {
	return func(l *AgentLoop) {
		l.sink = s
	}
}

// WithPersister saves state and lists after each step that changes them.
func WithPersister(p Persister) Option {
	return func(l *AgentLoop) {
		l.persister = p
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *AgentLoop) {
		l.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *AgentLoop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a loop over tracked and todos.
func New(tracked *state.Context, todos *todo.Manager, opts ...Option) *AgentLoop {
	l := &AgentLoop{
		tracked: tracked,
		todos:   todos,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("context_id", tracked.ID())
	return l
}

// Context returns the tracked context.
func (l *AgentLoop) Context() *state.Context { return l.tracked }

// Todos returns the todo manager.
func (l *AgentLoop) Todos() *todo.Manager { return l.todos }

// =============================================================================
// Stepping
// =============================================================================

// Step advances the loop by one unit of work.
//
// Inputs:
//
//	ctx - Context for cancellation, passed to item executors.
//
// Outputs:
//
//	bool - True when another Step may make progress.
//	error - A *LoopError when the loop cannot continue. Item failures are
//	        recorded on the item and are not returned.
func (l *AgentLoop) Step(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.tracked.State()
	ctx, span := observability.StartSpan(ctx, observability.TracerLoop, "AgentLoop.Step",
		trace.WithAttributes(
			attribute.String("context_id", l.tracked.ID()),
			attribute.String("state", string(current.Kind)),
		),
	)
	defer span.End()

	more, err := l.step(ctx, current)
	l.persist(ctx)

	outcome := "stop"
	switch {
	case err != nil:
		outcome = "error"
		observability.RecordError(span, err)
	case more:
		outcome = "continue"
	}
	if err == nil {
		observability.SetSpanOK(span)
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	l.metrics.RecordLoopStep(string(current.Kind), outcome)
	return more, err
}

func (l *AgentLoop) step(ctx context.Context, current state.ContextState) (bool, error) {
	switch current.Kind {
	case state.StateExecutingTodoList:
		item, ok := l.todos.NextPending(current.TodoListID)
		if !ok {
			l.logger.Info("Todo list completed", "list_id", current.TodoListID)
			l.tracked.HandleEvent(state.TodoListCompleted(current.TodoListID))
			return true, nil
		}
		l.logger.Debug("Starting todo item", "item_id", item.ID, "label", item.Label(), "blocking", item.IsBlocking())
		l.tracked.HandleEvent(state.TodoItemStarted(item.ID, item.IsBlocking()))
		return true, nil

	case state.StateExecutingTodoItem:
		if !current.IsBlockingItem {
			return false, nil
		}
		if err := l.executeBlockingItem(ctx, current.TodoItemID); err != nil {
			return false, err
		}
		return true, nil

	default:
		return false, nil
	}
}

// Run steps until the loop stops, fails, or ctx is cancelled.
func (l *AgentLoop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		more, err := l.Step(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// executeBlockingItem runs one tool or workflow item to a terminal status.
func (l *AgentLoop) executeBlockingItem(ctx context.Context, itemID string) error {
	list, ok := l.todos.ActiveList()
	if !ok {
		return fatalf(todo.ErrListNotFound, "no active todo list")
	}
	item, ok := list.Item(itemID)
	if !ok {
		return fatalf(todo.ErrItemNotFound, "item %s not in active list %s", itemID, list.ID)
	}

	ctx, span := observability.StartSpan(ctx, observability.TracerLoop, "AgentLoop.executeBlockingItem",
		trace.WithAttributes(
			attribute.String("item_id", item.ID),
			attribute.String("item_type", string(item.ItemType.Kind)),
		),
	)
	defer span.End()

	if item.Status.Kind != todo.StatusInProgress {
		if err := l.todos.MarkItemStarted(list.ID, item.ID); err != nil {
			observability.RecordError(span, err)
			return fatalf(err, "starting item %s", item.ID)
		}
	}

	logger := l.logger.With("list_id", list.ID, "item_id", item.ID, "label", item.Label())
	meta := &events.EventMetadata{TodoItemID: item.ID}
	call, isCall := item.ToolCall()
	if isCall {
		l.emit(events.TypeToolStart, &events.ToolStartData{
			ToolCallID: call.ID,
			ToolName:   call.Function.Name,
			Arguments:  events.ToolArguments(call.Function.Arguments),
		}, meta)
	}

	start := time.Now()
	result, err := l.runItem(ctx, item)
	elapsed := time.Since(start)

	if err != nil {
		logger.Warn("Todo item failed", "error", err, "duration_ms", elapsed.Milliseconds())
		observability.RecordError(span, err)
		if isCall {
			l.emit(events.TypeToolError, &events.ToolErrorData{ToolCallID: call.ID, Error: err.Error()}, meta)
		}
		if markErr := l.todos.MarkItemFailed(list.ID, item.ID, err.Error()); markErr != nil {
			return fatalf(markErr, "failing item %s", item.ID)
		}
		l.metrics.RecordTodoItem(string(item.ItemType.Kind), "failed")
		l.tracked.HandleEvent(state.TodoItemFailed(item.ID, err.Error()))
		return nil
	}

	logger.Info("Todo item completed", "duration_ms", elapsed.Milliseconds())
	if isCall {
		data := &events.ToolCompleteData{ToolCallID: call.ID, DurationMs: elapsed.Milliseconds()}
		if tr, ok := result.(tools.ToolResult); ok {
			data.Result = tr
		}
		l.emit(events.TypeToolComplete, data, meta)
	}
	if err := l.todos.MarkItemCompleted(list.ID, item.ID, result); err != nil {
		return fatalf(err, "completing item %s", item.ID)
	}
	observability.SetSpanOK(span)
	l.metrics.RecordTodoItem(string(item.ItemType.Kind), "completed")
	l.tracked.HandleEvent(state.TodoItemCompleted(item.ID))
	return nil
}

func (l *AgentLoop) runItem(ctx context.Context, item todo.TodoItem) (any, error) {
	for _, ex := range l.executors {
		if ex.CanHandle(item) {
			return ex.Execute(ctx, item)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoExecutor, item.Label())
}

// =============================================================================
// Caller-driven items and lists
// =============================================================================

// RegisterTodoList stores list, makes it active, and moves the context from
// CreatingTodoList to ExecutingTodoList.
//
// Outputs:
//
//	string - The stored list id.
//	error - ErrListNotCreatable when the context is not creating a list.
//	        The list is not stored in that case.
func (l *AgentLoop) RegisterTodoList(ctx context.Context, list *todo.TodoList) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.tracked.CanTransition(state.TodoListCreated(list.ID, len(list.Items))) {
		return "", fmt.Errorf("%w: state is %s", ErrListNotCreatable, l.tracked.State().Kind)
	}
	id := l.todos.RegisterList(list)
	if err := l.todos.SetActiveList(id); err != nil {
		return "", fmt.Errorf("activating todo list: %w", err)
	}
	l.tracked.HandleEvent(state.TodoListCreated(id, len(list.Items)))
	l.logger.Info("Todo list registered", "list_id", id, "items", len(list.Items))
	l.persist(ctx)
	return id, nil
}

// CompleteItem records the result of the current non-blocking item.
func (l *AgentLoop) CompleteItem(ctx context.Context, itemID string, result any) error {
	return l.finishItem(ctx, itemID, func(listID string) error {
		if err := l.todos.MarkItemCompleted(listID, itemID, result); err != nil {
			return err
		}
		l.metrics.RecordTodoItem(string(todo.KindChat), "completed")
		l.tracked.HandleEvent(state.TodoItemCompleted(itemID))
		return nil
	})
}

// FailItem records the failure of the current non-blocking item.
func (l *AgentLoop) FailItem(ctx context.Context, itemID, errMsg string) error {
	return l.finishItem(ctx, itemID, func(listID string) error {
		if err := l.todos.MarkItemFailed(listID, itemID, errMsg); err != nil {
			return err
		}
		l.metrics.RecordTodoItem(string(todo.KindChat), "failed")
		l.tracked.HandleEvent(state.TodoItemFailed(itemID, errMsg))
		return nil
	})
}

func (l *AgentLoop) finishItem(ctx context.Context, itemID string, finish func(listID string) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.tracked.State()
	if current.Kind != state.StateExecutingTodoItem || current.TodoItemID != itemID {
		return fmt.Errorf("%w: %s (state %s)", ErrItemNotCurrent, itemID, current.Kind)
	}
	listID := current.TodoListID
	if list, ok := l.todos.GetList(listID); ok {
		if item, ok := list.Item(itemID); ok && item.Status.Kind == todo.StatusPending {
			if err := l.todos.MarkItemStarted(listID, itemID); err != nil {
				return err
			}
		}
	}
	if err := finish(listID); err != nil {
		return err
	}
	l.persist(ctx)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// persist saves the state when it changed and the active list. Errors are
// logged; persistence never stops the loop.
func (l *AgentLoop) persist(ctx context.Context) {
	if l.persister == nil {
		return
	}
	id := l.tracked.ID()
	if l.tracked.IsDirty() {
		if err := l.persister.SaveState(ctx, id, l.tracked.State()); err != nil {
			l.logger.Warn("Failed to persist context state", "error", err)
		} else {
			l.tracked.ClearDirty()
		}
	}
	if list, ok := l.todos.ActiveList(); ok {
		if err := l.persister.SaveTodoList(ctx, list); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Warn("Failed to persist todo list", "list_id", list.ID, "error", err)
		}
	}
}

func (l *AgentLoop) emit(t events.Type, data any, meta *events.EventMetadata) {
	if l.sink == nil {
		return
	}
	l.sink.EmitWithMetadata(t, data, meta)
}
