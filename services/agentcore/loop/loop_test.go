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
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/composition"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/events"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/observability"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/state"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/todo"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

// memPersister records what the loop saves.
type memPersister struct {
	mu     sync.Mutex
	states []state.ContextState
	lists  map[string]*todo.TodoList
}

func newMemPersister() *memPersister {
	return &memPersister{lists: make(map[string]*todo.TodoList)}
}

func (p *memPersister) SaveState(_ context.Context, _ string, s state.ContextState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, s)
	return nil
}

func (p *memPersister) SaveTodoList(_ context.Context, list *todo.TodoList) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lists[list.ID] = list.Clone()
	return nil
}

// testTools returns an executor with echo plus tools that fail hard and soft.
func testTools() *tools.RegistryExecutor {
	r := tools.NewRegistry()
	tools.RegisterBuiltins(r)
	r.Register(&tools.FuncTool{
		ToolName: "explode",
		Fn: func(context.Context, map[string]any) (tools.ToolResult, error) {
			return tools.ToolResult{}, errors.New("boom")
		},
	})
	r.Register(&tools.FuncTool{
		ToolName: "refuse",
		Fn: func(context.Context, map[string]any) (tools.ToolResult, error) {
			return tools.FailureResult("not allowed"), nil
		},
	})
	return tools.NewRegistryExecutor(r)
}

type fixture struct {
	loop    *AgentLoop
	tracked *state.Context
	todos   *todo.Manager
	sink    *events.MockEmitter
	store   *memPersister
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	registry := testTools()
	library := composition.NewLibrary()
	library.AddWorkflow(composition.Workflow{
		Name: "release",
		Steps: []*composition.ToolExpr{
			composition.Call("echo", map[string]any{"text": "built"}),
			composition.Call("explode", nil),
		},
	})
	require.NoError(t, library.Define(composition.Definition{
		Name: "greet",
		Expr: composition.Call("echo", map[string]any{"text": "hello from greet"}),
	}))
	compExec := composition.NewExecutor(registry)

	f := &fixture{
		tracked: state.NewContext("ctx-1", state.WithInitialState(state.Simple(state.StateCreatingTodoList))),
		todos:   todo.NewManager(),
		sink:    events.NewMockEmitter(),
		store:   newMemPersister(),
	}
	base := []Option{
		WithExecutors(
			NewToolItemExecutor(composition.NewSource(library, compExec), registry),
			NewWorkflowItemExecutor(library, compExec),
		),
		WithSink(f.sink),
		WithPersister(f.store),
	}
	f.loop = New(f.tracked, f.todos, append(base, opts...)...)
	return f
}

func (f *fixture) register(t *testing.T, items ...todo.TodoItem) (string, []string) {
	t.Helper()
	list := todo.NewList("plan", "ctx-1")
	ids := make([]string, 0, len(items))
	for _, it := range items {
		list.AddItem(it)
		ids = append(ids, it.ID)
	}
	id, err := f.loop.RegisterTodoList(context.Background(), list)
	require.NoError(t, err)
	return id, ids
}

func (f *fixture) item(t *testing.T, listID, itemID string) todo.TodoItem {
	t.Helper()
	list, ok := f.todos.GetList(listID)
	require.True(t, ok)
	item, ok := list.Item(itemID)
	require.True(t, ok)
	return item
}

func TestAgentLoop_RunsBlockingItems(t *testing.T) {
	f := newFixture(t)
	listID, ids := f.register(t,
		todo.NewItem(todo.ToolCallType("echo", map[string]any{"text": "hi"}), "say hi"),
		todo.NewItem(todo.ToolCallType("greet", nil), "composition by name"),
		todo.NewItem(todo.WorkflowStepType("release", 0, "build"), "build"),
	)
	assert.Equal(t, state.StateExecutingTodoList, f.tracked.State().Kind)

	require.NoError(t, f.loop.Run(context.Background()))

	assert.Equal(t, state.StateIdle, f.tracked.State().Kind)
	for _, id := range ids {
		assert.Equal(t, todo.StatusCompleted, f.item(t, listID, id).Status.Kind)
	}
	assert.Equal(t, tools.SuccessResult("hi"), f.item(t, listID, ids[0]).Execution.Result)
	assert.Equal(t, tools.SuccessResult("hello from greet"), f.item(t, listID, ids[1]).Execution.Result)

	list, _ := f.todos.GetList(listID)
	assert.Equal(t, todo.ListCompleted, list.Status)

	assert.Len(t, f.sink.GetEventsByType(events.TypeToolStart), 2, "only tool call items emit tool events")
	complete := f.sink.GetEventsByType(events.TypeToolComplete)
	require.Len(t, complete, 2)
	assert.Equal(t, ids[0], complete[0].Metadata.TodoItemID)

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	require.NotEmpty(t, f.store.states)
	assert.Equal(t, state.StateIdle, f.store.states[len(f.store.states)-1].Kind)
	assert.Equal(t, todo.ListCompleted, f.store.lists[listID].Status)
	assert.False(t, f.tracked.IsDirty())
}

func TestAgentLoop_ItemFailuresDoNotStopTheList(t *testing.T) {
	f := newFixture(t)
	listID, ids := f.register(t,
		todo.NewItem(todo.ToolCallType("explode", nil), "hard failure"),
		todo.NewItem(todo.ToolCallType("refuse", nil), "soft failure"),
		todo.NewItem(todo.WorkflowStepType("release", 1, "deploy"), "failing step"),
		todo.NewItem(todo.WorkflowStepType("missing", 0, "unknown workflow"), "unknown"),
		todo.NewItem(todo.ToolCallType("echo", map[string]any{"text": "still runs"}), "after failures"),
	)

	require.NoError(t, f.loop.Run(context.Background()))
	assert.Equal(t, state.StateIdle, f.tracked.State().Kind)

	failed := f.item(t, listID, ids[0])
	assert.Equal(t, todo.StatusFailed, failed.Status.Kind)
	assert.Contains(t, failed.Status.Error, "boom")
	assert.Equal(t, "not allowed", f.item(t, listID, ids[1]).Status.Error)
	assert.Equal(t, todo.StatusFailed, f.item(t, listID, ids[2]).Status.Kind)
	assert.Contains(t, f.item(t, listID, ids[3]).Status.Error, "workflow not found")
	assert.Equal(t, todo.StatusCompleted, f.item(t, listID, ids[4]).Status.Kind)

	assert.Len(t, f.sink.GetEventsByType(events.TypeToolError), 2)
}

func TestAgentLoop_FailedToolItemKeepsListActive(t *testing.T) {
	f := newFixture(t)
	listID, ids := f.register(t,
		todo.NewItem(todo.Chat(), "explain first"),
		todo.NewItem(todo.ToolCallType("explode", nil), "hard failure"),
	)
	f.tracked.Restore(state.ExecutingTodoItem(ids[1], true, listID, 1, 2))

	more, err := f.loop.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, more)

	var failedEvents int
	for _, tr := range f.tracked.History() {
		if tr.Event.Kind == state.EventTodoItemFailed {
			failedEvents++
			assert.Equal(t, ids[1], tr.Event.TodoItemID)
			assert.True(t, tr.Changed)
		}
	}
	assert.Equal(t, 1, failedEvents)
	assert.Equal(t, state.StateExecutingTodoList, f.tracked.State().Kind)

	list, ok := f.todos.GetList(listID)
	require.True(t, ok)
	assert.Equal(t, todo.ListActive, list.Status)
	assert.Equal(t, todo.StatusFailed, f.item(t, listID, ids[1]).Status.Kind)
	assert.Equal(t, todo.StatusPending, f.item(t, listID, ids[0]).Status.Kind)
}

func TestAgentLoop_SecondListBecomesActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	firstID, _ := f.register(t, todo.NewItem(todo.ToolCallType("echo", map[string]any{"text": "one"}), "first"))
	require.NoError(t, f.loop.Run(ctx))
	require.Equal(t, state.StateIdle, f.tracked.State().Kind)

	f.tracked.Restore(state.Simple(state.StateCreatingTodoList))
	secondID, ids := f.register(t, todo.NewItem(todo.ToolCallType("echo", map[string]any{"text": "two"}), "second"))
	require.NotEqual(t, firstID, secondID)
	assert.Equal(t, secondID, f.todos.ActiveListID())

	require.NoError(t, f.loop.Run(ctx))
	assert.Equal(t, state.StateIdle, f.tracked.State().Kind)
	second := f.item(t, secondID, ids[0])
	assert.Equal(t, todo.StatusCompleted, second.Status.Kind)
	assert.Equal(t, tools.SuccessResult("two"), second.Execution.Result)
}

func TestAgentLoop_NoExecutor(t *testing.T) {
	tracked := state.NewContext("c", state.WithInitialState(state.Simple(state.StateCreatingTodoList)))
	todos := todo.NewManager()
	l := New(tracked, todos)

	list := todo.NewList("plan", "c")
	item := todo.NewItem(todo.ToolCallType("echo", nil), "orphan")
	list.AddItem(item)
	listID, err := l.RegisterTodoList(context.Background(), list)
	require.NoError(t, err)

	require.NoError(t, l.Run(context.Background()))
	got, _ := todos.GetList(listID)
	stored, _ := got.Item(item.ID)
	assert.Equal(t, todo.StatusFailed, stored.Status.Kind)
	assert.Contains(t, stored.Status.Error, "no executor for item")
}

func TestAgentLoop_ChatItemsWaitForCaller(t *testing.T) {
	f := newFixture(t)
	listID, ids := f.register(t,
		todo.NewItem(todo.Chat(), "explain the plan"),
		todo.NewItem(todo.ToolCallType("echo", map[string]any{"text": "done"}), "finish"),
	)
	ctx := context.Background()

	require.NoError(t, f.loop.Run(ctx))
	current := f.tracked.State()
	require.Equal(t, state.StateExecutingTodoItem, current.Kind)
	assert.Equal(t, ids[0], current.TodoItemID)
	assert.False(t, current.IsBlockingItem)

	more, err := f.loop.Step(ctx)
	require.NoError(t, err)
	assert.False(t, more, "a non-blocking item stops every step")

	err = f.loop.CompleteItem(ctx, ids[1], nil)
	assert.ErrorIs(t, err, ErrItemNotCurrent)

	require.NoError(t, f.loop.CompleteItem(ctx, ids[0], "the plan is simple"))
	assert.Equal(t, state.StateExecutingTodoList, f.tracked.State().Kind)
	assert.Equal(t, 1, f.tracked.State().CurrentItemIndex)

	require.NoError(t, f.loop.Run(ctx))
	assert.Equal(t, state.StateIdle, f.tracked.State().Kind)
	chat := f.item(t, listID, ids[0])
	assert.Equal(t, "the plan is simple", chat.Execution.Result)
	assert.NotNil(t, chat.StartedAt)
}

func TestAgentLoop_FailItem(t *testing.T) {
	f := newFixture(t)
	listID, ids := f.register(t, todo.NewItem(todo.Chat(), "ask the model"))
	ctx := context.Background()
	require.NoError(t, f.loop.Run(ctx))

	require.NoError(t, f.loop.FailItem(ctx, ids[0], "model unavailable"))
	assert.Equal(t, "model unavailable", f.item(t, listID, ids[0]).Status.Error)

	require.NoError(t, f.loop.Run(ctx))
	assert.Equal(t, state.StateIdle, f.tracked.State().Kind)
}

func TestAgentLoop_IdleDoesNothing(t *testing.T) {
	tracked := state.NewContext("c")
	l := New(tracked, todo.NewManager())

	more, err := l.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
	assert.Empty(t, tracked.History())
}

func TestAgentLoop_MissingItemIsFatal(t *testing.T) {
	tracked := state.NewContext("c",
		state.WithInitialState(state.ExecutingTodoItem("ghost", true, "no-list", 0, 1)))
	l := New(tracked, todo.NewManager())

	more, err := l.Step(context.Background())
	require.Error(t, err)
	assert.False(t, more)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, todo.ErrListNotFound)

	var le *LoopError
	require.True(t, errors.As(err, &le))
	assert.Contains(t, le.Error(), "fatal loop error")
}

func TestAgentLoop_RegisterOutsideCreatingState(t *testing.T) {
	tracked := state.NewContext("c")
	todos := todo.NewManager()
	l := New(tracked, todos)

	_, err := l.RegisterTodoList(context.Background(), todo.NewList("plan", "c"))
	assert.ErrorIs(t, err, ErrListNotCreatable)
	assert.Empty(t, todos.Lists())
}

func TestAgentLoop_ConcurrentRunsExecuteEachItemOnce(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	r := tools.NewRegistry()
	r.Register(&tools.FuncTool{
		ToolName: "count",
		Fn: func(context.Context, map[string]any) (tools.ToolResult, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return tools.SuccessResult("ok"), nil
		},
	})
	tracked := state.NewContext("c", state.WithInitialState(state.Simple(state.StateCreatingTodoList)))
	l := New(tracked, todo.NewManager(), WithExecutors(NewToolItemExecutor(nil, tools.NewRegistryExecutor(r))))

	list := todo.NewList("plan", "c")
	for i := 0; i < 5; i++ {
		list.AddItem(todo.NewItem(todo.ToolCallType("count", nil), "count"))
	}
	_, err := l.RegisterTodoList(context.Background(), list)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Run(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, calls)
	assert.Equal(t, state.StateIdle, tracked.State().Kind)
}

func TestAgentLoop_Metrics(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	f := newFixture(t, WithMetrics(metrics))
	f.register(t,
		todo.NewItem(todo.ToolCallType("echo", map[string]any{"text": "a"}), "a"),
		todo.NewItem(todo.ToolCallType("explode", nil), "b"),
	)
	require.NoError(t, f.loop.Run(context.Background()))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TodoItemsTotal.WithLabelValues("tool_call", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TodoItemsTotal.WithLabelValues("tool_call", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LoopStepsTotal.WithLabelValues("idle", "stop")))
}

func TestAgentLoop_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.register(t, todo.NewItem(todo.ToolCallType("echo", map[string]any{"text": "x"}), "x"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.loop.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, state.StateExecutingTodoList, f.tracked.State().Kind)
}
