// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package todo

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newListWith(items ...TodoItem) *TodoList {
	l := NewList("test", "ctx-1")
	for _, it := range items {
		l.AddItem(it)
	}
	return l
}

func TestManager_Lifecycle(t *testing.T) {
	m := NewManager()
	item := NewItem(Chat(), "say hi")
	listID := m.RegisterList(newListWith(item))

	assert.Equal(t, listID, m.ActiveListID())

	require.NoError(t, m.MarkItemStarted(listID, item.ID))
	l, _ := m.GetList(listID)
	got, _ := l.Item(item.ID)
	assert.Equal(t, StatusInProgress, got.Status.Kind)
	assert.NotNil(t, got.StartedAt)

	require.NoError(t, m.MarkItemCompleted(listID, item.ID, "done"))
	l, _ = m.GetList(listID)
	assert.True(t, l.IsAllCompleted())
	assert.Equal(t, ListCompleted, l.Status)
	assert.NotNil(t, l.CompletedAt)

	got, _ = l.Item(item.ID)
	assert.Equal(t, "done", got.Execution.Result)
	require.NotNil(t, got.Execution.DurationMs)
	assert.GreaterOrEqual(t, *got.Execution.DurationMs, int64(0))
}

func TestManager_DurationFromClock(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager(WithClock(func() time.Time { return now }))
	item := NewItem(ToolCallType("echo", nil), "echo")
	listID := m.RegisterList(newListWith(item))

	require.NoError(t, m.MarkItemStarted(listID, item.ID))
	now = now.Add(1500 * time.Millisecond)
	require.NoError(t, m.MarkItemCompleted(listID, item.ID, nil))

	l, _ := m.GetList(listID)
	got, _ := l.Item(item.ID)
	assert.Equal(t, int64(1500), *got.Execution.DurationMs)
}

func TestManager_FailureDoesNotCompleteList(t *testing.T) {
	m := NewManager()
	a := NewItem(ToolCallType("a", nil), "a")
	b := NewItem(ToolCallType("b", nil), "b")
	listID := m.RegisterList(newListWith(a, b))

	require.NoError(t, m.MarkItemStarted(listID, a.ID))
	require.NoError(t, m.MarkItemCompleted(listID, a.ID, nil))
	require.NoError(t, m.MarkItemStarted(listID, b.ID))
	require.NoError(t, m.MarkItemFailed(listID, b.ID, "boom"))

	l, _ := m.GetList(listID)
	assert.True(t, l.IsAllCompleted(), "every item is terminal")
	assert.Equal(t, ListActive, l.Status, "a failure never completes the list")
	got, _ := l.Item(b.ID)
	assert.Equal(t, Failed("boom"), got.Status)
	assert.Equal(t, "boom", got.Execution.Error)
	assert.Equal(t, 1, l.FailedCount())
	assert.Equal(t, 1, l.CompletedCount())
}

func TestManager_LookupErrors(t *testing.T) {
	m := NewManager()
	a := NewItem(Chat(), "a")
	b := NewItem(Chat(), "b")
	listA := m.RegisterList(newListWith(a))
	m.RegisterList(newListWith(b))

	assert.ErrorIs(t, m.MarkItemStarted("missing", a.ID), ErrListNotFound)
	assert.ErrorIs(t, m.MarkItemStarted(listA, "missing"), ErrItemNotFound)
	assert.ErrorIs(t, m.MarkItemStarted(listA, b.ID), ErrItemNotInList)
	assert.ErrorIs(t, m.SetActiveList("missing"), ErrListNotFound)
	assert.ErrorIs(t, m.AbandonList("missing"), ErrListNotFound)
}

func TestManager_StatusTransitions(t *testing.T) {
	m := NewManager()
	item := NewItem(Chat(), "x")
	listID := m.RegisterList(newListWith(item))

	assert.ErrorIs(t, m.MarkItemCompleted(listID, item.ID, nil), ErrInvalidStatus, "pending cannot complete")
	require.NoError(t, m.MarkItemStarted(listID, item.ID))
	assert.ErrorIs(t, m.MarkItemStarted(listID, item.ID), ErrInvalidStatus, "in progress cannot start")
	require.NoError(t, m.MarkItemCompleted(listID, item.ID, nil))
	assert.ErrorIs(t, m.MarkItemFailed(listID, item.ID, "late"), ErrInvalidStatus, "terminal cannot fail")
}

func TestManager_FailFromPending(t *testing.T) {
	m := NewManager()
	item := NewItem(Chat(), "x")
	listID := m.RegisterList(newListWith(item))
	require.NoError(t, m.MarkItemFailed(listID, item.ID, "never ran"))
}

func TestManager_ActiveListAndNextPending(t *testing.T) {
	m := NewManager()
	a1 := NewItem(Chat(), "a1")
	a2 := NewItem(Chat(), "a2")
	first := m.RegisterList(newListWith(a1, a2))
	b1 := NewItem(Chat(), "b1")
	second := m.RegisterList(newListWith(b1))

	assert.Equal(t, first, m.ActiveListID(), "first registered list stays active")

	next, ok := m.NextPendingInActive()
	require.True(t, ok)
	assert.Equal(t, a1.ID, next.ID)

	require.NoError(t, m.MarkItemStarted(first, a1.ID))
	next, ok = m.NextPendingInActive()
	require.True(t, ok)
	assert.Equal(t, a2.ID, next.ID, "in progress items are not pending")

	require.NoError(t, m.SetActiveList(second))
	next, _ = m.NextPendingInActive()
	assert.Equal(t, b1.ID, next.ID)

	assert.Len(t, m.Lists(), 2)
	assert.False(t, m.ActiveListIsComplete())
}

func TestManager_AwaitingApprovalIsNotNextPending(t *testing.T) {
	m := NewManager()
	a := NewItem(ToolCallType("rm", nil), "rm")
	b := NewItem(ToolCallType("ls", nil), "ls")
	listID := m.RegisterList(newListWith(a, b))

	require.NoError(t, m.MarkItemAwaitingApproval(listID, a.ID, "req-1"))
	next, ok := m.NextPending(listID)
	require.True(t, ok)
	assert.Equal(t, b.ID, next.ID)

	require.NoError(t, m.MarkItemStarted(listID, a.ID), "approved items can start")
}

func TestManager_DependencyOrdering(t *testing.T) {
	build := NewItem(ToolCallType("build", nil), "build")
	deploy := NewItem(ToolCallType("deploy", nil), "deploy")
	lint := NewItem(ToolCallType("lint", nil), "lint")
	deploy.DependsOn = []string{build.ID}

	fifo := NewManager()
	fifoList := fifo.RegisterList(newListWith(deploy, build, lint))
	next, _ := fifo.NextPending(fifoList)
	assert.Equal(t, deploy.ID, next.ID, "default mode ignores dependencies")

	m := NewManager(WithDependencyOrdering())
	listID := m.RegisterList(newListWith(deploy, build, lint))
	next, _ = m.NextPending(listID)
	assert.Equal(t, build.ID, next.ID)

	require.NoError(t, m.MarkItemStarted(listID, build.ID))
	next, _ = m.NextPending(listID)
	assert.Equal(t, lint.ID, next.ID, "deploy waits while build runs")

	require.NoError(t, m.MarkItemCompleted(listID, build.ID, nil))
	next, _ = m.NextPending(listID)
	assert.Equal(t, deploy.ID, next.ID)
}

func TestManager_ReturnsCopies(t *testing.T) {
	m := NewManager()
	item := NewItem(Chat(), "x")
	listID := m.RegisterList(newListWith(item))

	l, _ := m.GetList(listID)
	l.Items[0].Status = Completed()

	fresh, _ := m.GetList(listID)
	assert.Equal(t, StatusPending, fresh.Items[0].Status.Kind)
}

func TestManager_Restore(t *testing.T) {
	m := NewManager()
	a := newListWith(NewItem(Chat(), "a"))
	b := newListWith(NewItem(Chat(), "b"))
	b.CreatedAt = a.CreatedAt.Add(time.Second)

	m.Restore([]*TodoList{b, a}, b.ID)
	assert.Equal(t, b.ID, m.ActiveListID())
	lists := m.Lists()
	require.Len(t, lists, 2)
	assert.Equal(t, a.ID, lists[0].ID)

	m.Restore([]*TodoList{b, a}, "gone")
	assert.Equal(t, a.ID, m.ActiveListID())
}

func TestTodoList_IsAllCompleted(t *testing.T) {
	mk := func(statuses ...TodoStatus) *TodoList {
		l := NewList("t", "c")
		for _, s := range statuses {
			it := NewItem(Chat(), "i")
			it.Status = s
			l.AddItem(it)
		}
		return l
	}
	tests := []struct {
		name string
		list *TodoList
		want bool
	}{
		{"empty", mk(), false},
		{"all completed", mk(Completed(), Completed()), true},
		{"mixed terminal", mk(Completed(), Failed("x"), Skipped("y")), true},
		{"one pending", mk(Completed(), Pending()), false},
		{"one in progress", mk(InProgress()), false},
		{"awaiting approval", mk(AwaitingApproval("r")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.list.IsAllCompleted())
		})
	}
}

func TestTodoList_ProgressAndOrder(t *testing.T) {
	l := NewList("t", "c")
	assert.Equal(t, 1.0, l.Progress())

	a := NewItem(Chat(), "a")
	a.Status = Completed()
	l.AddItem(a)
	l.AddItem(NewItem(Chat(), "b"))

	assert.Equal(t, 0.5, l.Progress())
	assert.Equal(t, 0, l.Items[0].Order)
	assert.Equal(t, 1, l.Items[1].Order)
	assert.Equal(t, 1, l.PendingCount())
}

func TestTodoItem_BlockingAndToolCall(t *testing.T) {
	chat := NewItem(Chat(), "talk")
	tool := NewItem(ToolCallType("echo", map[string]any{"text": "hi"}), "echo")
	step := NewItem(WorkflowStepType("release", 1, "ship"), "ship")

	assert.False(t, chat.IsBlocking())
	assert.True(t, tool.IsBlocking())
	assert.True(t, step.IsBlocking())
	assert.Equal(t, "workflow:release#1", step.Label())

	call, ok := tool.ToolCall()
	require.True(t, ok)
	assert.Equal(t, tool.ID, call.ID)
	assert.JSONEq(t, `{"text":"hi"}`, call.Function.Arguments)

	_, ok = chat.ToolCall()
	assert.False(t, ok)
}

func TestTodoStatus_JSONShape(t *testing.T) {
	b, err := json.Marshal(Failed("bad"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"failed","error":"bad"}`, string(b))

	b, err = json.Marshal(ToolCallType("echo", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool_call","tool_name":"echo"}`, string(b))
}
