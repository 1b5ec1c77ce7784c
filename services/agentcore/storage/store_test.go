// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/composition"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/loop"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/state"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/todo"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

var _ loop.Persister = (*Store)(nil)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, nil)
}

func TestOpenDB(t *testing.T) {
	t.Run("persistent requires a path", func(t *testing.T) {
		_, err := OpenDB(Config{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "path is required")
	})

	t.Run("persistent survives reopen", func(t *testing.T) {
		dir := t.TempDir()
		cfg := DefaultConfig()
		cfg.Path = dir
		cfg.GCInterval = time.Hour

		db, err := OpenDB(cfg)
		require.NoError(t, err)
		require.NoError(t, NewStore(db, nil).SaveState(context.Background(), "c1", state.ToolAutoLoop(2, 3)))
		require.NoError(t, db.Close())
		require.NoError(t, db.Close(), "second close is a no-op")

		db, err = OpenDB(cfg)
		require.NoError(t, err)
		defer db.Close()
		got, err := NewStore(db, nil).LoadState(context.Background(), "c1")
		require.NoError(t, err)
		assert.True(t, got.Equal(state.ToolAutoLoop(2, 3)))
	})

	t.Run("in-memory config", func(t *testing.T) {
		cfg := InMemoryConfig()
		assert.True(t, cfg.InMemory)
		assert.Zero(t, cfg.GCInterval)
		db, err := OpenDB(cfg)
		require.NoError(t, err)
		defer db.Close()
		assert.True(t, db.InMemory())
	})
}

func TestDB_WithTxn(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	}))
	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("k"))
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		assert.Equal(t, "v", string(v))
		return err
	}))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, db.WithTxn(cancelled, func(*badger.Txn) error { return nil }), context.Canceled)
	assert.ErrorIs(t, db.WithReadTxn(cancelled, func(*badger.Txn) error { return nil }), context.Canceled)
}

func TestStore_State(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LoadState(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	states := []state.ContextState{
		state.Idle(),
		state.ExecutingTodoItem("item-1", true, "list-1", 2, 5),
		state.AwaitingToolApproval([]string{"r1", "r2"}, []string{"rm", "mv"}),
		state.Failed("exhausted"),
	}
	for _, cs := range states {
		require.NoError(t, s.SaveState(ctx, "c1", cs))
		got, err := s.LoadState(ctx, "c1")
		require.NoError(t, err)
		assert.True(t, got.Equal(cs), "round trip of %s", cs.Kind)
	}
}

func TestStore_TodoLists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orphan := todo.NewList("no context", "")
	assert.ErrorIs(t, s.SaveTodoList(ctx, orphan), ErrMissingContextID)

	first := todo.NewList("first", "c1")
	first.AddItem(todo.NewItem(todo.ToolCallType("echo", map[string]any{"text": "x"}), "echo"))
	second := todo.NewList("second", "c1")
	second.AddItem(todo.NewItem(todo.Chat(), "talk"))
	other := todo.NewList("other", "c2")

	require.NoError(t, s.SaveTodoList(ctx, first))
	require.NoError(t, s.SaveTodoList(ctx, second))
	require.NoError(t, s.SaveTodoList(ctx, other))

	lists, active, err := s.LoadTodoLists(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, lists, 2)
	assert.Equal(t, second.ID, active, "the last saved list is active")

	byID := map[string]*todo.TodoList{}
	for _, l := range lists {
		byID[l.ID] = l
	}
	require.Contains(t, byID, first.ID)
	assert.Equal(t, "echo", byID[first.ID].Items[0].ItemType.ToolName)

	lists, active, err = s.LoadTodoLists(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, lists)
	assert.Empty(t, active)
}

func TestStore_Snapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ec := composition.NewExecutionContext()
	ec.Bind("greeting", tools.SuccessResult("hello"))
	require.NoError(t, s.SaveSnapshot(ctx, "c1", "after-greet", ec.Snapshot()))

	snap, err := s.LoadSnapshot(ctx, "c1", "after-greet")
	require.NoError(t, err)
	restored := composition.Restore(snap)
	got, ok := restored.Lookup("greeting")
	require.True(t, ok)
	assert.Equal(t, "hello", got.Result)

	_, err = s.LoadSnapshot(ctx, "c1", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ContextsAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, s.SaveState(ctx, id, state.Idle()))
	}
	l := todo.NewList("plan", "a")
	require.NoError(t, s.SaveTodoList(ctx, l))
	require.NoError(t, s.SaveSnapshot(ctx, "a", "snap", composition.Snapshot{}))

	ids, err := s.Contexts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	require.NoError(t, s.DeleteContext(ctx, "a"))
	ids, err = s.Contexts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids)

	lists, active, err := s.LoadTodoLists(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, lists)
	assert.Empty(t, active)
	_, err = s.LoadSnapshot(ctx, "a", "snap")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_PersistsLoopProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := tools.NewRegistry()
	tools.RegisterBuiltins(r)
	tracked := state.NewContext("c1", state.WithInitialState(state.Simple(state.StateCreatingTodoList)))
	todos := todo.NewManager()
	l := loop.New(tracked, todos,
		loop.WithPersister(s),
		loop.WithExecutors(loop.NewToolItemExecutor(nil, tools.NewRegistryExecutor(r))),
	)

	list := todo.NewList("plan", "c1")
	list.AddItem(todo.NewItem(todo.ToolCallType("echo", map[string]any{"text": "saved"}), "echo"))
	listID, err := l.RegisterTodoList(ctx, list)
	require.NoError(t, err)
	require.NoError(t, l.Run(ctx))

	got, err := s.LoadState(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, state.StateIdle, got.Kind)

	lists, active, err := s.LoadTodoLists(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, lists, 1)
	assert.Equal(t, listID, active)
	assert.Equal(t, todo.StatusCompleted, lists[0].Items[0].Status.Kind)

	restored := todo.NewManager()
	restored.Restore(lists, active)
	assert.True(t, restored.ActiveListIsComplete())
}
