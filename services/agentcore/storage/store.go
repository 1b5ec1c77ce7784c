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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/composition"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/state"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/todo"
)

// Sentinel errors for the store.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrMissingContextID indicates a todo list without a context id.
	ErrMissingContextID = errors.New("todo list has no context id")
)

// Key layout:
//
//	agentcore/ctx/<id>/state
//	agentcore/ctx/<id>/active_list
//	agentcore/ctx/<id>/list/<list id>
//	agentcore/ctx/<id>/snapshot/<name>
const keyPrefix = "agentcore/ctx/"

func contextPrefix(id string) []byte     { return []byte(keyPrefix + id + "/") }
func stateKey(id string) []byte          { return []byte(keyPrefix + id + "/state") }
func activeKey(id string) []byte         { return []byte(keyPrefix + id + "/active_list") }
func listPrefix(id string) []byte        { return []byte(keyPrefix + id + "/list/") }
func listKey(id, listID string) []byte   { return append(listPrefix(id), listID...) }
func snapshotKey(id, name string) []byte { return []byte(keyPrefix + id + "/snapshot/" + name) }

// Store persists contexts in a DB. It satisfies loop.Persister.
//
// Thread Safety:
//
//	Safe for concurrent use. Every method runs in its own transaction.
type Store struct {
	db     *DB
	logger *slog.Logger
}

// NewStore wraps db. logger may be nil.
func NewStore(db *DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// =============================================================================
// Context state
// =============================================================================

// SaveState stores the current state of contextID.
func (s *Store) SaveState(ctx context.Context, contextID string, cs state.ContextState) error {
	data, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(stateKey(contextID), data)
	})
}

// LoadState returns the stored state of contextID, or ErrNotFound.
func (s *Store) LoadState(ctx context.Context, contextID string) (state.ContextState, error) {
	var cs state.ContextState
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, stateKey(contextID), &cs)
	})
	if err != nil {
		return state.ContextState{}, fmt.Errorf("load state %s: %w", contextID, err)
	}
	return cs, nil
}

// Contexts returns the sorted ids of every context with a stored state.
func (s *Store) Contexts(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			rest := strings.TrimPrefix(key, keyPrefix)
			if id, ok := strings.CutSuffix(rest, "/state"); ok && !strings.Contains(id, "/") {
				ids = append(ids, id)
			}
		}
		return nil
	})
	sort.Strings(ids)
	return ids, err
}

// DeleteContext removes every record of contextID.
func (s *Store) DeleteContext(ctx context.Context, contextID string) error {
	prefix := contextPrefix(contextID)
	var keys [][]byte
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// Todo lists
// =============================================================================

// SaveTodoList stores list under its context and marks it active.
func (s *Store) SaveTodoList(ctx context.Context, list *todo.TodoList) error {
	if list.ContextID == "" {
		return fmt.Errorf("%w: list %s", ErrMissingContextID, list.ID)
	}
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode todo list: %w", err)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set(listKey(list.ContextID, list.ID), data); err != nil {
			return err
		}
		return txn.Set(activeKey(list.ContextID), []byte(list.ID))
	})
}

// LoadTodoLists returns the lists of contextID and the id of the list
// saved last.
func (s *Store) LoadTodoLists(ctx context.Context, contextID string) ([]*todo.TodoList, string, error) {
	var (
		lists    []*todo.TodoList
		activeID string
	)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		if item, err := txn.Get(activeKey(contextID)); err == nil {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			activeID = string(v)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = listPrefix(contextID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var l todo.TodoList
			if err := it.Item().Value(func(v []byte) error {
				return json.NewDecoder(bytes.NewReader(v)).Decode(&l)
			}); err != nil {
				s.logger.Warn("Skipping undecodable todo list",
					"key", string(it.Item().Key()), "error", err)
				continue
			}
			lists = append(lists, &l)
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("load todo lists %s: %w", contextID, err)
	}
	return lists, activeID, nil
}

// =============================================================================
// Execution context snapshots
// =============================================================================

// SaveSnapshot stores a named ExecutionContext snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, contextID, name string, snap composition.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(contextID, name), data)
	})
}

// LoadSnapshot returns a named snapshot, or ErrNotFound.
func (s *Store) LoadSnapshot(ctx context.Context, contextID, name string) (composition.Snapshot, error) {
	var snap composition.Snapshot
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, snapshotKey(contextID, name), &snap)
	})
	if err != nil {
		return composition.Snapshot{}, fmt.Errorf("load snapshot %s/%s: %w", contextID, name, err)
	}
	return snap, nil
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}
