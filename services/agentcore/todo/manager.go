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
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for list and item lookup.
var (
	// ErrListNotFound indicates an unknown list id.
	ErrListNotFound = errors.New("todo list not found")

	// ErrItemNotFound indicates an item id unknown to every list.
	ErrItemNotFound = errors.New("todo item not found")

	// ErrItemNotInList indicates the item exists, but in a different list.
	ErrItemNotInList = errors.New("todo item is not in list")

	// ErrInvalidStatus indicates a status change not allowed from the
	// item's current status.
	ErrInvalidStatus = errors.New("invalid todo status transition")
)

// Manager owns the TodoLists of one conversation.
//
// Description:
//
//	The first registered list becomes the active list. Items change status
//	only through the Mark* methods, each applying exactly one transition.
//	Completing the last non-terminal item completes the list; a failure
//	never does.
//
// Thread Safety:
//
//	Manager is safe for concurrent use. Accessors return copies.
type Manager struct {
	mu           sync.RWMutex
	lists        map[string]*TodoList
	order        []string
	activeListID string
	dependencies bool
	now          func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDependencyOrdering makes NextPending skip items whose DependsOn
// entries are not all terminal. The default is strict list order.
func WithDependencyOrdering() ManagerOption {
	return func(m *Manager) {
		m.dependencies = true
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates an empty manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		lists: make(map[string]*TodoList),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterList stores a copy of list and returns its id. A missing id is
// generated. The first list registered becomes active.
func (m *Manager) RegisterList(list *TodoList) string {
	stored := list.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Status == "" {
		stored.Status = ListActive
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.lists[stored.ID]; !exists {
		m.order = append(m.order, stored.ID)
	}
	m.lists[stored.ID] = stored
	if m.activeListID == "" {
		m.activeListID = stored.ID
	}
	return stored.ID
}

// ActiveListID returns the active list id, or "".
func (m *Manager) ActiveListID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeListID
}

// ActiveList returns a copy of the active list.
func (m *Manager) ActiveList() (*TodoList, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lists[m.activeListID]
	if !ok {
		return nil, false
	}
	return l.Clone(), true
}

// SetActiveList makes id the active list.
func (m *Manager) SetActiveList(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[id]; !ok {
		return fmt.Errorf("%w: %s", ErrListNotFound, id)
	}
	m.activeListID = id
	return nil
}

// GetList returns a copy of the list with id.
func (m *Manager) GetList(id string) (*TodoList, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lists[id]
	if !ok {
		return nil, false
	}
	return l.Clone(), true
}

// Lists returns copies of all lists in registration order.
func (m *Manager) Lists() []*TodoList {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TodoList, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.lists[id].Clone())
	}
	return out
}

// MarkItemStarted moves a pending item to InProgress and records StartedAt.
func (m *Manager) MarkItemStarted(listID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, item, err := m.locate(listID, itemID)
	if err != nil {
		return err
	}
	return item.start(m.now())
}

// MarkItemCompleted moves an InProgress item to Completed with result, and
// completes the list when every item is terminal.
func (m *Manager) MarkItemCompleted(listID, itemID string, result any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list, item, err := m.locate(listID, itemID)
	if err != nil {
		return err
	}
	now := m.now()
	if err := item.complete(result, now); err != nil {
		return err
	}
	if list.IsAllCompleted() {
		list.complete(now)
	}
	return nil
}

// MarkItemFailed moves a non-terminal item to Failed. The list stays open.
func (m *Manager) MarkItemFailed(listID, itemID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, item, err := m.locate(listID, itemID)
	if err != nil {
		return err
	}
	return item.fail(errMsg, m.now())
}

// MarkItemSkipped moves a non-terminal item to Skipped.
func (m *Manager) MarkItemSkipped(listID, itemID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, item, err := m.locate(listID, itemID)
	if err != nil {
		return err
	}
	return item.skip(reason, m.now())
}

// MarkItemAwaitingApproval parks a pending item behind an approval request.
func (m *Manager) MarkItemAwaitingApproval(listID, itemID, approvalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, item, err := m.locate(listID, itemID)
	if err != nil {
		return err
	}
	if item.Status.Kind != StatusPending {
		return fmt.Errorf("%w: %s is %s, cannot await approval", ErrInvalidStatus, itemID, item.Status.Kind)
	}
	item.Status = AwaitingApproval(approvalID)
	item.Execution.ApprovalID = approvalID
	return nil
}

// NextPending returns the next schedulable item of list id.
//
// In the default mode this is the first item whose status is exactly
// Pending. With WithDependencyOrdering, items with unfinished
// dependencies are skipped.
func (m *Manager) NextPending(listID string) (TodoItem, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lists[listID]
	if !ok {
		return TodoItem{}, false
	}
	if m.dependencies {
		return l.NextReady()
	}
	return l.NextPending()
}

// NextPendingInActive is NextPending on the active list.
func (m *Manager) NextPendingInActive() (TodoItem, bool) {
	return m.NextPending(m.ActiveListID())
}

// ActiveListIsComplete reports whether the active list exists and every
// item in it is terminal.
func (m *Manager) ActiveListIsComplete() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lists[m.activeListID]
	return ok && l.IsAllCompleted()
}

// AbandonList marks a list abandoned. Its items keep their statuses.
func (m *Manager) AbandonList(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrListNotFound, id)
	}
	l.abandon(m.now())
	return nil
}

// Restore replaces the manager contents with lists, keeping activeID active
// when it names one of them.
func (m *Manager) Restore(lists []*TodoList, activeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists = make(map[string]*TodoList, len(lists))
	m.order = m.order[:0]
	sorted := append([]*TodoList(nil), lists...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })
	for _, l := range sorted {
		m.lists[l.ID] = l.Clone()
		m.order = append(m.order, l.ID)
	}
	m.activeListID = ""
	if _, ok := m.lists[activeID]; ok {
		m.activeListID = activeID
	} else if len(m.order) > 0 {
		m.activeListID = m.order[0]
	}
}

// locate finds the list and item. Must hold m.mu.
func (m *Manager) locate(listID, itemID string) (*TodoList, *TodoItem, error) {
	list, ok := m.lists[listID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrListNotFound, listID)
	}
	if i := list.indexOf(itemID); i >= 0 {
		return list, &list.Items[i], nil
	}
	for otherID, other := range m.lists {
		if otherID != listID && other.indexOf(itemID) >= 0 {
			return nil, nil, fmt.Errorf("%w: item %s, list %s", ErrItemNotInList, itemID, listID)
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
}
