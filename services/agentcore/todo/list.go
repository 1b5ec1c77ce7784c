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
	"time"

	"github.com/google/uuid"
)

// ListStatus is the state of a TodoList.
type ListStatus string

const (
	ListActive    ListStatus = "active"
	ListCompleted ListStatus = "completed"
	ListAbandoned ListStatus = "abandoned"
	ListPaused    ListStatus = "paused"
)

// TodoList is an ordered collection of items for one conversation.
type TodoList struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Items           []TodoItem `json:"items"`
	Status          ListStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	SourceMessageID string     `json:"source_message_id,omitempty"`
	ContextID       string     `json:"context_id"`
}

// NewList creates an empty active list.
func NewList(title, contextID string) *TodoList {
	return &TodoList{
		ID:        uuid.NewString(),
		Title:     title,
		Items:     []TodoItem{},
		Status:    ListActive,
		CreatedAt: time.Now().UTC(),
		ContextID: contextID,
	}
}

// AddItem appends item, setting its order to its position.
func (l *TodoList) AddItem(item TodoItem) {
	item.Order = len(l.Items)
	l.Items = append(l.Items, item)
}

// Item returns a copy of the item with id.
func (l *TodoList) Item(id string) (TodoItem, bool) {
	if i := l.indexOf(id); i >= 0 {
		return l.Items[i].clone(), true
	}
	return TodoItem{}, false
}

func (l *TodoList) indexOf(id string) int {
	for i := range l.Items {
		if l.Items[i].ID == id {
			return i
		}
	}
	return -1
}

// PendingCount counts Pending and AwaitingApproval items.
func (l *TodoList) PendingCount() int {
	n := 0
	for i := range l.Items {
		if l.Items[i].Status.IsPending() {
			n++
		}
	}
	return n
}

// CompletedCount counts Completed items.
func (l *TodoList) CompletedCount() int {
	return l.count(StatusCompleted)
}

// FailedCount counts Failed items.
func (l *TodoList) FailedCount() int {
	return l.count(StatusFailed)
}

func (l *TodoList) count(kind StatusKind) int {
	n := 0
	for i := range l.Items {
		if l.Items[i].Status.Kind == kind {
			n++
		}
	}
	return n
}

// Progress returns the fraction of terminal items, 1.0 for an empty list.
func (l *TodoList) Progress() float64 {
	if len(l.Items) == 0 {
		return 1.0
	}
	done := 0
	for i := range l.Items {
		if l.Items[i].Status.IsTerminal() {
			done++
		}
	}
	return float64(done) / float64(len(l.Items))
}

// IsAllCompleted holds iff the list is non-empty and every item is terminal.
func (l *TodoList) IsAllCompleted() bool {
	if len(l.Items) == 0 {
		return false
	}
	for i := range l.Items {
		if !l.Items[i].Status.IsTerminal() {
			return false
		}
	}
	return true
}

// NextPending returns the first item whose status is exactly Pending.
func (l *TodoList) NextPending() (TodoItem, bool) {
	for i := range l.Items {
		if l.Items[i].Status.Kind == StatusPending {
			return l.Items[i].clone(), true
		}
	}
	return TodoItem{}, false
}

// NextReady returns the first Pending item whose dependencies are all
// terminal. Unknown dependency ids count as unsatisfied.
func (l *TodoList) NextReady() (TodoItem, bool) {
	for i := range l.Items {
		item := &l.Items[i]
		if item.Status.Kind != StatusPending {
			continue
		}
		if l.dependenciesMet(item) {
			return item.clone(), true
		}
	}
	return TodoItem{}, false
}

func (l *TodoList) dependenciesMet(item *TodoItem) bool {
	for _, dep := range item.DependsOn {
		j := l.indexOf(dep)
		if j < 0 || !l.Items[j].Status.IsTerminal() {
			return false
		}
	}
	return true
}

func (l *TodoList) complete(now time.Time) {
	l.Status = ListCompleted
	l.CompletedAt = &now
}

func (l *TodoList) abandon(now time.Time) {
	l.Status = ListAbandoned
	l.CompletedAt = &now
}

// Clone returns a deep copy.
func (l *TodoList) Clone() *TodoList {
	out := *l
	out.Items = make([]TodoItem, len(l.Items))
	for i := range l.Items {
		out.Items[i] = l.Items[i].clone()
	}
	return &out
}
