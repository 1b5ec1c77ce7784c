// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package todo holds schedulable units of agent work.
//
// A TodoList is an ordered set of TodoItems belonging to one conversation.
// Items move Pending -> InProgress -> Completed, or to Failed or Skipped.
// Only Manager mutates items once a list is registered; items are never
// deleted.
package todo

import "fmt"

// StatusKind discriminates TodoStatus.
type StatusKind string

const (
	StatusPending          StatusKind = "pending"
	StatusAwaitingApproval StatusKind = "awaiting_approval"
	StatusInProgress       StatusKind = "in_progress"
	StatusCompleted        StatusKind = "completed"
	StatusFailed           StatusKind = "failed"
	StatusSkipped          StatusKind = "skipped"
)

// TodoStatus is the state of one item. Error is set for Failed, Reason for
// Skipped and ApprovalID for AwaitingApproval.
type TodoStatus struct {
	Kind       StatusKind `json:"status"`
	ApprovalID string     `json:"approval_id,omitempty"`
	Error      string     `json:"error,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// Pending returns the initial status.
func Pending() TodoStatus { return TodoStatus{Kind: StatusPending} }

// AwaitingApproval marks an item blocked on a human decision.
func AwaitingApproval(approvalID string) TodoStatus {
	return TodoStatus{Kind: StatusAwaitingApproval, ApprovalID: approvalID}
}

// InProgress marks a running item.
func InProgress() TodoStatus { return TodoStatus{Kind: StatusInProgress} }

// Completed marks a successful item.
func Completed() TodoStatus { return TodoStatus{Kind: StatusCompleted} }

// Failed marks a failed item.
func Failed(err string) TodoStatus { return TodoStatus{Kind: StatusFailed, Error: err} }

// Skipped marks an item that will not run.
func Skipped(reason string) TodoStatus { return TodoStatus{Kind: StatusSkipped, Reason: reason} }

// IsTerminal reports Completed, Failed or Skipped.
func (s TodoStatus) IsTerminal() bool {
	switch s.Kind {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// IsPending reports Pending or AwaitingApproval.
func (s TodoStatus) IsPending() bool {
	return s.Kind == StatusPending || s.Kind == StatusAwaitingApproval
}

// String renders the status for logs.
func (s TodoStatus) String() string {
	switch s.Kind {
	case StatusFailed:
		return fmt.Sprintf("failed: %s", s.Error)
	case StatusSkipped:
		return fmt.Sprintf("skipped: %s", s.Reason)
	default:
		return string(s.Kind)
	}
}
