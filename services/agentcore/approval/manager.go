// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package approval tracks tool calls waiting for a user decision.
package approval

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/observability"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

// ErrRequestNotFound is returned when a request id is unknown, including
// requests already decided, removed, replaced, or cleaned up.
var ErrRequestNotFound = errors.New("approval request not found")

// Request is one tool call waiting for approval.
type Request struct {
	RequestID       string         `json:"request_id"`
	SessionID       string         `json:"session_id"`
	ToolCall        tools.ToolCall `json:"tool_call"`
	ToolName        string         `json:"tool_name"`
	ToolDescription string         `json:"tool_description"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Decision is the user's answer to a Request.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Manager holds at most one pending request per session.
//
// # Description
//
// Creating a request for a session that already has one discards the old
// request without a decision. Requests leave the manager when they are
// decided, removed, or older than the cleanup age. Expiry is not a denial;
// callers that need one observe the missing request.
//
// # Thread Safety
//
// All methods are safe for concurrent use. The request table and the
// session index are guarded by one mutex and always change together.
type Manager struct {
	mu        sync.Mutex
	requests  map[string]*Request
	bySession map[string]string
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics records pending counts and decisions.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		requests:  make(map[string]*Request),
		bySession: make(map[string]string),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateRequest stores a request for call and returns its id.
//
// # Inputs
//
//   - sessionID: Owning session. Any earlier request of this session is discarded.
//   - call: The call to run once approved.
//   - name: Tool name shown to the user.
//   - description: Tool description shown to the user.
//
// # Outputs
//
//   - string: The new request id.
func (m *Manager) CreateRequest(sessionID string, call tools.ToolCall, name, description string) string {
	req := &Request{
		RequestID:       uuid.NewString(),
		SessionID:       sessionID,
		ToolCall:        call,
		ToolName:        name,
		ToolDescription: description,
		CreatedAt:       m.now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.bySession[sessionID]; ok {
		delete(m.requests, old)
		m.logger.Info("Replacing pending approval request",
			"session_id", sessionID,
			"old_request_id", old,
			"request_id", req.RequestID)
	}
	m.requests[req.RequestID] = req
	m.bySession[sessionID] = req.RequestID
	m.metrics.SetApprovalsPending(len(m.requests))
	return req.RequestID
}

// GetRequest returns a copy of request id.
func (m *Manager) GetRequest(id string) (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// GetSessionRequest returns a copy of the session's pending request.
func (m *Manager) GetSessionRequest(sessionID string) (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bySession[sessionID]
	if !ok {
		return Request{}, false
	}
	req, ok := m.requests[id]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// ApproveRequest records a decision and removes the request.
//
// # Outputs
//
//   - *tools.ToolCall: The stored call when approved, nil when denied.
//   - error: ErrRequestNotFound if id is unknown.
func (m *Manager) ApproveRequest(id string, approved bool, reason string) (*tools.ToolCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	m.removeLocked(req)

	outcome := "denied"
	if approved {
		outcome = "approved"
	}
	m.metrics.RecordApprovalDecision(outcome)
	m.logger.Info("Approval decided",
		"request_id", id,
		"session_id", req.SessionID,
		"tool", req.ToolName,
		"outcome", outcome,
		"reason", reason)

	if !approved {
		return nil, nil
	}
	call := req.ToolCall
	return &call, nil
}

// RemoveRequest drops request id without a decision. Unknown ids are ignored.
func (m *Manager) RemoveRequest(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req, ok := m.requests[id]; ok {
		m.removeLocked(req)
	}
}

// CleanupOldRequests removes requests older than maxAge and returns how
// many were removed.
func (m *Manager) CleanupOldRequests(maxAge time.Duration) int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, req := range m.requests {
		if now.Sub(req.CreatedAt) > maxAge {
			m.removeLocked(req)
			m.metrics.RecordApprovalDecision("expired")
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("Cleaned up stale approval requests", "count", removed)
	}
	return removed
}

// PendingCount returns the number of stored requests.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Pending returns copies of all requests, oldest first.
func (m *Manager) Pending() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, 0, len(m.requests))
	for _, req := range m.requests {
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// removeLocked deletes req from both tables. Must hold m.mu.
func (m *Manager) removeLocked(req *Request) {
	delete(m.requests, req.RequestID)
	if m.bySession[req.SessionID] == req.RequestID {
		delete(m.bySession, req.SessionID)
	}
	m.metrics.SetApprovalsPending(len(m.requests))
}
