// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Audit event types. Format: "category.action".
const (
	AuditSessionCreate   = "session.create"
	AuditSessionDelete   = "session.delete"
	AuditApprovalApprove = "approval.approve"
	AuditApprovalDeny    = "approval.deny"
	AuditApprovalExpire  = "approval.expire"
	AuditPolicyUpdate    = "policy.update"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditEvent is one auditable action.
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    AuditApprovalApprove,
//	    UserID:       extensions.UserID(ctx),
//	    ResourceType: "session",
//	    ResourceID:   sessionID,
//	    Outcome:      OutcomeSuccess,
//	    Metadata:     map[string]any{"request_id": requestID},
//	}
type AuditEvent struct {
	EventType string `json:"event_type"`

	// Timestamp is set to time.Now().UTC() by loggers when zero.
	Timestamp time.Time `json:"timestamp"`

	UserID       string         `json:"user_id"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Outcome      string         `json:"outcome"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// AuditFilter selects events. Zero fields match everything.
type AuditFilter struct {
	EventTypes   []string
	UserID       string
	ResourceType string
	ResourceID   string
	Outcome      string
	StartTime    time.Time

	// Limit keeps the newest Limit matches. Zero means no limit.
	Limit int
}

// Matches reports whether e passes the filter.
func (f AuditFilter) Matches(e AuditEvent) bool {
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	return true
}

// AuditLogger records audit events.
//
// Implementations must be safe for concurrent use. Log should not block
// the caller for long; callers log failures and carry on.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	Flush(ctx context.Context) error
}

// NopAuditLogger discards everything.
type NopAuditLogger struct{}

// Log does nothing.
func (l *NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

// Query returns nothing.
func (l *NopAuditLogger) Query(context.Context, AuditFilter) ([]AuditEvent, error) {
	return nil, nil
}

// Flush does nothing.
func (l *NopAuditLogger) Flush(context.Context) error { return nil }

// MemoryAuditLogger keeps the newest events in a ring and mirrors each one
// to a slog logger.
//
// Thread Safety: Safe for concurrent use.
type MemoryAuditLogger struct {
	mu       sync.RWMutex
	events   []AuditEvent
	next     int
	full     bool
	capacity int
	logger   *slog.Logger
}

// DefaultAuditCapacity is used when NewMemoryAuditLogger gets capacity <= 0.
const DefaultAuditCapacity = 1000

// NewMemoryAuditLogger keeps up to capacity events. A nil logger disables
// the mirror.
func NewMemoryAuditLogger(capacity int, logger *slog.Logger) *MemoryAuditLogger {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	return &MemoryAuditLogger{
		events:   make([]AuditEvent, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

// Log stores event, evicting the oldest when full.
func (l *MemoryAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	l.events[l.next] = event
	l.next = (l.next + 1) % l.capacity
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	if l.logger != nil {
		l.logger.LogAttrs(ctx, slog.LevelInfo, "Audit",
			slog.String("event_type", event.EventType),
			slog.String("user_id", event.UserID),
			slog.String("resource_type", event.ResourceType),
			slog.String("resource_id", event.ResourceID),
			slog.String("outcome", event.Outcome),
		)
	}
	return nil
}

// Query returns matching events, oldest first.
func (l *MemoryAuditLogger) Query(_ context.Context, filter AuditFilter) ([]AuditEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ordered []AuditEvent
	if l.full {
		ordered = append(ordered, l.events[l.next:]...)
	}
	ordered = append(ordered, l.events[:l.next]...)

	var out []AuditEvent
	for _, e := range ordered {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// Flush does nothing; events are stored synchronously.
func (l *MemoryAuditLogger) Flush(context.Context) error { return nil }

// Len returns the number of stored events.
func (l *MemoryAuditLogger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return l.capacity
	}
	return l.next
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*MemoryAuditLogger)(nil)
)
