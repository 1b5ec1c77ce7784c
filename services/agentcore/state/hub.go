// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// Updates
// =============================================================================

// MessageUpdateKind discriminates MessageUpdate.
type MessageUpdateKind string

const (
	MessageCreated       MessageUpdateKind = "created"
	MessageContentDelta  MessageUpdateKind = "content_delta"
	MessageCompleted     MessageUpdateKind = "completed"
	MessageStatusChanged MessageUpdateKind = "status_changed"
)

// MessageUpdate describes a change to one message carried by a ContextUpdate.
type MessageUpdate struct {
	Kind      MessageUpdateKind `json:"type"`
	MessageID string            `json:"message_id"`

	// created
	Role        string `json:"role,omitempty"`
	MessageType string `json:"message_type,omitempty"`

	// content_delta
	Delta       string `json:"delta,omitempty"`
	Accumulated string `json:"accumulated,omitempty"`

	// completed
	Content string `json:"content,omitempty"`

	// status_changed
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
}

// ContextUpdate is published for every transition of a tracked Context and
// for message changes that happen without one.
type ContextUpdate struct {
	ContextID     string         `json:"context_id"`
	CurrentState  ContextState   `json:"current_state"`
	PreviousState *ContextState  `json:"previous_state,omitempty"`
	MessageUpdate *MessageUpdate `json:"message_update,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Publisher receives ContextUpdates.
type Publisher interface {
	Publish(u ContextUpdate)
}

// =============================================================================
// Hub
// =============================================================================

// DefaultSubscriberBuffer is the channel size used when Subscribe is given
// a non-positive buffer.
const DefaultSubscriberBuffer = 64

type subscriber struct {
	contextID string
	ch        chan ContextUpdate
}

// Hub fans ContextUpdates out to subscribers.
//
// Description:
//
//	A subscriber follows one context id, or all contexts when subscribed
//	with "". Sends never block: a subscriber whose buffer is full misses
//	the update and the drop is counted.
//
// Thread Safety:
//
//	Hub is safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	dropped atomic.Int64
	logger  *slog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the hub logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHub creates a hub with no subscribers.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:   make(map[uint64]*subscriber),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a subscriber for contextID ("" for all).
//
// Outputs:
//
//	<-chan ContextUpdate - Receives updates in publication order.
//	func() - Unsubscribes and closes the channel. Safe to call twice.
func (h *Hub) Subscribe(contextID string, buffer int) (<-chan ContextUpdate, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &subscriber{contextID: contextID, ch: make(chan ContextUpdate, buffer)}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish delivers u to every matching subscriber without blocking.
func (h *Hub) Publish(u ContextUpdate) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.contextID != "" && sub.contextID != u.ContextID {
			continue
		}
		select {
		case sub.ch <- u:
		default:
			h.dropped.Add(1)
			h.logger.Warn("context update dropped, subscriber is full",
				slog.String("context_id", u.ContextID),
				slog.String("state", string(u.CurrentState.Kind)))
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

var _ Publisher = (*Hub)(nil)
