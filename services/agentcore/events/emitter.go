// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventMetadata contains typed additional context for events.
type EventMetadata struct {
	// TraceID links the event to a distributed trace.
	TraceID string `json:"trace_id,omitempty"`

	// TodoItemID links the event to the todo item being executed.
	TodoItemID string `json:"todo_item_id,omitempty"`

	// MessageID links token events to the streaming message.
	MessageID string `json:"message_id,omitempty"`
}

// Handler is a function that processes events.
type Handler func(event *Event)

// Filter is a function that determines if an event should be handled.
type Filter func(event *Event) bool

// Sink accepts events. Components emit through a Sink so tests can use
// MockEmitter.
type Sink interface {
	Emit(eventType Type, data any)
	EmitWithMetadata(eventType Type, data any, metadata *EventMetadata)
}

// Subscription represents a subscription to events.
type Subscription struct {
	// ID uniquely identifies this subscription.
	ID string

	// Handler processes matching events.
	Handler Handler

	// Filter determines which events to handle (nil = all events).
	Filter Filter

	// Types limits which event types to handle (nil = all types).
	Types []Type
}

// Emitter broadcasts events to subscribers and keeps a bounded replay
// buffer for late subscribers.
//
// Thread Safety: Emitter is safe for concurrent use.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	buffer        []Event
	bufferSize    int
	sessionID     string
	currentStep   int
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithBufferSize sets the replay buffer size.
func WithBufferSize(size int) EmitterOption {
	return func(e *Emitter) {
		if size > 0 {
			e.bufferSize = size
		}
	}
}

// WithSessionID sets the session ID for all events.
func WithSessionID(id string) EmitterOption {
	return func(e *Emitter) {
		e.sessionID = id
	}
}

// NewEmitter creates a new event emitter.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		subscriptions: make(map[string]*Subscription),
		bufferSize:    1000,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.buffer = make([]Event, 0, e.bufferSize)
	return e
}

// Subscribe registers a handler for events.
//
// Inputs:
//
//	handler - Function to call for each event.
//	types - Event types to subscribe to (nil = all types).
//
// Outputs:
//
//	string - Subscription ID for unsubscribing.
func (e *Emitter) Subscribe(handler Handler, types ...Type) string {
	return e.SubscribeWithFilter(handler, nil, types...)
}

// SubscribeWithFilter registers a handler with a custom filter.
func (e *Emitter) SubscribeWithFilter(handler Handler, filter Filter, types ...Type) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &Subscription{
		ID:      uuid.NewString(),
		Handler: handler,
		Filter:  filter,
		Types:   types,
	}
	e.subscriptions[sub.ID] = sub
	return sub.ID
}

// Unsubscribe removes a subscription and reports whether it existed.
func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subscriptions[id]; ok {
		delete(e.subscriptions, id)
		return true
	}
	return false
}

// Emit broadcasts an event to all matching subscribers.
func (e *Emitter) Emit(eventType Type, data any) {
	e.EmitWithMetadata(eventType, data, nil)
}

// EmitWithMetadata broadcasts an event with additional metadata.
//
// Description:
//
//	The event is buffered, then handed to each matching subscriber in the
//	caller's goroutine. Handler panics are recovered and logged.
//
// Thread Safety: This method is safe for concurrent use.
func (e *Emitter) EmitWithMetadata(eventType Type, data any, metadata *EventMetadata) {
	e.mu.Lock()
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		SessionID: e.sessionID,
		Timestamp: time.Now().UnixMilli(),
		Step:      e.currentStep,
		Data:      data,
		Metadata:  metadata,
	}
	if len(e.buffer) >= e.bufferSize {
		e.buffer = e.buffer[1:]
	}
	e.buffer = append(e.buffer, event)
	subs := make([]*Subscription, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	for _, sub := range subs {
		if shouldHandle(sub, &event) {
			safeInvokeHandler(sub.Handler, &event)
		}
	}
}

func safeInvokeHandler(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"event_type", event.Type,
				"event_id", event.ID,
				"panic", r,
			)
		}
	}()
	handler(event)
}

func shouldHandle(sub *Subscription, event *Event) bool {
	if len(sub.Types) > 0 {
		match := false
		for _, t := range sub.Types {
			if t == event.Type {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return sub.Filter == nil || sub.Filter(event)
}

// SetStep updates the current step number.
func (e *Emitter) SetStep(step int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentStep = step
}

// IncrementStep increments and returns the new step number.
func (e *Emitter) IncrementStep() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentStep++
	return e.currentStep
}

// CurrentStep returns the current step number.
func (e *Emitter) CurrentStep() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentStep
}

// GetBuffer returns a copy of buffered events.
func (e *Emitter) GetBuffer() []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	events := make([]Event, len(e.buffer))
	copy(events, e.buffer)
	return events
}

// GetBufferSince returns buffered events newer than sinceMs (Unix ms).
func (e *Emitter) GetBufferSince(sinceMs int64) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var events []Event
	for _, event := range e.buffer {
		if event.Timestamp > sinceMs {
			events = append(events, event)
		}
	}
	return events
}

// GetBufferByType returns buffered events of a specific type.
func (e *Emitter) GetBufferByType(eventType Type) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var events []Event
	for _, event := range e.buffer {
		if event.Type == eventType {
			events = append(events, event)
		}
	}
	return events
}

// SubscriptionCount returns the number of active subscriptions.
func (e *Emitter) SubscriptionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}

// MockEmitter records events for tests.
type MockEmitter struct {
	mu     sync.RWMutex
	Events []Event
}

// NewMockEmitter creates a new mock emitter.
func NewMockEmitter() *MockEmitter {
	return &MockEmitter{Events: make([]Event, 0)}
}

// Emit records an event.
func (m *MockEmitter) Emit(eventType Type, data any) {
	m.EmitWithMetadata(eventType, data, nil)
}

// EmitWithMetadata records an event with metadata.
func (m *MockEmitter) EmitWithMetadata(eventType Type, data any, metadata *EventMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
		Metadata:  metadata,
	})
}

// GetEvents returns all recorded events.
func (m *MockEmitter) GetEvents() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := make([]Event, len(m.Events))
	copy(events, m.Events)
	return events
}

// GetEventsByType returns recorded events of a specific type.
func (m *MockEmitter) GetEventsByType(eventType Type) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var events []Event
	for _, e := range m.Events {
		if e.Type == eventType {
			events = append(events, e)
		}
	}
	return events
}

var (
	_ Sink = (*Emitter)(nil)
	_ Sink = (*MockEmitter)(nil)
)
