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
	"context"
	"log/slog"
	"strings"
	"sync"
)

// LoggingHandler creates a handler that logs events.
//
// Inputs:
//
//	logger - The slog logger to use.
//	level - The log level for events.
//
// Outputs:
//
//	Handler - A handler function that logs events.
func LoggingHandler(logger *slog.Logger, level slog.Level) Handler {
	return func(event *Event) {
		attrs := []any{
			slog.String("event_id", event.ID),
			slog.String("event_type", string(event.Type)),
			slog.String("session_id", event.SessionID),
			slog.Int("step", event.Step),
		}

		switch data := event.Data.(type) {
		case *ToolStartData:
			attrs = append(attrs,
				slog.String("tool_name", data.ToolName),
				slog.String("tool_call_id", data.ToolCallID),
			)
		case *ToolCompleteData:
			attrs = append(attrs,
				slog.String("tool_call_id", data.ToolCallID),
				slog.Bool("success", data.Result.Success),
				slog.Int64("duration_ms", data.DurationMs),
			)
		case *ToolErrorData:
			attrs = append(attrs,
				slog.String("tool_call_id", data.ToolCallID),
				slog.String("error", data.Error),
			)
		case *ErrorData:
			attrs = append(attrs, slog.String("error", data.Message))
		case *CompleteData:
			attrs = append(attrs, slog.Int("total_tokens", data.Usage.TotalTokens))
		}

		logger.Log(context.Background(), level, "agent event", attrs...)
	}
}

// ChannelHandler creates a handler that sends events to a channel.
//
// Inputs:
//
//	ch - The channel to send events to.
//	dropOnFull - If true, drops events when channel is full; if false, blocks.
func ChannelHandler(ch chan<- Event, dropOnFull bool) Handler {
	return func(event *Event) {
		if dropOnFull {
			select {
			case ch <- *event:
			default:
			}
			return
		}
		ch <- *event
	}
}

// MultiHandler creates a handler that calls multiple handlers in order.
func MultiHandler(handlers ...Handler) Handler {
	return func(event *Event) {
		for _, h := range handlers {
			h(event)
		}
	}
}

// FilteredHandler creates a handler that only processes events matching a filter.
func FilteredHandler(handler Handler, filter Filter) Handler {
	return func(event *Event) {
		if filter(event) {
			handler(event)
		}
	}
}

// TypeFilter creates a filter that matches specific event types.
func TypeFilter(types ...Type) Filter {
	typeSet := make(map[Type]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event *Event) bool {
		return typeSet[event.Type]
	}
}

// SessionFilter creates a filter that matches a specific session.
func SessionFilter(sessionID string) Filter {
	return func(event *Event) bool {
		return event.SessionID == sessionID
	}
}

// TranscriptCollector concatenates token events into the assistant text.
//
// Thread Safety: TranscriptCollector is safe for concurrent use.
type TranscriptCollector struct {
	mu    sync.Mutex
	sb    strings.Builder
	tools []string
}

// NewTranscriptCollector creates an empty collector.
func NewTranscriptCollector() *TranscriptCollector {
	return &TranscriptCollector{}
}

// Handler returns the handler to subscribe.
func (c *TranscriptCollector) Handler() Handler {
	return func(event *Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		switch data := event.Data.(type) {
		case *TokenData:
			c.sb.WriteString(data.Content)
		case *ToolStartData:
			c.tools = append(c.tools, data.ToolName)
		}
	}
}

// Text returns the text collected so far.
func (c *TranscriptCollector) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sb.String()
}

// Tools returns the names of started tools in order.
func (c *TranscriptCollector) Tools() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.tools...)
}
