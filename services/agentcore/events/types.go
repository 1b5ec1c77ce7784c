// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides the UI-facing event stream of an agent session.
//
// Events carry streamed tokens, tool progress and completion to whatever
// renders the conversation. They are separate from state.ContextUpdate,
// which describes lifecycle transitions.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package events

import (
	"encoding/json"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeToken carries a streamed text fragment.
	TypeToken Type = "token"

	// TypeToolStart is emitted before a tool runs.
	TypeToolStart Type = "tool_start"

	// TypeToolComplete is emitted when a tool returns a result.
	TypeToolComplete Type = "tool_complete"

	// TypeToolError is emitted when a tool could not run.
	TypeToolError Type = "tool_error"

	// TypeNeedClarification asks the user a question.
	TypeNeedClarification Type = "need_clarification"

	// TypeComplete ends a turn.
	TypeComplete Type = "complete"

	// TypeError reports a turn-level failure.
	TypeError Type = "error"
)

// Event is one item of the UI stream.
//
// Thread Safety:
//
//	Event structs should be treated as immutable after creation.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// Type identifies the kind of event and the shape of Data.
	Type Type `json:"type"`

	// SessionID links the event to a session.
	SessionID string `json:"session_id"`

	// Timestamp is when the event occurred (Unix milliseconds UTC).
	Timestamp int64 `json:"timestamp"`

	// Step is the loop step number when this event occurred.
	Step int `json:"step"`

	// Data is one of the *Data structs below.
	Data any `json:"data,omitempty"`

	// Metadata contains typed additional context for the event.
	Metadata *EventMetadata `json:"metadata,omitempty"`
}

// TokenData is the data for token events.
type TokenData struct {
	Content string `json:"content"`
}

// ToolStartData is the data for tool_start events.
type ToolStartData struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

// ToolCompleteData is the data for tool_complete events.
type ToolCompleteData struct {
	ToolCallID string           `json:"tool_call_id"`
	Result     tools.ToolResult `json:"result"`
	DurationMs int64            `json:"duration_ms"`
}

// ToolErrorData is the data for tool_error events.
type ToolErrorData struct {
	ToolCallID string `json:"tool_call_id"`
	Error      string `json:"error"`
}

// ClarificationData is the data for need_clarification events.
type ClarificationData struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

// TokenUsage counts tokens of one turn.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompleteData is the data for complete events.
type CompleteData struct {
	Usage TokenUsage `json:"usage"`
}

// ErrorData is the data for error events.
type ErrorData struct {
	Message string `json:"message"`
}

// ToolArguments converts a call's argument string for ToolStartData.
// Arguments that are not valid JSON are sent as a JSON string.
func ToolArguments(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(raw)
	return quoted
}
