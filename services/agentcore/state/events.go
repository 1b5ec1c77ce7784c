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
	"encoding/json"
	"fmt"
)

// EventKind discriminates ChatEvent.
type EventKind string

const (
	// User
	EventUserMessageSent EventKind = "user_message_sent"
	EventUserCancelled   EventKind = "user_cancelled"
	EventUserPaused      EventKind = "user_paused"
	EventUserResumed     EventKind = "user_resumed"

	// LLM
	EventLLMRequestInitiated     EventKind = "llm_request_initiated"
	EventLLMStreamStarted        EventKind = "llm_stream_started"
	EventLLMStreamChunkReceived  EventKind = "llm_stream_chunk_received"
	EventLLMStreamEnded          EventKind = "llm_stream_ended"
	EventLLMFullResponseReceived EventKind = "llm_full_response_received"
	EventLLMResponseProcessed    EventKind = "llm_response_processed"

	// Todo
	EventTodoListCreated          EventKind = "todo_list_created"
	EventTodoListExecutionStarted EventKind = "todo_list_execution_started"
	EventTodoItemStarted          EventKind = "todo_item_started"
	EventTodoItemCompleted        EventKind = "todo_item_completed"
	EventTodoItemFailed           EventKind = "todo_item_failed"
	EventSubContextCreated        EventKind = "sub_context_created"
	EventSubContextCompleted      EventKind = "sub_context_completed"
	EventTodoListCompleted        EventKind = "todo_list_completed"

	// Tools
	EventToolApprovalRequested  EventKind = "tool_approval_requested"
	EventToolExecutionStarted   EventKind = "tool_execution_started"
	EventToolAutoLoopStarted    EventKind = "tool_auto_loop_started"
	EventToolAutoLoopProgress   EventKind = "tool_auto_loop_progress"
	EventToolAutoLoopFinished   EventKind = "tool_auto_loop_finished"
	EventToolAutoLoopCancelled  EventKind = "tool_auto_loop_cancelled"
	EventToolCallsDenied        EventKind = "tool_calls_denied"
	EventToolExecutionCompleted EventKind = "tool_execution_completed"
	EventToolExecutionFailed    EventKind = "tool_execution_failed"

	// Errors and storage
	EventRetry         EventKind = "retry"
	EventFatalError    EventKind = "fatal_error"
	EventContextSaved  EventKind = "context_saved"
	EventContextLoaded EventKind = "context_loaded"
)

// ChatEvent triggers a state transition. Field use by Kind:
//
//	llm_response_processed       HasToolCalls, HasTodoList
//	todo_list_created            TodoListID, ItemCount
//	todo_list_execution_started  TodoListID
//	todo_item_started            TodoItemID, IsBlocking
//	todo_item_completed          TodoItemID
//	todo_item_failed             TodoItemID, Error
//	sub_context_created          ParentTodoItemID, ChildContextID
//	sub_context_completed        ChildContextID
//	todo_list_completed          TodoListID
//	tool_approval_requested      RequestID, ToolName
//	tool_execution_started       ToolName, Attempt, RequestID
//	tool_auto_loop_started       Depth, ToolsExecuted
//	tool_auto_loop_progress      Depth, ToolsExecuted
//	tool_execution_failed        ToolName, Error, RetryCount, RequestID
//	fatal_error                  Error
type ChatEvent struct {
	Kind EventKind `json:"type"`

	HasToolCalls bool `json:"has_tool_calls,omitempty"`
	HasTodoList  bool `json:"has_todo_list,omitempty"`

	TodoListID       string `json:"todo_list_id,omitempty"`
	ItemCount        int    `json:"item_count,omitempty"`
	TodoItemID       string `json:"todo_item_id,omitempty"`
	IsBlocking       bool   `json:"is_blocking,omitempty"`
	ParentTodoItemID string `json:"parent_todo_item_id,omitempty"`
	ChildContextID   string `json:"child_context_id,omitempty"`

	RequestID     string `json:"request_id,omitempty"`
	ToolName      string `json:"tool_name,omitempty"`
	Attempt       int    `json:"attempt,omitempty"`
	Depth         int    `json:"depth,omitempty"`
	ToolsExecuted int    `json:"tools_executed,omitempty"`
	RetryCount    int    `json:"retry_count,omitempty"`

	Error string `json:"error,omitempty"`
}

// Event returns a field-less event of kind k.
func Event(k EventKind) ChatEvent { return ChatEvent{Kind: k} }

// LLMResponseProcessed reports what the response contained.
func LLMResponseProcessed(hasToolCalls, hasTodoList bool) ChatEvent {
	return ChatEvent{Kind: EventLLMResponseProcessed, HasToolCalls: hasToolCalls, HasTodoList: hasTodoList}
}

// TodoListCreated announces a registered list.
func TodoListCreated(listID string, itemCount int) ChatEvent {
	return ChatEvent{Kind: EventTodoListCreated, TodoListID: listID, ItemCount: itemCount}
}

// TodoItemStarted announces the item the loop picked.
func TodoItemStarted(itemID string, blocking bool) ChatEvent {
	return ChatEvent{Kind: EventTodoItemStarted, TodoItemID: itemID, IsBlocking: blocking}
}

// TodoItemCompleted announces a completed item.
func TodoItemCompleted(itemID string) ChatEvent {
	return ChatEvent{Kind: EventTodoItemCompleted, TodoItemID: itemID}
}

// TodoItemFailed announces a failed item.
func TodoItemFailed(itemID, err string) ChatEvent {
	return ChatEvent{Kind: EventTodoItemFailed, TodoItemID: itemID, Error: err}
}

// SubContextCreated announces a child conversation for an item.
func SubContextCreated(parentItemID, childContextID string) ChatEvent {
	return ChatEvent{Kind: EventSubContextCreated, ParentTodoItemID: parentItemID, ChildContextID: childContextID}
}

// SubContextCompleted announces the child conversation finished.
func SubContextCompleted(childContextID string) ChatEvent {
	return ChatEvent{Kind: EventSubContextCompleted, ChildContextID: childContextID}
}

// TodoListCompleted announces that a list has no more pending items.
func TodoListCompleted(listID string) ChatEvent {
	return ChatEvent{Kind: EventTodoListCompleted, TodoListID: listID}
}

// ToolApprovalRequested announces a pending approval.
func ToolApprovalRequested(requestID, tool string) ChatEvent {
	return ChatEvent{Kind: EventToolApprovalRequested, RequestID: requestID, ToolName: tool}
}

// ToolExecutionStarted announces a tool attempt. requestID may be empty.
func ToolExecutionStarted(tool string, attempt int, requestID string) ChatEvent {
	return ChatEvent{Kind: EventToolExecutionStarted, ToolName: tool, Attempt: attempt, RequestID: requestID}
}

// ToolExecutionFailed announces a failed tool attempt.
func ToolExecutionFailed(tool, err string, retryCount int, requestID string) ChatEvent {
	return ChatEvent{Kind: EventToolExecutionFailed, ToolName: tool, Error: err, RetryCount: retryCount, RequestID: requestID}
}

// ToolAutoLoopStarted enters the auto-loop.
func ToolAutoLoopStarted(depth, toolsExecuted int) ChatEvent {
	return ChatEvent{Kind: EventToolAutoLoopStarted, Depth: depth, ToolsExecuted: toolsExecuted}
}

// ToolAutoLoopProgress reports auto-loop counters.
func ToolAutoLoopProgress(depth, toolsExecuted int) ChatEvent {
	return ChatEvent{Kind: EventToolAutoLoopProgress, Depth: depth, ToolsExecuted: toolsExecuted}
}

// FatalError fails the conversation.
func FatalError(err string) ChatEvent {
	return ChatEvent{Kind: EventFatalError, Error: err}
}

// IsUserEvent reports events caused by the user.
func (e ChatEvent) IsUserEvent() bool {
	switch e.Kind {
	case EventUserMessageSent, EventUserCancelled, EventUserPaused, EventUserResumed:
		return true
	}
	return false
}

// IsTodoEvent reports todo list events.
func (e ChatEvent) IsTodoEvent() bool {
	switch e.Kind {
	case EventTodoListCreated, EventTodoListExecutionStarted, EventTodoItemStarted,
		EventTodoItemCompleted, EventTodoItemFailed, EventSubContextCreated,
		EventSubContextCompleted, EventTodoListCompleted:
		return true
	}
	return false
}

// IsErrorEvent reports error events.
func (e ChatEvent) IsErrorEvent() bool {
	return e.Kind == EventFatalError || e.Kind == EventToolExecutionFailed
}

// String returns the kind name.
func (e ChatEvent) String() string { return string(e.Kind) }

var knownEvents = map[EventKind]bool{
	EventUserMessageSent: true, EventUserCancelled: true, EventUserPaused: true, EventUserResumed: true,
	EventLLMRequestInitiated: true, EventLLMStreamStarted: true, EventLLMStreamChunkReceived: true,
	EventLLMStreamEnded: true, EventLLMFullResponseReceived: true, EventLLMResponseProcessed: true,
	EventTodoListCreated: true, EventTodoListExecutionStarted: true, EventTodoItemStarted: true,
	EventTodoItemCompleted: true, EventTodoItemFailed: true, EventSubContextCreated: true,
	EventSubContextCompleted: true, EventTodoListCompleted: true, EventToolApprovalRequested: true,
	EventToolExecutionStarted: true, EventToolAutoLoopStarted: true, EventToolAutoLoopProgress: true,
	EventToolAutoLoopFinished: true, EventToolAutoLoopCancelled: true, EventToolCallsDenied: true,
	EventToolExecutionCompleted: true, EventToolExecutionFailed: true, EventRetry: true,
	EventFatalError: true, EventContextSaved: true, EventContextLoaded: true,
}

// UnmarshalJSON rejects unknown event kinds.
func (e *ChatEvent) UnmarshalJSON(data []byte) error {
	type plain ChatEvent
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if !knownEvents[p.Kind] {
		return fmt.Errorf("unknown chat event %q", p.Kind)
	}
	*e = ChatEvent(p)
	return nil
}
