// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state implements the conversation lifecycle state machine.
//
// # Description
//
// Every conversation has exactly one ContextState. It changes only when a
// ChatEvent is applied through Machine.HandleEvent, which looks the pair up
// in a fixed transition table. Pairs not in the table leave the state
// unchanged; that is not an error.
//
// Context wraps a Machine for one conversation and publishes a
// ContextUpdate for every transition to a Hub, in transition order.
//
// # Serialization
//
// States and events encode as flat JSON objects with a "state" or "type"
// discriminator and only the fields of their variant:
//
//	{"state":"executing_tool","tool_name":"read_file","attempt":1}
//	{"type":"todo_item_started","todo_item_id":"...","is_blocking":true}
//
// The deprecated state names "generating_response" and "executing_tools"
// are accepted when decoding.
//
// # Thread Safety
//
// Machine and Context are safe for concurrent use. ContextState and
// ChatEvent are values.
package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// StateKind discriminates ContextState.
type StateKind string

const (
	// Message intake
	StateIdle                    StateKind = "idle"
	StateProcessingUserMessage   StateKind = "processing_user_message"
	StateResolvingFileReferences StateKind = "resolving_file_references"
	StateEnhancingSystemPrompt   StateKind = "enhancing_system_prompt"
	StateOptimizingContext       StateKind = "optimizing_context"

	// LLM interaction
	StatePreparingLLMRequest   StateKind = "preparing_llm_request"
	StateConnectingToLLM       StateKind = "connecting_to_llm"
	StateAwaitingLLMResponse   StateKind = "awaiting_llm_response"
	StateStreamingLLMResponse  StateKind = "streaming_llm_response"
	StateProcessingLLMResponse StateKind = "processing_llm_response"

	// Todo lists
	StateCreatingTodoList   StateKind = "creating_todo_list"
	StateExecutingTodoList  StateKind = "executing_todo_list"
	StateExecutingTodoItem  StateKind = "executing_todo_item"
	StateAwaitingSubContext StateKind = "awaiting_sub_context"

	// Tool calling
	StateParsingToolCalls      StateKind = "parsing_tool_calls"
	StateAwaitingToolApproval  StateKind = "awaiting_tool_approval"
	StateExecutingTool         StateKind = "executing_tool"
	StateCollectingToolResults StateKind = "collecting_tool_results"
	StateProcessingToolResults StateKind = "processing_tool_results"
	StateToolAutoLoop          StateKind = "tool_auto_loop"

	// Branches
	StateSwitchingBranch StateKind = "switching_branch"
	StateMergingBranches StateKind = "merging_branches"

	// Storage
	StateSavingContext   StateKind = "saving_context"
	StateSavingMessage   StateKind = "saving_message"
	StateLoadingMessages StateKind = "loading_messages"

	// Optimization
	StateCompressingMessages StateKind = "compressing_messages"
	StateGeneratingSummary   StateKind = "generating_summary"

	// Errors and recovery
	StateTransientFailure   StateKind = "transient_failure"
	StateWaitingForRecovery StateKind = "waiting_for_recovery"
	StateFailed             StateKind = "failed"

	// Special
	StateInitializing StateKind = "initializing"
	StatePaused       StateKind = "paused"
	StateCancelling   StateKind = "cancelling"
)

// Deprecated state names accepted on decode.
const (
	legacyGeneratingResponse StateKind = "generating_response"
	legacyExecutingTools     StateKind = "executing_tools"
)

// AllStateKinds lists every current variant.
var AllStateKinds = []StateKind{
	StateIdle, StateProcessingUserMessage, StateResolvingFileReferences, StateEnhancingSystemPrompt,
	StateOptimizingContext, StatePreparingLLMRequest, StateConnectingToLLM, StateAwaitingLLMResponse,
	StateStreamingLLMResponse, StateProcessingLLMResponse, StateCreatingTodoList, StateExecutingTodoList,
	StateExecutingTodoItem, StateAwaitingSubContext, StateParsingToolCalls, StateAwaitingToolApproval,
	StateExecutingTool, StateCollectingToolResults, StateProcessingToolResults, StateToolAutoLoop,
	StateSwitchingBranch, StateMergingBranches, StateSavingContext, StateSavingMessage,
	StateLoadingMessages, StateCompressingMessages, StateGeneratingSummary, StateTransientFailure,
	StateWaitingForRecovery, StateFailed, StateInitializing, StatePaused, StateCancelling,
}

// DefaultMaxRetries bounds TransientFailure recovery.
const DefaultMaxRetries = 3

// ContextState is the lifecycle state of one conversation.
//
// Only the fields of the active Kind are meaningful:
//
//	executing_todo_list     TodoListID, CurrentItemIndex, TotalItems
//	executing_todo_item     TodoItemID, IsBlockingItem, TodoListID, CurrentItemIndex, TotalItems
//	awaiting_sub_context    ParentTodoItemID, ChildContextID
//	awaiting_tool_approval  PendingRequests, ToolNames
//	executing_tool          ToolName, Attempt
//	tool_auto_loop          Depth, ToolsExecuted
//	switching_branch        From, To
//	merging_branches        Source, Target, Strategy
//	saving_message          MessageID
//	loading_messages        Loaded, Total
//	compressing_messages    MessagesToCompress
//	transient_failure       ErrorType, RetryCount, MaxRetries
//	failed                  ErrorMessage, FailedAt
type ContextState struct {
	Kind StateKind

	TodoListID       string
	CurrentItemIndex int
	TotalItems       int
	TodoItemID       string
	IsBlockingItem   bool
	ParentTodoItemID string
	ChildContextID   string

	PendingRequests []string
	ToolNames       []string
	ToolName        string
	Attempt         int
	Depth           int
	ToolsExecuted   int

	From     string
	To       string
	Source   string
	Target   string
	Strategy string

	MessageID          string
	Loaded             int
	Total              int
	MessagesToCompress int

	ErrorType    string
	RetryCount   int
	MaxRetries   int
	ErrorMessage string
	FailedAt     string
}

// =============================================================================
// Constructors
// =============================================================================

// Simple returns a state with no fields.
func Simple(kind StateKind) ContextState { return ContextState{Kind: kind} }

// Idle is the initial state.
func Idle() ContextState { return ContextState{Kind: StateIdle} }

// ExecutingTodoList positions the loop at item index of a list.
func ExecutingTodoList(listID string, index, total int) ContextState {
	return ContextState{Kind: StateExecutingTodoList, TodoListID: listID, CurrentItemIndex: index, TotalItems: total}
}

// ExecutingTodoItem runs one item of a list.
func ExecutingTodoItem(itemID string, blocking bool, listID string, index, total int) ContextState {
	return ContextState{
		Kind:             StateExecutingTodoItem,
		TodoItemID:       itemID,
		IsBlockingItem:   blocking,
		TodoListID:       listID,
		CurrentItemIndex: index,
		TotalItems:       total,
	}
}

// AwaitingSubContext waits for a child conversation.
func AwaitingSubContext(parentItemID, childContextID string) ContextState {
	return ContextState{Kind: StateAwaitingSubContext, ParentTodoItemID: parentItemID, ChildContextID: childContextID}
}

// AwaitingToolApproval waits for human decisions on requests.
func AwaitingToolApproval(requests, toolNames []string) ContextState {
	return ContextState{Kind: StateAwaitingToolApproval, PendingRequests: requests, ToolNames: toolNames}
}

// ExecutingTool runs one tool attempt.
func ExecutingTool(tool string, attempt int) ContextState {
	return ContextState{Kind: StateExecutingTool, ToolName: tool, Attempt: attempt}
}

// ToolAutoLoop is the bounded automatic tool cycle.
func ToolAutoLoop(depth, toolsExecuted int) ContextState {
	return ContextState{Kind: StateToolAutoLoop, Depth: depth, ToolsExecuted: toolsExecuted}
}

// SwitchingBranch moves between conversation branches.
func SwitchingBranch(from, to string) ContextState {
	return ContextState{Kind: StateSwitchingBranch, From: from, To: to}
}

// MergingBranches merges source into target.
func MergingBranches(source, target, strategy string) ContextState {
	return ContextState{Kind: StateMergingBranches, Source: source, Target: target, Strategy: strategy}
}

// SavingMessage persists one message.
func SavingMessage(messageID string) ContextState {
	return ContextState{Kind: StateSavingMessage, MessageID: messageID}
}

// LoadingMessages reports load progress.
func LoadingMessages(loaded, total int) ContextState {
	return ContextState{Kind: StateLoadingMessages, Loaded: loaded, Total: total}
}

// CompressingMessages compresses history.
func CompressingMessages(n int) ContextState {
	return ContextState{Kind: StateCompressingMessages, MessagesToCompress: n}
}

// TransientFailure is a recoverable error.
func TransientFailure(errorType string, retryCount, maxRetries int) ContextState {
	return ContextState{Kind: StateTransientFailure, ErrorType: errorType, RetryCount: retryCount, MaxRetries: maxRetries}
}

// Failed is the unrecoverable error state, stamped with the current time.
func Failed(message string) ContextState {
	return ContextState{Kind: StateFailed, ErrorMessage: message, FailedAt: time.Now().UTC().Format(time.RFC3339)}
}

// =============================================================================
// Helpers
// =============================================================================

// Is reports whether the state has kind k.
func (s ContextState) Is(k StateKind) bool { return s.Kind == k }

// IsTerminal reports Failed or Idle.
func (s ContextState) IsTerminal() bool {
	return s.Kind == StateFailed || s.Kind == StateIdle
}

// AcceptsUserInput reports Idle, AwaitingToolApproval or Paused.
func (s ContextState) AcceptsUserInput() bool {
	switch s.Kind {
	case StateIdle, StateAwaitingToolApproval, StatePaused:
		return true
	}
	return false
}

// IsTodoState reports the todo list states.
func (s ContextState) IsTodoState() bool {
	switch s.Kind {
	case StateCreatingTodoList, StateExecutingTodoList, StateExecutingTodoItem, StateAwaitingSubContext:
		return true
	}
	return false
}

// IsBlocking reports states that wait on something outside the loop.
func (s ContextState) IsBlocking() bool {
	switch s.Kind {
	case StateAwaitingLLMResponse, StateAwaitingToolApproval, StateAwaitingSubContext, StateExecutingTool:
		return true
	case StateExecutingTodoItem:
		return s.IsBlockingItem
	}
	return false
}

// Description is a short user facing label.
func (s ContextState) Description() string {
	switch s.Kind {
	case StateIdle:
		return "Ready for input"
	case StateProcessingUserMessage:
		return "Processing your message"
	case StateAwaitingLLMResponse:
		return "Waiting for AI response"
	case StateStreamingLLMResponse:
		return "Receiving AI response"
	case StateExecutingTodoList:
		return "Executing tasks"
	case StateExecutingTodoItem:
		return "Running task"
	case StateExecutingTool:
		return "Running tool"
	case StateAwaitingToolApproval:
		return "Waiting for approval"
	case StateAwaitingSubContext:
		return "Running sub-task"
	case StateFailed:
		return "Failed"
	default:
		return "Processing"
	}
}

// String returns the kind name.
func (s ContextState) String() string { return string(s.Kind) }

// Equal compares two states field by field.
func (s ContextState) Equal(o ContextState) bool {
	a, errA := json.Marshal(s)
	b, errB := json.Marshal(o)
	return errA == nil && errB == nil && string(a) == string(b)
}

// =============================================================================
// JSON
// =============================================================================

// MarshalJSON writes the discriminator and the fields of the active variant.
func (s ContextState) MarshalJSON() ([]byte, error) {
	m := map[string]any{"state": s.Kind}
	switch s.Kind {
	case StateExecutingTodoList:
		m["todo_list_id"] = s.TodoListID
		m["current_item_index"] = s.CurrentItemIndex
		m["total_items"] = s.TotalItems
	case StateExecutingTodoItem:
		m["todo_item_id"] = s.TodoItemID
		m["is_blocking"] = s.IsBlockingItem
		m["todo_list_id"] = s.TodoListID
		m["current_item_index"] = s.CurrentItemIndex
		m["total_items"] = s.TotalItems
	case StateAwaitingSubContext:
		m["parent_todo_item_id"] = s.ParentTodoItemID
		m["child_context_id"] = s.ChildContextID
	case StateAwaitingToolApproval:
		m["pending_requests"] = nonNil(s.PendingRequests)
		m["tool_names"] = nonNil(s.ToolNames)
	case StateExecutingTool:
		m["tool_name"] = s.ToolName
		m["attempt"] = s.Attempt
	case StateToolAutoLoop:
		m["depth"] = s.Depth
		m["tools_executed"] = s.ToolsExecuted
	case StateSwitchingBranch:
		m["from"] = s.From
		m["to"] = s.To
	case StateMergingBranches:
		m["source"] = s.Source
		m["target"] = s.Target
		m["strategy"] = s.Strategy
	case StateSavingMessage:
		m["message_id"] = s.MessageID
	case StateLoadingMessages:
		m["loaded"] = s.Loaded
		m["total"] = s.Total
	case StateCompressingMessages:
		m["messages_to_compress"] = s.MessagesToCompress
	case StateTransientFailure:
		m["error_type"] = s.ErrorType
		m["retry_count"] = s.RetryCount
		m["max_retries"] = s.MaxRetries
	case StateFailed:
		m["error_message"] = s.ErrorMessage
		m["failed_at"] = s.FailedAt
	}
	return json.Marshal(m)
}

type stateWire struct {
	State              StateKind `json:"state"`
	TodoListID         string    `json:"todo_list_id"`
	CurrentItemIndex   int       `json:"current_item_index"`
	TotalItems         int       `json:"total_items"`
	TodoItemID         string    `json:"todo_item_id"`
	IsBlocking         bool      `json:"is_blocking"`
	ParentTodoItemID   string    `json:"parent_todo_item_id"`
	ChildContextID     string    `json:"child_context_id"`
	PendingRequests    []string  `json:"pending_requests"`
	ToolNames          []string  `json:"tool_names"`
	ToolName           string    `json:"tool_name"`
	Attempt            int       `json:"attempt"`
	Depth              int       `json:"depth"`
	ToolsExecuted      int       `json:"tools_executed"`
	From               string    `json:"from"`
	To                 string    `json:"to"`
	Source             string    `json:"source"`
	Target             string    `json:"target"`
	Strategy           string    `json:"strategy"`
	MessageID          string    `json:"message_id"`
	Loaded             int       `json:"loaded"`
	Total              int       `json:"total"`
	MessagesToCompress int       `json:"messages_to_compress"`
	ErrorType          string    `json:"error_type"`
	RetryCount         int       `json:"retry_count"`
	MaxRetries         int       `json:"max_retries"`
	ErrorMessage       string    `json:"error_message"`
	FailedAt           string    `json:"failed_at"`
}

// UnmarshalJSON reads a state, mapping deprecated names to their
// replacements. Unknown names are an error.
func (s *ContextState) UnmarshalJSON(data []byte) error {
	var w stateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	switch w.State {
	case legacyGeneratingResponse:
		*s = Simple(StateAwaitingLLMResponse)
		return nil
	case legacyExecutingTools:
		attempt := w.Attempt
		if attempt == 0 {
			attempt = 1
		}
		*s = ExecutingTool(w.ToolName, attempt)
		return nil
	}
	if !isKnownState(w.State) {
		return fmt.Errorf("unknown context state %q", w.State)
	}

	next := ContextState{Kind: w.State}
	switch w.State {
	case StateExecutingTodoList:
		next = ExecutingTodoList(w.TodoListID, w.CurrentItemIndex, w.TotalItems)
	case StateExecutingTodoItem:
		next = ExecutingTodoItem(w.TodoItemID, w.IsBlocking, w.TodoListID, w.CurrentItemIndex, w.TotalItems)
	case StateAwaitingSubContext:
		next = AwaitingSubContext(w.ParentTodoItemID, w.ChildContextID)
	case StateAwaitingToolApproval:
		next = AwaitingToolApproval(nonNil(w.PendingRequests), nonNil(w.ToolNames))
	case StateExecutingTool:
		next = ExecutingTool(w.ToolName, w.Attempt)
	case StateToolAutoLoop:
		next = ToolAutoLoop(w.Depth, w.ToolsExecuted)
	case StateSwitchingBranch:
		next = SwitchingBranch(w.From, w.To)
	case StateMergingBranches:
		next = MergingBranches(w.Source, w.Target, w.Strategy)
	case StateSavingMessage:
		next = SavingMessage(w.MessageID)
	case StateLoadingMessages:
		next = LoadingMessages(w.Loaded, w.Total)
	case StateCompressingMessages:
		next = CompressingMessages(w.MessagesToCompress)
	case StateTransientFailure:
		next = TransientFailure(w.ErrorType, w.RetryCount, w.MaxRetries)
	case StateFailed:
		next = ContextState{Kind: StateFailed, ErrorMessage: w.ErrorMessage, FailedAt: w.FailedAt}
	}
	*s = next
	return nil
}

func isKnownState(k StateKind) bool {
	for _, known := range AllStateKinds {
		if k == known {
			return true
		}
	}
	return false
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
