// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agentcore

import (
	"encoding/json"

	"github.com/AleutianAI/AleutianAgentCore/pkg/extensions"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/approval"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/composition"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/state"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/todo"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

// =============================================================================
// Requests
// =============================================================================

// CreateSessionRequest is the body of POST /agent/sessions.
type CreateSessionRequest struct {
	// ID is optional. Empty generates one.
	ID string `json:"id" binding:"omitempty,max=128,excludesall=/"`
}

// CreateTodoListRequest is the body of POST /agent/sessions/:id/todos.
type CreateTodoListRequest struct {
	Title       string            `json:"title" binding:"required"`
	Description string            `json:"description"`
	Items       []TodoItemRequest `json:"items" binding:"required,min=1,dive"`
}

// TodoItemRequest describes one item of a new list.
type TodoItemRequest struct {
	Description string         `json:"description" binding:"required"`
	Type        todo.ItemKind  `json:"type" binding:"required,oneof=chat tool_call workflow_step"`
	Tool        string         `json:"tool" binding:"required_if=Type tool_call"`
	Arguments   map[string]any `json:"arguments"`
	Workflow    string         `json:"workflow" binding:"required_if=Type workflow_step"`
	StepIndex   int            `json:"step_index" binding:"gte=0"`

	// DependsOn holds indexes of earlier items in the same request.
	DependsOn []int `json:"depends_on" binding:"dive,gte=0"`
}

// CompleteItemRequest is the body of POST .../items/:item/complete.
type CompleteItemRequest struct {
	Result any `json:"result"`
}

// FailItemRequest is the body of POST .../items/:item/fail.
type FailItemRequest struct {
	Error string `json:"error" binding:"required"`
}

// DispatchRequest is the body of POST /agent/sessions/:id/dispatch.
type DispatchRequest struct {
	ToolCalls []tools.ToolCall `json:"tool_calls" binding:"required,min=1"`
}

// ApprovalDecisionRequest is the body of POST /agent/approvals/:request.
type ApprovalDecisionRequest struct {
	Approved *bool  `json:"approved" binding:"required"`
	Reason   string `json:"reason"`
}

// TurnRequest is the body of POST /agent/sessions/:id/turn.
type TurnRequest struct {
	Message string `json:"message" binding:"required"`
}

// CompositionRequest runs or validates an expression given as YAML or JSON.
type CompositionRequest struct {
	Expr json.RawMessage `json:"expr" binding:"required"`

	// Snapshot names the bindings snapshot to resume from and save to.
	Snapshot string `json:"snapshot" binding:"omitempty,max=128,excludesall=/"`
}

// =============================================================================
// Responses
// =============================================================================

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code.
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}

// SessionResponse describes a session.
type SessionResponse struct {
	SessionID      string             `json:"session_id"`
	State          state.ContextState `json:"state"`
	CreatedAt      int64              `json:"created_at"`
	PendingRequest string             `json:"pending_request,omitempty"`
	ActiveTodoList string             `json:"active_todo_list,omitempty"`
}

// SessionsResponse lists session ids.
type SessionsResponse struct {
	Sessions []string `json:"sessions"`
}

// UpdateResponse wraps one ContextUpdate.
type UpdateResponse struct {
	Update state.ContextUpdate `json:"update"`
}

// HistoryResponse is the transition history of a session.
type HistoryResponse struct {
	SessionID   string                  `json:"session_id"`
	Transitions []state.StateTransition `json:"transitions"`
}

// TodoListsResponse lists a session's todo lists.
type TodoListsResponse struct {
	ActiveListID string           `json:"active_list_id,omitempty"`
	Lists        []*todo.TodoList `json:"lists"`
}

// CreateTodoListResponse is returned after a list is registered.
type CreateTodoListResponse struct {
	ListID string             `json:"list_id"`
	State  state.ContextState `json:"state"`
}

// StepResponse is returned by step and run.
type StepResponse struct {
	Continue bool               `json:"continue"`
	State    state.ContextState `json:"state"`
}

// ToolsResponse lists callable tools.
type ToolsResponse struct {
	Tools []tools.ToolSchema `json:"tools"`
}

// ApprovalsResponse lists pending approval requests.
type ApprovalsResponse struct {
	Requests []approval.Request `json:"requests"`
}

// AuditResponse lists audit events, oldest first.
type AuditResponse struct {
	Events []extensions.AuditEvent `json:"events"`
}

// CompositionResponse is the result of a composition run.
type CompositionResponse struct {
	Result tools.ToolResult            `json:"result"`
	Log    []composition.ExecutionStep `json:"log"`
	Error  string                      `json:"error,omitempty"`
}

// ValidateResponse reports whether an expression is valid.
type ValidateResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// WorkflowsResponse lists workflow names.
type WorkflowsResponse struct {
	Workflows []string `json:"workflows"`
}

// buildTodoList converts a request into a list. DependsOn indexes that do
// not point at an earlier item are ignored.
func buildTodoList(sessionID string, req CreateTodoListRequest) *todo.TodoList {
	list := todo.NewList(req.Title, sessionID)
	list.Description = req.Description
	for i, it := range req.Items {
		var itemType todo.ItemType
		switch it.Type {
		case todo.KindToolCall:
			itemType = todo.ToolCallType(it.Tool, it.Arguments)
		case todo.KindWorkflowStep:
			itemType = todo.WorkflowStepType(it.Workflow, it.StepIndex, it.Description)
		default:
			itemType = todo.Chat()
		}
		item := todo.NewItem(itemType, it.Description)
		for _, dep := range it.DependsOn {
			if dep < i {
				item.DependsOn = append(item.DependsOn, list.Items[dep].ID)
			}
		}
		list.AddItem(item)
	}
	return list
}
