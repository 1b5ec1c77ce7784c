// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package todo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

// ItemKind discriminates ItemType.
type ItemKind string

const (
	KindChat         ItemKind = "chat"
	KindToolCall     ItemKind = "tool_call"
	KindWorkflowStep ItemKind = "workflow_step"
)

// ItemType says what an item does.
//
//	chat           StreamingMessageID (optional)
//	tool_call      ToolName, Arguments
//	workflow_step  WorkflowName, StepIndex, StepDescription
type ItemType struct {
	Kind ItemKind `json:"type"`

	StreamingMessageID string `json:"streaming_message_id,omitempty"`

	ToolName  string         `json:"tool_name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`

	WorkflowName    string `json:"workflow_name,omitempty"`
	StepIndex       int    `json:"step_index,omitempty"`
	StepDescription string `json:"step_description,omitempty"`
}

// Chat is an LLM turn driven by the caller.
func Chat() ItemType { return ItemType{Kind: KindChat} }

// ToolCallType runs one tool.
func ToolCallType(tool string, args map[string]any) ItemType {
	return ItemType{Kind: KindToolCall, ToolName: tool, Arguments: args}
}

// WorkflowStepType runs one step of a named workflow.
func WorkflowStepType(workflow string, index int, description string) ItemType {
	return ItemType{Kind: KindWorkflowStep, WorkflowName: workflow, StepIndex: index, StepDescription: description}
}

// ExecutionData holds the outcome details of an item.
type ExecutionData struct {
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs *int64         `json:"duration_ms,omitempty"`
	ApprovalID string         `json:"approval_id,omitempty"`
	RetryCount int            `json:"retry_count"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// TodoItem is one schedulable unit of work.
type TodoItem struct {
	ID          string        `json:"id"`
	ItemType    ItemType      `json:"item_type"`
	Description string        `json:"description"`
	Status      TodoStatus    `json:"status"`
	Order       int           `json:"order"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Execution   ExecutionData `json:"execution"`
	DependsOn   []string      `json:"depends_on,omitempty"`
	Children    []TodoItem    `json:"children,omitempty"`
}

// NewItem creates a Pending item with a fresh id.
func NewItem(itemType ItemType, description string) TodoItem {
	return TodoItem{
		ID:          uuid.NewString(),
		ItemType:    itemType,
		Description: description,
		Status:      Pending(),
		CreatedAt:   time.Now().UTC(),
	}
}

// IsBlocking reports whether the loop executes the item inline. Tool calls
// and workflow steps block; chat items are driven by the caller.
func (i *TodoItem) IsBlocking() bool {
	return i.ItemType.Kind == KindToolCall || i.ItemType.Kind == KindWorkflowStep
}

// Label returns a short display name.
func (i *TodoItem) Label() string {
	switch i.ItemType.Kind {
	case KindToolCall:
		return "tool:" + i.ItemType.ToolName
	case KindWorkflowStep:
		return fmt.Sprintf("workflow:%s#%d", i.ItemType.WorkflowName, i.ItemType.StepIndex)
	default:
		return i.Description
	}
}

// ToolCall converts a tool_call item into a tools.ToolCall whose id is the
// item id.
func (i *TodoItem) ToolCall() (tools.ToolCall, bool) {
	if i.ItemType.Kind != KindToolCall {
		return tools.ToolCall{}, false
	}
	args := "{}"
	if len(i.ItemType.Arguments) > 0 {
		if b, err := json.Marshal(i.ItemType.Arguments); err == nil {
			args = string(b)
		}
	}
	return tools.ToolCall{
		ID:       i.ID,
		Type:     tools.DefaultCallType,
		Function: tools.FunctionCall{Name: i.ItemType.ToolName, Arguments: args},
	}, true
}

func (i *TodoItem) start(now time.Time) error {
	if !i.Status.IsPending() {
		return fmt.Errorf("%w: %s is %s, cannot start", ErrInvalidStatus, i.ID, i.Status.Kind)
	}
	i.Status = InProgress()
	i.StartedAt = &now
	return nil
}

func (i *TodoItem) complete(result any, now time.Time) error {
	if i.Status.Kind != StatusInProgress {
		return fmt.Errorf("%w: %s is %s, cannot complete", ErrInvalidStatus, i.ID, i.Status.Kind)
	}
	i.Status = Completed()
	i.CompletedAt = &now
	i.Execution.Result = result
	if i.StartedAt != nil {
		d := now.Sub(*i.StartedAt).Milliseconds()
		i.Execution.DurationMs = &d
	}
	return nil
}

func (i *TodoItem) fail(errMsg string, now time.Time) error {
	if i.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s, cannot fail", ErrInvalidStatus, i.ID, i.Status.Kind)
	}
	i.Status = Failed(errMsg)
	i.CompletedAt = &now
	i.Execution.Error = errMsg
	if i.StartedAt != nil {
		d := now.Sub(*i.StartedAt).Milliseconds()
		i.Execution.DurationMs = &d
	}
	return nil
}

func (i *TodoItem) skip(reason string, now time.Time) error {
	if i.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s, cannot skip", ErrInvalidStatus, i.ID, i.Status.Kind)
	}
	i.Status = Skipped(reason)
	i.CompletedAt = &now
	return nil
}

func (i TodoItem) clone() TodoItem {
	out := i
	if i.DependsOn != nil {
		out.DependsOn = append([]string(nil), i.DependsOn...)
	}
	if i.Children != nil {
		out.Children = make([]TodoItem, len(i.Children))
		for k, c := range i.Children {
			out.Children[k] = c.clone()
		}
	}
	return out
}
