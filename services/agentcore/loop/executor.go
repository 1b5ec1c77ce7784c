// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/composition"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/todo"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

// ItemExecutor runs one kind of blocking todo item.
//
// The loop asks each executor in order whether it can handle an item and
// runs the first that can. The returned value is stored as the item's
// result.
type ItemExecutor interface {
	CanHandle(item todo.TodoItem) bool
	Execute(ctx context.Context, item todo.TodoItem) (any, error)
}

// =============================================================================
// Tool call items
// =============================================================================

// ToolItemExecutor runs ToolCall items.
//
// Description:
//
//	The call goes to the composition source first. When the name is not a
//	composition (ErrToolNotFound) it falls through to the tool sources. A
//	result with Success false fails the item with the result text.
//
// Thread Safety:
//
//	Safe for concurrent use if the wrapped executors are.
type ToolItemExecutor struct {
	compositions tools.Executor
	tools        tools.Executor
}

// NewToolItemExecutor creates an executor. compositions may be nil.
func NewToolItemExecutor(compositions, toolSource tools.Executor) *ToolItemExecutor {
	return &ToolItemExecutor{compositions: compositions, tools: toolSource}
}

// CanHandle implements ItemExecutor.
func (e *ToolItemExecutor) CanHandle(item todo.TodoItem) bool {
	return item.ItemType.Kind == todo.KindToolCall
}

// Execute implements ItemExecutor.
func (e *ToolItemExecutor) Execute(ctx context.Context, item todo.TodoItem) (any, error) {
	call, ok := item.ToolCall()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedItem, item.ItemType.Kind)
	}
	result, err := tools.Chain{e.compositions, e.tools}.Execute(ctx, call)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, tools.Execution(result.Result)
	}
	return result, nil
}

// =============================================================================
// Workflow step items
// =============================================================================

// WorkflowItemExecutor runs WorkflowStep items: step StepIndex of the named
// workflow, evaluated by the composition executor in a fresh context.
type WorkflowItemExecutor struct {
	library  *composition.Library
	executor *composition.Executor
}

// NewWorkflowItemExecutor creates an executor over library.
func NewWorkflowItemExecutor(library *composition.Library, executor *composition.Executor) *WorkflowItemExecutor {
	return &WorkflowItemExecutor{library: library, executor: executor}
}

// CanHandle implements ItemExecutor.
func (e *WorkflowItemExecutor) CanHandle(item todo.TodoItem) bool {
	return item.ItemType.Kind == todo.KindWorkflowStep
}

// Execute implements ItemExecutor.
func (e *WorkflowItemExecutor) Execute(ctx context.Context, item todo.TodoItem) (any, error) {
	if item.ItemType.Kind != todo.KindWorkflowStep {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedItem, item.ItemType.Kind)
	}
	step, err := e.library.WorkflowStep(item.ItemType.WorkflowName, item.ItemType.StepIndex)
	if err != nil {
		return nil, err
	}
	result, err := e.executor.Execute(ctx, step, composition.NewExecutionContext())
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, tools.Execution(result.Result)
	}
	return result, nil
}

var (
	_ ItemExecutor = (*ToolItemExecutor)(nil)
	_ ItemExecutor = (*WorkflowItemExecutor)(nil)
)
