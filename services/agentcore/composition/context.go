// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package composition

import (
	"time"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

// LastBinding is the name holding the most recent successful result.
const LastBinding = "_last"

// ExecutionStep records one top-level evaluation.
type ExecutionStep struct {
	Expr      string            `json:"expr"`
	Result    *tools.ToolResult `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// frame is an immutable set of bindings. Once a frame is reachable from a
// child scope it is never written again.
type frame struct {
	bindings map[string]tools.ToolResult
	parent   *frame
}

// ExecutionContext holds variable bindings and the execution log.
//
// Description:
//
//	Writes go to a private mutable map. Creating a nested scope freezes
//	that map into an immutable frame shared by parent and child, and both
//	continue with fresh mutable maps. Lookups walk the local map and then
//	the frame chain, so a child sees the parent's bindings as of the
//	moment it was created and the parent never sees the child's writes.
//
// Thread Safety:
//
//	Not safe for concurrent use. Give each goroutine its own scope.
type ExecutionContext struct {
	local  map[string]tools.ToolResult
	parent *frame
	log    []ExecutionStep
}

// NewExecutionContext returns an empty root context.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{local: make(map[string]tools.ToolResult)}
}

// Bind sets name in the current scope.
func (c *ExecutionContext) Bind(name string, result tools.ToolResult) {
	c.local[name] = result
}

// Lookup returns the binding for name from this scope or an enclosing one.
func (c *ExecutionContext) Lookup(name string) (tools.ToolResult, bool) {
	if r, ok := c.local[name]; ok {
		return r, true
	}
	for f := c.parent; f != nil; f = f.parent {
		if r, ok := f.bindings[name]; ok {
			return r, true
		}
	}
	return tools.ToolResult{}, false
}

// NestedScope returns a child scope that starts with no local bindings and
// reads through to a frozen view of c.
func (c *ExecutionContext) NestedScope() *ExecutionContext {
	c.freeze()
	return &ExecutionContext{
		local:  make(map[string]tools.ToolResult),
		parent: c.parent,
	}
}

func (c *ExecutionContext) freeze() {
	if len(c.local) == 0 {
		return
	}
	c.parent = &frame{bindings: c.local, parent: c.parent}
	c.local = make(map[string]tools.ToolResult)
}

// Bindings flattens all visible bindings into a new map.
func (c *ExecutionContext) Bindings() map[string]tools.ToolResult {
	var chain []*frame
	for f := c.parent; f != nil; f = f.parent {
		chain = append(chain, f)
	}
	out := make(map[string]tools.ToolResult)
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].bindings {
			out[k] = v
		}
	}
	for k, v := range c.local {
		out[k] = v
	}
	return out
}

// Log returns a copy of the execution log.
func (c *ExecutionContext) Log() []ExecutionStep {
	out := make([]ExecutionStep, len(c.log))
	copy(out, c.log)
	return out
}

func (c *ExecutionContext) record(expr *ToolExpr, result tools.ToolResult, err error) {
	step := ExecutionStep{Expr: expr.String(), Timestamp: time.Now().UTC()}
	if err != nil {
		step.Error = err.Error()
	} else {
		r := result
		step.Result = &r
	}
	c.log = append(c.log, step)
}

// Snapshot is the serializable form of an ExecutionContext.
type Snapshot struct {
	Bindings map[string]tools.ToolResult `json:"bindings"`
	Log      []ExecutionStep             `json:"execution_log"`
}

// Snapshot flattens the context for persistence.
func (c *ExecutionContext) Snapshot() Snapshot {
	return Snapshot{Bindings: c.Bindings(), Log: c.Log()}
}

// Restore builds a root context from a snapshot.
func Restore(s Snapshot) *ExecutionContext {
	c := NewExecutionContext()
	for k, v := range s.Bindings {
		c.local[k] = v
	}
	c.log = append(c.log, s.Log...)
	return c
}
