// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"sort"
	"sync"
)

// Tool is a locally implemented tool.
type Tool interface {
	// Name returns the unique tool name.
	Name() string

	// Schema describes the tool to the LLM.
	Schema() ToolSchema

	// Execute runs the tool. A returned error is a hard failure. A result
	// with Success=false is a soft failure.
	Execute(ctx context.Context, args map[string]any) (ToolResult, error)
}

// FuncTool adapts a function into a Tool.
type FuncTool struct {
	ToolName    string
	Description string
	Parameters  map[string]any
	Fn          func(ctx context.Context, args map[string]any) (ToolResult, error)
}

// Name implements Tool.
func (f *FuncTool) Name() string { return f.ToolName }

// Schema implements Tool.
func (f *FuncTool) Schema() ToolSchema {
	params := f.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return ToolSchema{Name: f.ToolName, Description: f.Description, Parameters: params}
}

// Execute implements Tool.
func (f *FuncTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	return f.Fn(ctx, args)
}

// Registry holds registered tools by name.
//
// Tools are registered explicitly at startup. There is no package-level
// registration side effect.
//
// Thread Safety:
//
//	Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Tool),
	}
}

// Register adds a tool, replacing any tool with the same name.
//
// A nil tool is ignored.
func (r *Registry) Register(tool Tool) {
	if tool == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[tool.Name()] = tool
}

// Get returns a tool by name. The name is normalized first, so
// "server::echo" finds "echo".
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.byName[NormalizeToolName(name)]
	return tool, ok
}

// GetAll returns all tools sorted by name.
func (r *Registry) GetAll() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.byName))
	for _, t := range r.byName {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool {
		return tools[i].Name() < tools[j].Name()
	})
	return tools
}

// Names returns sorted tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Schemas returns schemas for all tools, sorted by name.
func (r *Registry) Schemas() []ToolSchema {
	all := r.GetAll()
	schemas := make([]ToolSchema, 0, len(all))
	for _, t := range all {
		schemas = append(schemas, t.Schema())
	}
	return schemas
}
