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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

// ArgsBinding holds the call arguments when a composition runs as a tool.
const ArgsBinding = "args"

var (
	// ErrWorkflowNotFound indicates an unknown workflow name.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrStepOutOfRange indicates a workflow step index past the end.
	ErrStepOutOfRange = errors.New("workflow step out of range")
)

// Definition is a named composition exposed as a tool.
type Definition struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Expr        *ToolExpr      `json:"expr" yaml:"expr"`
}

// Workflow is a named list of steps, each a composition.
type Workflow struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []*ToolExpr `json:"steps" yaml:"steps"`
}

// Document is the on-disk form of a Library.
type Document struct {
	Compositions []Definition `json:"compositions,omitempty" yaml:"compositions,omitempty"`
	Workflows    []Workflow   `json:"workflows,omitempty" yaml:"workflows,omitempty"`
}

// Library holds named compositions and workflows.
//
// Thread Safety:
//
//	Library is safe for concurrent use. Load replaces the contents
//	atomically.
type Library struct {
	mu           sync.RWMutex
	compositions map[string]Definition
	workflows    map[string]Workflow
}

// NewLibrary returns an empty library.
func NewLibrary() *Library {
	return &Library{
		compositions: make(map[string]Definition),
		workflows:    make(map[string]Workflow),
	}
}

// ParseDocument decodes and validates a library document from YAML or JSON.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidExpr, err)
	}
	for _, d := range doc.Compositions {
		if d.Name == "" {
			return Document{}, fmt.Errorf("%w: composition without name", ErrInvalidExpr)
		}
		if err := d.Expr.validate(d.Name); err != nil {
			return Document{}, err
		}
	}
	for _, w := range doc.Workflows {
		if w.Name == "" {
			return Document{}, fmt.Errorf("%w: workflow without name", ErrInvalidExpr)
		}
		for i, s := range w.Steps {
			if err := s.validate(fmt.Sprintf("%s.steps[%d]", w.Name, i)); err != nil {
				return Document{}, err
			}
		}
	}
	return doc, nil
}

// LoadFile replaces the library contents with the document at path.
func (l *Library) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read library: %w", err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return err
	}
	l.Load(doc)
	return nil
}

// Load replaces the library contents with doc.
func (l *Library) Load(doc Document) {
	compositions := make(map[string]Definition, len(doc.Compositions))
	for _, d := range doc.Compositions {
		compositions[d.Name] = d
	}
	workflows := make(map[string]Workflow, len(doc.Workflows))
	for _, w := range doc.Workflows {
		workflows[w.Name] = w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.compositions = compositions
	l.workflows = workflows
}

// Define adds or replaces one composition.
func (l *Library) Define(d Definition) error {
	if d.Name == "" {
		return fmt.Errorf("%w: composition without name", ErrInvalidExpr)
	}
	if err := d.Expr.validate(d.Name); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.compositions[d.Name] = d
	return nil
}

// AddWorkflow adds or replaces one workflow.
func (l *Library) AddWorkflow(w Workflow) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.workflows[w.Name] = w
}

// Composition returns a composition by name.
func (l *Library) Composition(name string) (Definition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.compositions[tools.NormalizeToolName(name)]
	return d, ok
}

// WorkflowStep returns step index of the named workflow.
func (l *Library) WorkflowStep(name string, index int) (*ToolExpr, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	w, ok := l.workflows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	if index < 0 || index >= len(w.Steps) {
		return nil, fmt.Errorf("%w: %s step %d of %d", ErrStepOutOfRange, name, index, len(w.Steps))
	}
	return w.Steps[index], nil
}

// Workflows returns sorted workflow names.
func (l *Library) Workflows() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.workflows))
	for n := range l.workflows {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Source exposes a Library's compositions as tools.
//
// A call to a composition runs it in a fresh ExecutionContext with the
// call arguments bound as "args". Unknown names return ErrToolNotFound so
// a tools.Chain can fall through to the plain tool sources.
type Source struct {
	library  *Library
	executor *Executor
}

// NewSource creates a tool source over library, evaluating with executor.
func NewSource(library *Library, executor *Executor) *Source {
	return &Source{library: library, executor: executor}
}

// Execute implements tools.Executor.
func (s *Source) Execute(ctx context.Context, call tools.ToolCall) (tools.ToolResult, error) {
	def, ok := s.library.Composition(call.Function.Name)
	if !ok {
		return tools.ToolResult{}, tools.NotFound(tools.NormalizeToolName(call.Function.Name))
	}
	args, err := call.ParsedArguments()
	if err != nil {
		return tools.ToolResult{}, err
	}
	encoded, _ := json.Marshal(args)

	ec := NewExecutionContext()
	ec.Bind(ArgsBinding, tools.SuccessResult(string(encoded)))
	return s.executor.Execute(ctx, def.Expr, ec)
}

// ListTools implements tools.Executor.
func (s *Source) ListTools() []tools.ToolSchema {
	s.library.mu.RLock()
	defer s.library.mu.RUnlock()

	out := make([]tools.ToolSchema, 0, len(s.library.compositions))
	for _, d := range s.library.compositions {
		params := d.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, tools.ToolSchema{Name: d.Name, Description: d.Description, Parameters: params})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var _ tools.Executor = (*Source)(nil)
