// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package composition implements a small expression language for combining
// tool calls.
//
// # Description
//
// A ToolExpr is a tree of call, sequence, parallel, choice, retry, let and
// var nodes. Executor evaluates a tree against an ExecutionContext, which
// holds variable bindings and an execution log. The special binding "_last"
// always holds the most recent successful step result, and Choice
// conditions are evaluated against it.
//
// Expressions are plain data. They are written in YAML or JSON with a
// "type" discriminator:
//
//	type: sequence
//	steps:
//	  - type: call
//	    tool: search
//	    args: {query: "golang"}
//	  - type: choice
//	    condition: {type: contains, path: items.0.title, value: Go}
//	    then_branch: {type: call, tool: summarize}
//
// # Thread Safety
//
// ToolExpr values are read-only during evaluation and may be shared.
// An ExecutionContext belongs to one evaluation; Parallel gives each branch
// its own scope.
package composition

import (
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ExprType discriminates ToolExpr variants.
type ExprType string

const (
	ExprCall     ExprType = "call"
	ExprSequence ExprType = "sequence"
	ExprParallel ExprType = "parallel"
	ExprChoice   ExprType = "choice"
	ExprRetry    ExprType = "retry"
	ExprLet      ExprType = "let"
	ExprVar      ExprType = "var"
)

// Defaults applied when optional fields are omitted.
const (
	DefaultMaxAttempts = 3
	DefaultDelayMs     = 1000
)

// ErrInvalidExpr is returned by Validate and Parse for malformed trees.
var ErrInvalidExpr = errors.New("invalid composition expression")

// ToolExpr is one node of a composition tree.
//
// Only the fields relevant to Type are set:
//
//	call      Tool, Args
//	sequence  Steps, FailFast
//	parallel  Branches, Wait
//	choice    Condition, Then, Else
//	retry     Expr, MaxAttempts, DelayMs
//	let       Var, Expr, Body
//	var       Name
type ToolExpr struct {
	Type ExprType `json:"type" yaml:"type"`

	Tool string         `json:"tool,omitempty" yaml:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty" yaml:"args,omitempty"`

	Steps    []*ToolExpr `json:"steps,omitempty" yaml:"steps,omitempty"`
	FailFast *bool       `json:"fail_fast,omitempty" yaml:"fail_fast,omitempty"`

	Branches []*ToolExpr `json:"branches,omitempty" yaml:"branches,omitempty"`
	Wait     *WaitPolicy `json:"wait,omitempty" yaml:"wait,omitempty"`

	Condition *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	Then      *ToolExpr  `json:"then_branch,omitempty" yaml:"then_branch,omitempty"`
	Else      *ToolExpr  `json:"else_branch,omitempty" yaml:"else_branch,omitempty"`

	Expr        *ToolExpr `json:"expr,omitempty" yaml:"expr,omitempty"`
	MaxAttempts *int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	DelayMs     *int64    `json:"delay_ms,omitempty" yaml:"delay_ms,omitempty"`

	Var  string    `json:"var,omitempty" yaml:"var,omitempty"`
	Body *ToolExpr `json:"body,omitempty" yaml:"body,omitempty"`

	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// =============================================================================
// Constructors
// =============================================================================

// Call invokes a tool.
func Call(tool string, args map[string]any) *ToolExpr {
	return &ToolExpr{Type: ExprCall, Tool: tool, Args: args}
}

// Sequence runs steps in order with fail-fast enabled.
func Sequence(steps ...*ToolExpr) *ToolExpr {
	return &ToolExpr{Type: ExprSequence, Steps: steps}
}

// SequenceContinue runs steps in order and keeps going after failures.
func SequenceContinue(steps ...*ToolExpr) *ToolExpr {
	failFast := false
	return &ToolExpr{Type: ExprSequence, Steps: steps, FailFast: &failFast}
}

// Parallel runs branches concurrently and merges them with wait.
func Parallel(wait WaitPolicy, branches ...*ToolExpr) *ToolExpr {
	return &ToolExpr{Type: ExprParallel, Branches: branches, Wait: &wait}
}

// Choice runs then when cond holds for the last result, else els (may be nil).
func Choice(cond Condition, then, els *ToolExpr) *ToolExpr {
	return &ToolExpr{Type: ExprChoice, Condition: &cond, Then: then, Else: els}
}

// Retry re-runs expr until it succeeds or attempts run out.
func Retry(expr *ToolExpr, maxAttempts int, delayMs int64) *ToolExpr {
	return &ToolExpr{Type: ExprRetry, Expr: expr, MaxAttempts: &maxAttempts, DelayMs: &delayMs}
}

// Let binds the result of expr to name and evaluates body.
func Let(name string, expr, body *ToolExpr) *ToolExpr {
	return &ToolExpr{Type: ExprLet, Var: name, Expr: expr, Body: body}
}

// Var reads a binding.
func Var(name string) *ToolExpr {
	return &ToolExpr{Type: ExprVar, Name: name}
}

// =============================================================================
// Defaults
// =============================================================================

// FailFastEnabled reports the effective fail_fast flag (default true).
func (e *ToolExpr) FailFastEnabled() bool {
	if e.FailFast == nil {
		return true
	}
	return *e.FailFast
}

// WaitPolicyOrDefault returns the effective wait policy (default all).
func (e *ToolExpr) WaitPolicyOrDefault() WaitPolicy {
	if e.Wait == nil {
		return WaitAll()
	}
	return *e.Wait
}

// Attempts returns max(1, max_attempts), defaulting to DefaultMaxAttempts.
func (e *ToolExpr) Attempts() int {
	n := DefaultMaxAttempts
	if e.MaxAttempts != nil {
		n = *e.MaxAttempts
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Delay returns the retry delay in milliseconds, defaulting to DefaultDelayMs.
func (e *ToolExpr) Delay() int64 {
	if e.DelayMs == nil {
		return DefaultDelayMs
	}
	if *e.DelayMs < 0 {
		return 0
	}
	return *e.DelayMs
}

// =============================================================================
// Validation and parsing
// =============================================================================

// Validate checks that every node has the fields its type requires.
func (e *ToolExpr) Validate() error {
	return e.validate("$")
}

func (e *ToolExpr) validate(path string) error {
	if e == nil {
		return fmt.Errorf("%w: %s: missing expression", ErrInvalidExpr, path)
	}
	switch e.Type {
	case ExprCall:
		if e.Tool == "" {
			return fmt.Errorf("%w: %s: call requires tool", ErrInvalidExpr, path)
		}
	case ExprSequence:
		for i, s := range e.Steps {
			if err := s.validate(fmt.Sprintf("%s.steps[%d]", path, i)); err != nil {
				return err
			}
		}
	case ExprParallel:
		for i, b := range e.Branches {
			if err := b.validate(fmt.Sprintf("%s.branches[%d]", path, i)); err != nil {
				return err
			}
		}
		if e.Wait != nil && e.Wait.Mode == WaitModeN && e.Wait.N < 1 {
			return fmt.Errorf("%w: %s: wait n must be positive", ErrInvalidExpr, path)
		}
	case ExprChoice:
		if e.Condition == nil {
			return fmt.Errorf("%w: %s: choice requires condition", ErrInvalidExpr, path)
		}
		if err := e.Condition.validate(path + ".condition"); err != nil {
			return err
		}
		if err := e.Then.validate(path + ".then_branch"); err != nil {
			return err
		}
		if e.Else != nil {
			if err := e.Else.validate(path + ".else_branch"); err != nil {
				return err
			}
		}
	case ExprRetry:
		if err := e.Expr.validate(path + ".expr"); err != nil {
			return err
		}
	case ExprLet:
		if e.Var == "" {
			return fmt.Errorf("%w: %s: let requires var", ErrInvalidExpr, path)
		}
		if err := e.Expr.validate(path + ".expr"); err != nil {
			return err
		}
		if err := e.Body.validate(path + ".body"); err != nil {
			return err
		}
	case ExprVar:
		if e.Name == "" {
			return fmt.Errorf("%w: %s: var requires name", ErrInvalidExpr, path)
		}
	default:
		return fmt.Errorf("%w: %s: unknown type %q", ErrInvalidExpr, path, e.Type)
	}
	return nil
}

// Parse decodes and validates an expression from YAML or JSON.
func Parse(data []byte) (*ToolExpr, error) {
	var expr ToolExpr
	if err := yaml.Unmarshal(data, &expr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpr, err)
	}
	if err := expr.Validate(); err != nil {
		return nil, err
	}
	return &expr, nil
}

// String returns the compact JSON form, used in logs and execution steps.
func (e *ToolExpr) String() string {
	b, err := json.Marshal(e)
	if err != nil {
		return string(e.Type)
	}
	return string(b)
}

// Label returns a short human readable name for the node.
func (e *ToolExpr) Label() string {
	switch e.Type {
	case ExprCall:
		return "call:" + e.Tool
	case ExprVar:
		return "var:" + e.Name
	case ExprLet:
		return "let:" + e.Var
	default:
		return string(e.Type)
	}
}

// =============================================================================
// Wait policy
// =============================================================================

// WaitMode selects how Parallel merges its branches.
type WaitMode string

const (
	WaitModeAll WaitMode = "all"
	WaitModeAny WaitMode = "any"
	WaitModeN   WaitMode = "n"
)

// WaitPolicy encodes as "all", "any" or {"n": K}.
type WaitPolicy struct {
	Mode WaitMode
	N    int
}

// WaitAll requires every branch to succeed.
func WaitAll() WaitPolicy { return WaitPolicy{Mode: WaitModeAll} }

// WaitAny requires one branch to succeed.
func WaitAny() WaitPolicy { return WaitPolicy{Mode: WaitModeAny} }

// WaitN requires n branches to succeed.
func WaitN(n int) WaitPolicy { return WaitPolicy{Mode: WaitModeN, N: n} }

type waitN struct {
	N int `json:"n" yaml:"n"`
}

// MarshalJSON implements json.Marshaler.
func (w WaitPolicy) MarshalJSON() ([]byte, error) {
	if w.Mode == WaitModeN {
		return json.Marshal(waitN{N: w.N})
	}
	return json.Marshal(string(w.mode()))
}

// UnmarshalJSON implements json.Unmarshaler.
func (w *WaitPolicy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return w.fromString(s)
	}
	var n waitN
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: wait: %v", ErrInvalidExpr, err)
	}
	*w = WaitN(n.N)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (w WaitPolicy) MarshalYAML() (any, error) {
	if w.Mode == WaitModeN {
		return waitN{N: w.N}, nil
	}
	return string(w.mode()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (w *WaitPolicy) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return w.fromString(node.Value)
	}
	var n waitN
	if err := node.Decode(&n); err != nil {
		return fmt.Errorf("%w: wait: %v", ErrInvalidExpr, err)
	}
	*w = WaitN(n.N)
	return nil
}

func (w WaitPolicy) mode() WaitMode {
	if w.Mode == "" {
		return WaitModeAll
	}
	return w.Mode
}

func (w *WaitPolicy) fromString(s string) error {
	switch WaitMode(s) {
	case WaitModeAll:
		*w = WaitAll()
	case WaitModeAny:
		*w = WaitAny()
	default:
		return fmt.Errorf("%w: unknown wait mode %q", ErrInvalidExpr, s)
	}
	return nil
}
