// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools defines tool calls, tool results and the executors that
// run them.
//
// A ToolCall is produced by the LLM, usually in fragments while a response
// streams. Accumulator stitches those fragments back together. Executors
// resolve a finalized call against some tool source: the local Registry,
// an MCP server, or named compositions. Chain tries several sources in
// order and moves on when one reports ErrToolNotFound.
package tools

import (
	"encoding/json"
	"strings"
)

// DefaultCallType is the call type assigned when the LLM omits one.
const DefaultCallType = "function"

// FunctionCall is the callable part of a ToolCall.
type FunctionCall struct {
	Name string `json:"name"`

	// Arguments is a JSON encoded object, exactly as produced by the LLM.
	Arguments string `json:"arguments"`
}

// ToolCall is a finalized tool invocation. Treat it as immutable.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// NewToolCall builds a call with a JSON encoded argument object.
func NewToolCall(id, name string, args map[string]any) ToolCall {
	encoded := "{}"
	if len(args) > 0 {
		if b, err := json.Marshal(args); err == nil {
			encoded = string(b)
		}
	}
	return ToolCall{
		ID:       id,
		Type:     DefaultCallType,
		Function: FunctionCall{Name: name, Arguments: encoded},
	}
}

// ParsedArguments decodes the argument string into a map.
//
// Blank arguments decode to an empty map. Anything that is not a JSON
// object returns an InvalidArguments ToolError.
func (c ToolCall) ParsedArguments() (map[string]any, error) {
	raw := strings.TrimSpace(c.Function.Arguments)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, InvalidArguments(c.Function.Name, err.Error())
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// PartialToolCall is a call still being assembled from stream fragments.
// Fragments arriving from a provider use the same shape.
type PartialToolCall struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolResult is the outcome of a tool execution.
//
// Success=false is a soft failure: the tool ran and reported a problem.
// Hard failures are returned as errors instead.
type ToolResult struct {
	Success           bool   `json:"success"`
	Result            string `json:"result"`
	DisplayPreference string `json:"display_preference,omitempty"`
}

// SuccessResult returns a successful result.
func SuccessResult(result string) ToolResult {
	return ToolResult{Success: true, Result: result}
}

// FailureResult returns a soft failure.
func FailureResult(result string) ToolResult {
	return ToolResult{Success: false, Result: result}
}

// ToolSchema describes a tool to the LLM.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// NormalizeToolName strips a namespace prefix such as "server::tool".
func NormalizeToolName(name string) string {
	if i := strings.LastIndex(name, "::"); i >= 0 {
		return name[i+2:]
	}
	return name
}
