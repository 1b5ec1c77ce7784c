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
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/observability"
)

func newTestRegistry() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := newTestRegistry()
	r.Register(nil)

	if r.Count() != 3 {
		t.Errorf("Count() = %d, want 3", r.Count())
	}
	if _, ok := r.Get("echo"); !ok {
		t.Error("expected echo to be registered")
	}
	if _, ok := r.Get("local::echo"); !ok {
		t.Error("expected namespaced lookup to resolve")
	}
	if got := r.Names(); len(got) != 3 || got[0] != "echo" || got[1] != "json" || got[2] != "sleep" {
		t.Errorf("Names() = %v", got)
	}
}

func TestNormalizeToolName(t *testing.T) {
	tests := map[string]string{
		"echo":             "echo",
		"server::echo":     "echo",
		"a::b::c::read":    "read",
		"":                 "",
		"weird::":          "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeToolName(in), in)
	}
}

func TestRegistryExecutor_Execute(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	ex := NewRegistryExecutor(newTestRegistry(), WithMetrics(metrics))

	t.Run("success", func(t *testing.T) {
		res, err := ex.Execute(context.Background(), NewToolCall("c1", "echo", map[string]any{"text": "hi"}))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "hi", res.Result)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ToolCallsTotal.WithLabelValues("echo", "success")))
	})

	t.Run("not found", func(t *testing.T) {
		_, err := ex.Execute(context.Background(), NewToolCall("c2", "missing", nil))
		assert.ErrorIs(t, err, ErrToolNotFound)
		var te *ToolError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, KindNotFound, te.Kind)
	})

	t.Run("invalid arguments", func(t *testing.T) {
		call := ToolCall{ID: "c3", Type: "function", Function: FunctionCall{Name: "echo", Arguments: "{not json"}}
		_, err := ex.Execute(context.Background(), call)
		assert.ErrorIs(t, err, ErrInvalidArguments)
	})

	t.Run("tool validation error keeps kind", func(t *testing.T) {
		_, err := ex.Execute(context.Background(), NewToolCall("c4", "echo", map[string]any{"text": 5}))
		assert.ErrorIs(t, err, ErrInvalidArguments)
	})

	t.Run("soft failure", func(t *testing.T) {
		res, err := ex.Execute(context.Background(), NewToolCall("c5", "json", map[string]any{"value": "x", "success": false}))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, `"x"`, res.Result)
	})
}

func TestRegistryExecutor_Timeout(t *testing.T) {
	ex := NewRegistryExecutor(newTestRegistry(), WithTimeout(10*time.Millisecond))
	_, err := ex.Execute(context.Background(), NewToolCall("c", "sleep", map[string]any{"ms": 1000}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutionFailed)
	assert.Contains(t, err.Error(), "timed out")
}

type staticExecutor struct {
	name   string
	result ToolResult
	calls  int
}

func (s *staticExecutor) Execute(_ context.Context, call ToolCall) (ToolResult, error) {
	if NormalizeToolName(call.Function.Name) != s.name {
		return ToolResult{}, NotFound(call.Function.Name)
	}
	s.calls++
	return s.result, nil
}

func (s *staticExecutor) ListTools() []ToolSchema {
	return []ToolSchema{{Name: s.name}}
}

func TestChain_FallsThroughOnNotFound(t *testing.T) {
	first := &staticExecutor{name: "alpha", result: SuccessResult("a")}
	second := &staticExecutor{name: "beta", result: SuccessResult("b")}
	chain := Chain{first, nil, second}

	res, err := chain.Execute(context.Background(), NewToolCall("1", "beta", nil))
	require.NoError(t, err)
	assert.Equal(t, "b", res.Result)
	assert.Equal(t, 0, first.calls)
	assert.Equal(t, 1, second.calls)

	_, err = chain.Execute(context.Background(), NewToolCall("2", "gamma", nil))
	assert.True(t, IsNotFound(err))

	assert.Len(t, chain.ListTools(), 2)
}

type fakeMCPClient struct {
	tools   []mcp.Tool
	lastReq mcp.CallToolRequest
	result  *mcp.CallToolResult
}

func (f *fakeMCPClient) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeMCPClient) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.lastReq = req
	return f.result, nil
}

func TestMCPExecutor(t *testing.T) {
	fake := &fakeMCPClient{
		tools: []mcp.Tool{{
			Name:        "read_file",
			Description: "Read a file",
			InputSchema: mcp.ToolInputSchema{
				Type:       "object",
				Properties: map[string]any{"path": map[string]any{"type": "string"}},
				Required:   []string{"path"},
			},
		}},
		result: &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "hello"}},
		},
	}
	ex := NewMCPExecutor("fs", fake, nil)
	require.NoError(t, ex.Refresh(context.Background()))

	schemas := ex.ListTools()
	require.Len(t, schemas, 1)
	assert.Equal(t, "read_file", schemas[0].Name)

	res, err := ex.Execute(context.Background(), NewToolCall("1", "fs::read_file", map[string]any{"path": "/x"}))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hello", res.Result)
	assert.Equal(t, "read_file", fake.lastReq.Params.Name)

	fake.result = &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "denied"}},
	}
	res, err = ex.Execute(context.Background(), NewToolCall("2", "read_file", map[string]any{"path": "/y"}))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "denied", res.Result)

	_, err = ex.Execute(context.Background(), NewToolCall("3", "write_file", nil))
	assert.ErrorIs(t, err, ErrToolNotFound)
}
