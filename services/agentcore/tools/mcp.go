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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPClient is the subset of the mcp-go client used by MCPExecutor.
// *client.Client satisfies it.
type MCPClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

var _ MCPClient = (*client.Client)(nil)

// MCPExecutor executes tools served by an MCP server.
//
// Description:
//
//	The tool list is fetched once by Refresh and cached. Execute only
//	forwards calls for tools in the cache, so an unknown name returns
//	ErrToolNotFound and a Chain can move on to the next source.
//
// Thread Safety:
//
//	MCPExecutor is safe for concurrent use.
type MCPExecutor struct {
	server string
	client MCPClient
	logger *slog.Logger

	mu      sync.RWMutex
	schemas map[string]ToolSchema
}

// NewMCPExecutor wraps an initialized MCP client. server names the
// server in logs.
func NewMCPExecutor(server string, c MCPClient, logger *slog.Logger) *MCPExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPExecutor{
		server:  server,
		client:  c,
		logger:  logger.With("mcp_server", server),
		schemas: make(map[string]ToolSchema),
	}
}

// NewStdioMCPExecutor starts an MCP server process over stdio, performs
// the initialize handshake and loads its tool list.
func NewStdioMCPExecutor(ctx context.Context, server, command string, env, args []string, logger *slog.Logger) (*MCPExecutor, error) {
	c, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("start mcp server %s: %w", server, err)
	}

	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    "agentcore",
				Version: "1.0.0",
			},
		},
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize mcp server %s: %w", server, err)
	}

	e := NewMCPExecutor(server, c, logger)
	if err := e.Refresh(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return e, nil
}

// Close stops the server when the client owns a process.
func (e *MCPExecutor) Close() error {
	if c, ok := e.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Refresh reloads the tool list from the server.
func (e *MCPExecutor) Refresh(ctx context.Context) error {
	res, err := e.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("list mcp tools: %w", err)
	}

	schemas := make(map[string]ToolSchema, len(res.Tools))
	for _, t := range res.Tools {
		params := map[string]any{
			"type":       t.InputSchema.Type,
			"properties": t.InputSchema.Properties,
		}
		if len(t.InputSchema.Required) > 0 {
			params["required"] = t.InputSchema.Required
		}
		schemas[t.Name] = ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		}
	}

	e.mu.Lock()
	e.schemas = schemas
	e.mu.Unlock()

	e.logger.Info("MCP tools loaded", "count", len(schemas))
	return nil
}

// Execute implements Executor.
func (e *MCPExecutor) Execute(ctx context.Context, call ToolCall) (ToolResult, error) {
	name := NormalizeToolName(call.Function.Name)

	e.mu.RLock()
	_, ok := e.schemas[name]
	e.mu.RUnlock()
	if !ok {
		return ToolResult{}, NotFound(name)
	}

	args, err := call.ParsedArguments()
	if err != nil {
		return ToolResult{}, err
	}

	res, err := e.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		e.logger.Error("MCP tool call failed", "tool", name, "error", err)
		return ToolResult{}, Executionf("mcp %s: %v", name, err)
	}

	text := contentText(res.Content)
	if res.IsError {
		return FailureResult(text), nil
	}
	return SuccessResult(text), nil
}

// ListTools implements Executor.
func (e *MCPExecutor) ListTools() []ToolSchema {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]ToolSchema, 0, len(e.schemas))
	for _, s := range e.schemas {
		out = append(out, s)
	}
	return out
}

// contentText joins text content blocks. Non-text blocks are encoded as
// JSON so nothing is silently lost.
func contentText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				continue
			}
			parts = append(parts, string(b))
		}
	}
	return strings.Join(parts, "\n")
}

var _ Executor = (*MCPExecutor)(nil)
