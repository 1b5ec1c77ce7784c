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
	"time"
)

// RegisterBuiltins registers the tools that ship with the service.
func RegisterBuiltins(r *Registry) {
	r.Register(EchoTool())
	r.Register(SleepTool())
	r.Register(JSONTool())
}

// EchoTool returns the "text" argument unchanged.
func EchoTool() Tool {
	return &FuncTool{
		ToolName:    "echo",
		Description: "Return the given text unchanged",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
		Fn: func(_ context.Context, args map[string]any) (ToolResult, error) {
			text, ok := args["text"].(string)
			if !ok {
				return ToolResult{}, InvalidArguments("echo", "text must be a string")
			}
			return SuccessResult(text), nil
		},
	}
}

// SleepTool waits for "ms" milliseconds or until the context ends.
func SleepTool() Tool {
	return &FuncTool{
		ToolName:    "sleep",
		Description: "Wait for a number of milliseconds",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"ms": map[string]any{"type": "integer"},
			},
			"required": []string{"ms"},
		},
		Fn: func(ctx context.Context, args map[string]any) (ToolResult, error) {
			ms, ok := args["ms"].(float64)
			if !ok || ms < 0 {
				return ToolResult{}, InvalidArguments("sleep", "ms must be a non-negative number")
			}
			timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ToolResult{}, ctx.Err()
			case <-timer.C:
				return SuccessResult(fmt.Sprintf("slept %dms", int(ms))), nil
			}
		},
	}
}

// JSONTool re-encodes its "value" argument as JSON text. Compositions use
// it to produce structured results for conditions.
func JSONTool() Tool {
	return &FuncTool{
		ToolName:    "json",
		Description: "Return the given value encoded as JSON",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"value":   map[string]any{},
				"success": map[string]any{"type": "boolean"},
			},
			"required": []string{"value"},
		},
		Fn: func(_ context.Context, args map[string]any) (ToolResult, error) {
			b, err := json.Marshal(args["value"])
			if err != nil {
				return ToolResult{}, InvalidArguments("json", err.Error())
			}
			success := true
			if s, ok := args["success"].(bool); ok {
				success = s
			}
			return ToolResult{Success: success, Result: string(b)}, nil
		},
	}
}
