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
	"errors"
	"fmt"
)

// Sentinel errors for tool execution.
var (
	// ErrToolNotFound indicates the requested tool does not exist in a source.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidArguments indicates the call arguments could not be used.
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrExecutionFailed indicates the tool ran and failed.
	ErrExecutionFailed = errors.New("tool execution failed")
)

// ErrorKind classifies a ToolError.
type ErrorKind int

const (
	KindNotFound ErrorKind = iota
	KindInvalidArguments
	KindExecution
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidArguments:
		return "invalid_arguments"
	case KindExecution:
		return "execution"
	default:
		return "unknown"
	}
}

// ToolError is the typed error returned by executors.
//
// It unwraps to the sentinel matching its Kind, so callers can use
// errors.Is(err, ErrToolNotFound) regardless of wrapping.
type ToolError struct {
	Kind    ErrorKind
	Tool    string
	Message string
}

// Error implements error.
func (e *ToolError) Error() string {
	switch e.Kind {
	case KindNotFound:
		return fmt.Sprintf("%v: %s", ErrToolNotFound, e.Tool)
	case KindInvalidArguments:
		return fmt.Sprintf("%v: %s: %s", ErrInvalidArguments, e.Tool, e.Message)
	default:
		return e.Message
	}
}

// Unwrap returns the sentinel for the error kind.
func (e *ToolError) Unwrap() error {
	switch e.Kind {
	case KindNotFound:
		return ErrToolNotFound
	case KindInvalidArguments:
		return ErrInvalidArguments
	default:
		return ErrExecutionFailed
	}
}

// NotFound returns a KindNotFound error for tool.
func NotFound(tool string) error {
	return &ToolError{Kind: KindNotFound, Tool: tool}
}

// InvalidArguments returns a KindInvalidArguments error.
func InvalidArguments(tool, msg string) error {
	return &ToolError{Kind: KindInvalidArguments, Tool: tool, Message: msg}
}

// Execution returns a KindExecution error carrying msg verbatim.
func Execution(msg string) error {
	return &ToolError{Kind: KindExecution, Message: msg}
}

// Executionf formats an execution error.
func Executionf(format string, args ...any) error {
	return Execution(fmt.Sprintf(format, args...))
}

// IsNotFound reports whether err means "this source does not know the tool".
func IsNotFound(err error) bool {
	return errors.Is(err, ErrToolNotFound)
}
