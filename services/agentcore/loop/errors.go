// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loop drives todo lists and LLM-issued tool calls through a
// tracked conversation context.
package loop

import (
	"errors"
	"fmt"
)

// Sentinel errors for the loop package.
var (
	// ErrNoExecutor indicates no item executor can handle a todo item.
	ErrNoExecutor = errors.New("no executor for item")

	// ErrUnsupportedItem indicates an executor was handed an item of the wrong type.
	ErrUnsupportedItem = errors.New("unsupported item type")

	// ErrNoPendingApproval indicates a decision arrived for a request the
	// dispatcher is not waiting on.
	ErrNoPendingApproval = errors.New("no pending approval for request")

	// ErrItemNotCurrent indicates CompleteItem or FailItem named an item the
	// loop is not executing.
	ErrItemNotCurrent = errors.New("item is not the current todo item")

	// ErrListNotCreatable indicates a todo list arrived while the context was
	// not creating one.
	ErrListNotCreatable = errors.New("context is not creating a todo list")

	// ErrNotParsingToolCalls indicates Dispatch was called outside the
	// ParsingToolCalls state.
	ErrNotParsingToolCalls = errors.New("context is not parsing tool calls")

	// ErrDispatchInProgress indicates a batch is already waiting for approval.
	ErrDispatchInProgress = errors.New("tool dispatch awaiting approval")
)

// LoopError is returned by AgentLoop.Step when the loop cannot continue.
//
// A Fatal error means the loop's own bookkeeping is inconsistent (the
// active list or the current item is gone). Item failures are not loop
// errors; they are recorded on the item and the loop moves on.
type LoopError struct {
	Fatal   bool
	Message string
	Err     error
}

func (e *LoopError) Error() string {
	if e.Fatal {
		return "fatal loop error: " + e.Message
	}
	return "loop error: " + e.Message
}

func (e *LoopError) Unwrap() error { return e.Err }

func fatalf(err error, format string, args ...any) *LoopError {
	return &LoopError{Fatal: true, Message: fmt.Sprintf(format, args...), Err: err}
}

// IsFatal reports whether err carries a fatal LoopError.
func IsFatal(err error) bool {
	var le *LoopError
	return errors.As(err, &le) && le.Fatal
}
