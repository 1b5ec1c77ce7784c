// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agentcore

import "errors"

var (
	// ErrSessionNotFound is returned when no session with the id exists in
	// memory or in the store.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when creating a session whose id is taken.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionBusy is returned when a turn or run is already in progress.
	ErrSessionBusy = errors.New("session is busy")

	// ErrInvalidState is returned when the context cannot accept the request
	// in its current state.
	ErrInvalidState = errors.New("invalid state for request")

	// ErrNoChatClient is returned by Turn when no LLM client is configured.
	ErrNoChatClient = errors.New("no chat client configured")

	// ErrLLMRequest wraps failures opening the LLM stream.
	ErrLLMRequest = errors.New("llm request failed")
)
