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

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/events"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/state"
)

// SSE event names.
const (
	sseEventUpdate = "update"
	sseEventUI     = "event"
	sseEventError  = "error"
)

// SSEEnvelope is the data line of every SSE event.
//
// Each envelope carries the hash of the previous one so a client can
// detect dropped or reordered events.
type SSEEnvelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt int64           `json:"created_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Hash      string          `json:"hash"`
	PrevHash  string          `json:"prev_hash,omitempty"`
}

// SSEWriter writes Server-Sent Events.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type SSEWriter interface {
	// WriteUpdate writes a ContextUpdate as an "update" event.
	WriteUpdate(u state.ContextUpdate) error

	// WriteUIEvent writes a UI event as an "event" event.
	WriteUIEvent(e events.Event) error

	// WriteError writes an "error" event. The stream should be closed after.
	WriteError(errMsg string) error

	// WriteKeepAlive writes an SSE comment to keep the connection open.
	WriteKeepAlive() error
}

type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter creates a writer over w.
//
// # Outputs
//
//   - SSEWriter: Ready to write. Headers must already be set.
//   - error: Non-nil if w does not implement http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) write(eventType string, payload any, errMsg string) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		raw = data
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	env := SSEEnvelope{
		ID:        uuid.NewString(),
		Type:      eventType,
		CreatedAt: time.Now().UnixMilli(),
		Payload:   raw,
		Error:     errMsg,
		PrevHash:  w.prevHash,
	}
	env.Hash = envelopeHash(env)
	w.prevHash = env.Hash

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// envelopeHash is the SHA-256 of every field except Hash.
func envelopeHash(env SSEEnvelope) string {
	input := fmt.Sprintf("%s|%s|%d|%s|%s|%s", env.ID, env.Type, env.CreatedAt, env.PrevHash, env.Payload, env.Error)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

func (w *sseWriter) WriteUpdate(u state.ContextUpdate) error {
	return w.write(sseEventUpdate, u, "")
}

func (w *sseWriter) WriteUIEvent(e events.Event) error {
	return w.write(sseEventUI, e, "")
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.write(sseEventError, nil, errMsg)
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders sets the headers for an event stream response.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
