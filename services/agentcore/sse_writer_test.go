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
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/state"
)

func parseSSE(t *testing.T, body string) []SSEEnvelope {
	t.Helper()
	var out []SSEEnvelope
	for _, line := range strings.Split(body, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var env SSEEnvelope
		require.NoError(t, json.Unmarshal([]byte(data), &env))
		out = append(out, env)
	}
	return out
}

func TestSSEWriter_HashChain(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteUpdate(state.ContextUpdate{ContextID: "c", CurrentState: state.Idle()}))
	require.NoError(t, w.WriteKeepAlive())
	require.NoError(t, w.WriteError("boom"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: update\n")
	assert.Contains(t, body, ": ping\n\n")
	assert.Contains(t, body, "event: error\n")

	envs := parseSSE(t, body)
	require.Len(t, envs, 2)
	assert.Empty(t, envs[0].PrevHash)
	assert.Equal(t, envs[0].Hash, envs[1].PrevHash)
	assert.Equal(t, "boom", envs[1].Error)
	for _, env := range envs {
		assert.Equal(t, envelopeHash(env), env.Hash, "hash of %s", env.Type)
	}
}

type noFlushWriter struct{ http.ResponseWriter }

func TestNewSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(noFlushWriter{})
	assert.Error(t, err)
}

func TestHandleUpdatesStream(t *testing.T) {
	router, svc := setupTestRouter(t)
	sess, err := svc.CreateSession(t.Context(), "s")
	require.NoError(t, err)

	server := httptest.NewServer(router)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/v1/agent/sessions/s/updates", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	next := func() SSEEnvelope {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if data, ok := strings.CutPrefix(strings.TrimSuffix(line, "\n"), "data: "); ok {
				var env SSEEnvelope
				require.NoError(t, json.Unmarshal([]byte(data), &env))
				return env
			}
		}
	}

	first := next()
	assert.Equal(t, "update", first.Type)
	assert.Contains(t, string(first.Payload), `"idle"`)

	_, err = sess.HandleEvent(t.Context(), state.Event(state.EventUserMessageSent))
	require.NoError(t, err)

	second := next()
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.Contains(t, string(second.Payload), `"processing_user_message"`)
}
