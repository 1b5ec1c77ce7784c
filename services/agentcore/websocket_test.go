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
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/state"
)

func dialSession(t *testing.T, serverURL, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(serverURL, "http") + "/v1/agent/sessions/" + id + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	return ws
}

// readUntil reads messages until one with action arrives.
func readUntil(t *testing.T, ws *websocket.Conn, action string) (WSMessage, []WSMessage) {
	t.Helper()
	var skipped []WSMessage
	for {
		var msg WSMessage
		require.NoError(t, ws.ReadJSON(&msg))
		if msg.Action == action {
			return msg, skipped
		}
		skipped = append(skipped, msg)
	}
}

func TestHandleWebSocket(t *testing.T) {
	router, svc := setupTestRouter(t)
	_, err := svc.CreateSession(t.Context(), "s")
	require.NoError(t, err)
	server := httptest.NewServer(router)
	defer server.Close()

	ws := dialSession(t, server.URL, "s")

	connected, _ := readUntil(t, ws, WSActionConnected)
	assert.Equal(t, "s", connected.SessionID)
	require.NotNil(t, connected.State)
	assert.Equal(t, state.StateIdle, connected.State.Kind)

	t.Run("event pushes an update", func(t *testing.T) {
		e := state.Event(state.EventUserMessageSent)
		require.NoError(t, ws.WriteJSON(WSRequest{Action: WSActionEvent, Event: &e}))

		// The update and the result race; read until both have arrived.
		var sawUpdate, sawResult bool
		for !sawUpdate || !sawResult {
			var msg WSMessage
			require.NoError(t, ws.ReadJSON(&msg))
			switch msg.Action {
			case WSActionUpdate:
				require.NotNil(t, msg.Update)
				assert.Equal(t, state.StateProcessingUserMessage, msg.Update.CurrentState.Kind)
				sawUpdate = true
			case WSActionResult:
				sawResult = true
			default:
				t.Fatalf("unexpected message %+v", msg)
			}
		}
	})

	t.Run("invalid transition", func(t *testing.T) {
		e := state.Event(state.EventUserMessageSent)
		require.NoError(t, ws.WriteJSON(WSRequest{Action: WSActionEvent, Event: &e}))
		msg, _ := readUntil(t, ws, WSActionError)
		assert.Equal(t, "INVALID_STATE", msg.Code)
	})

	t.Run("unknown action", func(t *testing.T) {
		require.NoError(t, ws.WriteJSON(WSRequest{Action: "dance"}))
		msg, _ := readUntil(t, ws, WSActionError)
		assert.Equal(t, "INVALID_REQUEST", msg.Code)
	})

	t.Run("reset", func(t *testing.T) {
		require.NoError(t, ws.WriteJSON(WSRequest{Action: WSActionReset}))
		readUntil(t, ws, WSActionResult)
		sess, err := svc.Session(t.Context(), "s")
		require.NoError(t, err)
		assert.Equal(t, state.StateIdle, sess.State().Kind)
	})
}

func TestHandleWebSocket_UnknownSession(t *testing.T) {
	router, _ := setupTestRouter(t)
	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/agent/sessions/missing/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}
