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
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/state"
)

// WebSocket actions accepted from clients.
const (
	WSActionEvent   = "event"
	WSActionApprove = "approve"
	WSActionDeny    = "deny"
	WSActionStep    = "step"
	WSActionTurn    = "turn"
	WSActionReset   = "reset"
)

// WebSocket actions sent to clients.
const (
	WSActionConnected = "connected"
	WSActionUpdate    = "update"
	WSActionResult    = "result"
	WSActionError     = "error"
)

// WSRequest is a client action on the session websocket.
type WSRequest struct {
	Action    string           `json:"action"`
	Event     *state.ChatEvent `json:"event,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// WSMessage is a server message on the session websocket.
type WSMessage struct {
	Action    string               `json:"action"`
	SessionID string               `json:"session_id,omitempty"`
	State     *state.ContextState  `json:"state,omitempty"`
	Update    *state.ContextUpdate `json:"update,omitempty"`
	Result    any                  `json:"result,omitempty"`
	Error     string               `json:"error,omitempty"`
	Code      string               `json:"code,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// wsConn serializes writes to a websocket connection.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) sendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.ws.WriteJSON(v)
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// HandleWebSocket handles GET /v1/agent/sessions/:id/ws.
//
// Description:
//
//	Upgrades to a websocket that pushes every ContextUpdate of the session
//	and accepts WSRequest actions. Each action is answered with a result or
//	an error message. Actions run one at a time in the order received.
//
// Thread Safety:
//
//	Updates and action results are written from different goroutines
//	through a single locked connection.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	logger := handlerLogger(c, "HandleWebSocket")
	sess, ok := h.session(c, logger)
	if !ok {
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()
	conn := &wsConn{ws: ws}
	logger = logger.With("session_id", sess.ID())
	logger.Info("Websocket client connected")

	current := sess.State()
	if err := conn.sendJSON(WSMessage{Action: WSActionConnected, SessionID: sess.ID(), State: &current}); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	updates, stop := h.svc.Hub().Subscribe(sess.ID(), streamBuffer)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				if err := conn.sendJSON(WSMessage{Action: WSActionUpdate, Update: &u}); err != nil {
					cancel()
					return
				}
			}
		}
	}()
	defer func() {
		cancel()
		stop()
		wg.Wait()
	}()

	for {
		var req WSRequest
		if err := ws.ReadJSON(&req); err != nil {
			logger.Info("Websocket client disconnected", "error", err.Error())
			return
		}
		logger.Debug("Received action request", "action", req.Action)
		msg := h.handleWSAction(ctx, sess, req)
		if err := conn.sendJSON(msg); err != nil {
			return
		}
	}
}

func (h *Handlers) handleWSAction(ctx context.Context, sess *Session, req WSRequest) WSMessage {
	var (
		result any
		err    error
	)
	switch req.Action {
	case WSActionEvent:
		if req.Event == nil {
			return WSMessage{Action: WSActionError, Error: "event action requires event", Code: "INVALID_REQUEST"}
		}
		result, err = sess.HandleEvent(ctx, *req.Event)
	case WSActionApprove, WSActionDeny:
		result, err = sess.ResolveApproval(ctx, req.RequestID, req.Action == WSActionApprove, req.Reason)
	case WSActionStep:
		var more bool
		more, err = sess.Step(ctx)
		result = StepResponse{Continue: more, State: sess.State()}
	case WSActionTurn:
		if req.Message == "" {
			return WSMessage{Action: WSActionError, Error: "turn action requires message", Code: "INVALID_REQUEST"}
		}
		result, err = sess.Turn(ctx, req.Message)
	case WSActionReset:
		result = sess.Reset(ctx)
	default:
		return WSMessage{Action: WSActionError, Error: "unknown action: " + req.Action, Code: "INVALID_REQUEST"}
	}
	if err != nil {
		_, code := errorStatus(err)
		return WSMessage{Action: WSActionError, Error: err.Error(), Code: code}
	}
	return WSMessage{Action: WSActionResult, Result: result}
}
