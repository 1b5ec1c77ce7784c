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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianAgentCore/pkg/extensions"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/approval"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/composition"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/events"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/loop"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/state"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/todo"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

// DefaultKeepAlive is the SSE keep-alive interval.
const DefaultKeepAlive = 15 * time.Second

// streamBuffer is the per-subscriber buffer of SSE and websocket streams.
const streamBuffer = 128

// Handlers contains the HTTP handlers of the agent API.
//
// Thread Safety: Handlers is safe for concurrent use.
type Handlers struct {
	svc       *Service
	keepAlive time.Duration
}

// NewHandlers creates handlers over svc.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc, keepAlive: DefaultKeepAlive}
}

const requestIDKey = "request_id"

func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetString(requestIDKey); id != "" {
		return id
	}
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDKey, requestID)
	c.Header("X-Request-ID", requestID)
	return requestID
}

func handlerLogger(c *gin.Context, handler string) *slog.Logger {
	return slog.With("request_id", getOrCreateRequestID(c), "handler", handler)
}

// errorStatus maps service errors to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	var loopErr *loop.LoopError
	switch {
	case errors.Is(err, extensions.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND"
	case errors.Is(err, ErrSessionExists):
		return http.StatusConflict, "SESSION_EXISTS"
	case errors.Is(err, ErrSessionBusy):
		return http.StatusConflict, "SESSION_BUSY"
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, ErrNoChatClient):
		return http.StatusServiceUnavailable, "NO_CHAT_CLIENT"
	case errors.Is(err, ErrLLMRequest):
		return http.StatusBadGateway, "LLM_ERROR"
	case errors.Is(err, approval.ErrRequestNotFound):
		return http.StatusNotFound, "REQUEST_NOT_FOUND"
	case errors.Is(err, todo.ErrListNotFound), errors.Is(err, todo.ErrItemNotFound):
		return http.StatusNotFound, "TODO_NOT_FOUND"
	case errors.Is(err, composition.ErrInvalidExpr):
		return http.StatusBadRequest, "INVALID_EXPRESSION"
	case errors.Is(err, composition.ErrWorkflowNotFound):
		return http.StatusNotFound, "WORKFLOW_NOT_FOUND"
	case errors.Is(err, tools.ErrToolNotFound):
		return http.StatusNotFound, "TOOL_NOT_FOUND"
	case errors.As(err, &loopErr) && loopErr.Fatal:
		return http.StatusInternalServerError, "LOOP_FATAL"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func writeError(c *gin.Context, logger *slog.Logger, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "error", err, "code", code)
	} else {
		logger.Warn("Request rejected", "error", err, "code", code)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func writeBindError(c *gin.Context, logger *slog.Logger, err error) {
	logger.Warn("Invalid request body", "error", err)
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "Invalid request body",
		Code:    "INVALID_REQUEST",
		Details: err.Error(),
	})
}

// session resolves the :id path parameter, writing the error response when
// the session cannot be found.
func (h *Handlers) session(c *gin.Context, logger *slog.Logger) (*Session, bool) {
	sess, err := h.svc.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, logger, err)
		return nil, false
	}
	return sess, true
}

func sessionResponse(sess *Session) SessionResponse {
	resp := SessionResponse{
		SessionID:      sess.ID(),
		State:          sess.State(),
		CreatedAt:      sess.CreatedAt().Unix(),
		ActiveTodoList: sess.Todos().ActiveListID(),
	}
	resp.PendingRequest, _ = sess.PendingRequest()
	return resp
}

// =============================================================================
// Service
// =============================================================================

// HandleHealth handles GET /v1/agent/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	getOrCreateRequestID(c)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleTools handles GET /v1/agent/tools.
func (h *Handlers) HandleTools(c *gin.Context) {
	c.JSON(http.StatusOK, ToolsResponse{Tools: h.svc.Tools()})
}

// HandleWorkflows handles GET /v1/agent/workflows.
func (h *Handlers) HandleWorkflows(c *gin.Context) {
	c.JSON(http.StatusOK, WorkflowsResponse{Workflows: h.svc.Library().Workflows()})
}

// HandleListApprovals handles GET /v1/agent/approvals.
func (h *Handlers) HandleListApprovals(c *gin.Context) {
	c.JSON(http.StatusOK, ApprovalsResponse{Requests: h.svc.Approvals().Pending()})
}

// HandleListAudit handles GET /v1/agent/audit.
//
// Query parameters:
//
//	session_id - Only events about this session.
//	type - Only events of this type. May repeat.
//	limit - Keep the newest N events. Default 100.
func (h *Handlers) HandleListAudit(c *gin.Context) {
	logger := handlerLogger(c, "HandleListAudit")
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeBindError(c, logger, fmt.Errorf("limit must be a non-negative integer: %q", raw))
			return
		}
		limit = n
	}
	filter := extensions.AuditFilter{
		EventTypes: c.QueryArray("type"),
		ResourceID: c.Query("session_id"),
		Limit:      limit,
	}
	if filter.ResourceID != "" {
		filter.ResourceType = "session"
	}
	entries, err := h.svc.Extensions().AuditLogger.Query(c.Request.Context(), filter)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	if entries == nil {
		entries = []extensions.AuditEvent{}
	}
	c.JSON(http.StatusOK, AuditResponse{Events: entries})
}

// HandleResolveApproval handles POST /v1/agent/approvals/:request.
//
// Description:
//
//	Applies the user's decision to a pending tool approval request. When
//	the request suspended a turn, the turn continues before the response
//	is written.
//
// Response:
//
//	200 OK: TurnResult
//	400 Bad Request: Validation error
//	404 Not Found: Unknown or expired request
//	409 Conflict: Session busy or not waiting on the request
func (h *Handlers) HandleResolveApproval(c *gin.Context) {
	logger := handlerLogger(c, "HandleResolveApproval")
	requestID := c.Param("request")

	var req ApprovalDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, logger, err)
		return
	}

	pending, ok := h.svc.Approvals().GetRequest(requestID)
	if !ok {
		writeError(c, logger, approval.ErrRequestNotFound)
		return
	}
	sess, err := h.svc.Session(c.Request.Context(), pending.SessionID)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	logger.Info("Resolving approval",
		"session_id", pending.SessionID,
		"request_id", requestID,
		"tool", pending.ToolName,
		"approved", *req.Approved)

	res, err := sess.ResolveApproval(c.Request.Context(), requestID, *req.Approved, req.Reason)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleValidateComposition handles POST /v1/agent/compositions/validate.
func (h *Handlers) HandleValidateComposition(c *gin.Context) {
	logger := handlerLogger(c, "HandleValidateComposition")
	var req CompositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, logger, err)
		return
	}
	if _, err := composition.Parse(req.Expr); err != nil {
		c.JSON(http.StatusOK, ValidateResponse{Valid: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ValidateResponse{Valid: true})
}

// =============================================================================
// Sessions
// =============================================================================

// HandleListSessions handles GET /v1/agent/sessions.
func (h *Handlers) HandleListSessions(c *gin.Context) {
	logger := handlerLogger(c, "HandleListSessions")
	ids, err := h.svc.Sessions(c.Request.Context())
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, SessionsResponse{Sessions: ids})
}

// HandleCreateSession handles POST /v1/agent/sessions.
//
// Response:
//
//	201 Created: SessionResponse
//	409 Conflict: The id is taken
func (h *Handlers) HandleCreateSession(c *gin.Context) {
	logger := handlerLogger(c, "HandleCreateSession")
	var req CreateSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBindError(c, logger, err)
			return
		}
	}
	sess, err := h.svc.CreateSession(c.Request.Context(), req.ID)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusCreated, sessionResponse(sess))
}

// HandleGetSession handles GET /v1/agent/sessions/:id.
func (h *Handlers) HandleGetSession(c *gin.Context) {
	logger := handlerLogger(c, "HandleGetSession")
	sess, ok := h.session(c, logger)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sessionResponse(sess))
}

// HandleDeleteSession handles DELETE /v1/agent/sessions/:id.
func (h *Handlers) HandleDeleteSession(c *gin.Context) {
	logger := handlerLogger(c, "HandleDeleteSession")
	id := c.Param("id")
	if err := h.svc.DeleteSession(c.Request.Context(), id); err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Session deleted", "session_id": id})
}

// HandleEvent handles POST /v1/agent/sessions/:id/events.
//
// Description:
//
//	Applies a ChatEvent to the session's context. Events that do not change
//	the state are rejected with 409.
func (h *Handlers) HandleEvent(c *gin.Context) {
	logger := handlerLogger(c, "HandleEvent")
	sess, ok := h.session(c, logger)
	if !ok {
		return
	}
	var e state.ChatEvent
	if err := c.ShouldBindJSON(&e); err != nil {
		writeBindError(c, logger, err)
		return
	}
	u, err := sess.HandleEvent(c.Request.Context(), e)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, UpdateResponse{Update: u})
}

// HandleReset handles POST /v1/agent/sessions/:id/reset.
func (h *Handlers) HandleReset(c *gin.Context) {
	logger := handlerLogger(c, "HandleReset")
	sess, ok := h.session(c, logger)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, UpdateResponse{Update: sess.Reset(c.Request.Context())})
}

// HandleHistory handles GET /v1/agent/sessions/:id/history.
func (h *Handlers) HandleHistory(c *gin.Context) {
	logger := handlerLogger(c, "HandleHistory")
	sess, ok := h.session(c, logger)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, HistoryResponse{SessionID: sess.ID(), Transitions: sess.Context().History()})
}

// HandleListEvents handles GET /v1/agent/sessions/:id/events?since=<unix ms>.
func (h *Handlers) HandleListEvents(c *gin.Context) {
	logger := handlerLogger(c, "HandleListEvents")
	sess, ok := h.session(c, logger)
	if !ok {
		return
	}
	var since int64
	if v := c.Query("since"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "since must be unix milliseconds", Code: "INVALID_PARAMETER"})
			return
		}
		since = parsed
	}
	c.JSON(http.StatusOK, gin.H{"events": sess.Events().GetBufferSince(since)})
}

// =============================================================================
// Todo lists and the loop
// =============================================================================

// HandleListTodos handles GET /v1/agent/sessions/:id/todos.
func (h *Handlers) HandleListTodos(c *gin.Context) {
	logger := handlerLogger(c, "HandleListTodos")
	sess, ok := h.session(c, logger)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, TodoListsResponse{
		ActiveListID: sess.Todos().ActiveListID(),
		Lists:        sess.Todos().Lists(),
	})
}

// HandleCreateTodoList handles POST /v1/agent/sessions/:id/todos.
//
// Response:
//
//	201 Created: CreateTodoListResponse
//	409 Conflict: The context is not in CreatingTodoList
func (h *Handlers) HandleCreateTodoList(c *gin.Context) {
	logger := handlerLogger(c, "HandleCreateTodoList")
	sess, ok := h.session(c, logger)
	if !ok {
		return
	}
	var req CreateTodoListRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, logger, err)
		return
	}
	id, err := sess.CreateTodoList(c.Request.Context(), buildTodoList(sess.ID(), req))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	logger.Info("Todo list created", "session_id", sess.ID(), "list_id", id, "items", len(req.Items))
	c.JSON(http.StatusCreated, CreateTodoListResponse{ListID: id, State: sess.State()})
}

// HandleStep handles POST /v1/agent/sessions/:id/step.
func (h *Handlers) HandleStep(c *gin.Context) {
	logger := handlerLogger(c, "HandleStep")
	sess, ok := h.session(c, logger)
	if !ok {
		return
	}
	more, err := sess.Step(c.Request.Context())
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, StepResponse{Continue: more, State: sess.State()})
}

// HandleRun handles POST /v1/agent/sessions/:id/run.
func (h *Handlers) HandleRun(c *gin.Context) {
	logger := handlerLogger(c, "HandleRun")
	sess, ok := h.session(c, logger)
	if !ok {
		return
	}
	if err := sess.Run(c.Request.Context()); err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, StepResponse{Continue: false, State: sess.State()})
}

// HandleCompleteItem handles POST /v1/agent/sessions/:id/items/:item/complete.
func (h *Handlers) HandleCompleteItem(c *gin.Context) {
	logger := handlerLogger(c, "HandleCompleteItem")
	sess, ok := h.session(c, logger)
	if !ok {
		return
	}
	var req CompleteItemRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBindError(c, logger, err)
			return
		}
	}
	if err := sess.CompleteItem(c.Request.Context(), c.Param("item"), req.Result); err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, StepResponse{Continue: true, State: sess.State()})
}

// HandleFailItem handles POST /v1/agent/sessions/:id/items/:item/fail.
func (h *Handlers) HandleFailItem(c *gin.Context) {
	logger := handlerLogger(c, "HandleFailItem")
	sess, ok := h.session(c, logger)
	if !ok {
		return
	}
	var req FailItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, logger, err)
		return
	}
	if err := sess.FailItem(c.Request.Context(), c.Param("item"), req.Error); err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, StepResponse{Continue: true, State: sess.State()})
}

// =============================================================================
// Tools and turns
// =============================================================================

// HandleDispatch handles POST /v1/agent/sessions/:id/dispatch.
//
// Description:
//
//	Dispatches tool calls parsed by the caller. Calls without an id get one.
//	The context must be in ParsingToolCalls.
func (h *Handlers) HandleDispatch(c *gin.Context) {
	logger := handlerLogger(c, "HandleDispatch")
	sess, ok := h.session(c, logger)
	if !ok {
		return
	}
	var req DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, logger, err)
		return
	}
	for i := range req.ToolCalls {
		if req.ToolCalls[i].ID == "" {
			req.ToolCalls[i].ID = "call_" + uuid.NewString()
		}
		if req.ToolCalls[i].Type == "" {
			req.ToolCalls[i].Type = tools.DefaultCallType
		}
	}
	out, err := sess.Dispatch(c.Request.Context(), req.ToolCalls)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// HandleTurn handles POST /v1/agent/sessions/:id/turn.
//
// Response:
//
//	200 OK: TurnResult
//	409 Conflict: Session busy or not Idle
//	502 Bad Gateway: The LLM request failed
//	503 Service Unavailable: No LLM configured
func (h *Handlers) HandleTurn(c *gin.Context) {
	logger := handlerLogger(c, "HandleTurn")
	sess, ok := h.session(c, logger)
	if !ok {
		return
	}
	var req TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, logger, err)
		return
	}
	logger.Info("Starting turn", "session_id", sess.ID(), "message_len", len(req.Message))
	res, err := sess.Turn(c.Request.Context(), req.Message)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	logger.Info("Turn finished", "session_id", sess.ID(), "status", res.Status, "rounds", res.Rounds)
	c.JSON(http.StatusOK, res)
}

// HandleRunComposition handles POST /v1/agent/sessions/:id/compositions/run.
func (h *Handlers) HandleRunComposition(c *gin.Context) {
	logger := handlerLogger(c, "HandleRunComposition")
	sess, ok := h.session(c, logger)
	if !ok {
		return
	}
	var req CompositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, logger, err)
		return
	}
	expr, err := composition.Parse(req.Expr)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	result, log, err := sess.RunComposition(c.Request.Context(), expr, req.Snapshot)
	resp := CompositionResponse{Result: result, Log: log}
	if err != nil {
		// Tool errors are part of the evaluation result.
		var toolErr *tools.ToolError
		if !errors.As(err, &toolErr) {
			writeError(c, logger, err)
			return
		}
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// =============================================================================
// Streams
// =============================================================================

// HandleUpdatesStream handles GET /v1/agent/sessions/:id/updates as SSE.
//
// Description:
//
//	Writes the current state as the first update, then every ContextUpdate
//	of the session until the client disconnects.
func (h *Handlers) HandleUpdatesStream(c *gin.Context) {
	logger := handlerLogger(c, "HandleUpdatesStream")
	sess, ok := h.session(c, logger)
	if !ok {
		return
	}
	updates, stop := h.svc.Hub().Subscribe(sess.ID(), streamBuffer)
	defer stop()

	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	w, err := NewSSEWriter(c.Writer)
	if err != nil {
		logger.Error("Streaming not supported", "error", err)
		return
	}
	if err := w.WriteUpdate(state.ContextUpdate{
		ContextID:    sess.ID(),
		CurrentState: sess.State(),
		Timestamp:    time.Now().UTC(),
	}); err != nil {
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("Update stream closed by client")
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := w.WriteUpdate(u); err != nil {
				logger.Debug("Update stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := w.WriteKeepAlive(); err != nil {
				return
			}
		}
	}
}

// HandleEventsStream handles GET /v1/agent/sessions/:id/events/stream as SSE.
func (h *Handlers) HandleEventsStream(c *gin.Context) {
	logger := handlerLogger(c, "HandleEventsStream")
	sess, ok := h.session(c, logger)
	if !ok {
		return
	}
	ch := make(chan events.Event, streamBuffer)
	subID := sess.Events().Subscribe(events.ChannelHandler(ch, true))
	defer sess.Events().Unsubscribe(subID)

	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	w, err := NewSSEWriter(c.Writer)
	if err != nil {
		logger.Error("Streaming not supported", "error", err)
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			if err := w.WriteUIEvent(e); err != nil {
				return
			}
		case <-ticker.C:
			if err := w.WriteKeepAlive(); err != nil {
				return
			}
		}
	}
}
