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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianAgentCore/pkg/extensions"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/composition"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/events"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/loop"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/state"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/storage"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/todo"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

// Session is one conversation context and its components.
//
// Thread Safety:
//
//	Safe for concurrent use. Turns, runs, and approval resolutions are
//	exclusive: a second one fails with ErrSessionBusy instead of waiting.
type Session struct {
	id        string
	createdAt time.Time
	svc       *Service

	tracked    *state.Context
	todos      *todo.Manager
	loop       *loop.AgentLoop
	dispatcher *loop.Dispatcher
	emitter    *events.Emitter
	logger     *slog.Logger

	// busy is held for the duration of a turn, run, or approval.
	busy sync.Mutex

	// transcript and suspended belong to the turn driver and are only
	// touched while busy is held.
	transcript []openai.ChatCompletionMessage
	suspended  bool
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was created or restored.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Context returns the tracked context.
func (s *Session) Context() *state.Context { return s.tracked }

// Todos returns the todo manager.
func (s *Session) Todos() *todo.Manager { return s.todos }

// Events returns the UI event emitter.
func (s *Session) Events() *events.Emitter { return s.emitter }

// State returns the current state.
func (s *Session) State() state.ContextState { return s.tracked.State() }

// PendingRequest returns the approval request the session is waiting on.
func (s *Session) PendingRequest() (string, bool) { return s.dispatcher.PendingRequest() }

func (s *Session) acquire() error {
	if !s.busy.TryLock() {
		return fmt.Errorf("%w: %s", ErrSessionBusy, s.id)
	}
	return nil
}

// persist saves the state when it changed. Store errors are logged; the
// in-memory session stays authoritative.
func (s *Session) persist(ctx context.Context) {
	store := s.svc.store
	if store == nil || !s.tracked.IsDirty() {
		return
	}
	if err := store.SaveState(ctx, s.id, s.tracked.State()); err != nil {
		s.logger.Warn("Failed to persist session state", "error", err)
		return
	}
	s.tracked.ClearDirty()
}

// =============================================================================
// State
// =============================================================================

// HandleEvent applies e when it changes the state.
//
// Errors:
//
//	ErrInvalidState - e does not apply in the current state.
func (s *Session) HandleEvent(ctx context.Context, e state.ChatEvent) (state.ContextUpdate, error) {
	u, err := s.tracked.TryEvent(e)
	if err != nil {
		return state.ContextUpdate{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	s.persist(ctx)
	return u, nil
}

// Reset returns the context to Idle. A suspended tool batch is dropped.
func (s *Session) Reset(ctx context.Context) state.ContextUpdate {
	if id, ok := s.dispatcher.PendingRequest(); ok {
		s.svc.approvals.RemoveRequest(id)
		s.dispatcher.ExpirePending()
	}
	u := s.tracked.Reset()
	if s.busy.TryLock() {
		s.transcript, s.suspended = nil, false
		s.busy.Unlock()
	}
	s.persist(ctx)
	return u
}

// =============================================================================
// Todo lists
// =============================================================================

// CreateTodoList registers list and makes it active. The context must be
// in CreatingTodoList.
func (s *Session) CreateTodoList(ctx context.Context, list *todo.TodoList) (string, error) {
	list.ContextID = s.id
	id, err := s.loop.RegisterTodoList(ctx, list)
	if errors.Is(err, loop.ErrListNotCreatable) {
		return "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return id, err
}

// Step runs one loop step.
func (s *Session) Step(ctx context.Context) (bool, error) {
	return s.loop.Step(ctx)
}

// Run steps the loop until it stops.
func (s *Session) Run(ctx context.Context) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.busy.Unlock()
	return s.loop.Run(ctx)
}

// CompleteItem finishes the current non-blocking item.
func (s *Session) CompleteItem(ctx context.Context, itemID string, result any) error {
	return mapItemError(s.loop.CompleteItem(ctx, itemID, result))
}

// FailItem fails the current non-blocking item.
func (s *Session) FailItem(ctx context.Context, itemID, errMsg string) error {
	return mapItemError(s.loop.FailItem(ctx, itemID, errMsg))
}

func mapItemError(err error) error {
	if errors.Is(err, loop.ErrItemNotCurrent) {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return err
}

// =============================================================================
// Tool dispatch
// =============================================================================

// Dispatch hands calls to the dispatcher. The context must be in
// ParsingToolCalls.
func (s *Session) Dispatch(ctx context.Context, calls []tools.ToolCall) (loop.Outcome, error) {
	out, err := s.dispatcher.Dispatch(ctx, calls)
	s.persist(ctx)
	if errors.Is(err, loop.ErrNotParsingToolCalls) || errors.Is(err, loop.ErrDispatchInProgress) {
		return out, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return out, err
}

// ResolveApproval applies a decision to the pending request. When the
// request belongs to a suspended turn, the turn continues and its result
// is returned.
//
// Errors:
//
//	ErrInvalidState - The session is not waiting on requestID.
//	ErrSessionBusy - Another turn is running.
func (s *Session) ResolveApproval(ctx context.Context, requestID string, approved bool, reason string) (TurnResult, error) {
	if err := s.acquire(); err != nil {
		return TurnResult{}, err
	}
	defer s.busy.Unlock()

	out, err := s.dispatcher.ResolveApproval(ctx, requestID, approved, reason)
	defer s.persist(ctx)
	if errors.Is(err, loop.ErrNoPendingApproval) {
		return TurnResult{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	s.auditDecision(ctx, requestID, approved, reason, err)

	if !s.suspended {
		res := TurnResult{Outcomes: []loop.Outcome{out}, Status: statusFor(out)}
		return res, err
	}
	s.suspended = false
	res := TurnResult{}
	next := s.applyOutcome(&res, out)
	if err != nil || !next {
		return res, err
	}
	return s.rounds(ctx, res)
}

func (s *Session) auditDecision(ctx context.Context, requestID string, approved bool, reason string, err error) {
	event := extensions.AuditEvent{
		EventType:    extensions.AuditApprovalDeny,
		ResourceType: "session",
		ResourceID:   s.id,
		Metadata:     map[string]any{"request_id": requestID},
	}
	if approved {
		event.EventType = extensions.AuditApprovalApprove
	}
	if reason != "" {
		event.Metadata["reason"] = reason
	}
	if err != nil {
		event.Outcome = extensions.OutcomeFailure
		event.Metadata["error"] = err.Error()
	}
	s.svc.audit(ctx, event)
}

// expirePending drops a suspended batch whose request expired.
func (s *Session) expirePending(ctx context.Context) bool {
	if !s.dispatcher.ExpirePending() {
		return false
	}
	if s.busy.TryLock() {
		if s.suspended {
			s.suspended = false
			s.appendToolResults(nil)
		}
		s.busy.Unlock()
	}
	s.persist(ctx)
	return true
}

// =============================================================================
// Compositions
// =============================================================================

// RunComposition evaluates expr against the session's tools.
//
// Inputs:
//
//	ctx - Cancellation context.
//	expr - A validated expression.
//	snapshot - When not empty, bindings are loaded from and saved to the
//	           named snapshot of this session.
//
// Outputs:
//
//	tools.ToolResult - The root result.
//	[]composition.ExecutionStep - The execution log.
//	error - Evaluation or store errors.
func (s *Session) RunComposition(ctx context.Context, expr *composition.ToolExpr, snapshot string) (tools.ToolResult, []composition.ExecutionStep, error) {
	store := s.svc.store
	ec := composition.NewExecutionContext()
	if snapshot != "" && store != nil {
		snap, err := store.LoadSnapshot(ctx, s.id, snapshot)
		switch {
		case err == nil:
			ec = composition.Restore(snap)
		case !errors.Is(err, storage.ErrNotFound):
			return tools.ToolResult{}, nil, fmt.Errorf("loading snapshot: %w", err)
		}
	}

	result, err := s.svc.compositions.Execute(ctx, expr, ec)
	if snapshot != "" && store != nil {
		if serr := store.SaveSnapshot(ctx, s.id, snapshot, ec.Snapshot()); serr != nil {
			s.logger.Warn("Failed to save composition snapshot", "snapshot", snapshot, "error", serr)
		}
	}
	return result, ec.Log(), err
}
