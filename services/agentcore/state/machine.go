// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is returned by TryEvent when the event does not
// change the current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// DefaultHistoryLimit bounds Machine.History.
const DefaultHistoryLimit = 50

// StateTransition is the record of one HandleEvent call.
type StateTransition struct {
	From    ContextState `json:"from"`
	To      ContextState `json:"to"`
	Event   ChatEvent    `json:"event"`
	Changed bool         `json:"changed"`
}

type transitionKey struct {
	from  StateKind
	event EventKind
}

type transitionFunc func(s ContextState, e ChatEvent) ContextState

func to(next ContextState) transitionFunc {
	return func(ContextState, ChatEvent) ContextState { return next }
}

func fatal(_ ContextState, e ChatEvent) ContextState { return Failed(e.Error) }

func afterResponse(_ ContextState, e ChatEvent) ContextState {
	switch {
	case e.HasTodoList:
		return Simple(StateCreatingTodoList)
	case e.HasToolCalls:
		return Simple(StateParsingToolCalls)
	default:
		return Idle()
	}
}

func advanceItem(s ContextState, _ ChatEvent) ContextState {
	return ExecutingTodoList(s.TodoListID, s.CurrentItemIndex+1, s.TotalItems)
}

func startTool(_ ContextState, e ChatEvent) ContextState {
	attempt := e.Attempt
	if attempt < 1 {
		attempt = 1
	}
	return ExecutingTool(e.ToolName, attempt)
}

func autoLoop(_ ContextState, e ChatEvent) ContextState {
	return ToolAutoLoop(e.Depth, e.ToolsExecuted)
}

// transitions is the fixed table. Wildcard rules are applied in
// computeNext after a table miss.
var transitions = map[transitionKey]transitionFunc{
	// Intake and LLM
	{StateIdle, EventUserMessageSent}:                        to(Simple(StateProcessingUserMessage)),
	{StateProcessingUserMessage, EventLLMRequestInitiated}:   to(Simple(StateAwaitingLLMResponse)),
	{StateAwaitingLLMResponse, EventLLMStreamStarted}:        to(Simple(StateStreamingLLMResponse)),
	{StateAwaitingLLMResponse, EventLLMFullResponseReceived}: to(Simple(StateProcessingLLMResponse)),
	{StateAwaitingLLMResponse, EventFatalError}:              fatal,
	{StateStreamingLLMResponse, EventLLMStreamChunkReceived}: to(Simple(StateStreamingLLMResponse)),
	{StateStreamingLLMResponse, EventLLMStreamEnded}:         to(Simple(StateProcessingLLMResponse)),
	{StateStreamingLLMResponse, EventFatalError}:             fatal,
	{StateProcessingLLMResponse, EventLLMResponseProcessed}:  afterResponse,

	// Todo lists
	{StateCreatingTodoList, EventTodoListCreated}: func(_ ContextState, e ChatEvent) ContextState {
		return ExecutingTodoList(e.TodoListID, 0, e.ItemCount)
	},
	{StateExecutingTodoList, EventTodoItemStarted}: func(s ContextState, e ChatEvent) ContextState {
		return ExecutingTodoItem(e.TodoItemID, e.IsBlocking, s.TodoListID, s.CurrentItemIndex, s.TotalItems)
	},
	{StateExecutingTodoList, EventTodoListCompleted}: to(Idle()),
	{StateExecutingTodoItem, EventTodoItemCompleted}: advanceItem,
	{StateExecutingTodoItem, EventTodoItemFailed}:    advanceItem,
	{StateExecutingTodoItem, EventSubContextCreated}: func(_ ContextState, e ChatEvent) ContextState {
		return AwaitingSubContext(e.ParentTodoItemID, e.ChildContextID)
	},
	{StateAwaitingSubContext, EventSubContextCompleted}:  to(Simple(StateProcessingToolResults)),
	{StateProcessingToolResults, EventTodoListCompleted}: to(Idle()),

	// Tools
	{StateParsingToolCalls, EventToolApprovalRequested}: func(_ ContextState, e ChatEvent) ContextState {
		return AwaitingToolApproval([]string{e.RequestID}, []string{e.ToolName})
	},
	{StateAwaitingToolApproval, EventToolApprovalRequested}: func(s ContextState, e ChatEvent) ContextState {
		requests := append(append([]string(nil), s.PendingRequests...), e.RequestID)
		names := append(append([]string(nil), s.ToolNames...), e.ToolName)
		return AwaitingToolApproval(requests, names)
	},
	{StateAwaitingToolApproval, EventToolExecutionStarted}: startTool,
	{StateParsingToolCalls, EventToolExecutionStarted}:     startTool,
	{StateToolAutoLoop, EventToolExecutionStarted}:         startTool,
	{StateAwaitingToolApproval, EventToolCallsDenied}:      to(Idle()),
	{StateExecutingTool, EventToolExecutionCompleted}:      to(Simple(StateProcessingToolResults)),
	{StateExecutingTool, EventToolExecutionFailed}: func(_ ContextState, e ChatEvent) ContextState {
		return TransientFailure(e.Error, e.RetryCount, DefaultMaxRetries)
	},
	{StateExecutingTool, EventFatalError}:                   fatal,
	{StateProcessingToolResults, EventLLMRequestInitiated}:  to(Simple(StateAwaitingLLMResponse)),
	{StateProcessingToolResults, EventToolAutoLoopStarted}:  autoLoop,
	{StateProcessingToolResults, EventToolAutoLoopProgress}: autoLoop,
	{StateToolAutoLoop, EventToolAutoLoopProgress}:          autoLoop,
	{StateToolAutoLoop, EventToolAutoLoopFinished}:          to(Simple(StateProcessingLLMResponse)),
	{StateToolAutoLoop, EventToolAutoLoopCancelled}:         to(Idle()),
	{StateToolAutoLoop, EventLLMRequestInitiated}:           to(Simple(StateAwaitingLLMResponse)),

	// Recovery
	{StateTransientFailure, EventRetry}: func(s ContextState, _ ChatEvent) ContextState {
		if s.RetryCount < s.MaxRetries {
			return Simple(StateAwaitingLLMResponse)
		}
		return Failed(fmt.Sprintf("Max retries exceeded. Last error: %s", s.ErrorType))
	},
}

// computeNext applies the table and then the wildcard rules:
//
//	Failed + *          : Failed (only Reset leaves it)
//	* + UserCancelled   : Cancelling
//	Cancelling + *      : Idle
//	* + UserPaused      : Paused
//	Paused + UserResumed: Idle
//	otherwise           : unchanged
func computeNext(s ContextState, e ChatEvent) ContextState {
	if s.Kind == StateFailed {
		return s
	}
	if fn, ok := transitions[transitionKey{s.Kind, e.Kind}]; ok {
		return fn(s, e)
	}
	switch {
	case e.Kind == EventUserCancelled:
		return Simple(StateCancelling)
	case s.Kind == StateCancelling:
		return Idle()
	case e.Kind == EventUserPaused:
		return Simple(StatePaused)
	case s.Kind == StatePaused && e.Kind == EventUserResumed:
		return Idle()
	}
	return s
}

// Machine holds one ContextState and applies events to it.
//
// The transition graph (all other pairs leave the state unchanged):
//
//	Idle + UserMessageSent                        → ProcessingUserMessage
//	ProcessingUserMessage + LLMRequestInitiated   → AwaitingLLMResponse
//	AwaitingLLMResponse + LLMStreamStarted        → StreamingLLMResponse
//	AwaitingLLMResponse + LLMFullResponseReceived → ProcessingLLMResponse
//	StreamingLLMResponse + LLMStreamChunkReceived → StreamingLLMResponse
//	StreamingLLMResponse + LLMStreamEnded         → ProcessingLLMResponse
//	ProcessingLLMResponse + LLMResponseProcessed  → CreatingTodoList | ParsingToolCalls | Idle
//	CreatingTodoList + TodoListCreated            → ExecutingTodoList{index 0}
//	ExecutingTodoList + TodoItemStarted           → ExecutingTodoItem
//	ExecutingTodoList + TodoListCompleted         → Idle
//	ExecutingTodoItem + TodoItemCompleted|Failed  → ExecutingTodoList{index+1}
//	ExecutingTodoItem + SubContextCreated         → AwaitingSubContext
//	AwaitingSubContext + SubContextCompleted      → ProcessingToolResults
//	ParsingToolCalls + ToolApprovalRequested      → AwaitingToolApproval
//	AwaitingToolApproval + ToolApprovalRequested  → AwaitingToolApproval (appended)
//	{Parsing,Approval,AutoLoop} + ToolExecutionStarted → ExecutingTool
//	AwaitingToolApproval + ToolCallsDenied        → Idle
//	ExecutingTool + ToolExecutionCompleted        → ProcessingToolResults
//	ExecutingTool + ToolExecutionFailed           → TransientFailure{max 3}
//	ProcessingToolResults + LLMRequestInitiated   → AwaitingLLMResponse
//	ProcessingToolResults + ToolAutoLoop*         → ToolAutoLoop
//	ProcessingToolResults + TodoListCompleted     → Idle
//	ToolAutoLoop + Progress|Finished|Cancelled|LLMRequestInitiated
//	TransientFailure + Retry                      → AwaitingLLMResponse | Failed
//	{AwaitingLLM,Streaming,ExecutingTool} + FatalError → Failed
//
// Thread Safety:
//
//	Machine is safe for concurrent use.
type Machine struct {
	mu           sync.RWMutex
	current      ContextState
	history      []StateTransition
	historyLimit int
}

// NewMachine creates a machine in Idle.
func NewMachine() *Machine {
	return NewMachineWithState(Idle())
}

// NewMachineWithState creates a machine in s.
func NewMachineWithState(s ContextState) *Machine {
	return &Machine{current: s, historyLimit: DefaultHistoryLimit}
}

// State returns the current state.
func (m *Machine) State() ContextState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// HandleEvent applies e and records the transition in the history, whether
// or not the state changed.
//
// Inputs:
//
//	e - The event to apply.
//
// Outputs:
//
//	StateTransition - From, To and whether they differ.
//
// Thread Safety: This method is safe for concurrent use.
func (m *Machine) HandleEvent(e ChatEvent) StateTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(e)
}

// TryEvent applies e only when it changes the state.
//
// Errors:
//
//	ErrInvalidTransition - e does not change the current state.
func (m *Machine) TryEvent(e ChatEvent) (StateTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := computeNext(m.current, e)
	if next.Equal(m.current) {
		return StateTransition{}, fmt.Errorf("%w: %s + %s", ErrInvalidTransition, m.current.Kind, e.Kind)
	}
	return m.apply(e), nil
}

func (m *Machine) apply(e ChatEvent) StateTransition {
	from := m.current
	next := computeNext(from, e)
	t := StateTransition{From: from, To: next, Event: e, Changed: !next.Equal(from)}
	m.current = next

	m.history = append(m.history, t)
	if over := len(m.history) - m.historyLimit; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
	return t
}

// CanTransition reports whether e would change the state.
func (m *Machine) CanTransition(e ChatEvent) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !computeNext(m.current, e).Equal(m.current)
}

// History returns a copy of the most recent transitions, oldest first.
func (m *Machine) History() []StateTransition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StateTransition, len(m.history))
	copy(out, m.history)
	return out
}

// Reset returns the machine to Idle. History is kept.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = Idle()
}

// Restore sets the state directly, for loading persisted contexts.
func (m *Machine) Restore(s ContextState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = s
}
