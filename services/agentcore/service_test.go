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
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/composition"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/loop"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/state"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/storage"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/stream"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

// fakeChat replays one scripted completion per Stream call.
type fakeChat struct {
	mu       sync.Mutex
	scripts  [][]stream.Chunk
	requests []openai.ChatCompletionRequest
	err      error
}

func (f *fakeChat) Stream(_ context.Context, req openai.ChatCompletionRequest) (stream.Source, func() error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, nil, f.err
	}
	if len(f.scripts) == 0 {
		return nil, nil, errors.New("no scripted completion left")
	}
	chunks := f.scripts[0]
	f.scripts = f.scripts[1:]
	return stream.NewSliceSource(chunks...), func() error { return nil }, nil
}

func (f *fakeChat) Requests() []openai.ChatCompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]openai.ChatCompletionRequest(nil), f.requests...)
}

func answer(text string) []stream.Chunk {
	return []stream.Chunk{stream.Token(text), stream.Done()}
}

func callTool(id, name, args string) []stream.Chunk {
	return []stream.Chunk{
		stream.ToolCalls(tools.PartialToolCall{ID: id, Name: name, Arguments: args}),
		stream.Done(),
	}
}

func testRegistry() *tools.Registry {
	r := tools.NewRegistry()
	tools.RegisterBuiltins(r)
	r.Register(&tools.FuncTool{
		ToolName: "explode",
		Fn: func(context.Context, map[string]any) (tools.ToolResult, error) {
			return tools.ToolResult{}, errors.New("boom")
		},
	})
	return r
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return storage.NewStore(db, nil)
}

func newTestService(t *testing.T, config ServiceConfig, opts ...ServiceOption) *Service {
	t.Helper()
	library := composition.NewLibrary()
	return NewService(config, testRegistry(), library, opts...)
}

func newChatSession(t *testing.T, config ServiceConfig, scripts ...[]stream.Chunk) (*Session, *fakeChat) {
	t.Helper()
	chat := &fakeChat{scripts: scripts}
	svc := newTestService(t, config, WithChatStreamer(chat))
	sess, err := svc.CreateSession(context.Background(), "s1")
	require.NoError(t, err)
	return sess, chat
}

// toParsingToolCalls drives sess from Idle through an LLM round that
// returned tool calls.
func toParsingToolCalls(t *testing.T, sess *Session) {
	t.Helper()
	ctx := context.Background()
	for _, e := range []state.ChatEvent{
		state.Event(state.EventUserMessageSent),
		state.Event(state.EventLLMRequestInitiated),
		state.Event(state.EventLLMFullResponseReceived),
		state.LLMResponseProcessed(true, false),
	} {
		_, err := sess.HandleEvent(ctx, e)
		require.NoError(t, err, "event %s", e.Kind)
	}
	require.Equal(t, state.StateParsingToolCalls, sess.State().Kind)
}

// =============================================================================
// Session lifecycle
// =============================================================================

func TestService_CreateSession(t *testing.T) {
	svc := newTestService(t, DefaultServiceConfig())
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID())
	assert.Equal(t, state.StateIdle, sess.State().Kind)

	got, err := svc.Session(ctx, sess.ID())
	require.NoError(t, err)
	assert.Same(t, sess, got)

	_, err = svc.CreateSession(ctx, sess.ID())
	assert.ErrorIs(t, err, ErrSessionExists)

	_, err = svc.Session(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestService_RestoresFromStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := newTestService(t, DefaultServiceConfig(), WithStore(store))
	sess, err := first.CreateSession(ctx, "persisted")
	require.NoError(t, err)
	_, err = sess.HandleEvent(ctx, state.Event(state.EventUserMessageSent))
	require.NoError(t, err)

	second := newTestService(t, DefaultServiceConfig(), WithStore(store))

	ids, err := second.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"persisted"}, ids)

	_, err = second.CreateSession(ctx, "persisted")
	assert.ErrorIs(t, err, ErrSessionExists)

	var wg sync.WaitGroup
	restored := make([]*Session, 4)
	for i := range restored {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := second.Session(ctx, "persisted")
			assert.NoError(t, err)
			restored[i] = s
		}(i)
	}
	wg.Wait()

	require.NotNil(t, restored[0])
	for _, s := range restored[1:] {
		assert.Same(t, restored[0], s)
	}
	assert.Equal(t, state.StateProcessingUserMessage, restored[0].State().Kind)
	assert.False(t, restored[0].Context().IsDirty())
}

func TestService_DeleteSession(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, DefaultServiceConfig(), WithStore(store))
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, "gone")
	require.NoError(t, err)
	require.NoError(t, svc.DeleteSession(ctx, "gone"))

	_, err = svc.Session(ctx, "gone")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, svc.DeleteSession(ctx, "gone"), ErrSessionNotFound)

	ids, err := svc.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestService_UpdatePolicy(t *testing.T) {
	svc := newTestService(t, DefaultServiceConfig())
	sess, err := svc.CreateSession(context.Background(), "s")
	require.NoError(t, err)

	p := loop.Policy{MaxDepth: 2, MaxTools: 3, RequireApproval: []string{"echo"}}
	svc.UpdatePolicy(p)

	assert.Equal(t, p, svc.Policy())
	assert.Equal(t, p, sess.dispatcher.Policy())

	later, err := svc.CreateSession(context.Background(), "later")
	require.NoError(t, err)
	assert.Equal(t, p, later.dispatcher.Policy())
}

func TestService_CleanupExpired(t *testing.T) {
	config := DefaultServiceConfig()
	config.Policy.RequireApproval = []string{"echo"}
	config.ApprovalMaxAge = time.Nanosecond
	svc := newTestService(t, config)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "s")
	require.NoError(t, err)
	toParsingToolCalls(t, sess)

	out, err := sess.Dispatch(ctx, []tools.ToolCall{tools.NewToolCall("c1", "echo", map[string]any{"text": "x"})})
	require.NoError(t, err)
	require.True(t, out.Suspended)
	assert.Equal(t, state.StateAwaitingToolApproval, sess.State().Kind)

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, svc.CleanupExpired(ctx))

	assert.Equal(t, state.StateIdle, sess.State().Kind)
	_, pending := sess.PendingRequest()
	assert.False(t, pending)
	assert.Zero(t, svc.Approvals().PendingCount())
	assert.Equal(t, 0, svc.CleanupExpired(ctx))
}

func TestSession_DispatchRequiresParsingToolCalls(t *testing.T) {
	svc := newTestService(t, DefaultServiceConfig())
	sess, err := svc.CreateSession(context.Background(), "s")
	require.NoError(t, err)

	_, err = sess.Dispatch(context.Background(), []tools.ToolCall{tools.NewToolCall("c", "echo", nil)})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSession_HandleEventRejectsNoop(t *testing.T) {
	svc := newTestService(t, DefaultServiceConfig())
	sess, err := svc.CreateSession(context.Background(), "s")
	require.NoError(t, err)

	_, err = sess.HandleEvent(context.Background(), state.Event(state.EventLLMStreamEnded))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, state.StateIdle, sess.State().Kind)
}

// =============================================================================
// Turns
// =============================================================================

func TestTurn_PlainAnswer(t *testing.T) {
	sess, chat := newChatSession(t, DefaultServiceConfig(), answer("Hello!"))

	res, err := sess.Turn(context.Background(), "hi")
	require.NoError(t, err)

	assert.Equal(t, TurnCompleted, res.Status)
	assert.Equal(t, "Hello!", res.Content)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, state.StateIdle, sess.State().Kind)

	transcript := sess.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, openai.ChatMessageRoleUser, transcript[0].Role)
	assert.Equal(t, "Hello!", transcript[1].Content)

	reqs := chat.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "gpt-4o-mini", reqs[0].Model)
	assert.NotEmpty(t, reqs[0].Tools)
}

func TestTurn_ToolCallThenFollowUp(t *testing.T) {
	sess, chat := newChatSession(t, DefaultServiceConfig(),
		callTool("call_1", "echo", `{"text":"pong"}`),
		answer("The tool said pong."),
	)

	res, err := sess.Turn(context.Background(), "ping")
	require.NoError(t, err)

	assert.Equal(t, TurnCompleted, res.Status)
	assert.Equal(t, 2, res.Rounds)
	require.Len(t, res.Outcomes, 1)
	assert.True(t, res.Outcomes[0].FollowUp)
	assert.Equal(t, state.StateIdle, sess.State().Kind)
	assert.False(t, sess.Context().AutoLoop().Active)

	reqs := chat.Requests()
	require.Len(t, reqs, 2)
	second := reqs[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, openai.ChatMessageRoleTool, second[2].Role)
	assert.Equal(t, "call_1", second[2].ToolCallID)
	assert.Equal(t, "pong", second[2].Content)
}

func TestTurn_HardToolFailureIsRetried(t *testing.T) {
	sess, _ := newChatSession(t, DefaultServiceConfig(),
		callTool("call_1", "explode", `{}`),
		answer("That failed."),
	)

	res, err := sess.Turn(context.Background(), "go")
	require.NoError(t, err)

	assert.Equal(t, TurnCompleted, res.Status)
	assert.Equal(t, 2, res.Rounds)
	require.Len(t, res.Outcomes, 1)
	assert.True(t, res.Outcomes[0].Failed())

	transcript := sess.Transcript()
	require.Len(t, transcript, 4)
	assert.Equal(t, openai.ChatMessageRoleTool, transcript[2].Role)
	assert.Contains(t, transcript[2].Content, "error: ")
}

func TestTurn_ApprovalSuspendsAndResumes(t *testing.T) {
	config := DefaultServiceConfig()
	config.Policy.RequireApproval = []string{"echo"}
	sess, _ := newChatSession(t, config,
		callTool("call_1", "echo", `{"text":"ok"}`),
		answer("done"),
	)
	ctx := context.Background()

	res, err := sess.Turn(ctx, "please echo")
	require.NoError(t, err)
	assert.Equal(t, TurnAwaitingApproval, res.Status)
	require.NotEmpty(t, res.RequestID)
	assert.Equal(t, state.StateAwaitingToolApproval, sess.State().Kind)

	pending, ok := sess.PendingRequest()
	require.True(t, ok)
	assert.Equal(t, res.RequestID, pending)

	resumed, err := sess.ResolveApproval(ctx, res.RequestID, true, "")
	require.NoError(t, err)
	assert.Equal(t, TurnCompleted, resumed.Status)
	assert.Equal(t, "done", resumed.Content)
	assert.Equal(t, state.StateIdle, sess.State().Kind)

	_, err = sess.ResolveApproval(ctx, res.RequestID, true, "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestTurn_ApprovalDenied(t *testing.T) {
	config := DefaultServiceConfig()
	config.Policy.RequireApproval = []string{"echo"}
	sess, chat := newChatSession(t, config, callTool("call_1", "echo", `{"text":"ok"}`))
	ctx := context.Background()

	res, err := sess.Turn(ctx, "please echo")
	require.NoError(t, err)
	require.Equal(t, TurnAwaitingApproval, res.Status)

	denied, err := sess.ResolveApproval(ctx, res.RequestID, false, "not now")
	require.NoError(t, err)
	assert.Equal(t, TurnDenied, denied.Status)
	assert.Equal(t, state.StateIdle, sess.State().Kind)
	assert.Len(t, chat.Requests(), 1)

	transcript := sess.Transcript()
	last := transcript[len(transcript)-1]
	assert.Equal(t, openai.ChatMessageRoleTool, last.Role)
	assert.Equal(t, "error: denied by user: not now", last.Content)
}

func TestTurn_Cancelled(t *testing.T) {
	sess, _ := newChatSession(t, DefaultServiceConfig(), answer("never read"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := sess.Turn(ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, TurnCancelled, res.Status)
	assert.Equal(t, state.StateIdle, sess.State().Kind)
}

func TestTurn_RoundLimit(t *testing.T) {
	config := DefaultServiceConfig()
	config.Policy.MaxDepth = 1
	sess, _ := newChatSession(t, config,
		callTool("a", "echo", `{"text":"1"}`),
		callTool("b", "echo", `{"text":"2"}`),
	)

	res, err := sess.Turn(context.Background(), "loop")
	require.NoError(t, err)
	assert.Equal(t, TurnStopped, res.Status)
	assert.Equal(t, loop.StopMaxDepth, res.StopReason)
	assert.Equal(t, state.StateIdle, sess.State().Kind)
}

func TestTurn_Errors(t *testing.T) {
	t.Run("no chat client", func(t *testing.T) {
		svc := newTestService(t, DefaultServiceConfig())
		sess, err := svc.CreateSession(context.Background(), "s")
		require.NoError(t, err)
		_, err = sess.Turn(context.Background(), "hi")
		assert.ErrorIs(t, err, ErrNoChatClient)
	})

	t.Run("busy", func(t *testing.T) {
		sess, _ := newChatSession(t, DefaultServiceConfig(), answer("x"))
		sess.busy.Lock()
		defer sess.busy.Unlock()
		_, err := sess.Turn(context.Background(), "hi")
		assert.ErrorIs(t, err, ErrSessionBusy)
	})

	t.Run("not idle", func(t *testing.T) {
		sess, _ := newChatSession(t, DefaultServiceConfig(), answer("x"))
		_, err := sess.HandleEvent(context.Background(), state.Event(state.EventUserMessageSent))
		require.NoError(t, err)
		_, err = sess.Turn(context.Background(), "hi")
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("llm request fails", func(t *testing.T) {
		chat := &fakeChat{err: fmt.Errorf("dial tcp: connection refused")}
		svc := newTestService(t, DefaultServiceConfig(), WithChatStreamer(chat))
		sess, err := svc.CreateSession(context.Background(), "s")
		require.NoError(t, err)
		_, err = sess.Turn(context.Background(), "hi")
		assert.ErrorIs(t, err, ErrLLMRequest)
		assert.Equal(t, state.StateFailed, sess.State().Kind)
	})
}
