// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/events"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/state"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

func TestConsumer_TokensAndToolCalls(t *testing.T) {
	sink := events.NewMockEmitter()
	hub := state.NewHub()
	updates, stop := hub.Subscribe("ctx", 64)
	defer stop()
	tracked := state.NewContext("ctx",
		state.WithPublisher(hub),
		state.WithInitialState(state.Simple(state.StateAwaitingLLMResponse)))

	src := NewSliceSource(
		Token("Let me "),
		Token("check."),
		ToolCalls(tools.PartialToolCall{ID: "c1", Name: "ls", Arguments: `{"pa`}),
		ToolCalls(tools.PartialToolCall{Arguments: `th":"/"}`}),
		Done(),
		Token("ignored after done"),
	)

	out, err := NewConsumer(WithSink(sink)).Consume(context.Background(), src, tracked, "m1")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "Let me check.", out.Content)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "c1", out.ToolCalls[0].ID)
	assert.JSONEq(t, `{"path":"/"}`, out.ToolCalls[0].Function.Arguments)
	assert.True(t, out.HasToolCalls())

	tokens := sink.GetEventsByType(events.TypeToken)
	require.Len(t, tokens, 2)
	assert.Equal(t, "m1", tokens[0].Metadata.MessageID)

	assert.Equal(t, state.StateProcessingLLMResponse, tracked.State().Kind)

	var deltas []string
	for len(updates) > 0 {
		u := <-updates
		if u.MessageUpdate != nil && u.MessageUpdate.Kind == state.MessageContentDelta {
			deltas = append(deltas, u.MessageUpdate.Accumulated)
		}
	}
	assert.Equal(t, []string{"Let me ", "Let me check."}, deltas)
}

func TestConsumer_EOFWithoutDone(t *testing.T) {
	out, err := NewConsumer().Consume(context.Background(), NewSliceSource(Token("hi")), nil, "m")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "hi", out.Content)
	assert.False(t, out.HasToolCalls())
}

func TestConsumer_Cancelled(t *testing.T) {
	ch := make(chan Chunk, 1)
	ch <- Token("partial")
	ctx, cancel := context.WithCancel(context.Background())

	tracked := state.NewContext("c", state.WithInitialState(state.Simple(state.StateAwaitingLLMResponse)))
	src := &cancelAfterFirst{inner: ChannelSource(ch), cancel: cancel}

	out, err := NewConsumer().Consume(ctx, src, tracked, "m")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, out.Status)
	assert.Equal(t, "partial", out.Content)
	assert.Nil(t, out.ToolCalls)
	assert.Equal(t, state.StateStreamingLLMResponse, tracked.State().Kind, "a cancelled stream never ends")
}

func TestConsumer_SourceError(t *testing.T) {
	sink := events.NewMockEmitter()
	tracked := state.NewContext("c", state.WithInitialState(state.Simple(state.StateAwaitingLLMResponse)))
	src := &failingSource{err: errors.New("connection reset")}

	_, err := NewConsumer(WithSink(sink)).Consume(context.Background(), src, tracked, "m")
	require.ErrorIs(t, err, ErrStreamFailed)
	assert.Equal(t, state.StateFailed, tracked.State().Kind)
	assert.Len(t, sink.GetEventsByType(events.TypeError), 1)
}

type cancelAfterFirst struct {
	inner  Source
	cancel context.CancelFunc
	calls  int
}

func (c *cancelAfterFirst) Next(ctx context.Context) (Chunk, error) {
	c.calls++
	if c.calls > 1 {
		c.cancel()
		<-ctx.Done()
		return Chunk{}, ctx.Err()
	}
	return c.inner.Next(ctx)
}

type failingSource struct{ err error }

func (f *failingSource) Next(context.Context) (Chunk, error) { return Chunk{}, f.err }

// fakeChatStream replays OpenAI stream responses.
type fakeChatStream struct {
	responses []openai.ChatCompletionStreamResponse
	pos       int
}

func (f *fakeChatStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if f.pos >= len(f.responses) {
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}
	r := f.responses[f.pos]
	f.pos++
	return r, nil
}

func delta(d openai.ChatCompletionStreamChoiceDelta, finish openai.FinishReason) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{Delta: d, FinishReason: finish}},
	}
}

func intPtr(i int) *int { return &i }

func TestOpenAISource_ReconstructsIndexedToolCalls(t *testing.T) {
	fake := &fakeChatStream{responses: []openai.ChatCompletionStreamResponse{
		delta(openai.ChatCompletionStreamChoiceDelta{Content: "ok"}, ""),
		delta(openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{
			{Index: intPtr(0), ID: "call_a", Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: "ls", Arguments: `{"p`}},
			{Index: intPtr(1), ID: "call_b", Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: "cat", Arguments: `{`}},
		}}, ""),
		delta(openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{
			{Index: intPtr(1), Function: openai.FunctionCall{Arguments: `}`}},
			{Index: intPtr(0), Function: openai.FunctionCall{Arguments: `":1}`}},
		}}, openai.FinishReasonToolCalls),
	}}

	out, err := NewConsumer().Consume(context.Background(), NewOpenAISource(fake), nil, "m")
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Content)
	require.Len(t, out.ToolCalls, 2)
	assert.Equal(t, "call_a", out.ToolCalls[0].ID)
	assert.Equal(t, `{"p":1}`, out.ToolCalls[0].Function.Arguments)
	assert.Equal(t, "call_b", out.ToolCalls[1].ID)
	assert.Equal(t, `{}`, out.ToolCalls[1].Function.Arguments)
	assert.Equal(t, "function", out.ToolCalls[1].Type)
}

func TestOpenAISource_DoneThenEOF(t *testing.T) {
	fake := &fakeChatStream{responses: []openai.ChatCompletionStreamResponse{
		delta(openai.ChatCompletionStreamChoiceDelta{Content: "x"}, openai.FinishReasonStop),
	}}
	src := NewOpenAISource(fake)
	ctx := context.Background()

	c, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, Token("x"), c)

	c, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, ChunkDone, c.Kind)
	assert.Equal(t, "stop", c.FinishReason)

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}
