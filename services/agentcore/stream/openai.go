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
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

// ChatStream is the receiving half of an OpenAI chat completion stream.
// *openai.ChatCompletionStream satisfies it.
type ChatStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
}

var _ ChatStream = (*openai.ChatCompletionStream)(nil)

// OpenAISource adapts a ChatStream to Source.
//
// OpenAI sends a tool call's id only on its first delta and identifies
// later deltas by index. The source remembers the id of each index so
// every fragment it yields carries one.
type OpenAISource struct {
	stream       ChatStream
	idsByIndex   map[int]string
	queue        []Chunk
	finishReason string
	done         bool
}

// NewOpenAISource wraps stream.
func NewOpenAISource(stream ChatStream) *OpenAISource {
	return &OpenAISource{stream: stream, idsByIndex: make(map[int]string)}
}

// OpenStream starts a streaming completion and returns its source and the
// function that closes it.
func OpenStream(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest) (*OpenAISource, func() error, error) {
	req.Stream = true
	s, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("opening chat completion stream: %w", err)
	}
	return NewOpenAISource(s), s.Close, nil
}

// Next returns the next chunk. The provider's EOF becomes one done chunk
// carrying the last finish reason, followed by io.EOF.
func (s *OpenAISource) Next(ctx context.Context) (Chunk, error) {
	for len(s.queue) == 0 {
		if s.done {
			return Chunk{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return Chunk{}, err
		}
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			return Chunk{Kind: ChunkDone, FinishReason: s.finishReason}, nil
		}
		if err != nil {
			return Chunk{}, err
		}
		s.enqueue(resp)
	}
	c := s.queue[0]
	s.queue = s.queue[1:]
	return c, nil
}

func (s *OpenAISource) enqueue(resp openai.ChatCompletionStreamResponse) {
	for _, choice := range resp.Choices {
		if choice.FinishReason != "" {
			s.finishReason = string(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			s.queue = append(s.queue, Token(choice.Delta.Content))
		}
		if len(choice.Delta.ToolCalls) == 0 {
			continue
		}
		fragments := make([]tools.PartialToolCall, 0, len(choice.Delta.ToolCalls))
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			id := tc.ID
			if id != "" {
				s.idsByIndex[index] = id
			} else {
				id = s.idsByIndex[index]
			}
			fragments = append(fragments, tools.PartialToolCall{
				ID:        id,
				Type:      string(tc.Type),
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		s.queue = append(s.queue, ToolCalls(fragments...))
	}
}

var _ Source = (*OpenAISource)(nil)
