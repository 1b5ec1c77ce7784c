// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream consumes LLM output chunks, reconstructing tool calls and
// driving the streaming states of a tracked context.
package stream

import (
	"context"
	"io"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

// ChunkKind discriminates Chunk.
type ChunkKind string

const (
	ChunkToken     ChunkKind = "token"
	ChunkToolCalls ChunkKind = "tool_calls"
	ChunkDone      ChunkKind = "done"
)

// Chunk is one unit of provider output.
type Chunk struct {
	Kind ChunkKind `json:"kind"`

	// Text is set for token chunks.
	Text string `json:"text,omitempty"`

	// ToolCalls holds the fragments of a tool_calls chunk.
	ToolCalls []tools.PartialToolCall `json:"tool_calls,omitempty"`

	// FinishReason is the provider's finish reason, if known, on done chunks.
	FinishReason string `json:"finish_reason,omitempty"`
}

// Token returns a token chunk.
func Token(text string) Chunk { return Chunk{Kind: ChunkToken, Text: text} }

// ToolCalls returns a tool_calls chunk.
func ToolCalls(fragments ...tools.PartialToolCall) Chunk {
	return Chunk{Kind: ChunkToolCalls, ToolCalls: fragments}
}

// Done returns a done chunk.
func Done() Chunk { return Chunk{Kind: ChunkDone} }

// Source yields chunks. Next returns io.EOF after the last chunk; a source
// may end with io.EOF without sending a done chunk.
type Source interface {
	Next(ctx context.Context) (Chunk, error)
}

// SliceSource replays fixed chunks.
type SliceSource struct {
	chunks []Chunk
	pos    int
}

// NewSliceSource returns a source over chunks.
func NewSliceSource(chunks ...Chunk) *SliceSource {
	return &SliceSource{chunks: chunks}
}

// Next returns the next chunk or io.EOF.
func (s *SliceSource) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

// ChannelSource reads chunks from a channel until it is closed.
type ChannelSource <-chan Chunk

// Next blocks for the next chunk, the channel close, or ctx.
func (c ChannelSource) Next(ctx context.Context) (Chunk, error) {
	select {
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	case chunk, ok := <-c:
		if !ok {
			return Chunk{}, io.EOF
		}
		return chunk, nil
	}
}

var (
	_ Source = (*SliceSource)(nil)
	_ Source = ChannelSource(nil)
)
