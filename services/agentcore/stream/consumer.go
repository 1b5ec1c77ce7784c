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
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/events"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/observability"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/state"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

// ErrStreamFailed wraps source errors other than EOF and cancellation.
var ErrStreamFailed = errors.New("llm stream failed")

// Status is how a stream ended.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Outcome is the result of consuming one stream.
type Outcome struct {
	Status    Status           `json:"status"`
	Content   string           `json:"content"`
	ToolCalls []tools.ToolCall `json:"tool_calls,omitempty"`
}

// HasToolCalls reports whether the stream produced tool calls.
func (o Outcome) HasToolCalls() bool { return len(o.ToolCalls) > 0 }

// Consumer turns a chunk Source into an Outcome.
//
// Description:
//
//	Tokens go to the event sink and, as content deltas, to the tracked
//	context. Tool call fragments go to a fresh Accumulator per stream. The
//	tracked context receives LLMStreamStarted, one LLMStreamChunkReceived
//	per chunk, and LLMStreamEnded when the stream completes. Cancellation
//	is checked before every read.
//
// Thread Safety:
//
//	A Consumer holds no per-stream state and may be shared.
type Consumer struct {
	sink   events.Sink
	logger *slog.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithSink sets the UI event sink.
func WithSink(s events.Sink) ConsumerOption {
	return func(c *Consumer) {
		c.sink = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewConsumer creates a consumer.
func NewConsumer(opts ...ConsumerOption) *Consumer {
	c := &Consumer{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Consume reads src to the end.
//
// Inputs:
//
//	ctx - Cancelling ctx stops consumption with StatusCancelled.
//	src - The chunk source.
//	tracked - Context to drive. May be nil.
//	messageID - Id of the assistant message being streamed.
//
// Outputs:
//
//	Outcome - Content and finalized tool calls. A cancelled outcome has
//	          the content received so far and no tool calls.
//	error - ErrStreamFailed when the source fails. The tracked context
//	        receives FatalError in that case.
func (c *Consumer) Consume(ctx context.Context, src Source, tracked *state.Context, messageID string) (Outcome, error) {
	ctx, span := observability.StartSpan(ctx, observability.TracerStream, "Consumer.Consume",
		trace.WithAttributes(attribute.String("message_id", messageID)),
	)
	defer span.End()

	logger := c.logger.With("message_id", messageID)
	if tracked != nil {
		tracked.HandleEvent(state.Event(state.EventLLMStreamStarted))
		tracked.PublishMessage(state.MessageUpdate{
			Kind:        state.MessageCreated,
			MessageID:   messageID,
			Role:        "assistant",
			MessageType: "text",
		})
	}

	acc := tools.NewAccumulator()
	var content strings.Builder
	chunks := 0

	for {
		if ctx.Err() != nil {
			return c.cancelled(span, logger, content.String(), chunks), nil
		}

		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return c.cancelled(span, logger, content.String(), chunks), nil
			}
			observability.RecordError(span, err)
			logger.Error("LLM stream failed", "error", err, "chunks", chunks)
			if tracked != nil {
				tracked.HandleEvent(state.FatalError(err.Error()))
			}
			c.emit(events.TypeError, &events.ErrorData{Message: err.Error()}, messageID)
			return Outcome{}, fmt.Errorf("%w: %v", ErrStreamFailed, err)
		}
		chunks++

		if chunk.Kind == ChunkDone {
			break
		}
		if tracked != nil {
			tracked.HandleEvent(state.Event(state.EventLLMStreamChunkReceived))
		}

		switch chunk.Kind {
		case ChunkToken:
			if chunk.Text == "" {
				continue
			}
			content.WriteString(chunk.Text)
			c.emit(events.TypeToken, &events.TokenData{Content: chunk.Text}, messageID)
			if tracked != nil {
				tracked.PublishMessage(state.MessageUpdate{
					Kind:        state.MessageContentDelta,
					MessageID:   messageID,
					Delta:       chunk.Text,
					Accumulated: content.String(),
				})
			}
		case ChunkToolCalls:
			for _, fragment := range chunk.ToolCalls {
				acc.Update(fragment)
			}
		default:
			logger.Warn("Ignoring unknown chunk kind", "kind", chunk.Kind)
		}
	}

	calls := acc.Finalize()
	text := content.String()
	if tracked != nil {
		tracked.HandleEvent(state.Event(state.EventLLMStreamEnded))
		tracked.PublishMessage(state.MessageUpdate{
			Kind:      state.MessageCompleted,
			MessageID: messageID,
			Content:   text,
		})
	}
	span.SetAttributes(
		attribute.Int("chunks", chunks),
		attribute.Int("tool_calls", len(calls)),
	)
	observability.SetSpanOK(span)
	logger.Debug("LLM stream completed", "chunks", chunks, "tool_calls", len(calls), "content_len", len(text))
	return Outcome{Status: StatusCompleted, Content: text, ToolCalls: calls}, nil
}

func (c *Consumer) cancelled(span trace.Span, logger *slog.Logger, content string, chunks int) Outcome {
	span.SetAttributes(attribute.Bool("cancelled", true), attribute.Int("chunks", chunks))
	logger.Info("LLM stream cancelled", "chunks", chunks)
	return Outcome{Status: StatusCancelled, Content: content}
}

func (c *Consumer) emit(t events.Type, data any, messageID string) {
	if c.sink == nil {
		return
	}
	c.sink.EmitWithMetadata(t, data, &events.EventMetadata{MessageID: messageID})
}
