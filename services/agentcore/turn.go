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
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/events"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/loop"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/state"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/stream"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

// unboundedRounds caps a turn whose policy sets no depth limit.
const unboundedRounds = 25

// ChatStreamer opens streaming chat completions.
type ChatStreamer interface {
	// Stream starts a completion and returns its chunks and a close func.
	Stream(ctx context.Context, req openai.ChatCompletionRequest) (stream.Source, func() error, error)
}

// OpenAIStreamer streams from an OpenAI compatible endpoint.
type OpenAIStreamer struct {
	client *openai.Client
}

// NewOpenAIStreamer creates a streamer. An empty baseURL uses the OpenAI
// default.
func NewOpenAIStreamer(apiKey, baseURL string) *OpenAIStreamer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIStreamer{client: openai.NewClientWithConfig(cfg)}
}

// Stream implements ChatStreamer.
func (o *OpenAIStreamer) Stream(ctx context.Context, req openai.ChatCompletionRequest) (stream.Source, func() error, error) {
	src, closeFn, err := stream.OpenStream(ctx, o.client, req)
	if err != nil {
		return nil, nil, err
	}
	return src, closeFn, nil
}

var _ ChatStreamer = (*OpenAIStreamer)(nil)

// TurnStatus is how a turn ended.
type TurnStatus string

const (
	TurnCompleted        TurnStatus = "completed"
	TurnAwaitingApproval TurnStatus = "awaiting_approval"
	TurnDenied           TurnStatus = "denied"
	TurnStopped          TurnStatus = "stopped"
	TurnCancelled        TurnStatus = "cancelled"
	TurnFailed           TurnStatus = "failed"
)

// TurnResult summarizes a turn, or the part of it that ran before it
// suspended for approval.
type TurnResult struct {
	Status     TurnStatus     `json:"status"`
	Content    string         `json:"content,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Rounds     int            `json:"rounds"`
	Outcomes   []loop.Outcome `json:"outcomes,omitempty"`
}

func statusFor(out loop.Outcome) TurnStatus {
	switch {
	case out.Suspended:
		return TurnAwaitingApproval
	case out.Denied:
		return TurnDenied
	case out.StopReason != "":
		return TurnStopped
	case out.Failed():
		return TurnFailed
	default:
		return TurnCompleted
	}
}

// Turn sends a user message and drives the conversation until the LLM
// stops asking for tools, a gated tool needs approval, or a bound is hit.
//
// Description:
//
//	Each round streams one completion through the stream consumer. Tool
//	calls go to the dispatcher; executed results are appended to the
//	transcript and the next round starts from ToolAutoLoop. A hard tool
//	failure is reported to the LLM through the retry transition. When a
//	call needs approval the turn suspends; ResolveApproval continues it.
//
// Outputs:
//
//	TurnResult - The outcome.
//	error - ErrNoChatClient, ErrSessionBusy, ErrInvalidState when the
//	        context is not Idle, or ErrLLMRequest.
func (s *Session) Turn(ctx context.Context, message string) (TurnResult, error) {
	if s.svc.chat == nil {
		return TurnResult{}, ErrNoChatClient
	}
	if err := s.acquire(); err != nil {
		return TurnResult{}, err
	}
	defer s.busy.Unlock()
	defer s.persist(ctx)

	if _, err := s.tracked.TryEvent(state.Event(state.EventUserMessageSent)); err != nil {
		return TurnResult{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	s.transcript = append(s.transcript, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: message,
	})
	return s.rounds(ctx, TurnResult{})
}

// Transcript returns a copy of the conversation held by the turn driver.
// It waits for a running turn to finish.
func (s *Session) Transcript() []openai.ChatCompletionMessage {
	s.busy.Lock()
	defer s.busy.Unlock()
	return slices.Clone(s.transcript)
}

// rounds runs LLM rounds until one ends the turn. Must hold s.busy.
func (s *Session) rounds(ctx context.Context, res TurnResult) (TurnResult, error) {
	maxRounds := s.dispatcher.Policy().MaxDepth + 1
	if maxRounds <= 1 {
		maxRounds = unboundedRounds
	}

	for res.Rounds < maxRounds {
		if s.tracked.State().Kind != state.StateAwaitingLLMResponse {
			if _, err := s.tracked.TryEvent(state.Event(state.EventLLMRequestInitiated)); err != nil {
				return res, fmt.Errorf("%w: %v", ErrInvalidState, err)
			}
		}
		res.Rounds++

		out, err := s.complete(ctx)
		if err != nil {
			res.Status = TurnFailed
			return res, err
		}
		res.Content = out.Content

		if out.Status == stream.StatusCancelled {
			s.tracked.HandleEvent(state.Event(state.EventUserCancelled))
			s.tracked.Reset()
			res.Status = TurnCancelled
			return res, nil
		}
		s.transcript = append(s.transcript, assistantMessage(out))

		if !out.HasToolCalls() {
			s.tracked.HandleEvent(state.LLMResponseProcessed(false, false))
			s.dispatcher.FinishAutoLoop()
			s.emitter.Emit(events.TypeComplete, &events.CompleteData{})
			res.Status = TurnCompleted
			return res, nil
		}

		s.tracked.HandleEvent(state.LLMResponseProcessed(true, false))
		dispatched, err := s.dispatcher.Dispatch(ctx, out.ToolCalls)
		next := s.applyOutcome(&res, dispatched)
		if err != nil {
			return res, err
		}
		if !next {
			return res, nil
		}
	}

	s.logger.Info("Turn stopped at round limit", "rounds", res.Rounds)
	s.tracked.Reset()
	res.Status = TurnStopped
	res.StopReason = loop.StopMaxDepth
	return res, nil
}

// complete streams one completion over the transcript.
func (s *Session) complete(ctx context.Context) (stream.Outcome, error) {
	req := openai.ChatCompletionRequest{
		Model:    s.svc.config.Model,
		Messages: slices.Clone(s.transcript),
		Tools:    openAITools(s.svc.Tools()),
	}
	src, closeFn, err := s.svc.chat.Stream(ctx, req)
	if err != nil {
		s.logger.Error("Failed to open LLM stream", "error", err)
		s.tracked.HandleEvent(state.FatalError(err.Error()))
		s.emitter.Emit(events.TypeError, &events.ErrorData{Message: err.Error()})
		return stream.Outcome{}, fmt.Errorf("%w: %v", ErrLLMRequest, err)
	}
	if closeFn != nil {
		defer func() { _ = closeFn() }()
	}
	consumer := stream.NewConsumer(stream.WithSink(s.emitter), stream.WithLogger(s.logger))
	return consumer.Consume(ctx, src, s.tracked, uuid.NewString())
}

// applyOutcome folds a dispatch outcome into res and reports whether
// another round should run. Must hold s.busy.
func (s *Session) applyOutcome(res *TurnResult, out loop.Outcome) bool {
	res.Outcomes = append(res.Outcomes, out)
	if out.Suspended {
		s.suspended = true
		res.Status = TurnAwaitingApproval
		res.RequestID = out.RequestID
		return false
	}
	s.appendToolResults(out.Results)
	res.RequestID = ""

	switch {
	case out.Denied:
		res.Status = TurnDenied
		return false
	case out.StopReason != "":
		res.Status = TurnStopped
		res.StopReason = out.StopReason
		return false
	case out.FollowUp:
		return true
	case out.Failed():
		if _, err := s.tracked.TryEvent(state.Event(state.EventRetry)); err != nil {
			res.Status = TurnFailed
			return false
		}
		if s.tracked.State().Kind != state.StateAwaitingLLMResponse {
			res.Status = TurnFailed
			return false
		}
		return true
	default:
		res.Status = TurnCompleted
		return false
	}
}

// appendToolResults adds one tool message per result, then answers any
// call of the last assistant message still without a response.
func (s *Session) appendToolResults(results []loop.CallResult) {
	for _, r := range results {
		content := r.Result.Result
		if r.Error != "" {
			content = "error: " + r.Error
		}
		s.transcript = append(s.transcript, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			ToolCallID: r.Call.ID,
			Content:    content,
		})
	}

	answered := make(map[string]bool)
	for i := len(s.transcript) - 1; i >= 0; i-- {
		m := s.transcript[i]
		if m.Role == openai.ChatMessageRoleTool {
			answered[m.ToolCallID] = true
			continue
		}
		if m.Role != openai.ChatMessageRoleAssistant {
			return
		}
		for _, tc := range m.ToolCalls {
			if !answered[tc.ID] {
				s.transcript = append(s.transcript, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: tc.ID,
					Content:    "error: not executed",
				})
			}
		}
		return
	}
}

func assistantMessage(out stream.Outcome) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: out.Content,
	}
	for _, tc := range out.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolType(tc.Type),
			Function: openai.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return msg
}

func openAITools(schemas []tools.ToolSchema) []openai.Tool {
	out := make([]openai.Tool, 0, len(schemas))
	for _, schema := range schemas {
		params := schema.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        schema.Name,
				Description: schema.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
