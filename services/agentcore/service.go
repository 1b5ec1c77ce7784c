// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agentcore hosts agent conversations behind an HTTP API.
//
// A Service owns one Session per conversation context. Each session wires
// a tracked state.Context, a todo.Manager, a loop.AgentLoop, and a
// loop.Dispatcher onto the shared tool chain, approval manager, update hub,
// and badger store.
package agentcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianAgentCore/pkg/extensions"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/approval"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/composition"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/events"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/loop"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/observability"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/state"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/storage"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/todo"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

// ServiceConfig configures the service.
type ServiceConfig struct {
	// Policy is the dispatcher policy given to new sessions.
	Policy loop.Policy

	// DependencyOrdering makes todo managers honour depends_on.
	DependencyOrdering bool

	// ToolTimeout bounds one built-in tool execution.
	// Default: 30s
	ToolTimeout time.Duration

	// ApprovalMaxAge is how long an approval request stays valid.
	// Default: 30m
	ApprovalMaxAge time.Duration

	// CleanupInterval is how often expired approvals are swept.
	// Default: 1m
	CleanupInterval time.Duration

	// Model is the chat model used by Turn.
	Model string

	// EventBuffer is the per-session UI event ring size.
	// Default: 256
	EventBuffer int
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Policy:          loop.DefaultPolicy(),
		ToolTimeout:     30 * time.Second,
		ApprovalMaxAge:  30 * time.Minute,
		CleanupInterval: time.Minute,
		Model:           "gpt-4o-mini",
		EventBuffer:     256,
	}
}

// Service manages sessions.
//
// Thread Safety:
//
//	Service is safe for concurrent use.
type Service struct {
	config ServiceConfig

	registry     *tools.Registry
	library      *composition.Library
	compositions *composition.Executor
	source       *composition.Source
	plain        tools.Chain
	executor     tools.Chain

	approvals *approval.Manager
	hub       *state.Hub
	store     *storage.Store
	chat      ChatStreamer
	metrics   *observability.Metrics
	logger    *slog.Logger
	ext       extensions.ServiceOptions

	mu       sync.RWMutex
	sessions map[string]*Session
	policy   loop.Policy
	restore  singleflight.Group
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	store   *storage.Store
	chat    ChatStreamer
	metrics *observability.Metrics
	logger  *slog.Logger
	extra   []tools.Executor
	ext     extensions.ServiceOptions
}

// WithStore persists sessions in store.
func WithStore(store *storage.Store) ServiceOption {
	return func(o *serviceOptions) { o.store = store }
}

// WithChatStreamer sets the LLM client used by Turn.
func WithChatStreamer(c ChatStreamer) ServiceOption {
	return func(o *serviceOptions) { o.chat = c }
}

// WithServiceMetrics records metrics for every component.
func WithServiceMetrics(m *observability.Metrics) ServiceOption {
	return func(o *serviceOptions) { o.metrics = m }
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(o *serviceOptions) { o.logger = l }
}

// WithToolExecutors appends tool sources, such as MCP servers, after the
// built-in registry.
func WithToolExecutors(executors ...tools.Executor) ServiceOption {
	return func(o *serviceOptions) { o.extra = append(o.extra, executors...) }
}

// WithExtensions sets the auth and audit hooks. Nil fields keep the
// no-op defaults.
func WithExtensions(ext extensions.ServiceOptions) ServiceOption {
	return func(o *serviceOptions) { o.ext = ext }
}

// NewService creates a service.
//
// Description:
//
//	Builds the tool chain used by every session: named compositions first,
//	then the registry, then any extra executors. Compositions evaluate
//	against the registry and the extra executors only, so a composition
//	cannot call itself by name.
//
// Inputs:
//
//	config - Service configuration.
//	registry - Built-in tools. Must not be nil.
//	library - Compositions and workflows. A nil library is replaced by an
//	          empty one.
//	opts - Optional store, LLM client, metrics, logger, extra executors.
//
// Outputs:
//
//	*Service - The configured service.
func NewService(config ServiceConfig, registry *tools.Registry, library *composition.Library, opts ...ServiceOption) *Service {
	o := serviceOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if library == nil {
		library = composition.NewLibrary()
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultServiceConfig().EventBuffer
	}

	regExec := tools.NewRegistryExecutor(registry,
		tools.WithTimeout(config.ToolTimeout),
		tools.WithLogger(o.logger),
		tools.WithMetrics(o.metrics),
	)
	plain := append(tools.Chain{regExec}, o.extra...)
	compExec := composition.NewExecutor(plain,
		composition.WithLogger(o.logger),
		composition.WithMetrics(o.metrics),
	)
	source := composition.NewSource(library, compExec)

	return &Service{
		config:       config,
		registry:     registry,
		library:      library,
		compositions: compExec,
		source:       source,
		plain:        plain,
		executor:     append(tools.Chain{source}, plain...),
		approvals: approval.NewManager(
			approval.WithLogger(o.logger),
			approval.WithMetrics(o.metrics),
		),
		hub:      state.NewHub(state.WithHubLogger(o.logger)),
		store:    o.store,
		chat:     o.chat,
		metrics:  o.metrics,
		logger:   o.logger,
		ext:      o.ext.Normalize(),
		sessions: make(map[string]*Session),
		policy:   config.Policy,
	}
}

// Hub returns the update hub that every session publishes to.
func (s *Service) Hub() *state.Hub { return s.hub }

// Approvals returns the shared approval manager.
func (s *Service) Approvals() *approval.Manager { return s.approvals }

// Library returns the composition library.
func (s *Service) Library() *composition.Library { return s.library }

// Compositions returns the composition executor.
func (s *Service) Compositions() *composition.Executor { return s.compositions }

// Extensions returns the auth and audit hooks.
func (s *Service) Extensions() extensions.ServiceOptions { return s.ext }

// audit records event, filling in the caller from ctx. Failures are logged.
func (s *Service) audit(ctx context.Context, event extensions.AuditEvent) {
	if event.UserID == "" {
		event.UserID = extensions.UserID(ctx)
	}
	if event.Outcome == "" {
		event.Outcome = extensions.OutcomeSuccess
	}
	if err := s.ext.AuditLogger.Log(ctx, event); err != nil {
		s.logger.Warn("Audit log failed", "event_type", event.EventType, "error", err)
	}
}

// Tools lists every tool a session can call.
func (s *Service) Tools() []tools.ToolSchema { return s.executor.ListTools() }

// Policy returns the policy given to new sessions.
func (s *Service) Policy() loop.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// UpdatePolicy replaces the policy of new and existing sessions.
func (s *Service) UpdatePolicy(p loop.Policy) {
	s.mu.Lock()
	s.policy = p
	sessions := s.snapshotLocked()
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.dispatcher.UpdatePolicy(p)
	}
	s.audit(context.Background(), extensions.AuditEvent{
		EventType:    extensions.AuditPolicyUpdate,
		UserID:       "config",
		ResourceType: "policy",
		Metadata: map[string]any{
			"max_depth":        p.MaxDepth,
			"max_tools":        p.MaxTools,
			"require_approval": p.RequireApproval,
		},
	})
	s.logger.Info("Dispatcher policy updated",
		"sessions", len(sessions),
		"max_depth", p.MaxDepth,
		"max_tools", p.MaxTools,
		"require_approval", len(p.RequireApproval))
}

func (s *Service) snapshotLocked() []*Session {
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// =============================================================================
// Session lifecycle
// =============================================================================

// CreateSession starts a new Idle session.
//
// Inputs:
//
//	ctx - Context for the store write.
//	id - Session id. Empty generates one.
//
// Outputs:
//
//	*Session - The new session.
//	error - ErrSessionExists when id is in memory or in the store.
func (s *Service) CreateSession(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if s.store != nil {
		if _, err := s.store.LoadState(ctx, id); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	s.mu.Lock()
	if _, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	sess := s.newSession(id, s.policy)
	s.sessions[id] = sess
	s.mu.Unlock()

	sess.tracked.Restore(state.Idle())
	if s.store != nil {
		if err := s.store.SaveState(ctx, id, state.Idle()); err != nil {
			s.mu.Lock()
			delete(s.sessions, id)
			s.mu.Unlock()
			return nil, fmt.Errorf("saving new session: %w", err)
		}
	}
	s.audit(ctx, extensions.AuditEvent{
		EventType:    extensions.AuditSessionCreate,
		ResourceType: "session",
		ResourceID:   id,
	})
	s.logger.Info("Session created", "session_id", id)
	return sess, nil
}

// Session returns the session id, restoring it from the store if it is not
// in memory. Concurrent restores of the same id share one load.
//
// Errors:
//
//	ErrSessionNotFound - id is unknown.
func (s *Service) Session(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess, nil
	}
	if s.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	v, err, _ := s.restore.Do(id, func() (any, error) {
		return s.restoreSession(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (s *Service) restoreSession(ctx context.Context, id string) (*Session, error) {
	cs, err := s.store.LoadState(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session state: %w", err)
	}
	lists, activeID, err := s.store.LoadTodoLists(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading todo lists: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[id]; ok {
		return existing, nil
	}
	sess := s.newSession(id, s.policy)
	sess.tracked.Restore(cs)
	sess.todos.Restore(lists, activeID)
	s.sessions[id] = sess

	s.logger.Info("Session restored",
		"session_id", id,
		"state", cs.Kind,
		"todo_lists", len(lists))
	return sess, nil
}

// Sessions returns the ids of every known session, sorted.
func (s *Service) Sessions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	if s.store != nil {
		stored, err := s.store.Contexts(ctx)
		if err != nil {
			return nil, err
		}
		ids = append(ids, stored...)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// DeleteSession forgets a session, drops its pending approval, and deletes
// its stored data.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	_, inMemory := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if req, ok := s.approvals.GetSessionRequest(id); ok {
		s.approvals.RemoveRequest(req.RequestID)
	}

	if s.store == nil {
		if !inMemory {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		s.auditDelete(ctx, id)
		return nil
	}
	if !inMemory {
		if _, err := s.store.LoadState(ctx, id); errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
	}
	if err := s.store.DeleteContext(ctx, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	s.auditDelete(ctx, id)
	return nil
}

func (s *Service) auditDelete(ctx context.Context, id string) {
	s.audit(ctx, extensions.AuditEvent{
		EventType:    extensions.AuditSessionDelete,
		ResourceType: "session",
		ResourceID:   id,
	})
	s.logger.Info("Session deleted", "session_id", id)
}

// newSession wires the per-session components. Must hold s.mu.
func (s *Service) newSession(id string, policy loop.Policy) *Session {
	logger := s.logger.With("session_id", id)
	emitter := events.NewEmitter(
		events.WithSessionID(id),
		events.WithBufferSize(s.config.EventBuffer),
	)
	tracked := state.NewContext(id,
		state.WithPublisher(s.hub),
		state.WithContextLogger(logger),
		state.WithContextMetrics(s.metrics),
	)

	var todoOpts []todo.ManagerOption
	if s.config.DependencyOrdering {
		todoOpts = append(todoOpts, todo.WithDependencyOrdering())
	}
	todos := todo.NewManager(todoOpts...)

	loopOpts := []loop.Option{
		loop.WithExecutors(
			loop.NewToolItemExecutor(s.source, s.plain),
			loop.NewWorkflowItemExecutor(s.library, s.compositions),
		),
		loop.WithSink(emitter),
		loop.WithMetrics(s.metrics),
		loop.WithLogger(logger),
	}
	if s.store != nil {
		loopOpts = append(loopOpts, loop.WithPersister(s.store))
	}

	return &Session{
		id:        id,
		createdAt: time.Now().UTC(),
		svc:       s,
		tracked:   tracked,
		todos:     todos,
		loop:      loop.New(tracked, todos, loopOpts...),
		dispatcher: loop.NewDispatcher(id, tracked, s.executor, s.approvals,
			loop.WithPolicy(policy),
			loop.WithDispatcherSink(emitter),
			loop.WithDispatcherLogger(logger),
		),
		emitter: emitter,
		logger:  logger,
	}
}

// =============================================================================
// Approval cleanup
// =============================================================================

// CleanupExpired removes approval requests older than ApprovalMaxAge and
// drops the tool batches that were waiting on them.
//
// Outputs:
//
//	int - Number of suspended batches dropped.
func (s *Service) CleanupExpired(ctx context.Context) int {
	removed := s.approvals.CleanupOldRequests(s.config.ApprovalMaxAge)

	s.mu.RLock()
	sessions := s.snapshotLocked()
	s.mu.RUnlock()

	dropped := 0
	for _, sess := range sessions {
		if sess.expirePending(ctx) {
			dropped++
			s.audit(ctx, extensions.AuditEvent{
				EventType:    extensions.AuditApprovalExpire,
				UserID:       "system",
				ResourceType: "session",
				ResourceID:   sess.id,
			})
		}
	}
	if removed > 0 || dropped > 0 {
		s.logger.Info("Expired approval requests cleaned up",
			"requests_removed", removed,
			"batches_dropped", dropped)
	}
	return dropped
}

// RunCleanup calls CleanupExpired every CleanupInterval until ctx is done.
func (s *Service) RunCleanup(ctx context.Context) {
	interval := s.config.CleanupInterval
	if interval <= 0 {
		interval = DefaultServiceConfig().CleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CleanupExpired(ctx)
		}
	}
}
