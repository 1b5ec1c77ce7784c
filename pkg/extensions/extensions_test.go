// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.IsType(t, &NopAuthProvider{}, opts.AuthProvider)
	assert.IsType(t, &NopAuditLogger{}, opts.AuditLogger)

	custom := ServiceOptions{AuthProvider: NewTokenAuthProvider("t")}.Normalize()
	assert.IsType(t, &TokenAuthProvider{}, custom.AuthProvider)
	assert.IsType(t, &NopAuditLogger{}, custom.AuditLogger)
}

func TestNopAuthProvider(t *testing.T) {
	info, err := (&NopAuthProvider{}).Validate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, LocalUserID, info.UserID)
	assert.True(t, info.HasRole("admin"))
}

func TestTokenAuthProvider(t *testing.T) {
	p := NewTokenAuthProvider("s3cret")
	ctx := context.Background()

	tests := []struct {
		name  string
		token string
		ok    bool
	}{
		{"valid", "s3cret", true},
		{"wrong", "s3cres", false},
		{"prefix", "s3c", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := p.Validate(ctx, tt.token)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, "api-client", info.UserID)
				return
			}
			assert.True(t, errors.Is(err, ErrUnauthorized))
			assert.Nil(t, info)
		})
	}

	_, err := NewTokenAuthProvider("").Validate(ctx, "anything")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, AuthFromContext(ctx))
	assert.Equal(t, LocalUserID, UserID(ctx))

	ctx = ContextWithAuth(ctx, &AuthInfo{UserID: "alice"})
	assert.Equal(t, "alice", UserID(ctx))

	var nilInfo *AuthInfo
	assert.False(t, nilInfo.HasRole("admin"))
}

func TestMemoryAuditLogger_QueryAndFilter(t *testing.T) {
	l := NewMemoryAuditLogger(10, nil)
	ctx := context.Background()
	start := time.Now().UTC()

	require.NoError(t, l.Log(ctx, AuditEvent{EventType: AuditSessionCreate, UserID: "u1", ResourceType: "session", ResourceID: "s1", Outcome: OutcomeSuccess}))
	require.NoError(t, l.Log(ctx, AuditEvent{EventType: AuditApprovalApprove, UserID: "u2", ResourceType: "session", ResourceID: "s1", Outcome: OutcomeSuccess}))
	require.NoError(t, l.Log(ctx, AuditEvent{EventType: AuditApprovalDeny, UserID: "u2", ResourceType: "session", ResourceID: "s2", Outcome: OutcomeSuccess}))

	all, err := l.Query(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, AuditSessionCreate, all[0].EventType)
	assert.False(t, all[0].Timestamp.Before(start))

	byUser, _ := l.Query(ctx, AuditFilter{UserID: "u2"})
	assert.Len(t, byUser, 2)

	byType, _ := l.Query(ctx, AuditFilter{EventTypes: []string{AuditApprovalApprove, AuditApprovalDeny}, ResourceID: "s2"})
	require.Len(t, byType, 1)
	assert.Equal(t, AuditApprovalDeny, byType[0].EventType)

	limited, _ := l.Query(ctx, AuditFilter{Limit: 1})
	require.Len(t, limited, 1)
	assert.Equal(t, AuditApprovalDeny, limited[0].EventType)

	future, _ := l.Query(ctx, AuditFilter{StartTime: time.Now().Add(time.Hour)})
	assert.Empty(t, future)
}

func TestMemoryAuditLogger_Evicts(t *testing.T) {
	l := NewMemoryAuditLogger(3, nil)
	ctx := context.Background()
	for i := range 5 {
		require.NoError(t, l.Log(ctx, AuditEvent{EventType: fmt.Sprintf("e.%d", i)}))
	}
	assert.Equal(t, 3, l.Len())

	events, err := l.Query(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "e.2", events[0].EventType)
	assert.Equal(t, "e.4", events[2].EventType)
}

func TestMemoryAuditLogger_Concurrent(t *testing.T) {
	l := NewMemoryAuditLogger(50, nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				_ = l.Log(ctx, AuditEvent{EventType: AuditPolicyUpdate})
				_, _ = l.Query(ctx, AuditFilter{Limit: 5})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, l.Len())
}
