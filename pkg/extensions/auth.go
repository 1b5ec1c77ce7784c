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
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
)

// ErrUnauthorized is returned when a token is missing or invalid.
// Implementations should wrap it with detail.
var ErrUnauthorized = errors.New("unauthorized")

// LocalUserID is the identity NopAuthProvider returns.
const LocalUserID = "local-user"

// AuthInfo identifies the caller of a request.
type AuthInfo struct {
	// UserID is always set.
	UserID string `json:"user_id"`

	// Roles the user holds. May be empty.
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the user holds role.
func (a *AuthInfo) HasRole(role string) bool {
	if a == nil {
		return false
	}
	return slices.Contains(a.Roles, role)
}

// AuthProvider validates tokens.
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	// Validate returns the caller's identity or an error wrapping
	// ErrUnauthorized.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every token, including the empty one, as the
// local admin user.
type NopAuthProvider struct{}

// Validate always succeeds.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: LocalUserID, Roles: []string{"admin"}}, nil
}

// TokenAuthProvider accepts a single shared API token.
//
// Thread Safety: Immutable after construction.
type TokenAuthProvider struct {
	token  []byte
	userID string
}

// NewTokenAuthProvider accepts token and identifies its holder as
// "api-client".
func NewTokenAuthProvider(token string) *TokenAuthProvider {
	return &TokenAuthProvider{token: []byte(token), userID: "api-client"}
}

// Validate compares token in constant time.
func (p *TokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	if len(p.token) == 0 || subtle.ConstantTimeCompare([]byte(token), p.token) != 1 {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	return &AuthInfo{UserID: p.userID, Roles: []string{"operator"}}, nil
}

type authKey struct{}

// ContextWithAuth returns ctx carrying info.
func ContextWithAuth(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authKey{}, info)
}

// AuthFromContext returns the identity stored by ContextWithAuth, or nil.
func AuthFromContext(ctx context.Context) *AuthInfo {
	info, _ := ctx.Value(authKey{}).(*AuthInfo)
	return info
}

// UserID returns the user of ctx, or LocalUserID when none is set.
func UserID(ctx context.Context) string {
	if info := AuthFromContext(ctx); info != nil && info.UserID != "" {
		return info.UserID
	}
	return LocalUserID
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*TokenAuthProvider)(nil)
)
