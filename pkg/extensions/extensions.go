// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the pluggable identity and audit hooks of the
// agent service.
//
// The defaults are no-ops: every request is a local admin and nothing is
// recorded. Deployments swap in TokenAuthProvider and MemoryAuditLogger, or
// their own implementations, through ServiceOptions.
package extensions

// ServiceOptions bundles the extension points.
//
// Example:
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(extensions.NewTokenAuthProvider(token)).
//	    WithAudit(extensions.NewMemoryAuditLogger(1000, logger))
type ServiceOptions struct {
	// AuthProvider validates bearer tokens on API requests.
	// Default: NopAuthProvider
	AuthProvider AuthProvider

	// AuditLogger records approval decisions and session lifecycle.
	// Default: NopAuditLogger
	AuditLogger AuditLogger
}

// DefaultOptions returns the no-op extensions.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &NopAuthProvider{},
		AuditLogger:  &NopAuditLogger{},
	}
}

// WithAuth returns a copy with provider set.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAudit returns a copy with logger set.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// Normalize fills nil fields with the defaults.
func (opts ServiceOptions) Normalize() ServiceOptions {
	def := DefaultOptions()
	if opts.AuthProvider == nil {
		opts.AuthProvider = def.AuthProvider
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = def.AuditLogger
	}
	return opts
}
