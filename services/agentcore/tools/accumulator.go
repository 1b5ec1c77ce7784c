// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"strings"

	"github.com/google/uuid"
)

// Accumulator merges streamed tool call fragments into finalized calls.
//
// Description:
//
//	Providers split a tool call across many stream chunks. The first chunk
//	usually carries the id and function name, and later chunks carry only
//	slices of the argument JSON. Update applies each fragment in arrival
//	order and Finalize returns the completed calls in first-seen order.
//
// Thread Safety:
//
//	Not safe for concurrent use. One accumulator serves one response stream.
type Accumulator struct {
	partials []*PartialToolCall
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Update applies one fragment.
//
// Rules, in order:
//
//  1. A fragment with empty id, name and arguments is dropped.
//  2. A fragment with empty id and name is a continuation: its arguments
//     are appended to the most recent partial, or start a new anonymous
//     partial when none exists.
//  3. Otherwise a fragment with an id matches the partial with that id. A
//     fragment without an id matches the first id-less partial that has
//     the same name or no name yet. A match gets the arguments appended
//     and its empty name and type filled; filled fields are never cleared.
//  4. With no match a new partial is pushed.
func (a *Accumulator) Update(fragment PartialToolCall) {
	if fragment.ID == "" && fragment.Name == "" && fragment.Arguments == "" {
		return
	}

	if fragment.ID == "" && fragment.Name == "" {
		if n := len(a.partials); n > 0 {
			a.partials[n-1].Arguments += fragment.Arguments
			return
		}
		a.push(fragment)
		return
	}

	if p := a.find(fragment); p != nil {
		p.Arguments += fragment.Arguments
		if p.Name == "" {
			p.Name = fragment.Name
		}
		if p.Type == "" {
			p.Type = fragment.Type
		}
		return
	}

	a.push(fragment)
}

func (a *Accumulator) find(fragment PartialToolCall) *PartialToolCall {
	if fragment.ID != "" {
		for _, p := range a.partials {
			if p.ID == fragment.ID {
				return p
			}
		}
		return nil
	}
	for _, p := range a.partials {
		if p.ID == "" && (p.Name == fragment.Name || p.Name == "") {
			return p
		}
	}
	return nil
}

func (a *Accumulator) push(fragment PartialToolCall) {
	p := fragment
	a.partials = append(a.partials, &p)
}

// Finalize returns the completed calls in insertion order.
//
// Partials with a blank name are dropped, missing ids become "call_<uuid>",
// and a missing type becomes DefaultCallType. Finalize never fails and does
// not clear the accumulator.
func (a *Accumulator) Finalize() []ToolCall {
	calls := make([]ToolCall, 0, len(a.partials))
	for _, p := range a.partials {
		if strings.TrimSpace(p.Name) == "" {
			continue
		}
		id := p.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		callType := p.Type
		if callType == "" {
			callType = DefaultCallType
		}
		calls = append(calls, ToolCall{
			ID:       id,
			Type:     callType,
			Function: FunctionCall{Name: p.Name, Arguments: p.Arguments},
		})
	}
	return calls
}

// Len returns the number of partials, including unnamed ones.
func (a *Accumulator) Len() int {
	return len(a.partials)
}

// Reset discards all partials.
func (a *Accumulator) Reset() {
	a.partials = nil
}
