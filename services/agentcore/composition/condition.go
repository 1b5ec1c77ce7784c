// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package composition

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

// ConditionType discriminates Condition variants.
type ConditionType string

const (
	CondSuccess  ConditionType = "success"
	CondContains ConditionType = "contains"
	CondMatches  ConditionType = "matches"
	CondAnd      ConditionType = "and"
	CondOr       ConditionType = "or"
)

// Condition is a predicate over a ToolResult.
type Condition struct {
	Type       ConditionType `json:"type" yaml:"type"`
	Path       string        `json:"path,omitempty" yaml:"path,omitempty"`
	Value      string        `json:"value,omitempty" yaml:"value,omitempty"`
	Pattern    string        `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Conditions []Condition   `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Succeeded holds when the result is successful.
func Succeeded() Condition { return Condition{Type: CondSuccess} }

// Contains holds when the value at path contains value.
func Contains(path, value string) Condition {
	return Condition{Type: CondContains, Path: path, Value: value}
}

// Matches holds when the value at path matches the regular expression.
func Matches(path, pattern string) Condition {
	return Condition{Type: CondMatches, Path: path, Pattern: pattern}
}

// And holds when all conditions hold. An empty And holds.
func And(conds ...Condition) Condition { return Condition{Type: CondAnd, Conditions: conds} }

// Or holds when any condition holds. An empty Or does not.
func Or(conds ...Condition) Condition { return Condition{Type: CondOr, Conditions: conds} }

// Evaluate reports whether c holds for result.
//
// Paths use dot notation into the result text decoded as JSON. Numeric
// segments index arrays and an empty path selects the whole value. When
// the result text is not JSON, only the empty path resolves, to the raw
// text. An invalid regular expression evaluates to false.
func (c Condition) Evaluate(result tools.ToolResult) bool {
	switch c.Type {
	case CondSuccess:
		return result.Success
	case CondContains:
		v, ok := extractPath(result.Result, c.Path)
		return ok && strings.Contains(v, c.Value)
	case CondMatches:
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return false
		}
		v, ok := extractPath(result.Result, c.Path)
		return ok && re.MatchString(v)
	case CondAnd:
		for _, sub := range c.Conditions {
			if !sub.Evaluate(result) {
				return false
			}
		}
		return true
	case CondOr:
		for _, sub := range c.Conditions {
			if sub.Evaluate(result) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (c Condition) validate(path string) error {
	switch c.Type {
	case CondSuccess, CondContains:
	case CondMatches:
		if _, err := regexp.Compile(c.Pattern); err != nil {
			return fmt.Errorf("%w: %s: bad pattern: %v", ErrInvalidExpr, path, err)
		}
	case CondAnd, CondOr:
		for i, sub := range c.Conditions {
			if err := sub.validate(fmt.Sprintf("%s.conditions[%d]", path, i)); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: %s: unknown condition %q", ErrInvalidExpr, path, c.Type)
	}
	return nil
}

// extractPath resolves a dot path in text and renders the leaf. String
// leaves are returned unquoted and other leaves as JSON.
func extractPath(text, path string) (string, bool) {
	var root any
	if err := json.Unmarshal([]byte(text), &root); err != nil {
		if path == "" {
			return text, true
		}
		return "", false
	}

	cur := root
	if path != "" {
		for _, seg := range strings.Split(path, ".") {
			switch node := cur.(type) {
			case map[string]any:
				next, ok := node[seg]
				if !ok {
					return "", false
				}
				cur = next
			case []any:
				i, err := strconv.Atoi(seg)
				if err != nil || i < 0 || i >= len(node) {
					return "", false
				}
				cur = node[i]
			default:
				return "", false
			}
		}
	}

	if s, ok := cur.(string); ok {
		return s, true
	}
	b, err := json.Marshal(cur)
	if err != nil {
		return "", false
	}
	return string(b), true
}
