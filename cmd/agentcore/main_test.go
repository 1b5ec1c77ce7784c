// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAgentCore/pkg/extensions"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/composition"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/config"
)

const sequenceYAML = `
type: sequence
steps:
  - type: call
    tool: echo
    args: {text: first}
  - type: call
    tool: echo
    args: {text: second}
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "composition.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadExpr(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		expr, err := loadExpr(writeFile(t, sequenceYAML))
		require.NoError(t, err)
		assert.Equal(t, composition.ExprSequence, expr.Type)
		assert.Len(t, expr.Steps, 2)
	})

	t.Run("call without tool", func(t *testing.T) {
		_, err := loadExpr(writeFile(t, "type: call\n"))
		assert.ErrorIs(t, err, composition.ErrInvalidExpr)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadExpr(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestRunComposition(t *testing.T) {
	expr, err := loadExpr(writeFile(t, sequenceYAML))
	require.NoError(t, err)

	report, err := runComposition(context.Background(), expr, time.Second)
	require.NoError(t, err)
	require.NotNil(t, report.Result)
	assert.True(t, report.Result.Success)
	assert.Equal(t, "second", report.Result.Result)
	assert.Empty(t, report.Error)
	assert.NotEmpty(t, report.Log)

	var buf bytes.Buffer
	require.NoError(t, writeReportJSON(&buf, report))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "sequence", decoded["expr"])
}

func TestRunComposition_UnknownTool(t *testing.T) {
	expr, err := composition.Parse([]byte("type: call\ntool: missing\n"))
	require.NoError(t, err)

	report, err := runComposition(context.Background(), expr, time.Second)
	require.NoError(t, err)
	assert.Nil(t, report.Result)
	assert.NotEmpty(t, report.Error)

	var buf bytes.Buffer
	writeReportStyled(&buf, report)
	assert.Contains(t, buf.String(), "call:missing")
}

func TestComposeValidateCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"compose", "validate", writeFile(t, sequenceYAML)})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "sequence")
}

func TestBuildExtensions(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()

	open := buildExtensions(cfg, logger)
	assert.IsType(t, &extensions.NopAuthProvider{}, open.AuthProvider)
	assert.IsType(t, &extensions.MemoryAuditLogger{}, open.AuditLogger)

	t.Setenv("AGENTCORE_TEST_API_TOKEN", "tok")
	cfg.Server.AuthTokenEnv = "AGENTCORE_TEST_API_TOKEN"
	secured := buildExtensions(cfg, logger)
	assert.IsType(t, &extensions.TokenAuthProvider{}, secured.AuthProvider)
}

func TestServiceConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Loop.DependencyOrdering = true
	cfg.LLM.Model = "local-model"

	sc := serviceConfig(cfg)
	assert.True(t, sc.DependencyOrdering)
	assert.Equal(t, "local-model", sc.Model)
	assert.Equal(t, cfg.Loop.ToolTimeout, sc.ToolTimeout)
	assert.Equal(t, cfg.Approval.MaxRequestAge, sc.ApprovalMaxAge)
	assert.Equal(t, cfg.Loop.MaxDepth, sc.Policy.MaxDepth)
}
