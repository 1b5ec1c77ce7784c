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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/composition"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/config"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

var errCompositionFailed = errors.New("composition failed")

var (
	composeJSON    bool
	composeTimeout time.Duration
)

var composeCmd = &cobra.Command{
	Use:   "compose",
	Short: "Validate and run tool compositions",
	Long: `Validate and run tool compositions written in YAML or JSON.

Compositions run against the built-in tools (echo, sleep, json).`,
}

var composeValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a composition file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		expr, err := loadExpr(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), styles.Success.Render("valid: ")+expr.Label())
		return nil
	},
}

var composeRunCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Run a composition file and print its result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		expr, err := loadExpr(args[0])
		if err != nil {
			return err
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), composeTimeout)
		defer cancel()

		out := cmd.OutOrStdout()
		report, err := runComposition(ctx, expr, cfg.Loop.ToolTimeout)
		if err != nil {
			return err
		}
		if composeJSON || !isTerminal(out) {
			if err := writeReportJSON(out, report); err != nil {
				return err
			}
		} else {
			writeReportStyled(out, report)
		}
		if report.Error != "" {
			return errCompositionFailed
		}
		return nil
	},
}

func init() {
	composeRunCmd.Flags().BoolVar(&composeJSON, "json", false, "Print the report as JSON")
	composeRunCmd.Flags().DurationVar(&composeTimeout, "timeout", 5*time.Minute, "Overall run timeout")
	composeCmd.AddCommand(composeValidateCmd, composeRunCmd)
}

// compositionReport is what compose run prints.
type compositionReport struct {
	Expr   string                      `json:"expr"`
	Result *tools.ToolResult           `json:"result,omitempty"`
	Error  string                      `json:"error,omitempty"`
	Log    []composition.ExecutionStep `json:"log"`
}

func loadExpr(path string) (*composition.ToolExpr, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading composition: %w", err)
	}
	return composition.Parse(data)
}

// runComposition evaluates expr against the built-in tools. Tool failures
// are reported in the result; only infrastructure errors are returned.
func runComposition(ctx context.Context, expr *composition.ToolExpr, toolTimeout time.Duration) (compositionReport, error) {
	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	executor := composition.NewExecutor(
		tools.NewRegistryExecutor(registry, tools.WithTimeout(toolTimeout), tools.WithLogger(logger)),
		composition.WithLogger(logger),
	)

	ec := composition.NewExecutionContext()
	report := compositionReport{Expr: expr.Label()}
	result, err := executor.Execute(ctx, expr, ec)
	report.Log = ec.Log()
	if err != nil {
		if ctx.Err() != nil {
			return report, fmt.Errorf("composition aborted: %w", ctx.Err())
		}
		report.Error = err.Error()
		return report, nil
	}
	report.Result = &result
	return report, nil
}

func writeReportJSON(w io.Writer, report compositionReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func writeReportStyled(w io.Writer, report compositionReport) {
	fmt.Fprintln(w, styles.Title.Render(report.Expr))
	for _, step := range report.Log {
		line := step.Timestamp.Format("15:04:05.000") + "  " + step.Expr
		if step.Error != "" {
			fmt.Fprintln(w, styles.Error.Render("✗ "+line+": "+step.Error))
			continue
		}
		fmt.Fprintln(w, styles.Muted.Render("✓ "+line))
	}
	if report.Error != "" {
		fmt.Fprintln(w, styles.Box.Render(styles.Error.Render("error: ")+report.Error))
		return
	}
	fmt.Fprintln(w, styles.Box.Render(styles.Success.Render("result: ")+report.Result.Result))
}
