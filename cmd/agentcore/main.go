// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command agentcore runs the agent orchestration service and its tooling.
//
// Usage:
//
//	agentcore serve --config agentcore.yaml
//	agentcore compose validate pipeline.yaml
//	agentcore compose run pipeline.yaml --json
//	agentcore version
//
// Example requests against a running server:
//
//	# Health check
//	curl http://localhost:8080/v1/agent/health
//
//	# Create a session and send it a message
//	curl -X POST http://localhost:8080/v1/agent/sessions -d '{"id": "demo"}'
//	curl -X POST http://localhost:8080/v1/agent/sessions/demo/turn \
//	  -H "Content-Type: application/json" \
//	  -d '{"message": "list the files in /tmp"}'
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "agentcore",
	Short: "Agent orchestration core",
	Long: `agentcore drives LLM agent sessions: streaming responses, tool calls,
approvals, todo lists, and tool compositions, behind an HTTP API.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to a YAML config file (defaults apply when empty)")
	rootCmd.AddCommand(versionCmd, serveCmd, composeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styles.Error.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}
