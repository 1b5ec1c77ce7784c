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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAgentCore/pkg/extensions"
	"github.com/AleutianAI/AleutianAgentCore/pkg/logging"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/composition"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/config"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/observability"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/storage"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/tools"
)

const shutdownTimeout = 10 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agent HTTP API",
	Long: `Start the agent HTTP API on the configured port.

The config file is watched; approval and loop limits are applied to
running sessions when it changes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Override server.port")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "agentcore",
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()
	if logger.FileError != nil {
		logger.Warn("File logging disabled", "error", logger.FileError)
	}
	log := logger.Slog()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Init(ctx, cfg.TracingConfig(version))
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("Tracing shutdown failed", "error", err)
		}
	}()

	storageCfg := cfg.StorageConfig()
	storageCfg.Logger = log
	db, err := storage.OpenDB(storageCfg)
	if err != nil {
		return err
	}
	defer db.Close()

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry)

	library := composition.NewLibrary()
	if cfg.Workflows.Path != "" {
		if err := library.LoadFile(cfg.Workflows.Path); err != nil {
			return err
		}
		log.Info("Composition library loaded", "path", cfg.Workflows.Path, "workflows", len(library.Workflows()))
	}

	mcpExecutors, err := startMCPServers(ctx, cfg.MCP.Servers, log)
	defer func() {
		for _, m := range mcpExecutors {
			if err := m.Close(); err != nil {
				log.Warn("MCP server close failed", "error", err)
			}
		}
	}()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	opts := []agentcore.ServiceOption{
		agentcore.WithStore(storage.NewStore(db, log)),
		agentcore.WithServiceMetrics(metrics),
		agentcore.WithServiceLogger(log),
		agentcore.WithExtensions(buildExtensions(cfg, log)),
	}
	for _, m := range mcpExecutors {
		opts = append(opts, agentcore.WithToolExecutors(m))
	}
	if key := cfg.LLM.APIKey(); key != "" {
		opts = append(opts, agentcore.WithChatStreamer(agentcore.NewOpenAIStreamer(key, cfg.LLM.BaseURL)))
	} else {
		log.Warn("No LLM API key configured, turns are disabled", "api_key_env", cfg.LLM.APIKeyEnv)
	}

	svc := agentcore.NewService(serviceConfig(cfg), registry, library, opts...)
	go svc.RunCleanup(ctx)

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, cfg, log)
		if err != nil {
			return err
		}
		defer watcher.Stop()
		watcher.OnChange(func(c *config.Config) {
			svc.UpdatePolicy(c.Policy())
		})
		go func() {
			if err := watcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("Config watcher stopped", "error", err)
			}
		}()
	}

	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := agentcore.NewRouter(agentcore.NewHandlers(svc), reg)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if isTerminal(cmd.OutOrStdout()) {
		printBanner(cmd, cfg.Server.Port, svc)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting agentcore server", "addr", server.Addr, "version", version)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down agentcore server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// serviceConfig maps the file config onto the service settings.
func serviceConfig(cfg *config.Config) agentcore.ServiceConfig {
	sc := agentcore.DefaultServiceConfig()
	sc.Policy = cfg.Policy()
	sc.DependencyOrdering = cfg.Loop.DependencyOrdering
	sc.ToolTimeout = cfg.Loop.ToolTimeout
	sc.ApprovalMaxAge = cfg.Approval.MaxRequestAge
	sc.CleanupInterval = cfg.Approval.CleanupInterval
	sc.Model = cfg.LLM.Model
	return sc
}

// buildExtensions enables token auth when a token is configured and always
// keeps an in-memory audit trail.
func buildExtensions(cfg *config.Config, logger *slog.Logger) extensions.ServiceOptions {
	ext := extensions.DefaultOptions().
		WithAudit(extensions.NewMemoryAuditLogger(cfg.Server.AuditCapacity, logger.With("component", "audit")))
	if token := cfg.Server.AuthToken(); token != "" {
		ext = ext.WithAuth(extensions.NewTokenAuthProvider(token))
	} else {
		logger.Warn("API authentication disabled", "auth_token_env", cfg.Server.AuthTokenEnv)
	}
	return ext
}

// startMCPServers launches every configured MCP server. On error the
// executors started so far are returned so the caller can close them.
func startMCPServers(ctx context.Context, servers []config.MCPServerConfig, logger *slog.Logger) ([]*tools.MCPExecutor, error) {
	var started []*tools.MCPExecutor
	for _, s := range servers {
		m, err := tools.NewStdioMCPExecutor(ctx, s.Name, s.Command, s.Env, s.Args, logger)
		if err != nil {
			return started, fmt.Errorf("starting MCP server %q: %w", s.Name, err)
		}
		started = append(started, m)
	}
	return started, nil
}

func printBanner(cmd *cobra.Command, port int, svc *agentcore.Service) {
	body := fmt.Sprintf("%s\n\n%s\n%s\n%s\n\n%s",
		styles.Title.Render("AGENTCORE "+version),
		fmt.Sprintf("API      http://localhost:%d/v1/agent", port),
		fmt.Sprintf("Metrics  http://localhost:%d/metrics", port),
		fmt.Sprintf("Tools    %d registered", len(svc.Tools())),
		styles.Muted.Render("Press Ctrl+C to stop"),
	)
	fmt.Fprintln(cmd.OutOrStdout(), styles.Box.Render(body))
}
