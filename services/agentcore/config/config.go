// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the agentcore configuration.
//
// Configuration is layered: the embedded defaults, then an optional YAML
// file, then AGENTCORE_* environment variables. The result is validated
// with go-playground/validator struct tags.
//
// Thread Safety:
//
//	A loaded *Config is treated as immutable. Watcher publishes new values
//	instead of mutating the current one.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/loop"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/observability"
	"github.com/AleutianAI/AleutianAgentCore/services/agentcore/storage"
)

// MaxFileSize is the largest config file Load will read.
const MaxFileSize = 1024 * 1024

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AGENTCORE_"

//go:embed default.yaml
var defaultYAML []byte

// ErrInvalid wraps validation and parse failures.
var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New()

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Loop      LoopConfig      `yaml:"loop"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Workflows WorkflowsConfig `yaml:"workflows"`
	LLM       LLMConfig       `yaml:"llm"`
	MCP       MCPConfig       `yaml:"mcp"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port  int  `yaml:"port" validate:"gte=1,lte=65535"`
	Debug bool `yaml:"debug"`

	// AuthTokenEnv names the variable holding the API bearer token. The
	// API is open when it is empty or the variable is unset.
	AuthTokenEnv string `yaml:"auth_token_env"`

	// AuditCapacity is how many audit events are kept in memory.
	AuditCapacity int `yaml:"audit_capacity" validate:"gte=0"`
}

// AuthToken reads the token from the configured environment variable.
func (c ServerConfig) AuthToken() string {
	if c.AuthTokenEnv == "" {
		return ""
	}
	return os.Getenv(c.AuthTokenEnv)
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// StorageConfig configures the badger store.
type StorageConfig struct {
	InMemory   bool          `yaml:"in_memory"`
	Path       string        `yaml:"path" validate:"required_if=InMemory false"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Exporter     string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"required_if=Exporter otlp"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// LoopConfig bounds the auto-loop and tool execution.
type LoopConfig struct {
	MaxDepth           int           `yaml:"max_depth" validate:"gte=1,lte=100"`
	MaxTools           int           `yaml:"max_tools" validate:"gte=1,lte=1000"`
	Timeout            time.Duration `yaml:"timeout" validate:"gte=0"`
	ToolsPerSecond     float64       `yaml:"tools_per_second" validate:"gte=0"`
	ToolTimeout        time.Duration `yaml:"tool_timeout" validate:"gt=0"`
	DependencyOrdering bool          `yaml:"dependency_ordering"`
}

// ApprovalConfig configures tool approval.
type ApprovalConfig struct {
	RequireApproval []string      `yaml:"require_approval" validate:"dive,required"`
	MaxRequestAge   time.Duration `yaml:"max_request_age" validate:"gt=0"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" validate:"gt=0"`
}

// WorkflowsConfig points at a composition library document.
type WorkflowsConfig struct {
	Path string `yaml:"path"`
}

// LLMConfig configures the OpenAI-compatible chat endpoint. An empty
// BaseURL uses the OpenAI default.
type LLMConfig struct {
	BaseURL   string `yaml:"base_url" validate:"omitempty,url"`
	Model     string `yaml:"model" validate:"required"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// APIKey reads the key from the configured environment variable.
func (c LLMConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// MCPConfig lists MCP servers whose tools are exposed to the agent.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers" validate:"dive"`
}

// MCPServerConfig launches one stdio MCP server.
type MCPServerConfig struct {
	Name    string   `yaml:"name" validate:"required"`
	Command string   `yaml:"command" validate:"required"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
}

// =============================================================================
// Loading
// =============================================================================

// Default returns the embedded defaults.
func Default() *Config {
	cfg, err := parse(defaultYAML, nil)
	if err != nil {
		panic(fmt.Sprintf("embedded default config is invalid: %v", err))
	}
	return cfg
}

// Load builds the configuration from the defaults, the file at path (if
// path is not empty), and the process environment.
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - File, parse, env, or validation errors. Parse and validation
//	        errors wrap ErrInvalid.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with a custom environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if cfg, err = parse(data, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string) ([]byte, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)", ErrInvalid, info.Size(), MaxFileSize)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return data, nil
}

// parse decodes data over base, or over an empty Config when base is nil.
func parse(data []byte, base *Config) (*Config, error) {
	cfg := &Config{}
	if base != nil {
		copied := *base
		copied.Approval.RequireApproval = append([]string(nil), base.Approval.RequireApproval...)
		copied.MCP.Servers = append([]MCPServerConfig(nil), base.MCP.Servers...)
		cfg = &copied
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cfg, nil
}

// Validate checks the struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// applyEnv overlays AGENTCORE_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	var errs []error
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}

	integer("PORT", &c.Server.Port)
	boolean("DEBUG", &c.Server.Debug)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_DIR", &c.Logging.Dir)
	boolean("LOG_JSON", &c.Logging.JSON)
	str("STORAGE_PATH", &c.Storage.Path)
	boolean("STORAGE_IN_MEMORY", &c.Storage.InMemory)
	str("TRACE_EXPORTER", &c.Telemetry.Exporter)
	str("OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	integer("MAX_DEPTH", &c.Loop.MaxDepth)
	integer("MAX_TOOLS", &c.Loop.MaxTools)
	str("WORKFLOWS", &c.Workflows.Path)
	str("LLM_BASE_URL", &c.LLM.BaseURL)
	str("LLM_MODEL", &c.LLM.Model)

	if v, ok := lookup(EnvPrefix + "REQUIRE_APPROVAL"); ok {
		c.Approval.RequireApproval = splitList(v)
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// Component views
// =============================================================================

// Policy returns the dispatcher policy.
func (c *Config) Policy() loop.Policy {
	return loop.Policy{
		RequireApproval: append([]string(nil), c.Approval.RequireApproval...),
		MaxDepth:        c.Loop.MaxDepth,
		MaxTools:        c.Loop.MaxTools,
		Timeout:         c.Loop.Timeout,
		ToolsPerSecond:  c.Loop.ToolsPerSecond,
	}
}

// StorageConfig returns the badger settings.
func (c *Config) StorageConfig() storage.Config {
	if c.Storage.InMemory {
		return storage.InMemoryConfig()
	}
	sc := storage.DefaultConfig()
	sc.Path = c.Storage.Path
	sc.GCInterval = c.Storage.GCInterval
	return sc
}

// TracingConfig returns the tracing settings for serviceVersion.
func (c *Config) TracingConfig(serviceVersion string) observability.Config {
	return observability.Config{
		ServiceName:    "agentcore",
		ServiceVersion: serviceVersion,
		TraceExporter:  c.Telemetry.Exporter,
		OTLPEndpoint:   c.Telemetry.OTLPEndpoint,
		OTLPInsecure:   c.Telemetry.OTLPInsecure,
	}
}
