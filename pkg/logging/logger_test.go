// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFromSlogLevel(t *testing.T) {
	for _, l := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		if got := fromSlogLevel(l.toSlogLevel()); got != l {
			t.Errorf("fromSlogLevel(%v) = %v", l, got)
		}
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_ConsoleJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "agentcore", JSON: true, Output: &buf})

	logger.Info("session created", "session_id", "s1")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("console output is not JSON: %v (%q)", err, buf.String())
	}
	if record["msg"] != "session created" {
		t.Errorf("msg = %v", record["msg"])
	}
	if record["service"] != "agentcore" {
		t.Errorf("service = %v", record["service"])
	}
	if record["session_id"] != "s1" {
		t.Errorf("session_id = %v", record["session_id"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf})

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("messages below Warn were written: %q", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("messages at or above Warn are missing: %q", out)
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})

	child := logger.With("request_id", "r-1")
	child.Info("handled")

	if !strings.Contains(buf.String(), "request_id=r-1") {
		t.Errorf("child attribute missing: %q", buf.String())
	}
	if child.queue != logger.queue || child.file != logger.file {
		t.Error("child should share the parent's resources")
	}
}

func TestNew_WithLogDir(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Service: "agentcore", Quiet: true})
	if logger.FileError != nil {
		t.Fatalf("FileError = %v", logger.FileError)
	}

	logger.Info("to file", "n", 1)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	name := "agentcore_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"to file"`) {
		t.Errorf("file content = %q", data)
	}
}

func TestNew_WithLogDir_Unwritable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := New(Config{LogDir: filepath.Join(blocker, "logs"), Output: &buf})
	if logger.FileError == nil {
		t.Fatal("expected FileError for a log dir under a regular file")
	}
	logger.Info("still logged")
	if !strings.Contains(buf.String(), "still logged") {
		t.Error("console output should survive a file error")
	}
}

func TestLogger_Exporter(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Level: LevelInfo, Service: "agentcore", Quiet: true, Exporter: exporter})

	logger.Debug("filtered")
	logger.With("session_id", "s1").Info("turn finished", "rounds", 2)
	logger.Slog().WithGroup("tool").Warn("slow", "name", "echo")

	if err := logger.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if !exporter.Closed() {
		t.Error("exporter was not flushed and closed")
	}

	entries := exporter.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	first := entries[0]
	if first.Message != "turn finished" || first.Level != LevelInfo || first.Service != "agentcore" {
		t.Errorf("first entry = %+v", first)
	}
	if first.Attrs["session_id"] != "s1" {
		t.Errorf("session_id = %v", first.Attrs["session_id"])
	}
	if first.Attrs["rounds"] != int64(2) {
		t.Errorf("rounds = %#v", first.Attrs["rounds"])
	}
	if entries[1].Attrs["tool.name"] != "echo" {
		t.Errorf("grouped attrs = %v", entries[1].Attrs)
	}

	logger.Info("after close")
	if len(exporter.Entries()) != 2 {
		t.Error("records after Close should not be exported")
	}
}

type failingExporter struct{ BufferedExporter }

func (e *failingExporter) Flush(context.Context) error { return errors.New("flush failed") }

func TestLogger_Close_ExporterError(t *testing.T) {
	logger := New(Config{Quiet: true, Exporter: &failingExporter{}})
	err := logger.Close()
	if err == nil || !strings.Contains(err.Error(), "flush failed") {
		t.Errorf("Close() = %v, want flush error", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exporter, ExportBuffer: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				logger.Info("concurrent", "goroutine", n, "i", j)
			}
		}(i)
	}
	wg.Wait()
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	if got := int64(len(exporter.Entries())) + logger.Dropped(); got != 500 {
		t.Errorf("exported + dropped = %d, want 500", got)
	}
}

// =============================================================================
// Multi-Handler Tests
// =============================================================================

func TestMultiHandler_Handle(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}}
	logger := slog.New(h).With("k", "v")

	logger.Info("info only")

	if !strings.Contains(debugBuf.String(), "info only") || !strings.Contains(debugBuf.String(), "k=v") {
		t.Errorf("debug handler output = %q", debugBuf.String())
	}
	if warnBuf.Len() != 0 {
		t.Errorf("warn handler received an info record: %q", warnBuf.String())
	}
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Enabled(Debug) should be true when any handler accepts it")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %q", got)
	}
}
