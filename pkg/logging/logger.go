// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the slog loggers used by agentcore binaries.
//
// A Logger writes to stderr (or Config.Output), optionally to a daily JSON
// file, and optionally to a LogExporter:
//
//	┌──────────────────────────────────────────────────────────┐
//	│                         Logger                           │
//	│  ┌────────────┐   ┌────────────┐   ┌──────────────────┐  │
//	│  │   stderr   │   │  log file  │   │   LogExporter    │  │
//	│  │ text/json  │   │   (json)   │   │ (async, bounded) │  │
//	│  └────────────┘   └────────────┘   └──────────────────┘  │
//	└──────────────────────────────────────────────────────────┘
//
// Every destination sits behind one slog.Handler, so the *slog.Logger
// returned by Slog() reaches all of them. Services take that *slog.Logger;
// only main owns the Logger and closes it.
//
// # Thread Safety
//
// Logger is safe for concurrent use.
//
// # Security Considerations
//
// Nothing is redacted. Log the presence of secrets, never their value:
//
//	logger.Info("llm configured", "api_key_present", apiKey != "")
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity. Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func fromSlogLevel(l slog.Level) Level {
	switch {
	case l < slog.LevelInfo:
		return LevelDebug
	case l < slog.LevelWarn:
		return LevelInfo
	case l < slog.LevelError:
		return LevelWarn
	default:
		return LevelError
	}
}

// ParseLevel parses "debug", "info", "warn" or "warning", and "error",
// ignoring case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Logger. The zero value writes Info and above to
// stderr as text.
type Config struct {
	// Level sets the minimum log level.
	// Default: LevelInfo
	Level Level

	// LogDir enables file logging. Files are named
	// "{Service}_{YYYY-MM-DD}.log" and always hold JSON. A leading ~ is
	// expanded to the home directory.
	LogDir string

	// Service is added to every record as the "service" attribute.
	Service string

	// JSON selects JSON instead of text for the console output.
	JSON bool

	// Quiet disables console output.
	Quiet bool

	// Output replaces stderr as the console destination.
	Output io.Writer

	// Exporter receives every record at or above Level.
	Exporter LogExporter

	// ExportBuffer is the number of records queued for the exporter before
	// new ones are dropped.
	// Default: 1024
	ExportBuffer int
}

// =============================================================================
// Export
// =============================================================================

// LogExporter ships log entries to an external system.
//
// Export is called from a single background goroutine, in record order.
// Flush and Close are called once, from Logger.Close, after the queue has
// drained.
type LogExporter interface {
	Export(ctx context.Context, entry LogEntry) error
	Flush(ctx context.Context) error
	Close() error
}

// LogEntry is one exported record.
type LogEntry struct {
	Timestamp time.Time
	Level     Level
	Message   string
	Service   string
	Attrs     map[string]any
}

// exportQueue feeds a LogExporter from a bounded channel.
type exportQueue struct {
	exporter LogExporter
	entries  chan LogEntry
	done     chan struct{}
	dropped  atomic.Int64

	mu     sync.RWMutex
	closed bool
}

func newExportQueue(exporter LogExporter, size int) *exportQueue {
	if size <= 0 {
		size = 1024
	}
	q := &exportQueue{
		exporter: exporter,
		entries:  make(chan LogEntry, size),
		done:     make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *exportQueue) run() {
	defer close(q.done)
	for entry := range q.entries {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = q.exporter.Export(ctx, entry)
		cancel()
	}
}

// push enqueues entry without blocking.
func (q *exportQueue) push(entry LogEntry) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.entries <- entry:
	default:
		q.dropped.Add(1)
	}
}

// close drains the queue, then flushes and closes the exporter.
func (q *exportQueue) close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.entries)
	q.mu.Unlock()
	<-q.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	if err := q.exporter.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush exporter: %w", err))
	}
	if err := q.exporter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close exporter: %w", err))
	}
	return errors.Join(errs...)
}

// exportHandler turns slog records into LogEntries.
type exportHandler struct {
	queue   *exportQueue
	level   slog.Level
	service string
	attrs   []slog.Attr
	group   string
}

func (h *exportHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *exportHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[h.group+a.Key] = a.Value.Resolve().Any()
		return true
	})
	h.queue.push(LogEntry{
		Timestamp: r.Time,
		Level:     fromSlogLevel(r.Level),
		Message:   r.Message,
		Service:   h.service,
		Attrs:     attrs,
	})
	return nil
}

func (h *exportHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, slog.Attr{Key: h.group + a.Key, Value: a.Value})
	}
	return &next
}

func (h *exportHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.group = h.group + name + "."
	return &next
}

// =============================================================================
// Logger
// =============================================================================

// Logger owns the handlers and resources behind a *slog.Logger.
//
// Always Close a logger that has a LogDir or an Exporter:
//
//	logger := logging.New(config)
//	defer logger.Close()
type Logger struct {
	slog   *slog.Logger
	config Config
	file   *os.File
	queue  *exportQueue

	// FileError records why file logging could not be enabled, if it
	// could not.
	FileError error

	mu sync.Mutex
}

// New creates a Logger.
//
// Description:
//
//	Builds the console handler (unless Quiet), the file handler (when
//	LogDir is set and the file can be opened), and the export handler
//	(when Exporter is set), and fans records out to all of them. When no
//	destination remains, records go to stderr.
//
// Inputs:
//
//	config - Logger configuration.
//
// Outputs:
//
//	*Logger - Ready to use. A file that cannot be opened is reported in
//	          FileError and skipped.
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}
	logger := &Logger{config: config}

	var handlers []slog.Handler
	if !config.Quiet {
		out := config.Output
		if out == nil {
			out = os.Stderr
		}
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	if config.LogDir != "" {
		file, err := openLogFile(config.LogDir, config.Service)
		if err != nil {
			logger.FileError = err
		} else {
			logger.file = file
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
		}
	}

	if config.Exporter != nil {
		logger.queue = newExportQueue(config.Exporter, config.ExportBuffer)
		handlers = append(handlers, &exportHandler{
			queue:   logger.queue,
			level:   opts.Level.Level(),
			service: config.Service,
		})
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}
	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}

	logger.slog = slog.New(handler)
	return logger
}

func openLogFile(dir, service string) (*os.File, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if service == "" {
		service = "agentcore"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

// Default returns an Info-level stderr text logger for the "agentcore"
// service.
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "agentcore"})
}

// Slog returns the logger to hand to services.
func (l *Logger) Slog() *slog.Logger { return l.slog }

// With returns a logger with extra attributes. It shares the parent's
// file and exporter; only the parent should be closed.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:   l.slog.With(args...),
		config: l.config,
		file:   l.file,
		queue:  l.queue,
	}
}

// Debug logs at Debug level.
func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }

// Info logs at Info level.
func (l *Logger) Info(msg string, args ...any) { l.slog.Info(msg, args...) }

// Warn logs at Warn level.
func (l *Logger) Warn(msg string, args ...any) { l.slog.Warn(msg, args...) }

// Error logs at Error level.
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// Dropped returns how many records the exporter queue discarded because
// it was full.
func (l *Logger) Dropped() int64 {
	if l.queue == nil {
		return 0
	}
	return l.queue.dropped.Load()
}

// Close drains and closes the exporter, then syncs and closes the log
// file. Records logged after Close still reach the console.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.queue != nil {
		if err := l.queue.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
		l.file = nil
	}
	return errors.Join(errs...)
}

// =============================================================================
// Multi-Handler
// =============================================================================

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle sends r to every enabled handler and joins their errors.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// =============================================================================
// Built-in Exporters
// =============================================================================

// BufferedExporter keeps entries in memory. Tests use it to inspect what
// was logged.
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
	flushed bool
	closed  bool
}

// NewBufferedExporter creates an empty exporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{}
}

// Export appends entry.
func (e *BufferedExporter) Export(_ context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

// Flush records that it was called.
func (e *BufferedExporter) Flush(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushed = true
	return nil
}

// Close records that it was called.
func (e *BufferedExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Entries returns a copy of the collected entries.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LogEntry, len(e.entries))
	copy(out, e.entries)
	return out
}

// Closed reports whether Flush and Close were both called.
func (e *BufferedExporter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushed && e.closed
}

var (
	_ LogExporter  = (*BufferedExporter)(nil)
	_ slog.Handler = (*exportHandler)(nil)
	_ slog.Handler = (*multiHandler)(nil)
)
