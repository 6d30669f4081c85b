// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging configures structured logging for the runtime. It mirrors
// the teacher's logger package: a slog handler wrapper that passes
// debug-level records only when they come from this module's own packages,
// plus a ParseLevel helper for config/CLI wiring.
package logging

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

const modulePackagePrefix = "hectorcore"

// ParseLevel converts a string log level to slog.Level. Unrecognized values
// fall back to warn, matching the teacher's conservative default.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "":
		return slog.LevelInfo, nil
	default:
		return slog.LevelWarn, nil
	}
}

// filteringHandler passes every record at or above minLevel, except that
// debug-level records pass only when a frame of the calling stack lies under
// modulePackagePrefix, so enabling debug logging isn't flooded by the debug
// output of third-party (non-module) code.
type filteringHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < h.minLevel {
		return false
	}
	if level >= slog.LevelDebug && level < slog.LevelInfo {
		return h.isOwnPackage()
	}
	return true
}

func (h *filteringHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filteringHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

// isOwnPackage inspects the caller stack for a frame under modulePackagePrefix.
func (h *filteringHandler) isOwnPackage() bool {
	var pcs [16]uintptr
	n := runtime.Callers(4, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if strings.HasPrefix(frame.Function, modulePackagePrefix) {
			return true
		}
		if !more {
			break
		}
	}
	return false
}

// New builds the root logger for the process at the given level, writing
// JSON records to os.Stderr.
func New(level slog.Level) *slog.Logger {
	handler := &filteringHandler{
		handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		minLevel: level,
	}
	return slog.New(handler)
}

// WithRun returns a logger scoped to a single run, attaching run_id and
// (optionally) session_id as structured fields carried on every record.
func WithRun(logger *slog.Logger, runID, sessionID string) *slog.Logger {
	attrs := []any{"run_id", runID}
	if sessionID != "" {
		attrs = append(attrs, "session_id", sessionID)
	}
	return logger.With(attrs...)
}
