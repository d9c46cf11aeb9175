// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ftilog provides leveled logging for every engine component.
//
// Unlike a generic backend service, an engine is instantiated once per
// rank and many ranks run inside the same test binary (see the engine
// package's multi-rank tests), so the level is kept per-Logger rather
// than as a single process-wide global: each rank can be muted or turned
// up independently without racing the others.
//
// Uses the same prefix convention as systemd's sd-daemon, so output still
// makes sense when stderr is collected by journald on a real cluster:
// https://www.freedesktop.org/software/systemd/man/sd-daemon.html
package ftilog

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
)

// Level orders verbosity from most to least chatty.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelCrit
)

var prefixes = map[Level]string{
	LevelDebug: "<7>[DEBUG]    ",
	LevelInfo:  "<6>[INFO]     ",
	LevelWarn:  "<4>[WARNING]  ",
	LevelError: "<3>[ERROR]    ",
	LevelCrit:  "<2>[CRITICAL] ",
}

// ParseLevel maps a config string to a Level, defaulting to LevelInfo for
// an unrecognized value.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "err", "error":
		return LevelError
	case "crit", "critical":
		return LevelCrit
	default:
		return LevelInfo
	}
}

// Logger writes leveled, prefixed lines to an io.Writer. Safe for
// concurrent use; the level can be changed at runtime via SetLevel.
type Logger struct {
	out   io.Writer
	tag   string
	level atomic.Int32
}

// New returns a Logger tagged with component, e.g. "[HEAD]" or "[L3]". The
// tag is inserted between the level prefix and the message.
func New(component string, level Level) *Logger {
	l := &Logger{out: os.Stderr, tag: component}
	l.level.Store(int32(level))
	return l
}

// SetOutput redirects the logger; tests point this at a bytes.Buffer.
func (l *Logger) SetOutput(w io.Writer) { l.out = w }

// SetLevel changes the minimum level emitted.
func (l *Logger) SetLevel(level Level) { l.level.Store(int32(level)) }

func (l *Logger) enabled(level Level) bool {
	return int32(level) >= l.level.Load()
}

func (l *Logger) emit(level Level, msg string) {
	if !l.enabled(level) {
		return
	}
	fmt.Fprintf(l.out, "%s%s %s\n", prefixes[level], l.tag, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.emit(LevelDebug, fmt.Sprintf(format, args...)) }
func (l *Logger) Infof(format string, args ...any)  { l.emit(LevelInfo, fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...any)  { l.emit(LevelWarn, fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...any) { l.emit(LevelError, fmt.Sprintf(format, args...)) }
func (l *Logger) Critf(format string, args ...any)  { l.emit(LevelCrit, fmt.Sprintf(format, args...)) }

// Fatalf logs at LevelCrit regardless of the configured level, then exits
// the process. Reserved for Init-time configuration failures.
func (l *Logger) Fatalf(format string, args ...any) {
	fmt.Fprintf(l.out, "%s%s %s\n", prefixes[LevelCrit], l.tag, fmt.Sprintf(format, args...))
	os.Exit(1)
}
