// Copyright 2019 Intel Corporation. All Rights Reserved.
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

// Package log implements the leveled, per-source logging used throughout rtrm.
package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Level is the log message severity level below which we suppress messages.
type Level int32

const (
	// LevelDebug corresponds to debug messages.
	LevelDebug Level = iota
	// LevelInfo corresponds to informational messages.
	LevelInfo
	// LevelWarn corresponds to warning messages.
	LevelWarn
	// LevelError corresponds to error messages.
	LevelError
)

// LevelNames maps severity levels to names.
var LevelNames = map[Level]string{
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
}

// Logger is the interface for producing log messages for a single source.
type Logger interface {
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	Fatal(format string, args ...interface{})
	Panic(format string, args ...interface{})

	DebugEnabled() bool
	EnableDebug(bool)
	Debug(format string, args ...interface{})
	Block(fn func(string, ...interface{}), prefix string, format string, args ...interface{})
	DebugBlock(prefix string, format string, args ...interface{})
	InfoBlock(prefix string, format string, args ...interface{})
	WarnBlock(prefix string, format string, args ...interface{})
	ErrorBlock(prefix string, format string, args ...interface{})

	Stop()
}

// Backend is an entity that can emit formatted log messages.
type Backend interface {
	Name() string
	PrefixPreference() bool
	Info(message string)
	Warn(message string)
	Error(message string)
	Debug(message string)
	Flush()
}

// logger is our Logger implementation.
type logger struct {
	source  string
	enabled bool
	debug   bool
	level   Level
	prefix  string
}

var (
	mu        sync.Mutex
	loggers   = map[string]*logger{}
	backends  = map[string]Backend{}
	active    Backend
	srcAlign  int
	level     = LevelInfo
	debugAll  bool
	enableAll = true
)

// Get returns an existing logger for source or creates a new one.
func Get(source string) Logger {
	mu.Lock()
	defer mu.Unlock()
	return getLocked(source)
}

// NewLogger is an alias for Get, matching the teacher's naming.
func NewLogger(source string) Logger {
	return Get(source)
}

func getLocked(source string) Logger {
	source = strings.Trim(source, "[] ")
	if l, ok := loggers[source]; ok {
		return l
	}

	l := &logger{
		source:  source,
		enabled: enableAll,
		debug:   debugAll,
		level:   level,
	}
	loggers[source] = l

	if active == nil {
		selectBackendLocked("")
	}

	return l
}

// Stop unregisters a logger; further calls on it are no-ops.
func (l *logger) Stop() {
	mu.Lock()
	defer mu.Unlock()
	l.enabled = false
	delete(loggers, l.source)
}

// EnableDebug turns debug messages for this source on or off.
func (l *logger) EnableDebug(on bool) {
	mu.Lock()
	defer mu.Unlock()
	l.debug = on
}

// DebugEnabled reports whether debug messages are enabled for this source.
func (l *logger) DebugEnabled() bool {
	return l.debug
}

func (l *logger) shouldPrefix() bool {
	return active == nil || active.PrefixPreference()
}

func (l *logger) passthrough(lvl Level) bool {
	return (l.enabled && l.level <= lvl) || (lvl == LevelDebug && l.debug)
}

func (l *logger) formatMessage(format string, args ...interface{}) string {
	if len(l.source) > srcAlign {
		srcAlign = len(l.source)
		l.prefix = ""
		for _, o := range loggers {
			o.prefix = ""
		}
	}
	if l.prefix == "" {
		suf := (srcAlign - len(l.source)) / 2
		pre := srcAlign - (len(l.source) + suf)
		l.prefix = "[" + fmt.Sprintf("%-*s", pre, "") + l.source + fmt.Sprintf("%*s", suf, "") + "] "
	}

	prefix := ""
	if l.shouldPrefix() {
		prefix = l.prefix
	}
	return prefix + fmt.Sprintf(format, args...)
}

func (l *logger) Info(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if !l.passthrough(LevelInfo) {
		return
	}
	active.Info(l.formatMessage(format, args...))
}

func (l *logger) Warn(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if !l.passthrough(LevelWarn) {
		return
	}
	active.Warn(l.formatMessage(format, args...))
}

func (l *logger) Error(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if !l.passthrough(LevelError) {
		return
	}
	active.Error(l.formatMessage(format, args...))
}

func (l *logger) Fatal(format string, args ...interface{}) {
	mu.Lock()
	msg := l.formatMessage(format, args...)
	active.Error(msg)
	mu.Unlock()
	Flush()
	os.Exit(1)
}

func (l *logger) Panic(format string, args ...interface{}) {
	mu.Lock()
	msg := l.formatMessage(format, args...)
	active.Error(msg)
	mu.Unlock()
	panic(msg)
}

func (l *logger) Debug(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if !l.debug {
		return
	}
	active.Debug(l.formatMessage(format, args...))
}

// Block emits each line of a formatted, possibly multi-line message with fn.
func (l *logger) Block(fn func(string, ...interface{}), prefix string, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		fn("%s%s", prefix, line)
	}
}

func (l *logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	l.Block(l.Debug, prefix, format, args...)
}

func (l *logger) InfoBlock(prefix string, format string, args ...interface{}) {
	l.Block(l.Info, prefix, format, args...)
}

func (l *logger) WarnBlock(prefix string, format string, args ...interface{}) {
	l.Block(l.Warn, prefix, format, args...)
}

func (l *logger) ErrorBlock(prefix string, format string, args ...interface{}) {
	l.Block(l.Error, prefix, format, args...)
}

// defLogger is the default, unnamed logger.
var defLogger = NewLogger("rtrm")

// Default returns the default logger.
func Default() Logger { return defLogger }

// Info emits an info message with the default source.
func Info(format string, args ...interface{}) { defLogger.Info(format, args...) }

// Warn emits a warning message with the default source.
func Warn(format string, args ...interface{}) { defLogger.Warn(format, args...) }

// Error emits an error message with the default source.
func Error(format string, args ...interface{}) { defLogger.Error(format, args...) }

// Fatal emits a fatal message with the default source and exits.
func Fatal(format string, args ...interface{}) { defLogger.Fatal(format, args...) }

// Debug emits a debug message with the default source.
func Debug(format string, args ...interface{}) { defLogger.Debug(format, args...) }

// SetLevel sets the global minimum passthrough severity.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
	for _, o := range loggers {
		o.level = l
	}
}

// SetDebugAll toggles debugging for every source, overriding any per-source
// EnableDebug setting.
func SetDebugAll(on bool) {
	mu.Lock()
	defer mu.Unlock()
	debugAll = on
	for _, o := range loggers {
		o.debug = on
	}
}

// RegisterBackend registers a logger backend, activating it if selected.
func RegisterBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	backends[b.Name()] = b
	if active == nil {
		active = b
	}
}

// SelectBackend activates the named backend, falling back to fmt if unknown.
func SelectBackend(name string) {
	mu.Lock()
	defer mu.Unlock()
	selectBackendLocked(name)
}

func selectBackendLocked(name string) {
	if b, ok := backends[name]; ok {
		active = b
		return
	}
	if b, ok := backends[fmtBackendName]; ok {
		active = b
	}
}

// Flush flushes the active backend, if it buffers output.
func Flush() {
	mu.Lock()
	defer mu.Unlock()
	if active != nil {
		active.Flush()
	}
}

func init() {
	RegisterBackend(&fmtBackend{})
	binary := filepath.Clean(os.Args[0])
	defLogger = NewLogger(filepath.Base(binary))
}
