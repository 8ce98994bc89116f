// Copyright The Quo-Vadis Authors. All Rights Reserved.
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

// Package log provides a source-tagged logging front end for quo-vadis.
// Each subsystem obtains its own named Logger; per-source debugging can be
// toggled at runtime or seeded from the environment.
package log

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Logger is the interface for producing log messages for a specific source.
type Logger interface {
	// Debug formats and emits a debug message, if debugging is enabled
	// for this source.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and exits the process.
	Fatal(format string, args ...interface{})
	// DebugEnabled checks if debug messages are enabled for this source.
	DebugEnabled() bool
	// Source returns the source name of this logger.
	Source() string
}

// logging encapsulates the state of the logging front end.
type logging struct {
	sync.RWMutex
	loggers map[string]logger
	dbgmap  srcmap
}

// logger implements Logger for a single source.
type logger struct {
	source string
}

var log = &logging{
	loggers: make(map[string]logger),
}

const (
	// DefaultSource is the source of the default Logger.
	DefaultSource = "quo-vadis"
)

// Get returns the Logger for the given source, creating it if necessary.
func Get(source string) Logger {
	log.Lock()
	defer log.Unlock()
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return Get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return Get(DefaultSource)
}

// EnableDebug enables debug logging for the given source, returning its
// previous state.
func EnableDebug(source string) bool {
	return log.setDebug(source, true)
}

// DisableDebug disables debug logging for the given source, returning its
// previous state.
func DisableDebug(source string) bool {
	return log.setDebug(source, false)
}

// DebugEnabled reports whether debug logging is enabled for the source.
func DebugEnabled(source string) bool {
	log.RLock()
	defer log.RUnlock()
	return log.dbgmap.enabled(source)
}

func (l *logging) get(source string) logger {
	if lg, ok := l.loggers[source]; ok {
		return lg
	}
	lg := logger{source: source}
	l.loggers[source] = lg
	return lg
}

func (l *logging) setDebug(source string, enabled bool) bool {
	l.Lock()
	defer l.Unlock()
	old := l.dbgmap.enabled(source)
	if l.dbgmap == nil {
		l.dbgmap = make(srcmap)
	}
	l.dbgmap[source] = enabled
	return old
}

func (l logger) prefix(msg string) string {
	return l.source + ": " + msg
}

func (l logger) Debug(format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	klog.InfoDepth(1, l.prefix("D: "+fmt.Sprintf(format, args...)))
}

func (l logger) Info(format string, args ...interface{}) {
	klog.InfoDepth(1, l.prefix(fmt.Sprintf(format, args...)))
}

func (l logger) Warn(format string, args ...interface{}) {
	klog.WarningDepth(1, l.prefix(fmt.Sprintf(format, args...)))
}

func (l logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.prefix(fmt.Sprintf(format, args...)))
}

func (l logger) Fatal(format string, args ...interface{}) {
	klog.FatalDepth(1, l.prefix(fmt.Sprintf(format, args...)))
}

func (l logger) DebugEnabled() bool {
	log.RLock()
	defer log.RUnlock()
	return log.dbgmap.enabled(l.source)
}

func (l logger) Source() string {
	return l.source
}

// loggerError produces a formatted logging-internal error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
