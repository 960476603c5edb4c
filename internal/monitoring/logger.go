// Package monitoring holds the diagnostic logger shared by the orchestrator
// packages.
package monitoring

import (
	"log"
	"sync"
)

var (
	mu   sync.RWMutex
	logf = log.Printf
)

// Logf writes a diagnostic line through the current package logger. It
// defaults to log.Printf but may be replaced by SetLogger, which lets tests
// redirect or mute output.
func Logf(format string, v ...interface{}) {
	mu.RLock()
	f := logf
	mu.RUnlock()
	f(format, v...)
}

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		logf = func(string, ...interface{}) {}
		return
	}
	logf = f
}

// Logger prefixes every line with a component tag, e.g. "[scheduler] ".
type Logger struct {
	prefix string
}

// Component returns a Logger tagged with name.
func Component(name string) Logger {
	return Logger{prefix: "[" + name + "] "}
}

// Printf logs through Logf with the component prefix.
func (l Logger) Printf(format string, v ...interface{}) {
	Logf(l.prefix+format, v...)
}
