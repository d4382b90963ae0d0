// Package nlog provides the process-wide structured logger for Nancy.
//
// It wraps zap with an environment-switched Production/Development
// config constructed once at startup, plus named per-component child
// loggers and a lightweight latency timer.
package nlog

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Environment selects the base zap configuration.
type Environment string

const (
	// Production uses zap.NewProduction (JSON, info level and above).
	Production Environment = "production"
	// Development uses zap.NewDevelopment (console, debug level and above).
	Development Environment = "development"
)

var (
	mu   sync.RWMutex
	base *zap.Logger
)

// Init constructs the process-wide base logger exactly once. Subsequent
// calls are no-ops so that components started after the lifecycle
// manager's startup phase never silently reconfigure logging.
func Init(env Environment) error {
	mu.Lock()
	defer mu.Unlock()

	if base != nil {
		return nil
	}

	var l *zap.Logger
	var err error
	switch env {
	case Production:
		l, err = zap.NewProduction()
	default:
		l, err = zap.NewDevelopment()
	}
	if err != nil {
		return err
	}
	base = l
	return nil
}

// Sync flushes any buffered log entries. Call during shutdown.
func Sync() {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l != nil {
		_ = l.Sync()
	}
}

// For returns a named child logger for a component. If Init has not
// been called yet, a no-op logger is used so packages can log
// unconditionally without a nil check.
func For(component string) *zap.SugaredLogger {
	mu.RLock()
	l := base
	mu.RUnlock()

	if l == nil {
		l = zap.NewNop()
	}
	return l.Named(component).Sugar()
}

// Timer measures and logs the latency of an operation at Debug level
// when stopped.
type Timer struct {
	log   *zap.SugaredLogger
	op    string
	start time.Time
}

// StartTimer begins timing an operation for the given component.
func StartTimer(component, op string) *Timer {
	return &Timer{log: For(component), op: op, start: time.Now()}
}

// Stop logs the elapsed duration since StartTimer was called.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.log.Debugw("operation timing", "op", t.op, "duration", time.Since(t.start))
}
