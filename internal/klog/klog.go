// Package klog provides the process-wide structured logger used across the
// kernel core. Every subsystem pulls its logger from here rather than
// constructing its own, matching the lazy-init-with-gate pattern the runtime
// uses for its other global singletons (module registry, credit ledger).
package klog

import (
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	logger *zap.SugaredLogger
)

// L returns the process-wide sugared logger, constructing it on first use.
func L() *zap.SugaredLogger {
	once.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.DisableStacktrace = true
		z, err := cfg.Build()
		if err != nil {
			z = zap.NewNop()
		}
		logger = z.Sugar()
	})
	return logger
}

// SetForTest installs a test-scoped logger (typically zap.NewNop().Sugar())
// and returns a restore function.
func SetForTest(l *zap.SugaredLogger) func() {
	once.Do(func() {}) // ensure the gate is considered fired
	prev := logger
	logger = l
	return func() { logger = prev }
}

// Named returns a child logger tagged with the given subsystem name.
func Named(subsystem string) *zap.SugaredLogger {
	return L().Named(subsystem)
}
