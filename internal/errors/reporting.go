// Package errors - optional error reporting integration
package errors

import (
	"sync"
	"sync/atomic"
)

// Reporter is an interface for delivering enhanced errors to an external sink,
// for example an event bus feeding the sensor status display.
type Reporter interface {
	ReportError(ee *EnhancedError)
	IsEnabled() bool
}

// ErrorHook is a callback invoked for every enhanced error that is built
// while reporting is active.
type ErrorHook func(ee *EnhancedError)

var (
	reporterMu         sync.RWMutex
	activeReporter     Reporter
	errorHooks         []ErrorHook
	hasActiveReporting atomic.Bool
)

// SetReporter installs the active error reporter. Passing nil disables
// reporter delivery; hooks remain active if any are registered.
func SetReporter(r Reporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	activeReporter = r
	updateActiveReporting()
}

// AddErrorHook registers a callback invoked for every built enhanced error.
func AddErrorHook(hook ErrorHook) {
	if hook == nil {
		return
	}
	reporterMu.Lock()
	defer reporterMu.Unlock()
	errorHooks = append(errorHooks, hook)
	updateActiveReporting()
}

// ClearErrorHooks removes all registered error hooks.
func ClearErrorHooks() {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	errorHooks = nil
	updateActiveReporting()
}

// updateActiveReporting recomputes the fast-path flag. Callers must hold reporterMu.
func updateActiveReporting() {
	active := len(errorHooks) > 0
	if activeReporter != nil && activeReporter.IsEnabled() {
		active = true
	}
	hasActiveReporting.Store(active)
}

// report delivers an enhanced error to the reporter and hooks.
func report(ee *EnhancedError) {
	reporterMu.RLock()
	r := activeReporter
	hooks := errorHooks
	reporterMu.RUnlock()

	if r != nil && r.IsEnabled() && !ee.IsReported() {
		r.ReportError(ee)
		ee.MarkReported()
	}

	for _, hook := range hooks {
		hook(ee)
	}
}
