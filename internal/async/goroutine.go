// Package async starts background goroutines that never crash the
// process on panic.
package async

import "runtime/debug"

// PanicLogger receives panic reports from background goroutines.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn on its own goroutine. A panic inside fn is logged with its
// stack and swallowed; a nil logger drops the report.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if logger != nil {
				logger.Error("panic in goroutine %q: %v\n%s", name, r, debug.Stack())
			}
		}()
		fn()
	}()
}
