// Package kernel provides the process-level guards shared by the serving layers:
// panic recovery, per-chat rate limiting and periodic cleanup of in-memory state.
package kernel

import (
	"fmt"
	"runtime/debug"
)

// Logger is the subset of the engine logger the kernel needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// PanicError is returned when a guarded function panics.
type PanicError struct {
	Operation string
	Value     any
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.Value)
}

func recovered(logger Logger, event, operation string, r any) *PanicError {
	pe := &PanicError{Operation: operation, Value: r, Stack: string(debug.Stack())}
	if logger != nil {
		logger.Error(event,
			"operation", operation,
			"panic", fmt.Sprint(r),
			"stack", pe.Stack,
		)
	}
	return pe
}

// SafeExecute runs fn, converting a panic into a *PanicError.
func SafeExecute(logger Logger, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(logger, "panic_recovered", operation, r)
		}
	}()
	return fn()
}

// SafeExecuteWithResult runs fn, converting a panic into a *PanicError and the zero T.
func SafeExecuteWithResult[T any](logger Logger, operation string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			result = zero
			err = recovered(logger, "panic_recovered", operation, r)
		}
	}()
	return fn()
}

// SafeGo runs fn on a new goroutine. A panic is logged and handed to onPanic.
func SafeGo(logger Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				recovered(logger, "goroutine_panic_recovered", operation, r)
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
