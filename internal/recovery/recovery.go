// internal/recovery/recovery.go
package recovery

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"
)

// ErrPanic wraps a panic recovered by Guard.
var ErrPanic = errors.New("recovered panic")

// HandlePanic should be deferred at the top of main() or goroutines.
// It logs panic details and exits with code 1.
func HandlePanic() {
	if r := recover(); r != nil {
		_, _ = fmt.Fprintf(os.Stderr, "FATAL: %v\n\nStack trace:\n%s\n", r, debug.Stack())
		os.Exit(1)
	}
}

// HandlePanicFunc logs panic details and calls the provided cleanup function.
func HandlePanicFunc(cleanup func()) {
	if r := recover(); r != nil {
		_, _ = fmt.Fprintf(os.Stderr, "FATAL: %v\n\nStack trace:\n%s\n", r, debug.Stack())
		if cleanup != nil {
			cleanup()
		}
		os.Exit(1)
	}
}

// Guard runs fn and turns a panic into an error wrapping ErrPanic, so a
// processing loop can stop cleanly and flush what it has recorded.
//
//	err := recovery.Guard(func() error {
//		return loop(ctx)
//	})
func Guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
		}
	}()
	return fn()
}
