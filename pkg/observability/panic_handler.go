package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with the full stack.
// Used in defer statements by sweep runners so a panicking sweep never
// takes down the scheduler process:
//
//	defer observability.RecoverPanic(logger, "overdue sweep")
//
// After logging, the panic is NOT re-raised.
func RecoverPanic(logger *Logger, context string) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("context", context).
			Error("PANIC recovered")
	}
}

// MustRecover converts a recovered panic value to an error. Job handlers
// run under this so a panicking handler becomes a failed job feeding the
// normal retry path rather than a crashed drain:
//
//	defer func() {
//	    if rerr := observability.MustRecover(recover()); rerr != nil {
//	        err = rerr
//	    }
//	}()
func MustRecover(r interface{}) error {
	if r != nil {
		return fmt.Errorf("panic: %v", r)
	}
	return nil
}
