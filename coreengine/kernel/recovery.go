package kernel

import (
	"fmt"
	"runtime/debug"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
)

// SafeExecute runs fn and turns a panic into an error naming operation.
func SafeExecute(logger observability.Logger, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			observability.OrNop(logger).Error("panic_recovered",
				"operation", operation,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("panic in %s: %v", operation, r)
		}
	}()
	return fn()
}

// SafeExecuteWithResult is SafeExecute for functions returning a value.
// A panic yields the zero value.
func SafeExecuteWithResult[T any](logger observability.Logger, operation string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			observability.OrNop(logger).Error("panic_recovered",
				"operation", operation,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			var zero T
			result = zero
			err = fmt.Errorf("panic in %s: %v", operation, r)
		}
	}()
	return fn()
}

// SafeGo runs fn on a new goroutine. A panic is logged and handed to
// onPanic when set.
func SafeGo(logger observability.Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				observability.OrNop(logger).Error("goroutine_panic_recovered",
					"operation", operation,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
