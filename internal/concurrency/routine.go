package concurrency

import (
	"log/slog"
	"runtime/debug"
)

// SafeGo runs a function in a goroutine with panic recovery.
func SafeGo(fn func(), onPanic func(interface{})) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				slog.Error("Panic recovered", "panic", r, "stack", string(stack))
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}

// SafeCall invokes fn synchronously with panic recovery, returning the
// recovered value so a polling loop can log it and move on instead of dying.
func SafeCall(fn func()) (recovered interface{}) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			slog.Error("Panic recovered", "panic", r, "stack", string(stack))
			recovered = r
		}
	}()
	fn()
	return nil
}
