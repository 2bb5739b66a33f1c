package util

import (
	"runtime/debug"

	"github.com/encabox/encabox/internal/logging"
)

// SafeGo runs fn in a goroutine that logs and swallows panics.
func SafeGo(fn func()) {
	SafeGoWithName("", fn)
}

// SafeGoWithName is SafeGo with a goroutine name attached to the panic log.
//
//	util.SafeGoWithName("ws-hub", hub.Run)
func SafeGoWithName(name string, fn func()) {
	go func() {
		defer recoverPanic(name)
		fn()
	}()
}

// SafeGoDone is SafeGoWithName returning a channel closed once fn returns
// or panics.
func SafeGoDone(name string, fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer recoverPanic(name)
		fn()
	}()
	return done
}

func recoverPanic(name string) {
	r := recover()
	if r == nil {
		return
	}
	args := []any{"panic", r, "stack", string(debug.Stack())}
	if name != "" {
		args = append([]any{"goroutine", name}, args...)
	}
	logging.Error("goroutine panic recovered", args...)
}
