// Package safego starts background goroutines that cannot take the process
// down with them.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go runs fn in a new goroutine labelled task. A panic inside fn is recovered
// and logged together with its stack.
func Go(task string, fn func()) {
	go func() {
		defer Recover(task)
		fn()
	}()
}

// Recover logs and swallows a panic. It must be deferred directly.
func Recover(task string) {
	if r := recover(); r != nil {
		slog.Error("recovered panic in background goroutine",
			"task", task,
			"panic", r,
			"stack", string(debug.Stack()))
	}
}
