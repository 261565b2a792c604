// Package goroutine launches background loops that survive panics.
package goroutine

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// SafeGo runs fn in a goroutine. A panic is logged with its stack instead of crashing the process.
func SafeGo(log *slog.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("goroutine panicked",
					"goroutine", name,
					"panic", fmt.Sprintf("%v", r),
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}
