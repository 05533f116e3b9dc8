// safego.go — Panic-recovering goroutine launcher for the gateway's
// background loops (session reaper, pool maintainer, stats pusher). A
// panic in one of those must not take the whole gateway process down with
// every live session in it.
package util

import (
	"runtime/debug"

	"github.com/rs/zerolog/log"
)

// SafeGo launches fn in a goroutine with deferred panic recovery. On
// panic the stack trace is logged and the goroutine ends; the process
// stays up.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("goroutine", name).Interface("panic", r).
					Str("stack", string(debug.Stack())).Msg("background goroutine panicked")
			}
		}()
		fn()
	}()
}
