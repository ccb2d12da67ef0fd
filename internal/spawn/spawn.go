// Package spawn wraps goroutine and timer creation with panic
// recovery and logging, adapted from the teacher's
// util/panics.GoroutineWrapperFunc idiom. Every long-lived goroutine
// in peer/, server/ and adaptive/ is started through this package so a
// single handler's panic can't silently kill the process.
package spawn

import (
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/ocppcore/ocpp-rpc/logger"
)

const panicHandlerTimeout = 5 * time.Second

func handlePanic(log *logger.Logger, stackTrace []byte) {
	err := recover()
	if err == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		log.Criticalf("fatal error: %+v", err)
		if stackTrace != nil {
			log.Criticalf("goroutine stack trace: %s", stackTrace)
		}
		log.Criticalf("stack trace: %s", debug.Stack())
		close(done)
	}()

	select {
	case <-time.After(panicHandlerTimeout):
		fmt.Fprintln(os.Stderr, "couldn't log a recovered panic in time")
	case <-done:
	}
}

// Go runs f in a new goroutine, recovering and logging any panic
// instead of letting it crash the process.
func Go(log *logger.Logger, f func()) {
	stackTrace := debug.Stack()
	go func() {
		defer handlePanic(log, stackTrace)
		f()
	}()
}

// AfterFunc is the panic-safe equivalent of time.AfterFunc.
func AfterFunc(log *logger.Logger, d time.Duration, f func()) *time.Timer {
	stackTrace := debug.Stack()
	return time.AfterFunc(d, func() {
		defer handlePanic(log, stackTrace)
		f()
	})
}
