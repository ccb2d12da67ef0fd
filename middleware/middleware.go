// Package middleware implements the Middleware Stack (§4.5): an
// ordered, composable chain of interceptors applied uniformly around
// outgoing calls, incoming calls, incoming results and incoming
// errors.
package middleware

import "fmt"

// Type identifies which of the four RPC operations a Context wraps.
type Type int

// The four middleware contexts (§4.5).
const (
	OutgoingCall Type = iota
	IncomingCall
	IncomingResult
	IncomingError
)

func (t Type) String() string {
	switch t {
	case OutgoingCall:
		return "outgoing_call"
	case IncomingCall:
		return "incoming_call"
	case IncomingResult:
		return "incoming_result"
	case IncomingError:
		return "incoming_error"
	default:
		return "unknown"
	}
}

// Context is the mutable value threaded through the middleware chain.
// Type and MessageID are read-only by convention. The engine reads
// Method back from the context when it sends an outgoing call or
// resolves the handler of an incoming one, and Protocol when it
// resolves that handler. Params and Payload may be replaced by a
// middleware in place, and the replacement is what is ultimately sent
// (outgoing) or delivered to the local caller (incoming), per §4.5 and
// Open Question #2 (DESIGN.md).
type Context struct {
	Type      Type
	MessageID string
	Method    string
	Protocol  string

	// Params holds the outgoing_call / incoming_call request body.
	Params interface{}
	// Payload holds the incoming_result response body.
	Payload interface{}
	// Err holds the incoming_error value; a CALLERROR's decoded error.
	Err error
}

// Next is the continuation a Middleware calls to proceed to the next
// link in the chain, terminating in the engine's actual send/dispatch
// action.
type Next func(ctx *Context) (interface{}, error)

// Middleware is a single interceptor. It may inspect or mutate ctx,
// call next at most once, and may return an error instead of (or
// having) calling next, short-circuiting the chain.
type Middleware func(ctx *Context, next Next) (interface{}, error)

// ErrNextCalledTwice is the usage error raised when a Middleware calls
// next more than once (§4.5).
var ErrNextCalledTwice = fmt.Errorf("middleware: next called more than once")

// Stack is an ordered list of Middleware, composed around a terminal
// action.
type Stack struct {
	chain []Middleware
}

// New builds a Stack from middlewares in registration order: the
// first middleware in the slice is outermost (runs first on the way
// in, last on the way out).
func New(chain ...Middleware) *Stack {
	s := &Stack{chain: append([]Middleware(nil), chain...)}
	return s
}

// Use appends middleware(s) to the end of the chain (innermost,
// closest to terminal).
func (s *Stack) Use(mw ...Middleware) {
	s.chain = append(s.chain, mw...)
}

// Middlewares returns a copy of the registered chain, in registration
// order. Used by callers that need to concatenate two stacks (e.g. a
// server's per-route middlewares with its server-level ones) rather
// than execute one directly.
func (s *Stack) Middlewares() []Middleware {
	return append([]Middleware(nil), s.chain...)
}

// Execute runs the chain around terminal for ctx. A middleware calling
// next twice is a usage error: it is caught here and surfaced as
// ErrNextCalledTwice rather than crashing the caller's goroutine.
func (s *Stack) Execute(ctx *Context, terminal Next) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			if panicErr, ok := r.(error); ok && panicErr == ErrNextCalledTwice {
				result, err = nil, ErrNextCalledTwice
				return
			}
			panic(r)
		}
	}()
	return s.build(0, terminal)(ctx)
}

func (s *Stack) build(i int, terminal Next) Next {
	if i >= len(s.chain) {
		return terminal
	}
	mw := s.chain[i]
	rest := s.build(i+1, terminal)
	return func(ctx *Context) (interface{}, error) {
		calls := 0
		guarded := func(ctx *Context) (interface{}, error) {
			calls++
			if calls > 1 {
				panic(ErrNextCalledTwice)
			}
			return rest(ctx)
		}
		return mw(ctx, guarded)
	}
}
