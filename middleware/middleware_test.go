package middleware

import (
	"errors"
	"testing"
)

func terminalEcho(ctx *Context) (interface{}, error) {
	return ctx.Params, nil
}

func TestExecuteRunsInOrder(t *testing.T) {
	var order []string
	mw1 := func(ctx *Context, next Next) (interface{}, error) {
		order = append(order, "mw1-in")
		r, err := next(ctx)
		order = append(order, "mw1-out")
		return r, err
	}
	mw2 := func(ctx *Context, next Next) (interface{}, error) {
		order = append(order, "mw2-in")
		r, err := next(ctx)
		order = append(order, "mw2-out")
		return r, err
	}
	s := New(mw1, mw2)
	_, err := s.Execute(&Context{Type: OutgoingCall}, terminalEcho)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"mw1-in", "mw2-in", "mw2-out", "mw1-out"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestMiddlewareCanMutateParamsInPlace(t *testing.T) {
	mw := func(ctx *Context, next Next) (interface{}, error) {
		ctx.Params = "mutated"
		return next(ctx)
	}
	s := New(mw)
	result, err := s.Execute(&Context{Type: OutgoingCall, Params: "original"}, terminalEcho)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "mutated" {
		t.Fatalf("expected terminal to observe mutated params, got %v", result)
	}
}

func TestMiddlewareShortCircuitsWithError(t *testing.T) {
	boom := errors.New("boom")
	mw := func(ctx *Context, next Next) (interface{}, error) {
		return nil, boom
	}
	called := false
	terminal := func(ctx *Context) (interface{}, error) {
		called = true
		return nil, nil
	}
	s := New(mw)
	_, err := s.Execute(&Context{}, terminal)
	if err != boom {
		t.Fatalf("expected boom error, got %v", err)
	}
	if called {
		t.Fatalf("terminal must not run after short-circuit")
	}
}

func TestMiddlewareCallingNextTwiceIsUsageError(t *testing.T) {
	mw := func(ctx *Context, next Next) (interface{}, error) {
		next(ctx) //nolint:errcheck
		return next(ctx)
	}
	s := New(mw)
	_, err := s.Execute(&Context{}, terminalEcho)
	if err != ErrNextCalledTwice {
		t.Fatalf("expected ErrNextCalledTwice, got %v", err)
	}
}

func TestEmptyStackRunsTerminal(t *testing.T) {
	s := New()
	result, err := s.Execute(&Context{Params: "p"}, terminalEcho)
	if err != nil || result != "p" {
		t.Fatalf("expected terminal passthrough, got %v, %v", result, err)
	}
}
