package peer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ocppcore/ocpp-rpc/frame"
	"github.com/ocppcore/ocpp-rpc/middleware"
	"github.com/ocppcore/ocpp-rpc/rpcerror"
)

// fakeConn is a minimal wireConn whose reads are driven by the test and
// whose writes land on a channel the test can assert against, letting
// the RPC engine's logic be exercised without a real socket.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), out: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg, ok := <-c.in:
		if !ok {
			return 0, nil, errClosedFake
		}
		return 1, msg, nil
	case <-c.closed:
		return 0, nil, errClosedFake
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return errClosedFake
	}
}

func (c *fakeConn) WriteControl(_ int, _ []byte, _ time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error                 { return nil }
func (c *fakeConn) SetPongHandler(func(string) error)               {}
func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

type fakeConnClosedError struct{}

func (fakeConnClosedError) Error() string { return "fake conn closed" }

var errClosedFake = fakeConnClosedError{}

func newTestPeer(t *testing.T) (*Peer, *fakeConn) {
	t.Helper()
	p := New(Config{Identity: "CP-1", CallTimeout: time.Second})
	conn := newFakeConn()
	p.bindConn(conn, "ocpp1.6")
	t.Cleanup(func() { p.Close(CloseOptions{Force: true}) })
	return p, conn
}

func readOut(t *testing.T, conn *fakeConn) []byte {
	t.Helper()
	select {
	case data := <-conn.out:
		return data
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an outbound frame")
		return nil
	}
}

// TestBootRoundTrip exercises spec scenario 1: a registered handler's
// result round-trips back through Call as the resolved payload.
func TestBootRoundTrip(t *testing.T) {
	p, conn := newTestPeer(t)
	if err := p.Handle("Heartbeat", func(ctx *CallContext) (interface{}, error) {
		return map[string]string{"currentTime": "2024-01-01T00:00:00Z"}, nil
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	conn.in <- []byte(`[2,"m1","Heartbeat",{}]`)
	raw := readOut(t, conn)

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		t.Fatalf("unmarshaling reply envelope: %v", err)
	}
	if len(elems) != 3 {
		t.Fatalf("expected a 3-element CALLRESULT, got %d elements", len(elems))
	}
	var msgType int
	json.Unmarshal(elems[0], &msgType) //nolint:errcheck
	if msgType != int(frame.TypeCallResult) {
		t.Fatalf("expected CALLRESULT discriminant, got %d", msgType)
	}
}

// TestOutboundCallResolvesOnMatchingResult drives the client side: Call
// blocks until a CALLRESULT naming the same message id arrives.
func TestOutboundCallResolvesOnMatchingResult(t *testing.T) {
	p, conn := newTestPeer(t)

	type result struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan result, 1)
	go func() {
		payload, err := p.Call(context.Background(), "Heartbeat", map[string]string{})
		done <- result{payload, err}
	}()

	sentRaw := readOut(t, conn)
	var elems []json.RawMessage
	json.Unmarshal(sentRaw, &elems) //nolint:errcheck
	var msgID string
	json.Unmarshal(elems[1], &msgID) //nolint:errcheck

	reply, _ := json.Marshal(frame.CallResult{MessageID: msgID, Payload: json.RawMessage(`{"currentTime":"2024-01-01T00:00:00Z"}`)})
	conn.in <- reply

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Call returned an error: %v", r.err)
		}
		if string(r.payload) != `{"currentTime":"2024-01-01T00:00:00Z"}` {
			t.Fatalf("unexpected payload: %s", r.payload)
		}
	case <-time.After(time.Second):
		t.Fatal("Call never resolved")
	}
}

// TestCallTimeout exercises spec scenario 5: a call with no response
// rejects with TimeoutError once callTimeoutMs elapses.
func TestCallTimeout(t *testing.T) {
	p := New(Config{Identity: "CP-1", CallTimeout: 20 * time.Millisecond})
	conn := newFakeConn()
	p.bindConn(conn, "ocpp1.6")
	defer p.Close(CloseOptions{Force: true})

	_, err := p.Call(context.Background(), "SlowMethod", map[string]string{})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if _, ok := err.(*rpcerror.TimeoutError); !ok {
		t.Fatalf("expected *rpcerror.TimeoutError, got %T: %v", err, err)
	}
}

// TestDuplicateMessageID exercises spec scenario 3: a second CALL with
// the same msgId while the first is still pending gets RpcFrameworkError.
func TestDuplicateMessageID(t *testing.T) {
	p, conn := newTestPeer(t)
	release := make(chan struct{})
	if err := p.Handle("Slow", func(ctx *CallContext) (interface{}, error) {
		<-release
		return map[string]string{}, nil
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	conn.in <- []byte(`[2,"dup","Slow",{}]`)
	time.Sleep(50 * time.Millisecond) // let the first dispatch claim the pending-response slot
	conn.in <- []byte(`[2,"dup","Slow",{}]`)

	raw := readOut(t, conn)
	var elems []json.RawMessage
	json.Unmarshal(raw, &elems) //nolint:errcheck
	var code string
	json.Unmarshal(elems[2], &code) //nolint:errcheck
	if code != string(rpcerror.RPCFrameworkError) {
		t.Fatalf("expected RpcFrameworkError for the duplicate, got %s", code)
	}
	close(release)
}

// TestMalformedFrameRecoversID exercises spec scenario 4.
func TestMalformedFrameRecoversID(t *testing.T) {
	p, conn := newTestPeer(t)

	conn.in <- []byte(`[2, "x1", "BootNotification", {]`)
	raw := readOut(t, conn)

	var elems []json.RawMessage
	json.Unmarshal(raw, &elems) //nolint:errcheck
	var msgID, code string
	json.Unmarshal(elems[1], &msgID) //nolint:errcheck
	json.Unmarshal(elems[2], &code) //nolint:errcheck
	if msgID != "x1" || code != string(rpcerror.FormatViolation) {
		t.Fatalf("expected FormatViolation for recovered id x1, got id=%s code=%s", msgID, code)
	}
	if p.BadMessageCount() != 1 {
		t.Fatalf("expected badMessageCount 1, got %d", p.BadMessageCount())
	}
}

// TestMalformedFrameNoRecoverableID confirms garbage with no
// recoverable id still counts as a bad message but sends no frame.
func TestMalformedFrameNoRecoverableID(t *testing.T) {
	p, conn := newTestPeer(t)

	conn.in <- []byte(`not json at all`)
	time.Sleep(50 * time.Millisecond)

	select {
	case raw := <-conn.out:
		t.Fatalf("expected no outbound frame, got %s", raw)
	default:
	}
	if p.BadMessageCount() != 1 {
		t.Fatalf("expected badMessageCount 1, got %d", p.BadMessageCount())
	}
}

func TestHandlerRegistryDuplicateErrors(t *testing.T) {
	p := New(Config{Identity: "CP-1"})
	if err := p.Handle("A", func(*CallContext) (interface{}, error) { return nil, nil }); err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	if err := p.Handle("A", func(*CallContext) (interface{}, error) { return nil, nil }); err == nil {
		t.Fatal("expected an error registering a duplicate handler")
	}
	if err := p.HandleWildcard(func(*CallContext) (interface{}, error) { return nil, nil }); err != nil {
		t.Fatalf("first HandleWildcard: %v", err)
	}
	if err := p.HandleWildcard(func(*CallContext) (interface{}, error) { return nil, nil }); err == nil {
		t.Fatal("expected an error registering a second wildcard")
	}
}

// TestRemoveHandlerThenCallFails exercises the round-trip law from §8:
// handle, removeHandler, call → NotImplemented.
func TestRemoveHandlerThenCallFails(t *testing.T) {
	p, conn := newTestPeer(t)
	if err := p.Handle("Foo", func(*CallContext) (interface{}, error) { return map[string]string{}, nil }); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	p.RemoveHandler("Foo")

	conn.in <- []byte(`[2,"m9","Foo",{}]`)
	raw := readOut(t, conn)

	var elems []json.RawMessage
	json.Unmarshal(raw, &elems) //nolint:errcheck
	var code string
	json.Unmarshal(elems[2], &code) //nolint:errcheck
	if code != string(rpcerror.NotImplemented) {
		t.Fatalf("expected NotImplemented, got %s", code)
	}
}

func TestValidCloseCode(t *testing.T) {
	cases := map[int]int{1000: 1000, 1001: 1001, 1004: 1000, 1005: 1000, 1006: 1000, 4999: 4999, 5000: 1000, 999: 1000}
	for in, want := range cases {
		if got := validCloseCode(in); got != want {
			t.Errorf("validCloseCode(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestIsIntolerable(t *testing.T) {
	if !isIntolerable(errTest("Server sent no subprotocol")) {
		t.Fatal("expected intolerable error to be detected")
	}
	if isIntolerable(errTest("connection reset by peer")) {
		t.Fatal("expected an ordinary error to not be intolerable")
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }

func TestScaleCallConcurrencyFloorsAtOne(t *testing.T) {
	p := New(Config{Identity: "CP-1", CallConcurrency: 4})
	if got := p.BaseCallConcurrency(); got != 4 {
		t.Fatalf("BaseCallConcurrency() = %d, want 4", got)
	}
	p.ScaleCallConcurrency(0.25)
	if got := p.queue.Concurrency(); got != 1 {
		t.Fatalf("ScaleCallConcurrency(0.25) -> queue concurrency = %d, want 1", got)
	}
	p.ScaleCallConcurrency(1.0)
	if got := p.queue.Concurrency(); got != 4 {
		t.Fatalf("ScaleCallConcurrency(1.0) -> queue concurrency = %d, want 4", got)
	}
}

// TestCallErrorRunsThroughMiddleware confirms handleCallError executes
// the IncomingError middleware context the same way handleCallResult
// executes IncomingResult, and that a middleware-replaced error is what
// reaches the caller's Call.
func TestCallErrorRunsThroughMiddleware(t *testing.T) {
	replaced := errTest("replaced by middleware")
	mw := func(ctx *middleware.Context, next middleware.Next) (interface{}, error) {
		if ctx.Type != middleware.IncomingError {
			return next(ctx)
		}
		ctx.Err = replaced
		return next(ctx)
	}

	p := New(Config{Identity: "CP-1", CallTimeout: time.Second, Middlewares: middleware.New(mw)})
	conn := newFakeConn()
	p.bindConn(conn, "ocpp1.6")
	t.Cleanup(func() { p.Close(CloseOptions{Force: true}) })

	errC := make(chan error, 1)
	go func() {
		_, err := p.Call(context.Background(), "Heartbeat", map[string]string{})
		errC <- err
	}()

	raw := readOut(t, conn)
	var elems []json.RawMessage
	json.Unmarshal(raw, &elems) //nolint:errcheck
	var msgID string
	json.Unmarshal(elems[1], &msgID) //nolint:errcheck

	errFrame, _ := json.Marshal(frame.CallError{MessageID: msgID, ErrorCode: "InternalError", ErrorDescription: "boom"})
	conn.in <- errFrame

	select {
	case err := <-errC:
		if err != replaced {
			t.Fatalf("expected the middleware-replaced error to reach Call, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Call to resolve")
	}
}
