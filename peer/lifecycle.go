package peer

import (
	"context"
	"encoding/base64"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/btcsuite/websocket"
	"github.com/pkg/errors"

	"github.com/ocppcore/ocpp-rpc/frame"
	"github.com/ocppcore/ocpp-rpc/internal/spawn"
	"github.com/ocppcore/ocpp-rpc/rpcerror"
)

// intolerableErrors stop reconnection immediately with a permanent
// close, per §4.10 "Reconnection".
var intolerableErrors = []string{
	"Maximum redirects exceeded",
	"Server sent no subprotocol",
	"Server sent an invalid subprotocol",
	"Server sent a subprotocol but none was requested",
	"Invalid Sec-WebSocket-Accept header",
}

func isIntolerable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range intolerableErrors {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Connect dials the configured Endpoint and blocks until the
// connection is OPEN (negotiated) or the dial definitively fails
// (§4.10 "CLOSED connect() → CONNECTING").
func (p *Peer) Connect(ctx context.Context) error {
	p.setState(StateConnecting)
	p.emit(Event{Type: EventConnecting})
	return p.dial(ctx)
}

func (p *Peer) dial(ctx context.Context) error {
	u, err := url.Parse(p.cfg.Endpoint)
	if err != nil {
		p.setState(StateClosed)
		return errors.Wrap(err, "peer: parsing endpoint")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + p.cfg.Identity
	if p.cfg.Query != nil {
		u.RawQuery = p.cfg.Query.Encode()
	}

	header := http.Header{}
	for k, vs := range p.cfg.Headers {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	if p.cfg.Password != "" {
		header.Set("Authorization", basicAuthHeader(p.cfg.Identity, p.cfg.Password))
	}

	protocols := append([]string(nil), p.cfg.Protocols...)
	if narrowed := p.Protocol(); narrowed != "" {
		protocols = []string{narrowed} // "narrow allowed subprotocols ... for subsequent reconnects"
	}

	dialer := &websocket.Dialer{
		Subprotocols:     protocols,
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.Dial(u.String(), header)
	if err != nil {
		p.setState(StateClosed)
		p.emit(Event{Type: EventError, Err: err})
		return err
	}
	negotiated := ""
	if resp != nil {
		negotiated = resp.Header.Get("Sec-WebSocket-Protocol")
	}

	p.bindConn(conn, negotiated)
	return nil
}

func basicAuthHeader(identity, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(identity+":"+password))
}

// bindConn transitions a freshly-dialed or freshly-accepted socket
// into OPEN: flush the outbound buffer, start the ping timer, reset
// badMessageCount/reconnectAttempt, and spawn the read/write loops
// (§4.10 "CONNECTING open event → OPEN").
func (p *Peer) bindConn(conn wireConn, negotiatedProtocol string) {
	p.connMu.Lock()
	p.conn = conn
	p.connMu.Unlock()

	p.stateMu.Lock()
	p.state = StateOpen
	p.protocol = negotiatedProtocol
	p.stateMu.Unlock()

	p.resetBadMessages()
	p.reconnectAttempt = 0

	p.wg.Add(2)
	spawn.Go(p.cfg.Logger, p.readLoop)
	spawn.Go(p.cfg.Logger, p.outLoop)

	if p.cfg.PingInterval > 0 {
		p.schedulePing()
	}

	p.flushOutboundBuffer()
	p.emit(Event{Type: EventOpen})
}

func (p *Peer) schedulePing() {
	p.pingTimer = spawn.AfterFunc(p.cfg.Logger, p.cfg.PingInterval, func() {
		if p.State() != StateOpen {
			return
		}
		p.connMu.Lock()
		conn := p.conn
		p.connMu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			p.emit(Event{Type: EventPing})
		}
		p.schedulePing()
	})
}

// sendRaw enqueues a raw frame for the single writer goroutine. While
// CONNECTING it is buffered (order preserved) and flushed on OPEN;
// while CLOSED or CLOSING it fails synchronously (§4.10 "Outbound
// buffering").
func (p *Peer) sendRaw(data []byte) error {
	switch p.State() {
	case StateOpen:
		done := make(chan error, 1)
		select {
		case p.sendChan <- sendRequest{data: data, done: done}:
		case <-p.quit:
			return &rpcerror.ClosedError{}
		}
		return <-done
	case StateConnecting:
		p.outboundBufferMu.Lock()
		p.outboundBuffer = append(p.outboundBuffer, data)
		p.outboundBufferMu.Unlock()
		return nil
	default:
		return &rpcerror.ClosedError{Reason: "not connected"}
	}
}

// SendRaw is the public entry point for sending a pre-built frame
// without going through Call's pending-table bookkeeping.
func (p *Peer) SendRaw(data []byte) error { return p.sendRaw(data) }

func (p *Peer) flushOutboundBuffer() {
	p.outboundBufferMu.Lock()
	buffered := p.outboundBuffer
	p.outboundBuffer = nil
	p.outboundBufferMu.Unlock()

	for _, data := range buffered {
		done := make(chan error, 1)
		select {
		case p.sendChan <- sendRequest{data: data, done: done}:
		case <-p.quit:
			return
		}
	}
}

// outLoop is the single writer goroutine for this peer's socket
// (§5 "Scheduling model" single-writer-per-peer).
func (p *Peer) outLoop() {
	defer p.wg.Done()
	for {
		select {
		case req := <-p.sendChan:
			p.connMu.Lock()
			conn := p.conn
			p.connMu.Unlock()
			var err error
			if conn != nil {
				err = conn.WriteMessage(websocket.TextMessage, req.data)
			} else {
				err = &rpcerror.ClosedError{}
			}
			req.done <- err
			if err != nil {
				p.handleSocketError(err)
				return
			}
		case <-p.quit:
			p.drainSendChan()
			return
		}
	}
}

func (p *Peer) drainSendChan() {
	for {
		select {
		case req := <-p.sendChan:
			req.done <- &rpcerror.ClosedError{}
		default:
			return
		}
	}
}

// readLoop is the single reader goroutine: it decodes inbound frames
// and spawns per-CALL dispatch goroutines, keeping the read loop itself
// from ever blocking on a slow handler (§4.8.3).
func (p *Peer) readLoop() {
	defer p.wg.Done()
	p.connMu.Lock()
	conn := p.conn
	p.connMu.Unlock()
	if conn == nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		p.emit(Event{Type: EventPong})
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			p.handleSocketError(err)
			return
		}
		p.emit(Event{Type: EventMessage, Raw: raw})
		p.handleInbound(raw)
	}
}

func (p *Peer) handleInbound(raw []byte) {
	parsed, err := frame.Decode(raw)
	if err != nil {
		var perr *frame.ParseError
		if e, ok := err.(*frame.ParseError); ok {
			perr = e
		} else {
			perr = &frame.ParseError{Err: err}
		}
		p.handleBadMessage(perr)
		return
	}

	switch f := parsed.(type) {
	case *frame.Call:
		spawn.Go(p.cfg.Logger, func() { p.dispatchInboundCall(f) })
	case *frame.CallResult:
		p.handleCallResult(f)
	case *frame.CallError:
		p.handleCallError(f)
	}
}

// handleSocketError reacts to a read or write failure on the live
// socket: emit disconnect, and either schedule a reconnect or settle
// into CLOSED (§4.10 "OPEN unexpected socket close").
func (p *Peer) handleSocketError(err error) {
	wasOpen := p.State() == StateOpen
	if !wasOpen {
		return
	}
	p.connMu.Lock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.connMu.Unlock()

	p.emit(Event{Type: EventDisconnect, Err: err})
	p.rejectAllPending(&rpcerror.ClosedError{Reason: "connection lost"})

	p.reconnectOrClose(err)
}

// reconnectOrClose is the shared decision point for both an OPEN
// connection dropping and a reconnect dial itself failing: either
// schedule the next jittered attempt, or settle permanently into
// CLOSED once reconnection is disabled, the error is intolerable, or
// maxReconnects is exhausted (§4.10 "OPEN unexpected socket close",
// spec scenario 6).
func (p *Peer) reconnectOrClose(err error) {
	if p.cfg.Reconnect && !isIntolerable(err) && p.reconnectAttempt < p.cfg.MaxReconnects {
		p.scheduleReconnect()
		return
	}

	code := 1000
	reason := ""
	if isIntolerable(err) || p.reconnectAttempt >= p.cfg.MaxReconnects {
		code = 1001
		reason = "Max reconnection attempts exhausted"
	}
	p.setState(StateClosed)
	p.emit(Event{Type: EventClose, Code: code, Reason: reason})
}

// scheduleReconnect implements the jittered exponential backoff of
// §4.10: delay = min(backoffMax, backoffMin·2^(attempt-1)·(0.5+rand·0.5)).
// A dial failure on the attempt itself routes back through
// reconnectOrClose directly rather than handleSocketError, since the
// connection never reached OPEN this time and there is no live socket
// or pending-call set to tear down again.
func (p *Peer) scheduleReconnect() {
	p.reconnectAttempt++
	attempt := p.reconnectAttempt
	exp := float64(int64(1) << uint(attempt-1))
	delay := time.Duration(float64(p.cfg.BackoffMin) * exp * (0.5 + rand.Float64()*0.5))
	if delay > p.cfg.BackoffMax {
		delay = p.cfg.BackoffMax
	}

	p.setState(StateConnecting)
	p.emit(Event{Type: EventReconnect, Attempt: attempt, Delay: delay})

	spawn.AfterFunc(p.cfg.Logger, delay, func() {
		if p.State() != StateConnecting {
			return
		}
		if err := p.dial(context.Background()); err != nil {
			p.reconnectOrClose(err)
		}
	})
}

func (p *Peer) rejectAllPending(err error) {
	p.pendingCallsMu.Lock()
	pending := p.pendingCalls
	p.pendingCalls = make(map[string]*pendingCall)
	p.pendingCallsMu.Unlock()

	for _, pc := range pending {
		pc.timer.Stop()
		pc.resultC <- callOutcome{err: err}
	}
}

// CloseOptions configures Close (§4.10 "Graceful close").
type CloseOptions struct {
	Code         int
	Reason       string
	AwaitPending bool
	Force        bool
}

func (o CloseOptions) withDefaults() CloseOptions {
	if o.Code == 0 {
		o.Code = 1000
	}
	return o
}

// Close begins (or, if Force, completes immediately) an orderly
// shutdown. A Close call while already CLOSED, or a non-forced one
// while CLOSING, is a no-op returning nil (§8 "Double-close"); a forced
// Close while CLOSING completes the shutdown immediately.
func (p *Peer) Close(opts CloseOptions) error {
	opts = opts.withDefaults()
	opts.Code = validCloseCode(opts.Code)

	state := p.State()
	if state == StateClosed {
		return nil
	}
	if state == StateClosing && !opts.Force {
		return nil
	}

	p.setState(StateClosing)

	if opts.Force || !opts.AwaitPending {
		p.rejectAllPending(&rpcerror.ClosedError{Reason: opts.Reason})
		return p.finishClose(opts)
	}

	p.awaitPendingThenClose(opts)
	return nil
}

// awaitPendingThenClose watches every outstanding pending call so its
// natural resolution (which removes it from the pending table) also
// ticks a settle.Group, leaving the outcome to the waiting caller, and
// closes the socket once all have settled (§4.10 "If awaitPending...").
func (p *Peer) awaitPendingThenClose(opts CloseOptions) {
	p.pendingCallsMu.Lock()
	for msgID := range p.pendingCalls {
		p.pendingSettle.Add()
		go func(msgID string) {
			for {
				p.pendingCallsMu.Lock()
				_, pending := p.pendingCalls[msgID]
				p.pendingCallsMu.Unlock()
				if !pending {
					break
				}
				time.Sleep(10 * time.Millisecond)
			}
			p.pendingSettle.Done()
		}(msgID)
	}
	p.pendingCallsMu.Unlock()

	spawn.Go(p.cfg.Logger, func() {
		p.pendingSettle.Wait()
		p.finishClose(opts)
	})
}

func (p *Peer) finishClose(opts CloseOptions) error {
	var closeErr error
	p.closeOnce.Do(func() {
		close(p.quit)
		p.connMu.Lock()
		if p.conn != nil {
			p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(opts.Code, opts.Reason),
				time.Now().Add(time.Second))
			closeErr = p.conn.Close()
		}
		p.connMu.Unlock()
		if p.pingTimer != nil {
			p.pingTimer.Stop()
		}
		p.setState(StateClosed)
		p.emit(Event{Type: EventClose, Code: opts.Code, Reason: opts.Reason})
	})
	return closeErr
}

// Wait blocks until the read and write loops have both exited.
func (p *Peer) Wait() { p.wg.Wait() }

// validCloseCode enforces the WebSocket close-code rule of §4.10: 1004,
// 1005 and 1006 are reserved, and only 1000-4999 is allowed; anything
// else is substituted with 1000.
func validCloseCode(code int) int {
	switch code {
	case 1004, 1005, 1006:
		return 1000
	}
	if code < 1000 || code > 4999 {
		return 1000
	}
	return code
}
