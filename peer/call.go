package peer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ocppcore/ocpp-rpc/frame"
	"github.com/ocppcore/ocpp-rpc/middleware"
	"github.com/ocppcore/ocpp-rpc/rpcerror"
)

// pendingCall is the bookkeeping record for one outstanding outbound
// CALL, removed exactly once its reply arrives, times out, or is
// cancelled (§4.8.1 step 4, TESTABLE PROPERTIES invariant 1).
type pendingCall struct {
	method  string
	resultC chan callOutcome
	timer   *time.Timer
}

type callOutcome struct {
	payload json.RawMessage
	err     error
}

// CallOption customizes a single Call invocation.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the Peer's default CallTimeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// Call issues an outbound CALL for method with params, and blocks
// until a CALLRESULT/CALLERROR arrives, the call times out, or ctx is
// canceled (§4.8.1).
func (p *Peer) Call(ctx context.Context, method string, params interface{}, opts ...CallOption) (json.RawMessage, error) {
	if p.State() != StateOpen {
		return nil, &rpcerror.ClosedError{Reason: "not connected"}
	}

	options := callOptions{timeout: p.cfg.CallTimeout}
	for _, o := range opts {
		o(&options)
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "peer: marshaling call params")
	}

	future := p.queue.Push(func() (interface{}, error) {
		return p.dispatchOutboundCall(ctx, method, paramsJSON, options)
	})

	select {
	case <-future.Done():
		result, err := future.Wait()
		if err != nil {
			return nil, err
		}
		return result.(json.RawMessage), nil
	case <-ctx.Done():
		return nil, &rpcerror.CanceledError{Cause: ctx.Err()}
	}
}

// dispatchOutboundCall runs on a queue worker goroutine: it builds the
// outgoing_call middleware context, allocates the message id, installs
// the pending record, serializes and sends the frame, then blocks for
// the response or timeout (§4.8.1 step 3).
func (p *Peer) dispatchOutboundCall(ctx context.Context, method string, params json.RawMessage, options callOptions) (interface{}, error) {
	mctx := &middleware.Context{
		Type:     middleware.OutgoingCall,
		Method:   method,
		Protocol: p.Protocol(),
		Params:   params,
	}

	result, err := p.cfg.Middlewares.Execute(mctx, func(mctx *middleware.Context) (interface{}, error) {
		return p.sendCall(ctx, mctx, options)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Peer) sendCall(ctx context.Context, mctx *middleware.Context, options callOptions) (interface{}, error) {
	msgID := uuid.NewString()

	paramsJSON, ok := mctx.Params.(json.RawMessage)
	if !ok {
		var err error
		paramsJSON, err = json.Marshal(mctx.Params)
		if err != nil {
			return nil, errors.Wrap(err, "peer: marshaling middleware-mutated call params")
		}
	}

	if p.cfg.StrictMode.Enabled(p.Protocol()) && p.cfg.Validators != nil {
		if rerr := p.cfg.Validators.ValidateRequest(p.Protocol(), mctx.Method, paramsJSON); rerr != nil {
			p.emit(Event{Type: EventStrictValidationFailure, Method: mctx.Method, ValidationErr: rerr})
			return nil, rerr
		}
	}

	pc := &pendingCall{method: mctx.Method, resultC: make(chan callOutcome, 1)}
	p.pendingCallsMu.Lock()
	p.pendingCalls[msgID] = pc
	p.pendingCallsMu.Unlock()

	pc.timer = time.AfterFunc(options.timeout, func() {
		p.resolveTimeout(msgID)
	})

	raw, err := json.Marshal(frame.Call{MessageID: msgID, Action: mctx.Method, Payload: paramsJSON})
	if err != nil {
		p.removePendingCall(msgID)
		return nil, errors.Wrap(err, "peer: marshaling CALL frame")
	}

	if err := p.sendRaw(raw); err != nil {
		p.removePendingCall(msgID)
		return nil, err
	}
	p.emit(Event{Type: EventCall, MessageID: msgID, Method: mctx.Method, Raw: raw})

	select {
	case outcome := <-pc.resultC:
		return outcome.payload, outcome.err
	case <-ctx.Done():
		p.removePendingCall(msgID)
		return nil, &rpcerror.CanceledError{Cause: ctx.Err()}
	}
}

func (p *Peer) removePendingCall(msgID string) *pendingCall {
	p.pendingCallsMu.Lock()
	defer p.pendingCallsMu.Unlock()
	pc, ok := p.pendingCalls[msgID]
	if !ok {
		return nil
	}
	delete(p.pendingCalls, msgID)
	return pc
}

func (p *Peer) resolveTimeout(msgID string) {
	pc := p.removePendingCall(msgID)
	if pc == nil {
		return // already resolved by a response racing the timer
	}
	pc.resultC <- callOutcome{err: &rpcerror.TimeoutError{Method: pc.method}}
}

// handleCallResult resolves the pending call for a CALLRESULT frame
// (§4.8.1 step 4). A result for an unknown msgId (already timed out,
// cancelled, or never sent) is dropped with a warn log.
func (p *Peer) handleCallResult(cr *frame.CallResult) {
	pc := p.removePendingCall(cr.MessageID)
	if pc == nil {
		p.cfg.Logger.Warnf("dropping CALLRESULT for unknown or already-settled message id %s", cr.MessageID)
		return
	}
	pc.timer.Stop()

	payload := cr.Payload
	mctx := &middleware.Context{
		Type:      middleware.IncomingResult,
		MessageID: cr.MessageID,
		Method:    pc.method,
		Protocol:  p.Protocol(),
		Payload:   payload,
	}
	result, err := p.cfg.Middlewares.Execute(mctx, func(mctx *middleware.Context) (interface{}, error) {
		return mctx.Payload, nil
	})
	p.emit(Event{Type: EventCallResult, MessageID: cr.MessageID, Method: pc.method, Raw: cr.Payload})

	if err != nil {
		pc.resultC <- callOutcome{err: err}
		return
	}
	resultJSON, ok := result.(json.RawMessage)
	if !ok {
		resultJSON, _ = json.Marshal(result)
	}
	pc.resultC <- callOutcome{payload: resultJSON}
}

// handleCallError resolves the pending call for a CALLERROR frame
// (§4.8.1 step 4, Open Question #3: drop silently with a warn log on
// an unknown msgId, never surface).
func (p *Peer) handleCallError(ce *frame.CallError) {
	pc := p.removePendingCall(ce.MessageID)
	if pc == nil {
		p.cfg.Logger.Warnf("dropping CALLERROR for unknown or already-settled message id %s", ce.MessageID)
		return
	}
	pc.timer.Stop()

	var details map[string]interface{}
	_ = json.Unmarshal(ce.ErrorDetails, &details)
	rerr := rpcerror.FromWire(ce.ErrorCode, ce.ErrorDescription, details)

	mctx := &middleware.Context{
		Type:      middleware.IncomingError,
		MessageID: ce.MessageID,
		Method:    pc.method,
		Protocol:  p.Protocol(),
		Err:       rerr,
	}
	_, err := p.cfg.Middlewares.Execute(mctx, func(mctx *middleware.Context) (interface{}, error) {
		return nil, mctx.Err
	})

	p.emit(Event{Type: EventCallError, MessageID: ce.MessageID, Method: pc.method, Err: err})
	pc.resultC <- callOutcome{err: err}
}
