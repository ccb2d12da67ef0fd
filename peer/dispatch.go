package peer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ocppcore/ocpp-rpc/frame"
	"github.com/ocppcore/ocpp-rpc/internal/spawn"
	"github.com/ocppcore/ocpp-rpc/middleware"
	"github.com/ocppcore/ocpp-rpc/rpcerror"
)

// Handle registers the handler for method across every protocol.
// Registering the same method twice is an error (§4.8.4).
func (p *Peer) Handle(method string, fn Handler) error {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	if _, exists := p.handlers[method]; exists {
		return fmt.Errorf("peer: handler already registered for method %q", method)
	}
	p.handlers[method] = fn
	return nil
}

// HandleProtocol registers a handler scoped to one protocol, which
// takes priority over a protocol-agnostic handler for the same
// method (§4.8.2 step 2, §4.8.4).
func (p *Peer) HandleProtocol(protocol, method string, fn Handler) error {
	key := protocol + ":" + method
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	if _, exists := p.protocolHandlers[key]; exists {
		return fmt.Errorf("peer: handler already registered for %s", key)
	}
	p.protocolHandlers[key] = fn
	return nil
}

// HandleWildcard registers a fallback invoked when no method-specific
// handler matches. Registering a second wildcard is an error (§4.8.4).
func (p *Peer) HandleWildcard(fn Handler) error {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	if p.wildcardHandler != nil {
		return fmt.Errorf("peer: wildcard handler already registered")
	}
	p.wildcardHandler = fn
	return nil
}

// RemoveHandler unregisters method's protocol-agnostic handler, if any.
func (p *Peer) RemoveHandler(method string) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	delete(p.handlers, method)
}

// resolveHandler implements the priority chain from §4.8.2 step 2:
// protocol:method → method → wildcard → none.
func (p *Peer) resolveHandler(protocol, method string) Handler {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	if h, ok := p.protocolHandlers[protocol+":"+method]; ok {
		return h
	}
	if h, ok := p.handlers[method]; ok {
		return h
	}
	return p.wildcardHandler
}

// dispatchInboundCall handles one parsed CALL frame. It is spawned as
// its own goroutine per inbound CALL so a slow handler never blocks
// reading the next frame (§4.8.3 "Inbound CALLs are processed
// concurrently").
func (p *Peer) dispatchInboundCall(call *frame.Call) {
	p.pendingResponsesMu.Lock()
	if _, dup := p.pendingResponses[call.MessageID]; dup {
		p.pendingResponsesMu.Unlock()
		p.sendCallError(call.MessageID, rpcerror.New(rpcerror.RPCFrameworkError, nil))
		return
	}
	p.pendingResponses[call.MessageID] = struct{}{}
	p.pendingResponsesMu.Unlock()

	mctx := &middleware.Context{
		Type:      middleware.IncomingCall,
		MessageID: call.MessageID,
		Method:    call.Action,
		Protocol:  p.Protocol(),
		Params:    call.Payload,
	}

	result, err := p.cfg.Middlewares.Execute(mctx, func(mctx *middleware.Context) (interface{}, error) {
		return p.invokeHandler(mctx, call)
	})

	p.finishInboundCall(call.MessageID, call.Action, result, err)
}

func (p *Peer) invokeHandler(mctx *middleware.Context, call *frame.Call) (interface{}, error) {
	paramsJSON, ok := mctx.Params.(json.RawMessage)
	if !ok {
		paramsJSON, _ = json.Marshal(mctx.Params)
	}

	if p.cfg.StrictMode.Enabled(p.Protocol()) && p.cfg.Validators != nil {
		if rerr := p.cfg.Validators.ValidateRequest(p.Protocol(), mctx.Method, paramsJSON); rerr != nil {
			p.emit(Event{Type: EventStrictValidationFailure, Method: mctx.Method, ValidationErr: rerr})
			return nil, rerr
		}
	}

	handler := p.resolveHandler(mctx.Protocol, mctx.Method)
	if handler == nil {
		return nil, rpcerror.New(rpcerror.NotImplemented, nil)
	}

	result, err := handler(&CallContext{
		MessageID: call.MessageID,
		Method:    call.Action,
		Protocol:  mctx.Protocol,
		Params:    paramsJSON,
	})
	if err != nil {
		return nil, classifyHandlerError(err, p.cfg.RespondWithDetailedErrors)
	}
	return result, nil
}

// classifyHandlerError maps an arbitrary handler error onto the RPC
// taxonomy (§4.8.2 step 3): an *rpcerror.Error (or an error wrapping
// one) passes through, anything else is wrapped as InternalError.
func classifyHandlerError(err error, detailed bool) *rpcerror.Error {
	var rerr *rpcerror.Error
	if errors.As(err, &rerr) {
		return rerr
	}
	var details map[string]interface{}
	if detailed {
		details = map[string]interface{}{"message": err.Error()}
	}
	return rpcerror.New(rpcerror.InternalError, details)
}

func (p *Peer) finishInboundCall(msgID, method string, result interface{}, err error) {
	if result == NoReply {
		p.pendingResponsesMu.Lock()
		delete(p.pendingResponses, msgID)
		p.pendingResponsesMu.Unlock()
		return
	}

	if err != nil {
		rerr, ok := err.(*rpcerror.Error)
		if !ok {
			rerr = rpcerror.New(rpcerror.InternalError, nil)
		}
		p.sendCallError(msgID, rerr)
		return
	}

	payload, ok := result.(json.RawMessage)
	if !ok {
		var marshalErr error
		payload, marshalErr = json.Marshal(result)
		if marshalErr != nil {
			p.sendCallError(msgID, rpcerror.New(rpcerror.InternalError, nil))
			return
		}
	}

	if p.cfg.StrictMode.Enabled(p.Protocol()) && p.cfg.Validators != nil {
		if rerr := p.cfg.Validators.ValidateResponse(p.Protocol(), method, payload); rerr != nil {
			p.sendCallError(msgID, rerr)
			return
		}
	}

	raw, err := json.Marshal(frame.CallResult{MessageID: msgID, Payload: payload})
	if err != nil {
		p.cfg.Logger.Errorf("marshaling CALLRESULT for %s: %s", msgID, err)
		return
	}
	p.pendingResponsesMu.Lock()
	delete(p.pendingResponses, msgID)
	p.pendingResponsesMu.Unlock()

	if err := p.sendRaw(raw); err != nil {
		p.cfg.Logger.Warnf("sending CALLRESULT for %s: %s", msgID, err)
	}
}

func (p *Peer) sendCallError(msgID string, rerr *rpcerror.Error) {
	p.pendingResponsesMu.Lock()
	delete(p.pendingResponses, msgID)
	p.pendingResponsesMu.Unlock()

	detailsJSON, _ := json.Marshal(rerr.Details)
	raw, err := json.Marshal(frame.CallError{
		MessageID:        msgID,
		ErrorCode:        string(rerr.Code),
		ErrorDescription: rerr.Message,
		ErrorDetails:     detailsJSON,
	})
	if err != nil {
		p.cfg.Logger.Errorf("marshaling CALLERROR for %s: %s", msgID, err)
		return
	}
	if err := p.sendRaw(raw); err != nil {
		p.cfg.Logger.Warnf("sending CALLERROR for %s: %s", msgID, err)
	}
}

// handleBadMessage responds best-effort to an unparseable frame
// (§4.9): if a message id could be recovered, emit a FormatViolation
// CALLERROR for it; always count the failure and emit badMessage.
func (p *Peer) handleBadMessage(perr *frame.ParseError) {
	count := p.incBadMessages()
	p.emit(Event{Type: EventBadMessage, Err: perr})

	if perr.MessageID != "" {
		p.sendCallError(perr.MessageID, rpcerror.New(rpcerror.FormatViolation, nil))
	}

	if int(count) >= p.cfg.MaxBadMessages {
		spawn.Go(p.cfg.Logger, func() {
			p.Close(CloseOptions{Code: 1002, Reason: "too many malformed messages", Force: true})
		})
	}
}
