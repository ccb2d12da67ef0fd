// Package frame implements the OCPP wire codec (§4.1, §3): parsing and
// serializing the three message tuples (CALL, CALLRESULT, CALLERROR)
// exchanged between an OCPP peer and a CSMS over a WebSocket text
// connection.
package frame

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Type is the message-type discriminant that begins every frame.
type Type int

// The three OCPP RPC message types (§3).
const (
	TypeCall       Type = 2
	TypeCallResult Type = 3
	TypeCallError  Type = 4
)

// Call is the `[2, messageId, action, payload]` tuple.
type Call struct {
	MessageID string
	Action    string
	Payload   json.RawMessage
}

// MarshalJSON emits the canonical 4-element array with the message
// type as an integer.
func (c Call) MarshalJSON() ([]byte, error) {
	payload := c.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return json.Marshal([]interface{}{TypeCall, c.MessageID, c.Action, payload})
}

// CallResult is the `[3, messageId, payload]` tuple.
type CallResult struct {
	MessageID string
	Payload   json.RawMessage
}

// MarshalJSON emits the canonical 3-element array.
func (r CallResult) MarshalJSON() ([]byte, error) {
	payload := r.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return json.Marshal([]interface{}{TypeCallResult, r.MessageID, payload})
}

// CallError is the `[4, messageId, errorCode, errorDescription, errorDetails]` tuple.
type CallError struct {
	MessageID        string
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// MarshalJSON emits the canonical 5-element array. ErrorDetails is
// always an object on the wire, defaulting to {} (Open Question #4,
// DESIGN.md).
func (e CallError) MarshalJSON() ([]byte, error) {
	details := e.ErrorDetails
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	return json.Marshal([]interface{}{TypeCallError, e.MessageID, e.ErrorCode, e.ErrorDescription, details})
}

// ParseError is returned by Decode when raw text fails to parse as a
// well-formed frame. If the text superficially looks like a truncated
// CALL, MessageID is populated so the caller may still respond with a
// FormatViolation CALLERROR bound to that id (§4.1 "Error recovery on
// parse failure").
type ParseError struct {
	Err       error
	MessageID string // empty if no id could be recovered
}

func (e *ParseError) Error() string { return e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// truncatedCallID matches the start of a CALL frame well enough to
// recover its message id even when the rest of the array is
// malformed, e.g. `[2, "x1", "BootNotification", {]`.
var truncatedCallID = regexp.MustCompile(`^\s*\[\s*2\s*,\s*"([^"]+)"`)

func recoverMessageID(raw []byte) string {
	m := truncatedCallID.FindSubmatch(raw)
	if m == nil {
		return ""
	}
	return string(m[1])
}

func parseErr(raw []byte, err error) *ParseError {
	return &ParseError{Err: err, MessageID: recoverMessageID(raw)}
}

// Decode parses raw text into one of *Call, *CallResult or *CallError.
// Any other shape returns a *ParseError (§4.1).
func Decode(raw []byte) (interface{}, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, parseErr(raw, fmt.Errorf("not a JSON array: %w", err))
	}
	if len(elems) == 0 {
		return nil, parseErr(raw, fmt.Errorf("empty frame array"))
	}

	var msgType int
	if err := json.Unmarshal(elems[0], &msgType); err != nil {
		return nil, parseErr(raw, fmt.Errorf("message type is not an integer: %w", err))
	}

	switch Type(msgType) {
	case TypeCall:
		return decodeCall(raw, elems)
	case TypeCallResult:
		return decodeCallResult(raw, elems)
	case TypeCallError:
		return decodeCallError(raw, elems)
	default:
		return nil, parseErr(raw, fmt.Errorf("unsupported message type discriminant %d", msgType))
	}
}

func decodeCall(raw []byte, elems []json.RawMessage) (*Call, error) {
	if len(elems) < 3 {
		return nil, parseErr(raw, fmt.Errorf("CALL requires at least 3 elements, got %d", len(elems)))
	}
	var msgID, action string
	if err := json.Unmarshal(elems[1], &msgID); err != nil {
		return nil, parseErr(raw, fmt.Errorf("CALL messageId is not a string: %w", err))
	}
	if err := json.Unmarshal(elems[2], &action); err != nil || action == "" {
		return nil, parseErr(raw, fmt.Errorf("CALL action must be a non-empty string"))
	}
	var payload json.RawMessage
	if len(elems) >= 4 {
		payload = elems[3]
	}
	if err := requireObjectOrEmpty(payload); err != nil {
		return nil, parseErr(raw, err)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return &Call{MessageID: msgID, Action: action, Payload: payload}, nil
}

func decodeCallResult(raw []byte, elems []json.RawMessage) (*CallResult, error) {
	if len(elems) < 2 {
		return nil, parseErr(raw, fmt.Errorf("CALLRESULT requires at least 2 elements, got %d", len(elems)))
	}
	var msgID string
	if err := json.Unmarshal(elems[1], &msgID); err != nil {
		return nil, parseErr(raw, fmt.Errorf("CALLRESULT messageId is not a string: %w", err))
	}
	var payload json.RawMessage
	if len(elems) >= 3 {
		payload = elems[2]
	}
	if err := requireObjectOrEmpty(payload); err != nil {
		return nil, parseErr(raw, err)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return &CallResult{MessageID: msgID, Payload: payload}, nil
}

func decodeCallError(raw []byte, elems []json.RawMessage) (*CallError, error) {
	if len(elems) < 4 {
		return nil, parseErr(raw, fmt.Errorf("CALLERROR requires at least 4 elements, got %d", len(elems)))
	}
	var msgID, code, desc string
	if err := json.Unmarshal(elems[1], &msgID); err != nil {
		return nil, parseErr(raw, fmt.Errorf("CALLERROR messageId is not a string: %w", err))
	}
	if err := json.Unmarshal(elems[2], &code); err != nil {
		return nil, parseErr(raw, fmt.Errorf("CALLERROR errorCode is not a string: %w", err))
	}
	// A non-string errorDescription is tolerated and decodes as empty.
	if len(elems) >= 4 {
		_ = json.Unmarshal(elems[3], &desc)
	}
	var details json.RawMessage
	if len(elems) >= 5 {
		details = elems[4]
	}
	if err := requireObjectOrEmpty(details); err != nil {
		return nil, parseErr(raw, err)
	}
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	return &CallError{MessageID: msgID, ErrorCode: code, ErrorDescription: desc, ErrorDetails: details}, nil
}

// requireObjectOrEmpty enforces the invariant that payload containers
// are always JSON objects, never arrays or primitives (§3).
func requireObjectOrEmpty(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var probe map[string]interface{}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return nil
}
