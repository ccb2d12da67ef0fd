package frame

import (
	"encoding/json"
	"testing"
)

func TestDecodeCall(t *testing.T) {
	raw := []byte(`[2,"m1","Heartbeat",{}]`)
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	call, ok := got.(*Call)
	if !ok {
		t.Fatalf("expected *Call, got %T", got)
	}
	if call.MessageID != "m1" || call.Action != "Heartbeat" {
		t.Fatalf("unexpected call: %+v", call)
	}
}

func TestDecodeCallDefaultsEmptyPayload(t *testing.T) {
	got, err := Decode([]byte(`[2,"m1","Heartbeat"]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	call := got.(*Call)
	if string(call.Payload) != "{}" {
		t.Fatalf("expected default empty object payload, got %s", call.Payload)
	}
}

func TestDecodeCallRejectsEmptyAction(t *testing.T) {
	_, err := Decode([]byte(`[2,"m1","",{}]`))
	if err == nil {
		t.Fatalf("expected error for empty action")
	}
}

func TestDecodeCallResult(t *testing.T) {
	got, err := Decode([]byte(`[3,"m1",{"currentTime":"2024-01-01T00:00:00Z"}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, ok := got.(*CallResult)
	if !ok {
		t.Fatalf("expected *CallResult, got %T", got)
	}
	if res.MessageID != "m1" {
		t.Fatalf("unexpected messageId: %s", res.MessageID)
	}
}

func TestDecodeCallErrorDefaultsDetails(t *testing.T) {
	got, err := Decode([]byte(`[4,"m1","NotImplemented","no such method"]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ce := got.(*CallError)
	if string(ce.ErrorDetails) != "{}" {
		t.Fatalf("expected default {} details, got %s", ce.ErrorDetails)
	}
}

func TestDecodeUnsupportedMessageType(t *testing.T) {
	_, err := Decode([]byte(`[9,"m1"]`))
	if err == nil {
		t.Fatalf("expected error for unknown message type")
	}
}

func TestDecodeRejectsNonArrayPayload(t *testing.T) {
	_, err := Decode([]byte(`[2,"m1","Heartbeat",[1,2,3]]`))
	if err == nil {
		t.Fatalf("expected error: payload must be an object, not an array")
	}
}

func TestDecodeMalformedCallRecoversMessageID(t *testing.T) {
	// Scenario 4 from spec.md §8: truncated CALL.
	_, err := Decode([]byte(`[2, "x1", "BootNotification", {]`))
	if err == nil {
		t.Fatalf("expected a parse error")
	}
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.MessageID != "x1" {
		t.Fatalf("expected recovered message id x1, got %q", pe.MessageID)
	}
}

func TestDecodeGarbageHasNoRecoverableID(t *testing.T) {
	_, err := Decode([]byte(`not json at all`))
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.MessageID != "" {
		t.Fatalf("expected no recoverable message id, got %q", pe.MessageID)
	}
}

func TestRoundTripCall(t *testing.T) {
	c := Call{MessageID: "m1", Action: "Heartbeat", Payload: json.RawMessage(`{"a":1}`)}
	b, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	back := got.(*Call)
	if back.MessageID != c.MessageID || back.Action != c.Action || string(back.Payload) != string(c.Payload) {
		t.Fatalf("round trip mismatch: got %+v", back)
	}
}

func TestMarshalCallResultCanonicalArity(t *testing.T) {
	r := CallResult{MessageID: "m1", Payload: json.RawMessage(`{"x":1}`)}
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(b, &arr); err != nil {
		t.Fatalf("unmarshal array: %v", err)
	}
	if len(arr) != 3 {
		t.Fatalf("expected arity 3, got %d", len(arr))
	}
}

func TestMarshalCallErrorCanonicalArity(t *testing.T) {
	e := CallError{MessageID: "m1", ErrorCode: "NotImplemented", ErrorDescription: "nope"}
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(b, &arr); err != nil {
		t.Fatalf("unmarshal array: %v", err)
	}
	if len(arr) != 5 {
		t.Fatalf("expected arity 5, got %d", len(arr))
	}
	var details map[string]interface{}
	if err := json.Unmarshal(arr[4], &details); err != nil {
		t.Fatalf("details should default to an object: %v", err)
	}
}

func TestMarshalDiscriminantIsInteger(t *testing.T) {
	b, _ := json.Marshal(Call{MessageID: "m1", Action: "Heartbeat"})
	var arr []json.RawMessage
	json.Unmarshal(b, &arr) //nolint:errcheck
	if string(arr[0]) != "2" {
		t.Fatalf("expected numeric discriminant 2, got %s", arr[0])
	}
}
