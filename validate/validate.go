// Package validate implements the Validator Registry (§4.4): JSON
// Schema validation of inbound and outbound method payloads, keyed by
// protocol version and direction (request vs. response), with
// validation failures mapped onto the RPC error taxonomy by the
// schema facet that failed.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ocppcore/ocpp-rpc/rpcerror"
)

// Mode controls whether strict validation is enabled, and for which
// protocols (§4.4: "strict-mode config that may be true, false, or a
// list of protocols").
type Mode struct {
	all       bool
	protocols map[string]bool
}

// AllProtocols enables strict validation for every protocol.
func AllProtocols() Mode { return Mode{all: true} }

// NoProtocols disables strict validation entirely.
func NoProtocols() Mode { return Mode{protocols: map[string]bool{}} }

// ForProtocols enables strict validation only for the named protocols.
func ForProtocols(protocols ...string) Mode {
	m := Mode{protocols: make(map[string]bool, len(protocols))}
	for _, p := range protocols {
		m.protocols[p] = true
	}
	return m
}

// Enabled reports whether strict validation applies to protocol.
func (m Mode) Enabled(protocol string) bool {
	if m.all {
		return true
	}
	return m.protocols[protocol]
}

// IsZero reports whether m is the unset Mode, as distinct from
// NoProtocols() (an explicit "strict mode disabled everywhere"). Used
// by config merges that only override a default when the overlay
// actually set something (server.mergePeerConfig).
func (m Mode) IsZero() bool {
	return !m.all && m.protocols == nil
}

// RequestSchemaID returns the schema id the registry looks up for an
// outbound or inbound CALL's payload (§4.4). OCPP 1.6 uses the
// ".req"/".conf" suffix convention; later protocol versions use the
// "Request"/"Response" suffix convention.
func RequestSchemaID(protocol, action string) string {
	if isLegacy(protocol) {
		return fmt.Sprintf("urn:%s.req", action)
	}
	return fmt.Sprintf("urn:%sRequest", action)
}

// ResponseSchemaID returns the schema id looked up for a CALLRESULT's
// payload (§4.4).
func ResponseSchemaID(protocol, action string) string {
	if isLegacy(protocol) {
		return fmt.Sprintf("urn:%s.conf", action)
	}
	return fmt.Sprintf("urn:%sResponse", action)
}

func isLegacy(protocol string) bool { return protocol == "ocpp1.6" }

// Registry holds compiled schemas keyed by protocol and schema id.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]map[string]*jsonschema.Schema
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]map[string]*jsonschema.Schema)}
}

// AddSchema compiles schemaJSON (a draft-07 JSON Schema document) and
// registers it under (protocol, schemaID).
func (r *Registry) AddSchema(protocol, schemaID string, schemaJSON []byte) error {
	c := jsonschema.NewCompiler()
	url := "urn:ocpp-rpc/" + protocol + "/" + schemaID
	if err := c.AddResource(url, bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("validate: adding schema %s/%s: %w", protocol, schemaID, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("validate: compiling schema %s/%s: %w", protocol, schemaID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.schemas[protocol] == nil {
		r.schemas[protocol] = make(map[string]*jsonschema.Schema)
	}
	r.schemas[protocol][schemaID] = schema
	return nil
}

func (r *Registry) lookup(protocol, schemaID string) (*jsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byProtocol, ok := r.schemas[protocol]
	if !ok {
		return nil, false
	}
	s, ok := byProtocol[schemaID]
	return s, ok
}

// ValidateRequest validates payload against the registered request
// schema for (protocol, action). A missing schema is not an error:
// strict mode only constrains methods that have a registered schema.
func (r *Registry) ValidateRequest(protocol, action string, payload []byte) *rpcerror.Error {
	return r.validate(protocol, RequestSchemaID(protocol, action), payload)
}

// ValidateResponse validates payload against the registered response
// schema for (protocol, action).
func (r *Registry) ValidateResponse(protocol, action string, payload []byte) *rpcerror.Error {
	return r.validate(protocol, ResponseSchemaID(protocol, action), payload)
}

func (r *Registry) validate(protocol, schemaID string, payload []byte) *rpcerror.Error {
	schema, ok := r.lookup(protocol, schemaID)
	if !ok {
		return nil
	}

	var instance interface{}
	if err := json.Unmarshal(payload, &instance); err != nil {
		return rpcerror.New(rpcerror.FormatViolation, map[string]interface{}{"reason": err.Error()})
	}

	if err := schema.Validate(instance); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			return classify(verr)
		}
		return rpcerror.New(rpcerror.FormatViolation, map[string]interface{}{"reason": err.Error()})
	}
	return nil
}

// classify maps a jsonschema validation failure onto the RPC error
// taxonomy by inspecting the deepest failing keyword (§4.4): occurrence
// keywords (required/additionalProperties/minItems/maxItems) become
// OccurrenceConstraintViolation, "type" becomes
// TypeConstraintViolation, everything else becomes
// PropertyConstraintViolation (or FormatViolation for the "format"
// keyword specifically).
func classify(verr *jsonschema.ValidationError) *rpcerror.Error {
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}

	keyword := lastSegment(leaf.KeywordLocation)
	code := rpcerror.PropertyConstraintViolation
	switch keyword {
	case "required", "additionalProperties", "minItems", "maxItems", "minProperties", "maxProperties":
		code = rpcerror.OccurrenceConstraintViolation
	case "type":
		code = rpcerror.TypeConstraintViolation
	case "format":
		code = rpcerror.FormatViolation
	}

	return rpcerror.New(code, map[string]interface{}{
		"keywordLocation":  leaf.KeywordLocation,
		"instanceLocation": leaf.InstanceLocation,
		"message":          leaf.Message,
	})
}

func lastSegment(keywordLocation string) string {
	i := len(keywordLocation) - 1
	for i >= 0 && keywordLocation[i] != '/' {
		i--
	}
	return keywordLocation[i+1:]
}
