// Package ocpp supplies thin, hand-written typed façades over the
// engine's string-keyed CALL dispatch (§4.13, design note §9). It
// never interprets the business meaning of a method's payload — it
// only gives call sites typed Marshal/Unmarshal pairs to wrap around
// peer.Peer.Call and peer.Handler, in place of the code-gen artifact a
// real deployment would produce offline from the OCPP JSON schemas.
package ocpp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ocppcore/ocpp-rpc/peer"
)

// These name the OCPP 1.6 core profile actions this package provides a
// typed façade for.
const (
	ActionBootNotification   = "BootNotification"
	ActionHeartbeat          = "Heartbeat"
	ActionStatusNotification = "StatusNotification"
	ActionAuthorize          = "Authorize"
)

// RegistrationStatus is the charge point registration status returned
// by BootNotification.conf.
type RegistrationStatus string

const (
	RegistrationAccepted RegistrationStatus = "Accepted"
	RegistrationPending  RegistrationStatus = "Pending"
	RegistrationRejected RegistrationStatus = "Rejected"
)

// BootNotificationRequest is BootNotification.req.
type BootNotificationRequest struct {
	ChargePointVendor       string `json:"chargePointVendor"`
	ChargePointModel        string `json:"chargePointModel"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
	Iccid                   string `json:"iccid,omitempty"`
	Imsi                    string `json:"imsi,omitempty"`
	MeterSerialNumber       string `json:"meterSerialNumber,omitempty"`
	MeterType               string `json:"meterType,omitempty"`
}

// BootNotificationResponse is BootNotification.conf.
type BootNotificationResponse struct {
	Status      RegistrationStatus `json:"status"`
	CurrentTime time.Time          `json:"currentTime"`
	Interval    int                `json:"interval"`
}

// BootNotification issues a typed BootNotification CALL.
func BootNotification(ctx context.Context, p *peer.Peer, req BootNotificationRequest) (*BootNotificationResponse, error) {
	raw, err := p.Call(ctx, ActionBootNotification, req)
	if err != nil {
		return nil, err
	}
	var resp BootNotificationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HandleBootNotification registers a typed handler for inbound
// BootNotification CALLs, erasing back to peer.Handler at the
// dispatch boundary (§9 "erase only at the dispatch boundary").
func HandleBootNotification(p *peer.Peer, fn func(*peer.CallContext, BootNotificationRequest) (BootNotificationResponse, error)) error {
	return p.Handle(ActionBootNotification, func(ctx *peer.CallContext) (interface{}, error) {
		var req BootNotificationRequest
		if err := json.Unmarshal(ctx.Params, &req); err != nil {
			return nil, err
		}
		return fn(ctx, req)
	})
}

// HeartbeatRequest is Heartbeat.req: an empty object on the wire.
type HeartbeatRequest struct{}

// HeartbeatResponse is Heartbeat.conf.
type HeartbeatResponse struct {
	CurrentTime time.Time `json:"currentTime"`
}

// Heartbeat issues a typed Heartbeat CALL.
func Heartbeat(ctx context.Context, p *peer.Peer) (*HeartbeatResponse, error) {
	raw, err := p.Call(ctx, ActionHeartbeat, HeartbeatRequest{})
	if err != nil {
		return nil, err
	}
	var resp HeartbeatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HandleHeartbeat registers a typed handler for inbound Heartbeat CALLs.
func HandleHeartbeat(p *peer.Peer, fn func(*peer.CallContext) (HeartbeatResponse, error)) error {
	return p.Handle(ActionHeartbeat, func(ctx *peer.CallContext) (interface{}, error) {
		return fn(ctx)
	})
}

// ChargePointStatus is the charge point status reported by
// StatusNotification.req.
type ChargePointStatus string

const (
	StatusAvailable     ChargePointStatus = "Available"
	StatusPreparing     ChargePointStatus = "Preparing"
	StatusCharging      ChargePointStatus = "Charging"
	StatusSuspendedEVSE ChargePointStatus = "SuspendedEVSE"
	StatusSuspendedEV   ChargePointStatus = "SuspendedEV"
	StatusFinishing     ChargePointStatus = "Finishing"
	StatusReserved      ChargePointStatus = "Reserved"
	StatusUnavailable   ChargePointStatus = "Unavailable"
	StatusFaulted       ChargePointStatus = "Faulted"
)

// StatusNotificationRequest is StatusNotification.req.
type StatusNotificationRequest struct {
	ConnectorID     int               `json:"connectorId"`
	ErrorCode       string            `json:"errorCode"`
	Status          ChargePointStatus `json:"status"`
	Info            string            `json:"info,omitempty"`
	Timestamp       time.Time         `json:"timestamp,omitempty"`
	VendorID        string            `json:"vendorId,omitempty"`
	VendorErrorCode string            `json:"vendorErrorCode,omitempty"`
}

// StatusNotificationResponse is StatusNotification.conf: an empty
// object on the wire.
type StatusNotificationResponse struct{}

// StatusNotification issues a typed StatusNotification CALL.
func StatusNotification(ctx context.Context, p *peer.Peer, req StatusNotificationRequest) error {
	_, err := p.Call(ctx, ActionStatusNotification, req)
	return err
}

// HandleStatusNotification registers a typed handler for inbound
// StatusNotification CALLs.
func HandleStatusNotification(p *peer.Peer, fn func(*peer.CallContext, StatusNotificationRequest) error) error {
	return p.Handle(ActionStatusNotification, func(ctx *peer.CallContext) (interface{}, error) {
		var req StatusNotificationRequest
		if err := json.Unmarshal(ctx.Params, &req); err != nil {
			return nil, err
		}
		if err := fn(ctx, req); err != nil {
			return nil, err
		}
		return StatusNotificationResponse{}, nil
	})
}

// AuthorizationStatus is the idTagInfo status returned by Authorize.conf.
type AuthorizationStatus string

const (
	AuthorizationAccepted     AuthorizationStatus = "Accepted"
	AuthorizationBlocked      AuthorizationStatus = "Blocked"
	AuthorizationExpired      AuthorizationStatus = "Expired"
	AuthorizationInvalid      AuthorizationStatus = "Invalid"
	AuthorizationConcurrentTx AuthorizationStatus = "ConcurrentTx"
)

// AuthorizeRequest is Authorize.req.
type AuthorizeRequest struct {
	IDTag string `json:"idTag"`
}

// IDTagInfo is the nested status block common to Authorize.conf and
// several transaction-related confs.
type IDTagInfo struct {
	Status      AuthorizationStatus `json:"status"`
	ExpiryDate  *time.Time          `json:"expiryDate,omitempty"`
	ParentIDTag string              `json:"parentIdTag,omitempty"`
}

// AuthorizeResponse is Authorize.conf.
type AuthorizeResponse struct {
	IDTagInfo IDTagInfo `json:"idTagInfo"`
}

// Authorize issues a typed Authorize CALL.
func Authorize(ctx context.Context, p *peer.Peer, req AuthorizeRequest) (*AuthorizeResponse, error) {
	raw, err := p.Call(ctx, ActionAuthorize, req)
	if err != nil {
		return nil, err
	}
	var resp AuthorizeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HandleAuthorize registers a typed handler for inbound Authorize CALLs.
func HandleAuthorize(p *peer.Peer, fn func(*peer.CallContext, AuthorizeRequest) (AuthorizeResponse, error)) error {
	return p.Handle(ActionAuthorize, func(ctx *peer.CallContext) (interface{}, error) {
		var req AuthorizeRequest
		if err := json.Unmarshal(ctx.Params, &req); err != nil {
			return nil, err
		}
		return fn(ctx, req)
	})
}
