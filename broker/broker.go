// Package broker declares the pluggable fan-out interface spec.md §1
// names as a Non-goal for this core: distributing CALLs/CALLRESULTs
// across a cluster of server instances. The core ships no
// implementation; a deployment wires in its own Publisher (backed by
// Redis, NATS, a message queue, whatever fits) via server.Config.
package broker

import (
	"context"

	"github.com/ocppcore/ocpp-rpc/frame"
)

// Publisher fans outbound frames out to other collaborators — other
// server instances, an event bus, an audit log — that need visibility
// into a peer's traffic beyond the process holding its socket.
type Publisher interface {
	// PublishCall is invoked for every CALL the identified peer sends,
	// after the outgoing middleware stack has run. CALLs the peer
	// receives are not published.
	PublishCall(ctx context.Context, identity string, call frame.Call) error

	// PublishResult is invoked for every CALLRESULT the identified peer
	// receives for one of its own CALLs, carrying the payload as it
	// arrived on the wire. CALLRESULTs the peer sends are not published.
	PublishResult(ctx context.Context, identity string, result frame.CallResult) error
}
