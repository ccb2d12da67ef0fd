package peer

import "github.com/btcsuite/websocket"

// NewServerPeer constructs a Peer already bound to conn, an
// already-upgraded and subprotocol-negotiated socket handed over by
// the server acceptance pipeline (§4.11 step 9). Unlike a client Peer
// it never dials and never reconnects on its own — a disconnected
// server-side peer simply closes; config.Reconnect is ignored.
func NewServerPeer(cfg Config, conn *websocket.Conn, negotiatedProtocol string) *Peer {
	cfg.Reconnect = false
	p := New(cfg)
	p.bindConn(conn, negotiatedProtocol)
	return p
}
