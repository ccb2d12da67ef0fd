package peer_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ocppcore/ocpp-rpc/peer"
	"github.com/ocppcore/ocpp-rpc/server"
)

// wsURL rewrites an httptest.Server's http(s):// base URL to its
// ws(s):// equivalent, since peer.Connect always dials a WebSocket URL.
func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

// TestIntegrationBootRoundTrip drives a real server.Server and
// peer.Peer client over an actual loopback WebSocket connection
// (spec scenario 1: boot round-trip), exercising the full acceptance
// pipeline and RPC engine together rather than either in isolation.
func TestIntegrationBootRoundTrip(t *testing.T) {
	srv := server.New(server.Config{Protocols: []string{"ocpp1.6"}})
	srv.OnClient(func(p *peer.Peer) {
		p.Handle("Heartbeat", func(ctx *peer.CallContext) (interface{}, error) { //nolint:errcheck
			return map[string]string{"currentTime": "2024-01-01T00:00:00Z"}, nil
		})
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := peer.New(peer.Config{
		Identity:    "CP-1",
		Endpoint:    wsURL(ts),
		Protocols:   []string{"ocpp1.6"},
		CallTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close(peer.CloseOptions{Force: true})

	raw, err := client.Call(context.Background(), "Heartbeat", map[string]string{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(raw) != `{"currentTime":"2024-01-01T00:00:00Z"}` {
		t.Fatalf("unexpected payload: %s", raw)
	}
}

// TestIntegrationReconnectionStorm exercises spec scenario 6: after an
// unexpected close, the client retries with jittered backoff up to
// maxReconnects, then settles into CLOSED with {code:1001, reason:
// "Max reconnection attempts exhausted"} and stops retrying.
//
// The server accepts the first handshake and immediately force-closes
// the spawned peer, then tears down its own listener so every
// subsequent reconnect dial genuinely fails — the scenario the source
// describes as a connection that never comes back.
func TestIntegrationReconnectionStorm(t *testing.T) {
	var ts *httptest.Server
	srv := server.New(server.Config{Protocols: []string{"ocpp1.6"}})
	srv.OnClient(func(p *peer.Peer) {
		p.Close(peer.CloseOptions{Force: true})
		go ts.Close()
	})
	ts = httptest.NewServer(srv)
	defer ts.Close()

	client := peer.New(peer.Config{
		Identity:      "CP-1",
		Endpoint:      wsURL(ts),
		Protocols:     []string{"ocpp1.6"},
		Reconnect:     true,
		MaxReconnects: 3,
		BackoffMin:    10 * time.Millisecond,
		BackoffMax:    40 * time.Millisecond,
	})

	var reconnects int32
	client.On(peer.EventReconnect, func(peer.Event) { atomic.AddInt32(&reconnects, 1) })

	closedC := make(chan peer.Event, 1)
	client.On(peer.EventClose, func(ev peer.Event) {
		select {
		case closedC <- ev:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case ev := <-closedC:
		if ev.Code != 1001 {
			t.Fatalf("expected close code 1001, got %d", ev.Code)
		}
		if ev.Reason != "Max reconnection attempts exhausted" {
			t.Fatalf("unexpected close reason: %q", ev.Reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the peer to settle into CLOSED")
	}

	if got := atomic.LoadInt32(&reconnects); got != 3 {
		t.Fatalf("expected exactly 3 reconnect attempts, got %d", got)
	}
	if got := client.State(); got != peer.StateClosed {
		t.Fatalf("expected final state CLOSED, got %v", got)
	}
}
