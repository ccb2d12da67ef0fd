package server

import (
	"context"
	"sync"
	"testing"

	"github.com/ocppcore/ocpp-rpc/frame"
	"github.com/ocppcore/ocpp-rpc/peer"
)

type recordingPublisher struct {
	mu      sync.Mutex
	calls   []frame.Call
	results []frame.CallResult
}

func (r *recordingPublisher) PublishCall(_ context.Context, _ string, c frame.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return nil
}

func (r *recordingPublisher) PublishResult(_ context.Context, _ string, c frame.CallResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, c)
	return nil
}

// TestWithBrokerStoresConfiguredPublisher confirms WithBroker attaches
// the Publisher the acceptance pipeline later hands accepted peers to.
func TestWithBrokerStoresConfiguredPublisher(t *testing.T) {
	pub := &recordingPublisher{}
	s := New(Config{}).WithBroker(pub)
	if s.cfg.Broker != pub {
		t.Fatal("expected WithBroker to store the publisher on Config.Broker")
	}
}

// TestAddClientWithBrokerDoesNotPanic confirms a server configured with
// a broker can register an accepted peer's event listeners without
// touching peer internals (peer.New here stands in for a peer handed
// over by the acceptance pipeline after a real upgrade).
func TestAddClientWithBrokerDoesNotPanic(t *testing.T) {
	pub := &recordingPublisher{}
	s := New(Config{}).WithBroker(pub)

	p := peer.New(peer.Config{Identity: "CP-1"})
	s.addClient(p)

	if _, tracked := s.clients[p]; !tracked {
		t.Fatal("expected addClient to track the peer in s.clients")
	}
}
