// Package server implements the Server Acceptance Pipeline (§4.11): it
// terminates the HTTP upgrade, matches the request against a
// router.Router, negotiates a subprotocol, rate-limits and
// authenticates the handshake, then spawns a server-side peer.Peer.
package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/ocppcore/ocpp-rpc/broker"
	"github.com/ocppcore/ocpp-rpc/frame"
	"github.com/ocppcore/ocpp-rpc/logger"
	"github.com/ocppcore/ocpp-rpc/middleware"
	"github.com/ocppcore/ocpp-rpc/peer"
	"github.com/ocppcore/ocpp-rpc/ratelimit"
	"github.com/ocppcore/ocpp-rpc/router"
)

// SecurityProfile is the OCPP-defined (TLS? basic-auth? client-cert?)
// tuple identified by a small integer (§6, GLOSSARY).
type SecurityProfile int

const (
	ProfileNone SecurityProfile = iota
	ProfileBasicAuth
	ProfileTLSBasicAuth
	ProfileTLSClientCert
)

// Handshake is assembled once the request is routed and its
// subprotocols intersected, and is passed to the matched route's
// AuthCallback (§4.11 step 4).
type Handshake struct {
	Identity          string
	RemoteAddress     string
	Headers           http.Header
	Protocols         []string // offered by the client
	Pathname          string
	Params            map[string]string
	Query             url.Values
	Request           *http.Request
	Password          string // present only under a Basic Auth profile
	ClientCertificate *x509.Certificate
	SecurityProfile   SecurityProfile
}

// AuthDecision is what an AuthCallback returns: either Accept (with an
// optional narrowed protocol and opaque session value) or Reject (with
// an HTTP status code and message).
type AuthDecision struct {
	Accept   bool
	Protocol string
	Session  interface{}

	Code    int
	Message string
}

// Accepted builds an accepting AuthDecision, optionally narrowing the
// negotiated subprotocol and attaching an opaque session value.
func Accepted(protocol string, session interface{}) AuthDecision {
	return AuthDecision{Accept: true, Protocol: protocol, Session: session}
}

// Rejected builds a rejecting AuthDecision with the given HTTP status
// and message (§6 "HTTP handshake errors").
func Rejected(code int, message string) AuthDecision {
	return AuthDecision{Accept: false, Code: code, Message: message}
}

// AuthCallback decides whether a handshake may proceed. It is run with
// a bounded Config.HandshakeTimeout deadline on ctx (§4.11 step 8).
type AuthCallback func(ctx context.Context, h *Handshake) AuthDecision

// RouteConfig is the per-route override attached to a router.Entry's
// Payload.
type RouteConfig struct {
	AllowedProtocols []string
	AuthCallback     AuthCallback
	Middlewares      *middleware.Stack
	PeerConfig       peer.Config
}

// Config configures a Server. Zero-value fields take documented
// defaults (§6 "Configuration surface").
type Config struct {
	Protocols           []string
	SecurityProfile     SecurityProfile
	TLS                 *tls.Config
	MaxPayloadBytes     int64
	HandshakeTimeout    time.Duration
	ConnectionRateLimit *ratelimit.Limiter
	AuthCallback        AuthCallback
	PeerConfig          peer.Config
	Logger              *logger.Logger

	// Middlewares runs ahead of a route's own RouteConfig.Middlewares
	// for every spawned server peer (§4.6 "concatenated with any
	// server-level middlewares").
	Middlewares *middleware.Stack

	// Broker, if set, receives every CALL a spawned server peer sends
	// and every CALLRESULT it receives, for distributed fan-out (§4.14).
	// The core ships no implementation; this is purely a wiring point.
	Broker broker.Publisher

	// BasicAuthCredentials maps identity -> expected password for the
	// BASIC_AUTH / TLS_BASIC_AUTH profiles when no per-route
	// AuthCallback overrides it.
	BasicAuthCredentials map[string]string
}

func (c Config) withDefaults() Config {
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 65536
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger, _ = logger.Get(logger.SubsystemTags.SRVR)
	}
	return c
}

// SecurityEvent is emitted for AUTH_FAILED, CONNECTION_RATE_LIMIT and
// UPGRADE_ABORTED occurrences (§6 "Events emitted").
type SecurityEvent struct {
	Type      string
	Timestamp time.Time
	Identity  string
	Details   map[string]interface{}
}

// Server accepts WebSocket upgrades and turns each into a peer.Peer.
type Server struct {
	cfg    Config
	router *router.Router
	tlsMu  sync.RWMutex

	clientsMu sync.Mutex
	clients   map[*peer.Peer]struct{}

	listenersMu     sync.RWMutex
	onClient        []func(*peer.Peer)
	onSecurityEvent []func(SecurityEvent)
	onError         []func(error)
}

// New constructs a Server. Routes are registered afterward via Route /
// RouteRegexp.
func New(cfg Config) *Server {
	return &Server{
		cfg:     cfg.withDefaults(),
		router:  router.New(),
		clients: make(map[*peer.Peer]struct{}),
	}
}

// WithBroker attaches a fan-out Publisher after construction (§4.14).
func (s *Server) WithBroker(b broker.Publisher) *Server {
	s.cfg.Broker = b
	return s
}

// Route registers a path template and its override config (§4.6, §4.11).
func (s *Server) Route(pattern string, rc RouteConfig) *router.Entry {
	return s.router.Route(pattern, rc)
}

// RouteRegexp registers a RegExp fallback route.
func (s *Server) RouteRegexp(re *regexp.Regexp, rc RouteConfig) *router.Entry {
	return s.router.RouteRegexp(re, rc)
}

// OnClient registers a callback invoked once a peer has been spawned
// for an accepted connection (§4.11 step 9, "client" event).
func (s *Server) OnClient(fn func(*peer.Peer)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.onClient = append(s.onClient, fn)
}

// OnSecurityEvent registers a callback for AUTH_FAILED,
// CONNECTION_RATE_LIMIT and UPGRADE_ABORTED occurrences.
func (s *Server) OnSecurityEvent(fn func(SecurityEvent)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.onSecurityEvent = append(s.onSecurityEvent, fn)
}

// OnError registers a callback for acceptance-pipeline errors that
// don't fit a more specific event.
func (s *Server) OnError(fn func(error)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.onError = append(s.onError, fn)
}

func (s *Server) emitClient(p *peer.Peer) {
	s.listenersMu.RLock()
	fns := append([]func(*peer.Peer)(nil), s.onClient...)
	s.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (s *Server) emitSecurityEvent(ev SecurityEvent) {
	ev.Timestamp = time.Now()
	s.listenersMu.RLock()
	fns := append([]func(SecurityEvent)(nil), s.onSecurityEvent...)
	s.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Server) emitError(err error) {
	s.listenersMu.RLock()
	fns := append([]func(error)(nil), s.onError...)
	s.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

// UpdateTLS shallow-merges partial's Certificates, ClientCAs and
// RootCAs into a clone of Config.TLS and stores the clone as the
// Server's TLS config (§4.11 "TLS hot-rotate"). The previous
// *tls.Config is not modified and nothing else is notified, so a
// listener already serving it keeps using it. It is a no-op on
// non-TLS-bearing profiles.
func (s *Server) UpdateTLS(partial *tls.Config) {
	if s.cfg.SecurityProfile != ProfileTLSBasicAuth && s.cfg.SecurityProfile != ProfileTLSClientCert {
		return
	}
	s.tlsMu.Lock()
	defer s.tlsMu.Unlock()
	if s.cfg.TLS == nil {
		s.cfg.TLS = partial
		return
	}
	merged := s.cfg.TLS.Clone()
	if partial.Certificates != nil {
		merged.Certificates = partial.Certificates
	}
	if partial.ClientCAs != nil {
		merged.ClientCAs = partial.ClientCAs
	}
	if partial.RootCAs != nil {
		merged.RootCAs = partial.RootCAs
	}
	s.cfg.TLS = merged
}

// Clients returns a snapshot of currently connected server-side peers.
func (s *Server) Clients() []*peer.Peer {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	out := make([]*peer.Peer, 0, len(s.clients))
	for p := range s.clients {
		out = append(out, p)
	}
	return out
}

func (s *Server) addClient(p *peer.Peer) {
	s.clientsMu.Lock()
	s.clients[p] = struct{}{}
	s.clientsMu.Unlock()
	p.On(peer.EventClose, func(peer.Event) {
		s.clientsMu.Lock()
		delete(s.clients, p)
		s.clientsMu.Unlock()
	})

	if s.cfg.Broker != nil {
		s.wireBroker(p)
	}
}

// wireBroker publishes every CALL a server peer sends and every
// CALLRESULT it receives to the configured broker.Publisher (§4.14).
// Publish errors are logged, never surfaced to the peer — the broker
// is an observer, not part of the RPC contract.
func (s *Server) wireBroker(p *peer.Peer) {
	identity := p.Identity()
	p.On(peer.EventCall, func(ev peer.Event) {
		parsed, err := frame.Decode(ev.Raw)
		if err != nil {
			return
		}
		call, ok := parsed.(*frame.Call)
		if !ok {
			return
		}
		if err := s.cfg.Broker.PublishCall(context.Background(), identity, *call); err != nil {
			s.cfg.Logger.Warnf("publishing call for %s: %s", identity, err)
		}
	})
	p.On(peer.EventCallResult, func(ev peer.Event) {
		result := frame.CallResult{MessageID: ev.MessageID, Payload: ev.Raw}
		if err := s.cfg.Broker.PublishResult(context.Background(), identity, result); err != nil {
			s.cfg.Logger.Warnf("publishing result for %s: %s", identity, err)
		}
	})
}

// checkBasicAuth implements the constant-time Basic Auth check shared
// by the BASIC_AUTH and TLS_BASIC_AUTH profiles, grounded on the
// teacher's checkAuth (rpcserver.go).
func checkBasicAuth(expectedPassword, suppliedPassword string) bool {
	expSum := sha256.Sum256([]byte(expectedPassword))
	gotSum := sha256.Sum256([]byte(suppliedPassword))
	return subtle.ConstantTimeCompare(expSum[:], gotSum[:]) == 1
}
