package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/btcsuite/websocket"

	"github.com/ocppcore/ocpp-rpc/middleware"
	"github.com/ocppcore/ocpp-rpc/peer"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeHTTP runs the acceptance pipeline of §4.11 for one upgrade
// request: route match, subprotocol intersection, rate limiting, auth,
// and finally spawning a server-side peer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr

	entry, params, ok := s.router.Match(r.URL.Path)
	var rc RouteConfig
	if ok {
		rc, ok = entry.Payload.(RouteConfig)
	}
	if !ok {
		identity, isLegacy := legacyIdentity(r.URL.Path)
		if !isLegacy {
			http.Error(w, "404 not found", http.StatusNotFound)
			return
		}
		params = map[string]string{"identity": identity}
		rc = RouteConfig{}
	}

	offered := websocket.Subprotocols(r)
	protocol, ok := negotiateProtocol(offered, rc.AllowedProtocols, s.cfg.Protocols)
	if !ok {
		http.Error(w, "400 no acceptable subprotocol", http.StatusBadRequest)
		return
	}

	rateKey := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		rateKey = host
	}
	if s.cfg.ConnectionRateLimit != nil && !s.cfg.ConnectionRateLimit.Allow(rateKey) {
		s.emitSecurityEvent(SecurityEvent{Type: "CONNECTION_RATE_LIMIT", Details: map[string]interface{}{"remoteAddress": remoteAddr}})
		http.Error(w, "429 too many connection attempts", http.StatusTooManyRequests)
		return
	}

	identity := params["identity"]
	hs := &Handshake{
		Identity:        identity,
		RemoteAddress:   remoteAddr,
		Headers:         r.Header,
		Protocols:       offered,
		Pathname:        r.URL.Path,
		Params:          params,
		Query:           r.URL.Query(),
		Request:         r,
		SecurityProfile: s.cfg.SecurityProfile,
	}
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		hs.ClientCertificate = r.TLS.PeerCertificates[0]
	}

	if s.cfg.SecurityProfile == ProfileBasicAuth || s.cfg.SecurityProfile == ProfileTLSBasicAuth {
		user, pass, basicOK := r.BasicAuth()
		if !basicOK || user != identity {
			s.emitSecurityEvent(SecurityEvent{Type: "AUTH_FAILED", Identity: identity})
			http.Error(w, "401 unauthorized", http.StatusUnauthorized)
			return
		}
		hs.Password = pass
	}

	authCallback := rc.AuthCallback
	if authCallback == nil {
		authCallback = s.cfg.AuthCallback
	}
	if authCallback == nil {
		authCallback = defaultAuthCallback(s.cfg)
	}

	decision, aborted := s.runAuthCallback(authCallback, hs)
	if aborted {
		s.emitSecurityEvent(SecurityEvent{Type: "UPGRADE_ABORTED", Identity: identity})
		http.Error(w, "500 handshake auth timed out", http.StatusInternalServerError)
		return
	}
	if !decision.Accept {
		s.emitSecurityEvent(SecurityEvent{Type: "AUTH_FAILED", Identity: identity, Details: map[string]interface{}{"message": decision.Message}})
		code := decision.Code
		if code == 0 {
			code = http.StatusUnauthorized
		}
		http.Error(w, decision.Message, code)
		return
	}

	negotiated := protocol
	if decision.Protocol != "" {
		negotiated = decision.Protocol
	}

	upg := upgrader
	if negotiated != "" {
		upg.Subprotocols = []string{negotiated}
	}
	conn, err := upg.Upgrade(w, r, nil)
	if err != nil {
		s.emitError(fmt.Errorf("server: upgrading connection for %s: %w", identity, err))
		return
	}

	peerCfg := mergePeerConfig(s.cfg.PeerConfig, rc.PeerConfig)
	if peerCfg.Identity == "" {
		peerCfg.Identity = identity
	}
	if peerCfg.Logger == nil {
		peerCfg.Logger = s.cfg.Logger
	}
	if combined := concatMiddlewares(s.cfg.Middlewares, rc.Middlewares); combined != nil {
		peerCfg.Middlewares = combined
	}

	p := peer.NewServerPeer(peerCfg, conn, negotiated)
	s.addClient(p)
	s.emitClient(p)
}

// runAuthCallback bounds the AuthCallback to Config.HandshakeTimeout
// (§4.11 step 8); a callback that neither accepts nor rejects before
// the deadline aborts the handshake with UPGRADE_ABORTED.
func (s *Server) runAuthCallback(cb AuthCallback, hs *Handshake) (decision AuthDecision, aborted bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()

	resultC := make(chan AuthDecision, 1)
	go func() { resultC <- cb(ctx, hs) }()

	select {
	case decision = <-resultC:
		return decision, false
	case <-ctx.Done():
		return AuthDecision{}, true
	}
}

// defaultAuthCallback accepts everything under ProfileNone, and checks
// Config.BasicAuthCredentials (constant-time) under the Basic Auth
// profiles when no per-route callback overrides it.
func defaultAuthCallback(cfg Config) AuthCallback {
	return func(_ context.Context, hs *Handshake) AuthDecision {
		if cfg.SecurityProfile == ProfileBasicAuth || cfg.SecurityProfile == ProfileTLSBasicAuth {
			expected, ok := cfg.BasicAuthCredentials[hs.Identity]
			if !ok || !checkBasicAuth(expected, hs.Password) {
				return Rejected(http.StatusUnauthorized, "invalid credentials")
			}
		}
		return Accepted("", nil)
	}
}

// mergePeerConfig implements the config inheritance of §4.6: "the
// effective config obtained by shallow-merging: server defaults ←
// route config." A route field is only applied over the server
// default when the route actually set it (non-zero); an unset route
// field falls through to whatever the server configured.
func mergePeerConfig(serverDefault, route peer.Config) peer.Config {
	merged := serverDefault

	if route.Identity != "" {
		merged.Identity = route.Identity
	}
	if route.Password != "" {
		merged.Password = route.Password
	}
	if route.CallTimeout != 0 {
		merged.CallTimeout = route.CallTimeout
	}
	if route.PingInterval != 0 {
		merged.PingInterval = route.PingInterval
	}
	if route.CallConcurrency != 0 {
		merged.CallConcurrency = route.CallConcurrency
	}
	if !route.StrictMode.IsZero() {
		merged.StrictMode = route.StrictMode
	}
	if route.RespondWithDetailedErrors {
		merged.RespondWithDetailedErrors = route.RespondWithDetailedErrors
	}
	if route.MaxBadMessages != 0 {
		merged.MaxBadMessages = route.MaxBadMessages
	}
	if route.Validators != nil {
		merged.Validators = route.Validators
	}
	if route.Logger != nil {
		merged.Logger = route.Logger
	}

	return merged
}

// concatMiddlewares builds one Stack running server's chain ahead of
// route's (§4.6 "concatenated with any server-level middlewares").
// Returns nil if neither is set, leaving peer.Config.withDefaults' own
// empty Stack in place.
func concatMiddlewares(server, route *middleware.Stack) *middleware.Stack {
	var chain []middleware.Middleware
	if server != nil {
		chain = append(chain, server.Middlewares()...)
	}
	if route != nil {
		chain = append(chain, route.Middlewares()...)
	}
	if chain == nil {
		return nil
	}
	return middleware.New(chain...)
}

// negotiateProtocol intersects the client-offered subprotocols with
// the route's AllowedProtocols (if any) and the server's own Protocols
// (§4.11 step 6). The first offered protocol present in both
// constraints wins, preserving the client's preference order.
func negotiateProtocol(offered, routeAllowed, serverAllowed []string) (string, bool) {
	for _, p := range offered {
		if len(routeAllowed) > 0 && !contains(routeAllowed, p) {
			continue
		}
		if len(serverAllowed) > 0 && !contains(serverAllowed, p) {
			continue
		}
		return p, true
	}
	if len(offered) == 0 && len(routeAllowed) == 0 && len(serverAllowed) == 0 {
		return "", true // no protocols negotiated at all is acceptable when nobody constrains them
	}
	return "", false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// legacyIdentity implements the default legacy matcher (§4.11 step 3):
// a bare "/ocpp/<identity>"-style path when no explicit route matches.
func legacyIdentity(path string) (identity string, ok bool) {
	trimmed := strings.Trim(path, "/")
	if !strings.HasPrefix(trimmed, "ocpp/") {
		return "", false
	}
	rest := strings.TrimPrefix(trimmed, "ocpp/")
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
