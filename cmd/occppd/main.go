package main

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ocppcore/ocpp-rpc/adaptive"
	"github.com/ocppcore/ocpp-rpc/logger"
	"github.com/ocppcore/ocpp-rpc/ocpp"
	"github.com/ocppcore/ocpp-rpc/peer"
	"github.com/ocppcore/ocpp-rpc/ratelimit"
	"github.com/ocppcore/ocpp-rpc/server"
)

var log, _ = logger.Get(logger.SubsystemTags.OCPP)

func main() {
	cfg, err := parseConfig()
	if err != nil {
		printErrorAndExit(fmt.Sprintf("error parsing command-line arguments: %s", err))
	}

	srvCfg := server.Config{
		Protocols:           []string{"ocpp2.0.1", "ocpp1.6"},
		HandshakeTimeout:    10 * time.Second,
		ConnectionRateLimit: ratelimit.New(cfg.RateLimit, cfg.RateWindowMs),
	}
	if cfg.BasicAuth {
		srvCfg.SecurityProfile = server.ProfileBasicAuth
	}
	if !cfg.DisableTLS {
		cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			printErrorAndExit(fmt.Sprintf("error loading TLS certificate: %s", err))
		}
		srvCfg.TLS = &tls.Config{Certificates: []tls.Certificate{cert}}
		if cfg.BasicAuth {
			srvCfg.SecurityProfile = server.ProfileTLSBasicAuth
		} else {
			srvCfg.SecurityProfile = server.ProfileNone
		}
	}

	s := server.New(srvCfg)
	limiter := adaptive.New(adaptive.Config{})
	limiter.On(func(ev adaptive.Event) {
		log.Infof("adaptive multiplier -> %.2f (cpu=%.1f%% mem=%.1f%%)", ev.Multiplier, ev.CPUPercent, ev.MemPercent)
		for _, p := range s.Clients() {
			p.ScaleCallConcurrency(ev.Multiplier)
		}
	})
	limiter.Start()
	defer limiter.Stop()

	s.OnClient(func(p *peer.Peer) {
		log.Infof("accepted charge point %s over %s", p.Identity(), p.Protocol())
		registerHandlers(p)
	})
	s.OnSecurityEvent(func(ev server.SecurityEvent) {
		log.Warnf("security event %s identity=%s", ev.Type, ev.Identity)
	})
	s.OnError(func(err error) {
		log.Errorf("acceptance pipeline error: %s", err)
	})

	log.Infof("listening on %s", cfg.ListenAddr)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: s}
	if !cfg.DisableTLS {
		httpServer.TLSConfig = srvCfg.TLS
		err = httpServer.ListenAndServeTLS("", "")
	} else {
		err = httpServer.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		printErrorAndExit(fmt.Sprintf("server stopped: %s", err))
	}
}

// registerHandlers wires the example CSMS's OCPP 1.6 core profile
// responses using the typed façade in ocpp/.
func registerHandlers(p *peer.Peer) {
	ocpp.HandleBootNotification(p, func(_ *peer.CallContext, req ocpp.BootNotificationRequest) (ocpp.BootNotificationResponse, error) { //nolint:errcheck
		log.Infof("boot notification from %s %s", req.ChargePointVendor, req.ChargePointModel)
		return ocpp.BootNotificationResponse{Status: ocpp.RegistrationAccepted, CurrentTime: time.Now().UTC(), Interval: 300}, nil
	})
	ocpp.HandleHeartbeat(p, func(*peer.CallContext) (ocpp.HeartbeatResponse, error) { //nolint:errcheck
		return ocpp.HeartbeatResponse{CurrentTime: time.Now().UTC()}, nil
	})
	ocpp.HandleStatusNotification(p, func(_ *peer.CallContext, req ocpp.StatusNotificationRequest) error { //nolint:errcheck
		log.Infof("status notification: connector %d -> %s", req.ConnectorID, req.Status)
		return nil
	})
	ocpp.HandleAuthorize(p, func(_ *peer.CallContext, req ocpp.AuthorizeRequest) (ocpp.AuthorizeResponse, error) { //nolint:errcheck
		return ocpp.AuthorizeResponse{IDTagInfo: ocpp.IDTagInfo{Status: ocpp.AuthorizationAccepted}}, nil
	})
}

func printErrorAndExit(message string) {
	fmt.Fprintf(os.Stderr, "%s\n", message)
	os.Exit(1)
}
