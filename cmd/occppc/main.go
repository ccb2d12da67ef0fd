package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocppcore/ocpp-rpc/logger"
	"github.com/ocppcore/ocpp-rpc/ocpp"
	"github.com/ocppcore/ocpp-rpc/peer"
)

var log, _ = logger.Get(logger.SubsystemTags.OCPP)

func main() {
	cfg, err := parseConfig()
	if err != nil {
		printErrorAndExit(fmt.Sprintf("error parsing command-line arguments: %s", err))
	}

	p := peer.New(peer.Config{
		Identity:      cfg.Identity,
		Endpoint:      cfg.Endpoint,
		Protocols:     []string{cfg.Protocol},
		Password:      cfg.Password,
		Reconnect:     cfg.Reconnect,
		MaxReconnects: cfg.MaxReconnects,
		PingInterval:  time.Duration(cfg.HeartbeatMs) * time.Millisecond,
	})

	p.On(peer.EventOpen, func(peer.Event) { log.Infof("connected to %s as %s", cfg.Endpoint, cfg.Identity) })
	p.On(peer.EventDisconnect, func(ev peer.Event) { log.Warnf("disconnected: %s", ev.Err) })
	p.On(peer.EventReconnect, func(ev peer.Event) { log.Infof("reconnecting, attempt %d after %s", ev.Attempt, ev.Delay) })
	p.On(peer.EventClose, func(ev peer.Event) { log.Infof("closed: code=%d reason=%s", ev.Code, ev.Reason) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Connect(ctx); err != nil {
		printErrorAndExit(fmt.Sprintf("error connecting to %s: %s", cfg.Endpoint, err))
	}

	bootAndHeartbeat(ctx, p, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Infof("shutting down")
	p.Close(peer.CloseOptions{AwaitPending: true})
	p.Wait()
}

// bootAndHeartbeat sends the boot sequence and starts a heartbeat loop
// using the typed façade from ocpp/.
func bootAndHeartbeat(ctx context.Context, p *peer.Peer, cfg *config) {
	resp, err := ocpp.BootNotification(ctx, p, ocpp.BootNotificationRequest{
		ChargePointVendor: "ocpp-rpc",
		ChargePointModel:  "example-charge-point",
	})
	if err != nil {
		log.Errorf("boot notification failed: %s", err)
		return
	}
	log.Infof("boot notification accepted: status=%s interval=%d", resp.Status, resp.Interval)

	go func() {
		interval := time.Duration(cfg.HeartbeatMs) * time.Millisecond
		if resp.Interval > 0 {
			interval = time.Duration(resp.Interval) * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := ocpp.Heartbeat(ctx, p); err != nil {
					log.Warnf("heartbeat failed: %s", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func printErrorAndExit(message string) {
	fmt.Fprintf(os.Stderr, "%s\n", message)
	os.Exit(1)
}
