package main

import (
	"errors"

	"github.com/jessevdk/go-flags"
)

type config struct {
	ListenAddr   string `long:"listen" description:"Address to listen for OCPP WebSocket upgrades on" default:":9220"`
	CertPath     string `long:"cert" description:"Path to a TLS certificate; required unless --notls is given"`
	KeyPath      string `long:"key" description:"Path to the TLS certificate's private key"`
	DisableTLS   bool   `long:"notls" description:"Serve plain ws:// instead of wss://"`
	BasicAuth    bool   `long:"basic-auth" description:"Require HTTP Basic Auth (identity:password) on every upgrade"`
	RateLimit    int    `long:"rate-limit" description:"Connection attempts allowed per source address per window" default:"5"`
	RateWindowMs int64  `long:"rate-window-ms" description:"Rate limit window, in milliseconds" default:"1000"`
}

func parseConfig() (*config, error) {
	cfg := &config{}
	parser := flags.NewParser(cfg, flags.PrintErrors|flags.HelpFlag)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if !cfg.DisableTLS && (cfg.CertPath == "" || cfg.KeyPath == "") {
		return nil, errors.New("--cert and --key are required unless --notls is given")
	}
	if cfg.DisableTLS && (cfg.CertPath != "" || cfg.KeyPath != "") {
		return nil, errors.New("--cert/--key should be omitted if --notls is used")
	}

	return cfg, nil
}
