package main

import (
	"errors"

	"github.com/jessevdk/go-flags"
)

type config struct {
	Endpoint        string `long:"endpoint" description:"CSMS WebSocket endpoint, e.g. wss://csms.example.com/ocpp" required:"true"`
	Identity        string `long:"identity" description:"Charge point identity" required:"true"`
	Password        string `long:"password" description:"Basic Auth password, if the CSMS requires one"`
	Protocol        string `long:"protocol" description:"OCPP subprotocol to offer" default:"ocpp1.6"`
	HeartbeatMs     int64  `long:"heartbeat-ms" description:"Heartbeat interval, in milliseconds" default:"60000"`
	Reconnect       bool   `long:"reconnect" description:"Automatically reconnect on disconnect"`
	MaxReconnects   int    `long:"max-reconnects" description:"Maximum reconnection attempts" default:"0"`
}

func parseConfig() (*config, error) {
	cfg := &config{}
	parser := flags.NewParser(cfg, flags.PrintErrors|flags.HelpFlag)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("--endpoint is required")
	}
	return cfg, nil
}
