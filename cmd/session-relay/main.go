package main

import (
	"errors"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/config"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/event"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/server"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/transport"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", config.DefaultPath, "config file (.json or .toml)")
	addr := pflag.String("addr", "", "tcp listen address, overrides relay.addr")
	wsAddr := pflag.String("ws-addr", "", "websocket listen address, overrides relay.websocket_addr")
	pflag.Parse()

	cfg, err := config.ReadConfig(*configPath)
	if err != nil {
		if errors.Is(err, config.ErrConfigCreated) {
			logger.Info(err.Error())
			return
		}
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	if *addr != "" {
		cfg.Relay.Addr = *addr
	}
	if *wsAddr != "" {
		cfg.Relay.WebSocketAddr = *wsAddr
	}

	if cfg.Relay.Addr == "" && cfg.Relay.WebSocketAddr == "" {
		logger.Fatal("Neither relay.addr nor relay.websocket_addr is configured")
		return
	}

	loggerCallback := logger.Init(cfg)
	logger.Debug("Relay initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)
	defer cleaner.Clean()

	relay := server.New(transport.NewHub(), server.OptionsFromConfig(cfg.Relay))
	cleaner.Add(relay)
	if cfg.Relay.Addr != "" {
		if _, err := relay.ListenTCP(cfg.Relay.Addr); err != nil {
			logger.FatalF("Error occured while starting relay, details: %v", err)
			return
		}
	}
	if cfg.Relay.WebSocketAddr != "" {
		if _, err := relay.ListenWebSocket(cfg.Relay.WebSocketAddr); err != nil {
			logger.FatalF("Error occured while starting websocket relay, details: %v", err)
			return
		}
	}
	if cfg.Metrics.Addr != "" {
		metricsServer := metrics.NewServer(cfg.Metrics.Addr)
		metricsServer.Start()
		cleaner.Add(metricsServer)
	}

	logger.Info("Relay started")
	select {}
}
