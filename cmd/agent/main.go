// Command agent runs the node agent: it connects to core over the
// WebSocket protocol, registers, reports periodic heartbeats, and executes
// dispatched commands. Shutdown is signal-driven, cancelling the driver's
// context so the in-flight connection closes cleanly.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetcore/fleetcore/agent/config"
	"github.com/fleetcore/fleetcore/agent/driver"
	"github.com/fleetcore/fleetcore/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logging.Initialize(cfg.Logging.Level, cfg.Logging.Pretty)
	log := logging.Agent()

	identityFile := os.Getenv("SM_NODE_IDENTITY_FILE")
	if identityFile == "" {
		identityFile = "./node-id"
	}

	d, err := driver.New(cfg, identityFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize driver")
	}
	log.Info().Str("node_id", d.NodeID()).Str("core_url", cfg.Core.URL).Msg("starting agent")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("driver exited")
		}
	}
}
