// Command gateway boots the WebSocket gateway: loads configuration,
// wires the node manager, router, registry, fan-out services, and
// ingress dispatcher, then serves until a shutdown signal arrives.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/nodebridge/wsgateway/internal/config"
	"github.com/nodebridge/wsgateway/internal/gateway"
	"github.com/nodebridge/wsgateway/internal/ingress"
	"github.com/nodebridge/wsgateway/internal/kvps"
	"github.com/nodebridge/wsgateway/internal/logger"
	"github.com/nodebridge/wsgateway/internal/node"
	"github.com/nodebridge/wsgateway/internal/registry"
	"github.com/nodebridge/wsgateway/internal/router"
	"github.com/nodebridge/wsgateway/internal/services/chat"
	"github.com/nodebridge/wsgateway/internal/services/cursor"
	"github.com/nodebridge/wsgateway/internal/services/presence"
	"github.com/nodebridge/wsgateway/internal/services/reaction"
)

func main() {
	cfg := config.Load()
	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.Get()

	store := kvps.New(kvps.Config{
		Host: cfg.KVPSHost,
		Port: cfg.KVPSPort,
		URL:  cfg.KVPSURL,
	})
	defer store.Close()

	nodes := node.New(store, cfg.Port, cfg.HeartbeatInterval, cfg.HeartbeatTTL)
	conns := registry.New()
	rtr := router.New(store, nodes, conns)

	services := map[string]ingress.Service{}
	if cfg.ServiceEnabled("chat") {
		services["chat"] = chat.New(rtr, rtr)
	}
	if cfg.ServiceEnabled("presence") {
		services["presence"] = presence.New(rtr, rtr, cfg.PresenceTimeout)
	}
	if cfg.ServiceEnabled("cursor") {
		services["cursor"] = cursor.New(rtr, rtr, cfg.CursorTTL, cfg.CursorCleanup, cfg.ThrottleInterval)
	}
	if cfg.ServiceEnabled("reaction") {
		services["reaction"] = reaction.New(rtr, rtr)
	}
	dispatcher := ingress.New(services)

	gw := gateway.New(cfg, nodes, rtr, conns, dispatcher)

	snapshotter := cron.New()
	if _, err := snapshotter.AddFunc("@every 1m", func() {
		info := nodes.GetClusterInfo(context.Background())
		log.Info().Interface("cluster", info).Msg("periodic cluster snapshot")
	}); err != nil {
		log.Warn().Err(err).Msg("failed to schedule cluster snapshot job")
	}
	snapshotter.Start()
	defer snapshotter.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(context.Background())
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("gateway exited with error")
		}
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		gw.Shutdown(context.Background())
	}
}
