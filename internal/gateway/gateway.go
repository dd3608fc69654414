// Package gateway wires the node manager, router, registry, ingress
// dispatcher, and fan-out services into a running process: HTTP surface,
// WebSocket upgrade, and graceful shutdown ordering.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nodebridge/wsgateway/internal/config"
	"github.com/nodebridge/wsgateway/internal/ingress"
	"github.com/nodebridge/wsgateway/internal/logger"
	"github.com/nodebridge/wsgateway/internal/node"
	"github.com/nodebridge/wsgateway/internal/registry"
	"github.com/nodebridge/wsgateway/internal/router"
	"github.com/nodebridge/wsgateway/internal/transport"
)

// Gateway is the wired-together process: the HTTP server hosting the
// upgrade endpoint and the operational surface.
type Gateway struct {
	cfg    *config.Config
	nodes  *node.Manager
	router *router.Router
	conns  *registry.Registry
	ingest *ingress.Dispatcher

	engine *gin.Engine
	server *http.Server
}

// New wires a Gateway around its already-constructed components.
func New(cfg *config.Config, nodes *node.Manager, rtr *router.Router, conns *registry.Registry, dispatcher *ingress.Dispatcher) *Gateway {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	g := &Gateway{
		cfg:    cfg,
		nodes:  nodes,
		router: rtr,
		conns:  conns,
		ingest: dispatcher,
		engine: engine,
	}
	g.registerRoutes()
	g.server = &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}
	return g
}

func (g *Gateway) registerRoutes() {
	g.engine.GET("/health", g.handleHealth)
	g.engine.GET("/cluster", g.handleCluster)
	g.engine.GET("/stats", g.handleStats)
	g.engine.GET("/ws", g.handleUpgrade)
}

func (g *Gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "nodeId": g.nodes.NodeID()})
}

func (g *Gateway) handleCluster(c *gin.Context) {
	c.JSON(http.StatusOK, g.nodes.GetClusterInfo(c.Request.Context()))
}

func (g *Gateway) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"nodeId":          g.nodes.NodeID(),
		"standalone":      g.nodes.Standalone(),
		"localClients":    g.conns.Count(),
		"enabledServices": g.cfg.EnabledServices,
	})
}

func (g *Gateway) handleUpgrade(c *gin.Context) {
	ws, err := transport.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Get().Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	clientID := uuid.NewString()
	ctx := context.Background()

	conn := transport.NewConn(clientID, ws,
		func(cid string, payload []byte) {
			resp := g.ingest.Dispatch(cid, payload)
			g.conns.SendToLocalClient(cid, resp)
		},
		func(cid string) {
			g.ingest.OnClientDisconnect(cid)
			g.router.UnregisterLocalClient(context.Background(), cid)
		},
	)

	g.router.RegisterLocalClient(ctx, clientID, conn, map[string]string{
		"remoteAddr": c.Request.RemoteAddr,
	})

	welcome := map[string]interface{}{
		"type":            "connection",
		"status":          "connected",
		"clientId":        clientID,
		"nodeId":          g.nodes.NodeID(),
		"enabledServices": g.cfg.EnabledServices,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}
	g.conns.SendToLocalClient(clientID, welcome)
}

// Run starts the node manager, router, and HTTP server. It blocks until
// the server exits.
func (g *Gateway) Run(ctx context.Context) error {
	g.nodes.Register(ctx)
	g.router.Start()

	logger.Get().Info().Str("addr", g.server.Addr).Msg("gateway listening")
	err := g.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown closes every local connection with code 1001, tears down the
// HTTP server, and runs node manager cleanup, within deadline.
func (g *Gateway) Shutdown(ctx context.Context) {
	log := logger.Get()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := g.server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown error")
	}

	for _, clientID := range g.conns.All() {
		if entry, ok := g.conns.Get(clientID); ok {
			if conn, ok := entry.Egress.(*transport.Conn); ok {
				conn.Close()
			}
		}
		g.router.UnregisterLocalClient(shutdownCtx, clientID)
	}

	g.nodes.Shutdown(shutdownCtx)
	log.Info().Msg("gateway shutdown complete")
}
