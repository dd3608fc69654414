package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodebridge/wsgateway/internal/config"
	"github.com/nodebridge/wsgateway/internal/ingress"
	"github.com/nodebridge/wsgateway/internal/kvps"
	"github.com/nodebridge/wsgateway/internal/node"
	"github.com/nodebridge/wsgateway/internal/registry"
	"github.com/nodebridge/wsgateway/internal/router"
	"github.com/nodebridge/wsgateway/internal/services/chat"
)

func setupGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store := kvps.New(kvps.Config{Host: mr.Host(), Port: mr.Port()})
	t.Cleanup(func() { store.Close() })

	nodes := node.New(store, "0", 30*time.Second, 90*time.Second)
	conns := registry.New()
	rtr := router.New(store, nodes, conns)
	dispatcher := ingress.New(map[string]ingress.Service{
		"chat": chat.New(rtr, rtr),
	})

	cfg := &config.Config{Port: "0", EnabledServices: []string{"chat"}}
	gw := New(cfg, nodes, rtr, conns, dispatcher)

	nodes.Register(context.Background())
	rtr.Start()

	srv := httptest.NewServer(gw.engine)
	t.Cleanup(srv.Close)
	return gw, srv
}

func TestHealthEndpoint(t *testing.T) {
	_, srv := setupGateway(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketConnectSendsWelcomeFrame(t *testing.T) {
	_, srv := setupGateway(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var welcome map[string]interface{}
	require.NoError(t, json.Unmarshal(msg, &welcome))
	assert.Equal(t, "connection", welcome["type"])
	assert.Equal(t, "connected", welcome["status"])
	assert.NotEmpty(t, welcome["clientId"])
}

func TestWebSocketChatJoinAndSend(t *testing.T) {
	_, srv := setupGateway(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage() // welcome frame
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(map[string]string{
		"service": "chat",
		"action":  "join",
		"channel": "g",
	}))
	_, joinResp, err := conn.ReadMessage()
	require.NoError(t, err)
	var joinDecoded map[string]interface{}
	require.NoError(t, json.Unmarshal(joinResp, &joinDecoded))
	assert.Equal(t, "chat", joinDecoded["type"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"service": "chat",
		"action":  "send",
		"channel": "g",
		"message": "hi",
	}))

	// Sender is still locally subscribed, so it receives both its own
	// send ack and the channel broadcast.
	seenAck := false
	seenBroadcast := false
	for i := 0; i < 2; i++ {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &decoded))
		if decoded["action"] == "send" {
			seenAck = true
		}
		if decoded["action"] == "message" {
			seenBroadcast = true
		}
	}
	assert.True(t, seenAck && seenBroadcast)
}
