// Package transport is the thin gorilla/websocket glue between a raw
// connection and the gateway's ingress/egress boundary: upgrade, framing,
// ping/pong keepalive, and the bounded send queue backpressure relies on.
// The wire protocol below the frame boundary is out of scope; this package
// only carries bytes.
package transport

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodebridge/wsgateway/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20 // 1 MiB
	sendBufferSize = 256
)

// Upgrader wraps the gorilla/websocket upgrader with the gateway's origin
// policy. CheckOrigin is permissive by default; callers that need strict
// origin checking should set it before serving requests.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler receives decoded frame bytes from a client connection.
type Handler func(clientID string, payload []byte)

// DisconnectHandler is invoked once a connection's pumps have exited.
type DisconnectHandler func(clientID string)

// Conn wraps one upgraded WebSocket connection, running its own readPump
// and writePump goroutines with exclusive write access enforced by the
// bounded send channel.
type Conn struct {
	clientID string
	ws       *websocket.Conn
	send     chan []byte

	onMessage    Handler
	onDisconnect DisconnectHandler
}

// NewConn wraps ws and starts its read/write pumps. onMessage is called
// for every inbound text frame; onDisconnect once when the connection is
// torn down (by either the peer or WriteMessage failing).
func NewConn(clientID string, ws *websocket.Conn, onMessage Handler, onDisconnect DisconnectHandler) *Conn {
	c := &Conn{
		clientID:     clientID,
		ws:           ws,
		send:         make(chan []byte, sendBufferSize),
		onMessage:    onMessage,
		onDisconnect: onDisconnect,
	}
	ws.SetReadLimit(maxMessageSize)
	go c.writePump()
	go c.readPump()
	return c
}

// WriteMessage implements registry.Egress. It never blocks the caller on
// a slow peer: the send channel is bounded, and overflow disconnects the
// client (code 1013, "try again later") rather than back-pressuring the
// router's dispatch path.
func (c *Conn) WriteMessage(payload []byte) error {
	select {
	case c.send <- payload:
		return nil
	default:
		logger.Get().Warn().Str("clientId", c.clientID).Msg("send buffer full, disconnecting slow client")
		c.closeWithCode(websocket.CloseTryAgainLater)
		return websocket.ErrCloseSent
	}
}

// Close sends a going-away (1001) close frame and tears the connection down.
func (c *Conn) Close() {
	c.closeWithCode(websocket.CloseGoingAway)
}

func (c *Conn) closeWithCode(code int) {
	defer func() { recover() }()
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
	close(c.send)
}

func (c *Conn) readPump() {
	defer func() {
		c.ws.Close()
		if c.onDisconnect != nil {
			c.onDisconnect(c.clientID)
		}
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if c.onMessage != nil {
			c.onMessage(c.clientID, message)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
