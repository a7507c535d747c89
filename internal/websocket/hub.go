package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"groundlink/internal/broadcast"
	"groundlink/pkg/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub bridges viewer WebSocket connections to the broadcaster. Each
// connection holds its own subscription; delivery order and queueing
// are the broadcaster's concern.
type Hub struct {
	broadcaster *broadcast.Broadcaster
	onRefresh   func()
	logger      logging.Logger
}

// clientCommand is a control message sent by a connected viewer.
type clientCommand struct {
	Action string `json:"action"`
}

// NewHub creates a hub. onRefresh fires when a viewer requests an
// immediate data update; may be nil.
func NewHub(b *broadcast.Broadcaster, onRefresh func(), logger logging.Logger) *Hub {
	if onRefresh == nil {
		onRefresh = func() {}
	}
	return &Hub{
		broadcaster: b,
		onRefresh:   onRefresh,
		logger:      logger,
	}
}

// ClientCount returns the number of connected viewers.
func (h *Hub) ClientCount() int {
	return h.broadcaster.SubscriberCount()
}

// ServeWS upgrades an HTTP request and attaches the connection to the
// broadcaster. The new subscriber receives the source health snapshot
// before any telemetry.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	sub := h.broadcaster.Subscribe()
	client := &client{
		hub:    h,
		conn:   conn,
		sub:    sub,
		logger: h.logger.WithField("client_id", sub.ID()),
	}

	client.logger.WithField("client_count", h.ClientCount()).Info("Client connected")

	go client.writePump()
	go client.readPump()
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	sub    *broadcast.Subscriber
	logger *logrus.Entry
}

// readPump consumes control messages from the viewer until the
// connection drops, then tears the subscription down.
func (c *client) readPump() {
	defer func() {
		c.hub.broadcaster.Unsubscribe(c.sub)
		c.conn.Close()
		c.logger.WithField("client_count", c.hub.ClientCount()).Info("Client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Error("WebSocket connection error")
			}
			break
		}

		var cmd clientCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.logger.WithError(err).Warn("Invalid client message")
			continue
		}
		c.handleCommand(cmd)
	}
}

func (c *client) handleCommand(cmd clientCommand) {
	switch cmd.Action {
	case "refresh", "request-update":
		c.logger.Debug("Client requested a data refresh")
		c.hub.onRefresh()
	default:
		c.logger.WithField("action", cmd.Action).Warn("Unknown client action")
	}
}

// writePump forwards the subscription stream to the peer and keeps the
// connection alive with pings. A closed subscription ends the
// connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.sub.C():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
