package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"smart-parking-backend/internal/logger"
)

const (
	writeTimeout  = 10 * time.Second
	pongTimeout   = 60 * time.Second
	pingInterval  = 30 * time.Second
	sendQueueSize = 32
	maxFrameSize  = 4096
)

// Client wraps one subscriber connection. Writes go through a bounded
// queue drained by the write pump; a full queue drops the frame rather
// than backpressuring the caller.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

func newClient(id string, conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		hub:  hub,
	}
}

func (c *Client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		logger.Warn("Dropping frame for slow subscriber", zap.String("client_id", c.id))
	}
}

func (c *Client) sendSnapshot() {
	frame, err := c.hub.currentSnapshot()
	if err != nil {
		logger.Error("Failed to build snapshot for subscriber",
			zap.String("client_id", c.id), zap.Error(err))
		return
	}
	c.enqueue(frame)
}

// inboundMessage is the only client->server shape we accept.
type inboundMessage struct {
	Event string `json:"event"`
}

func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c.id)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Event == "request_update" {
			c.sendSnapshot()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				_ = c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}
