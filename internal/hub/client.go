package hub

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is one websocket observer. rooms is guarded by the hub's mutex.
type Client struct {
	id    string
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	rooms map[string]bool
}

func (c *Client) roomList() []string {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (c *Client) enqueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("Reply dropped", "clientId", c.id, "type", msg.Type)
	}
}

// readPump handles control frames from the observer until the connection
// closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket error", "clientId", c.id, "error", err)
			}
			return
		}
		c.handleMessage(data)
	}
}

// writePump sends queued frames and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
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

func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.hub.logger.Debug("Ignoring malformed frame", "clientId", c.id, "error", err)
		return
	}

	switch msg.Type {
	case "subscribe":
		c.hub.join(c, msg.Room)
		c.ack("subscribed", msg.Room)
	case "unsubscribe":
		c.hub.leave(c, msg.Room)
		c.ack("unsubscribed", msg.Room)
	case "ping":
		c.enqueue(Message{Type: "pong", Timestamp: time.Now().UTC()})
	default:
		c.hub.logger.Debug("Unknown message type", "clientId", c.id, "type", msg.Type)
	}
}

func (c *Client) ack(event, room string) {
	c.enqueue(Message{Type: "ack", Event: event, Room: room, Timestamp: time.Now().UTC()})
}
