package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chorushq/chorus/internal/common/logger"
	"github.com/chorushq/chorus/internal/fanout"
	v1 "github.com/chorushq/chorus/pkg/api/v1"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// subscribeMessage is the only inbound frame: interest management keyed by
// request, plan, or task id.
type subscribeMessage struct {
	Action string `json:"action"`
	Key    string `json:"key"`
}

// ack answers an inbound frame.
type ack struct {
	OK     bool   `json:"ok"`
	Action string `json:"action,omitempty"`
	Key    string `json:"key,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Client represents a single WebSocket connection. Events flow from the
// broker's feed channel through send to the peer; the feed closing (drop or
// eviction) tears the connection down.
type Client struct {
	ID     string
	conn   *websocket.Conn
	events *fanout.Broker
	feed   <-chan v1.Event
	send   chan []byte
	done   chan struct{}
	logger *logger.Logger
}

// NewClient registers a broker subscription for the connection. The client's
// own id is its first key, so the server can address it directly.
func NewClient(id string, conn *websocket.Conn, events *fanout.Broker, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		events: events,
		feed:   events.Subscribe(id, id),
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// RelayPump moves broker events into the send buffer until the broker closes
// the feed, then signals WritePump to close the connection.
func (c *Client) RelayPump() {
	for ev := range c.feed {
		data, err := json.Marshal(ev)
		if err != nil {
			c.logger.Error("Failed to marshal event", zap.Error(err))
			continue
		}
		c.enqueue(data)
	}
	close(c.done)
}

// ReadPump consumes subscribe and unsubscribe frames from the peer.
func (c *Client) ReadPump() {
	defer func() {
		c.events.Drop(c.ID)
		c.conn.Close()
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
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg subscribeMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendAck(ack{OK: false, Error: "invalid message format"})
			continue
		}
		c.handleMessage(&msg)
	}
}

// handleMessage processes an incoming frame
func (c *Client) handleMessage(msg *subscribeMessage) {
	c.logger.Debug("Received message",
		zap.String("action", msg.Action),
		zap.String("key", msg.Key))

	if msg.Key == "" {
		c.sendAck(ack{OK: false, Action: msg.Action, Error: "key is required"})
		return
	}

	switch msg.Action {
	case "subscribe":
		c.events.Subscribe(c.ID, msg.Key)
		c.sendAck(ack{OK: true, Action: msg.Action, Key: msg.Key})
	case "unsubscribe":
		c.events.Unsubscribe(c.ID, msg.Key)
		c.sendAck(ack{OK: true, Action: msg.Action, Key: msg.Key})
	default:
		c.sendAck(ack{OK: false, Action: msg.Action, Error: "unknown action"})
	}
}

// sendAck answers the peer's frame.
func (c *Client) sendAck(a ack) {
	data, err := json.Marshal(a)
	if err != nil {
		c.logger.Error("Failed to marshal ack", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// enqueue offers data to the send buffer. A full buffer drops the frame; the
// broker-side buffer already evicted genuinely stalled sessions.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full")
	}
}

// WritePump moves buffered frames to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-c.done:
			// Broker dropped the subscription
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
