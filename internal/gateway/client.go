package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tickstream/internal/model"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxInboundSize = 4096
)

// Client is a websocket subscriber. Outbound messages go through a bounded
// queue drained by writePump; a full queue counts as a failed write.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	// status answers {"type":"status"} requests.
	status func() any

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

var _ Subscriber = (*Client)(nil)

func newClient(conn *websocket.Conn, hub *Hub, buffer int, status func() any) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		hub:    hub,
		status: status,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues msg. It never blocks.
func (c *Client) Send(msg []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: closed", model.ErrSubscriberWrite)
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return fmt.Errorf("%w: queue full", model.ErrSubscriberWrite)
	}
}

// Close stops both pumps. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// serve registers the client and runs the pumps until the connection ends.
func (c *Client) serve() {
	go c.writePump()
	c.hub.Connect(c)
	c.readPump()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Client) readPump() {
	defer c.hub.Disconnect(c.id)

	c.conn.SetReadLimit(maxInboundSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.reply(raw)
	}
}

// reply answers one inbound client message.
func (c *Client) reply(raw []byte) {
	var in struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		c.unicast(model.NewErrorMessage("invalid JSON message"))
		return
	}

	switch in.Type {
	case "ping":
		c.unicast(model.ControlMessage{Type: model.TypePong, ServerTS: time.Now().UnixMilli()})
	case "status":
		msg := model.ControlMessage{Type: model.TypeStatus, ServerTS: time.Now().UnixMilli()}
		if c.status != nil {
			msg.Data = c.status()
		}
		c.unicast(msg)
	default:
		c.unicast(model.NewErrorMessage(fmt.Sprintf("unknown message type %q", in.Type)))
	}
}

func (c *Client) unicast(m model.ControlMessage) {
	raw, err := m.Encode()
	if err != nil {
		c.hub.log.Error("reply dropped", "client_id", c.id, "error", err)
		return
	}
	// a failed unicast evicts the client; readPump ends on the closed conn
	_ = c.hub.SendTo(c.id, raw)
}
