package hub

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manlab/manlab/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Agent frames are dominated by base64-encoded stream chunks, so the
	// limit sits above MaxStreamChunk plus encoding overhead.
	agentReadLimit = 2 << 20

	// Dashboards only send small control frames.
	dashboardReadLimit = 4 * 1024

	// Outbound queue per connection. A full queue drops dashboard frames
	// and disconnects agents.
	sendBuffer = 256
)

const (
	clientAgent     = "agent"
	clientDashboard = "dashboard"
)

// Client represents a WebSocket connection (agent or dashboard).
type Client struct {
	conn       *websocket.Conn
	kind       string
	id         string // node ID for agents, random ID for dashboards
	remoteAddr string
	send       chan []byte
	hub        *Hub
}

func newClient(hub *Hub, conn *websocket.Conn, kind, id, remoteAddr string) *Client {
	return &Client{
		conn:       conn,
		kind:       kind,
		id:         id,
		remoteAddr: remoteAddr,
		send:       make(chan []byte, sendBuffer),
		hub:        hub,
	}
}

// enqueue offers a frame to the client without blocking. Returns false
// when the send buffer is full.
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// sendMessage marshals and queues a protocol message.
func (c *Client) sendMessage(msgType string, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if !c.enqueue(data) {
		return errSendBufferFull
	}
	return nil
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	limit := int64(dashboardReadLimit)
	if c.kind == clientAgent {
		limit = agentReadLimit
	}
	c.conn.SetReadLimit(limit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	// Explicitly answer pings so keepalive survives proxies that strip
	// the default handler's pongs.
	c.conn.SetPingHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Str("client", c.id).Msg("read error")
			}
			return
		}

		// Reset read deadline on any received message
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if c.kind == clientAgent {
			var msg protocol.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				c.hub.log.Warn().Err(err).Str("node_id", c.id).Msg("failed to parse agent message")
				continue
			}
			c.hub.agentMessages <- &agentMessage{client: c, message: &msg}
		} else {
			c.handleDashboardMessage(data)
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleDashboardMessage processes control frames from dashboard clients.
func (c *Client) handleDashboardMessage(data []byte) {
	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "subscribe":
		c.hub.log.Debug().Str("dashboard", c.id).Msg("dashboard subscribed")
	case "ping":
		_ = c.sendMessage("pong", nil)
	}
}
