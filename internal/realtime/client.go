package realtime

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"reflectai/api/internal/util"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// Client is one authenticated websocket session.
type Client struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	log    *zap.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	id := util.NewID("ws")
	return &Client{
		id:     id,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		hub:    hub,
		log:    hub.log.With(zap.String("client_id", id)),
	}
}

// readPump processes inbound frames one at a time, so edits from a single
// session are applied and broadcast in the order they were sent.
func (c *Client) readPump(maxMessageSize int64) {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Warn("websocket read", zap.Error(err))
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			messagesReceived.WithLabelValues("invalid").Inc()
			c.log.Debug("ignore malformed frame", zap.Error(err))
			continue
		}

		switch env.Event {
		case EventPing:
			messagesReceived.WithLabelValues(EventPing).Inc()
			if pong, err := encode(EventPong, nil); err == nil {
				c.hub.reply(c, pong)
			}
		case EventUpdateLibrary:
			messagesReceived.WithLabelValues(EventUpdateLibrary).Inc()
			var edit Edit
			if err := json.Unmarshal(env.Data, &edit); err != nil || edit.Target() == "" {
				editFailures.Inc()
				c.log.Debug("ignore malformed edit", zap.Error(err))
				continue
			}
			c.hub.handleEdit(c, edit)
		default:
			messagesReceived.WithLabelValues("unknown").Inc()
		}
	}
}

// writePump is the only writer on the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
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
