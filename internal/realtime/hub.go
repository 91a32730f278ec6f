package realtime

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const editTimeout = 10 * time.Second

type reply struct {
	client *Client
	data   []byte
}

// Hub owns the live sessions of this process. All registry mutations happen
// on the Run goroutine.
type Hub struct {
	editor Editor
	relay  Relay
	log    *zap.Logger

	register   chan *Client
	unregister chan *Client
	replies    chan reply
	done       chan struct{}

	clients map[*Client]struct{}
}

func NewHub(editor Editor, relay Relay, log *zap.Logger) *Hub {
	return &Hub{
		editor:     editor,
		relay:      relay,
		log:        log.Named("hub"),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		replies:    make(chan reply, 64),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
	}
}

// Run serves the hub until ctx is cancelled. It subscribes to the relay
// before accepting any session.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	messages, err := h.relay.Subscribe(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			h.log.Info("hub stopped")
			return nil

		case c := <-h.register:
			h.clients[c] = struct{}{}
			activeConnections.Inc()
			h.log.Debug("session registered", zap.String("client_id", c.id), zap.String("user_id", c.userID))
			if welcome, err := encode(EventWelcome, map[string]string{"clientId": c.id, "userId": c.userID}); err == nil {
				h.enqueue(c, welcome)
			}

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				h.log.Debug("session unregistered", zap.String("client_id", c.id))
			}

		case r := <-h.replies:
			if _, ok := h.clients[r.client]; ok {
				h.enqueue(r.client, r.data)
			}

		case msg, ok := <-messages:
			if !ok {
				h.log.Warn("relay subscription closed")
				messages = nil
				continue
			}
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg Message) {
	for c := range h.clients {
		if !msg.Audience.includes(c.userID) {
			continue
		}
		if h.enqueue(c, msg.Envelope) {
			broadcastsSent.Inc()
		}
	}
}

// enqueue queues data for c, dropping the session when its buffer is full.
func (h *Hub) enqueue(c *Client, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		h.log.Warn("dropping slow session", zap.String("client_id", c.id), zap.Error(ErrSendBufferFull))
		slowClientsDropped.Inc()
		h.drop(c)
		return false
	}
}

func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	activeConnections.Dec()
}

func (h *Hub) join(c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) reply(c *Client, data []byte) {
	select {
	case h.replies <- reply{client: c, data: data}:
	case <-h.done:
	}
}

// handleEdit applies an edit and publishes the result. Failures are logged
// and nothing is sent, not even to the author.
func (h *Hub) handleEdit(c *Client, edit Edit) {
	ctx, cancel := context.WithTimeout(context.Background(), editTimeout)
	defer cancel()

	update, err := h.editor.ApplyEdit(ctx, c.userID, edit)
	if err != nil {
		editFailures.Inc()
		h.log.Warn("edit rejected", zap.String("user_id", c.userID), zap.String("content_id", edit.Target()), zap.Error(err))
		return
	}

	envelope, err := encode(EventLibraryUpdated, update.Payload)
	if err != nil {
		editFailures.Inc()
		h.log.Error("encode update", zap.Error(err))
		return
	}
	if err := h.relay.Publish(ctx, Message{Audience: update.Audience, Envelope: envelope}); err != nil {
		editFailures.Inc()
		h.log.Error("publish update", zap.String("content_id", edit.Target()), zap.Error(err))
	}
}
