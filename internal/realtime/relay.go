package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Message is what travels through a Relay: an encoded envelope plus the
// audience it is meant for.
type Message struct {
	Audience Audience        `json:"audience"`
	Envelope json.RawMessage `json:"envelope"`
}

// Relay fans published messages out to every subscribed hub, including the
// publisher's own.
type Relay interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context) (<-chan Message, error)
	Close() error
}

// LocalRelay keeps broadcasts inside one process.
type LocalRelay struct {
	mu     sync.Mutex
	subs   []chan Message
	closed bool
}

func NewLocalRelay() *LocalRelay {
	return &LocalRelay{}
}

func (r *LocalRelay) Publish(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrHubClosed
	}
	for _, sub := range r.subs {
		select {
		case sub <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *LocalRelay) Subscribe(context.Context) (<-chan Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrHubClosed
	}
	ch := make(chan Message, 256)
	r.subs = append(r.subs, ch)
	return ch, nil
}

func (r *LocalRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, sub := range r.subs {
		close(sub)
	}
	r.subs = nil
	return nil
}

// RedisRelay shares broadcasts between API instances over one pub/sub
// channel.
type RedisRelay struct {
	client  *redis.Client
	channel string
	log     *zap.Logger

	mu      sync.Mutex
	pubsubs []*redis.PubSub
}

func NewRedisRelay(client *redis.Client, channel string, log *zap.Logger) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, log: log.Named("relay")}
}

func (r *RedisRelay) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode relay message: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", r.channel, err)
	}
	return nil
}

// Subscribe returns once the subscription is confirmed by the server, so a
// Publish issued afterwards is guaranteed to be received.
func (r *RedisRelay) Subscribe(ctx context.Context) (<-chan Message, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	r.mu.Lock()
	r.pubsubs = append(r.pubsubs, pubsub)
	r.mu.Unlock()

	out := make(chan Message, 256)
	go func() {
		defer close(out)
		for raw := range pubsub.Channel() {
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				r.log.Warn("drop malformed relay message", zap.Error(err))
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *RedisRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, ps := range r.pubsubs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.pubsubs = nil
	return firstErr
}
