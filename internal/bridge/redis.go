package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/observability"
)

// RedisBridge publishes every message on one pub/sub channel; every instance
// subscribes and delivers to its local Directory.
type RedisBridge struct {
	client  redis.UniversalClient
	channel string
	dir     Directory
	logger  *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisBridge builds a bridge. dir may be nil for publish-only processes
// such as the dispatcher.
func NewRedisBridge(client redis.UniversalClient, channel string, dir Directory, logger *slog.Logger) *RedisBridge {
	return &RedisBridge{client: client, channel: channel, dir: dir, logger: logger}
}

func (b *RedisBridge) Publish(ctx context.Context, msg events.Message) error {
	if err := msg.Validate(); err != nil {
		observability.FanoutMessages.WithLabelValues(string(msg.Target.Audience), "invalid").Inc()
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	if err := b.client.Publish(ctx, b.channel, body).Err(); err != nil {
		observability.FanoutMessages.WithLabelValues(string(msg.Target.Audience), "error").Inc()
		return fmt.Errorf("publish %s: %w", msg.Type, err)
	}
	observability.FanoutMessages.WithLabelValues(string(msg.Target.Audience), "published").Inc()
	return nil
}

// Start subscribes and returns once the subscription is confirmed, so no
// message published afterwards is missed by this instance.
func (b *RedisBridge) Start(ctx context.Context) error {
	if b.dir == nil {
		return fmt.Errorf("bridge: no directory to deliver to")
	}
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.mu.Lock()
	b.pubsub = ps
	b.done = make(chan struct{})
	b.mu.Unlock()

	go b.run(ps.Channel(), b.done)
	b.logger.Info("event bridge subscribed", "channel", b.channel)
	return nil
}

func (b *RedisBridge) run(ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for m := range ch {
		b.handle([]byte(m.Payload))
	}
}

func (b *RedisBridge) handle(body []byte) {
	var msg events.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		b.logger.Warn("dropping malformed bridge message", "error", err)
		return
	}
	n, err := Deliver(b.dir, msg)
	if err != nil {
		b.logger.Warn("dropping bridge message", "type", msg.Type, "error", err)
		return
	}
	if n > 0 {
		observability.FanoutMessages.WithLabelValues(string(msg.Target.Audience), "delivered").Inc()
	}
}

// Close stops the subscriber and waits for the delivery loop to drain.
func (b *RedisBridge) Close() error {
	b.mu.Lock()
	ps, done := b.pubsub, b.done
	b.pubsub = nil
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}
