package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const channelPrefix = "modelhelm:events:"

type redisBus struct {
	client *redis.Client
	logger *slog.Logger
	buffer int
}

// NewRedis constructs a Redis pub/sub backed bus and verifies connectivity.
func NewRedis(addr, password string, db int, logger *slog.Logger) (Bus, error) {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if logger != nil {
		logger = logger.With("component", "eventbus")
	}
	return &redisBus{client: client, logger: logger, buffer: 64}, nil
}

func (b *redisBus) Publish(ctx context.Context, event Event) error {
	if event.Topic == "" {
		return fmt.Errorf("event topic required")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+event.Topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Topic, err)
	}
	return nil
}

func (b *redisBus) Subscribe(ctx context.Context, topics ...string) (<-chan Event, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("at least one topic required")
	}
	channels := make([]string, len(topics))
	for i, topic := range topics {
		channels[i] = channelPrefix + topic
	}
	sub := b.client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan Event, b.buffer)
	go func() {
		defer close(out)
		defer sub.Close()
		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					if b.logger != nil {
						b.logger.Warn("dropping undecodable event", "channel", msg.Channel, "error", err)
					}
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *redisBus) Close() error {
	return b.client.Close()
}
