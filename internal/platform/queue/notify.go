package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/usersearch/internal/domain"
)

// RedisNotifier implements domain.Notifier over Redis Pub/Sub.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

var _ domain.Notifier = (*RedisNotifier)(nil)

func NewRedisNotifier(client *redis.Client, channel string, logger *slog.Logger) *RedisNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisNotifier{client: client, channel: channel, logger: logger}
}

// Broadcast publishes the job event to the events channel.
func (n *RedisNotifier) Broadcast(ctx context.Context, event domain.JobEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return n.client.Publish(ctx, n.channel, data).Err()
}

// SubscribeEvents subscribes to the events channel and streams events to a Go channel.
func (n *RedisNotifier) SubscribeEvents(ctx context.Context) (<-chan domain.JobEvent, error) {
	pubsub := n.client.Subscribe(ctx, n.channel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to events: %w", err)
	}

	outCh := make(chan domain.JobEvent)

	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event domain.JobEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					n.logger.Error("Failed to unmarshal event", "error", err)
					continue
				}

				select {
				case outCh <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outCh, nil
}
