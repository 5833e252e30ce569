package queue

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/usersearch/internal/domain"
)

// RedisDeadLetters parks dead letters in a separate stream.
// It is the fallback sink when no Kafka brokers are configured.
type RedisDeadLetters struct {
	client *redis.Client
	stream string
}

var _ domain.DeadLetterPublisher = (*RedisDeadLetters)(nil)

func NewRedisDeadLetters(client *redis.Client, stream string) *RedisDeadLetters {
	return &RedisDeadLetters{client: client, stream: stream}
}

func (d *RedisDeadLetters) PublishDeadLetter(ctx context.Context, letter domain.DeadLetter) error {
	err := d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream,
		Values: map[string]interface{}{
			"job_id":  letter.JobID,
			"payload": letter.Payload,
			"reason":  letter.Reason,
			"attempt": strconv.Itoa(letter.Attempt),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis dead letter failed: %w", err)
	}
	return nil
}
