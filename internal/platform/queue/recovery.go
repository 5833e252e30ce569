package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/usersearch/internal/domain"
)

// maxReclaimPages bounds how far one Receive walks the pending entries list.
const maxReclaimPages = 10

// reclaim claims up to maxItems entries that have been pending longer than
// visibility. XAUTOCLAIM transfers ownership to this consumer and bumps the
// delivery count, which is read back with XPENDING.
func (r *RedisQueue) reclaim(ctx context.Context, maxItems int, visibility time.Duration) ([]domain.Delivery, error) {
	if visibility <= 0 {
		return nil, nil
	}

	var deliveries []domain.Delivery
	start := "0-0"
	for page := 0; page < maxReclaimPages && len(deliveries) < maxItems; page++ {
		messages, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.stream,
			Group:    r.group,
			MinIdle:  visibility,
			Start:    start,
			Count:    int64(maxItems - len(deliveries)),
			Consumer: r.consumer,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: redis reclaim failed: %v", domain.ErrQueueUnavailable, err)
		}

		for _, msg := range messages {
			if msg.Values == nil {
				// Entry was deleted from the stream after it was delivered.
				continue
			}
			attempt, err := r.deliveryCount(ctx, msg.ID)
			if err != nil {
				return nil, err
			}
			r.logger.Warn("Reclaimed job after visibility timeout", "msgID", msg.ID, "attempt", attempt)
			deliveries = append(deliveries, r.delivery(msg, attempt))
		}

		start = next
		if start == "" || start == "0-0" {
			break
		}
	}
	return deliveries, nil
}

func (r *RedisQueue) deliveryCount(ctx context.Context, id string) (int, error) {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   r.stream,
		Group:    r.group,
		Start:    id,
		End:      id,
		Count:    1,
		Consumer: r.consumer,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: redis pending lookup failed: %v", domain.ErrQueueUnavailable, err)
	}
	if len(pending) == 0 {
		return 1, nil
	}
	return int(pending[0].RetryCount), nil
}
