package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/usersearch/internal/domain"
	"github.com/dontdude/usersearch/internal/workitem"
)

// payloadField is the stream entry field holding the encoded work item.
const payloadField = "item"

// RedisQueue implements domain.WorkQueue using Redis Streams.
// The consumer group's pending entries list carries the visibility state:
// a delivered entry stays pending until acknowledged, and entries idle longer
// than the visibility timeout are reclaimed on the next Receive.
type RedisQueue struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	logger   *slog.Logger

	groupMu    sync.Mutex
	groupReady bool
}

// Ensure RedisQueue satisfies the interface
var _ domain.WorkQueue = (*RedisQueue)(nil)

// NewRedisQueue returns a Redis-backed queue adapter reading as the given consumer.
func NewRedisQueue(client *redis.Client, stream, group, consumer string, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		logger:   logger,
	}
}

// ConsumerName builds a consumer name that is unique per process and loop (e.g. hostname-pid-0).
func ConsumerName(n int) string {
	host, _ := os.Hostname()
	if host == "" {
		host = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), n)
}

// WithConsumer returns a queue sharing the client, stream and group but reading as another consumer.
func (r *RedisQueue) WithConsumer(consumer string) *RedisQueue {
	return NewRedisQueue(r.client, r.stream, r.group, consumer, r.logger)
}

// ensureGroup creates the consumer group once. The group starts at the
// beginning of the stream so items enqueued before any consumer ran are delivered.
func (r *RedisQueue) ensureGroup(ctx context.Context) error {
	r.groupMu.Lock()
	defer r.groupMu.Unlock()
	if r.groupReady {
		return nil
	}

	// MkStream guarantees the stream exists even if empty.
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: failed to create consumer group: %v", domain.ErrQueueUnavailable, err)
	}
	r.groupReady = true
	return nil
}

// Enqueue appends the work item to the stream using XADD.
func (r *RedisQueue) Enqueue(ctx context.Context, item domain.WorkItem) error {
	data, err := workitem.Encode(item)
	if err != nil {
		return err
	}
	if err := r.ensureGroup(ctx); err != nil {
		return err
	}

	// "*" lets Redis generate a timestamp-based ID.
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		ID:     "*",
		Values: map[string]interface{}{
			payloadField: data,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: redis enqueue failed: %v", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// Receive first reclaims entries whose visibility lapsed, then reads new
// entries with XREADGROUP, blocking up to wait.
func (r *RedisQueue) Receive(ctx context.Context, maxItems int, wait, visibility time.Duration) ([]domain.Delivery, error) {
	if maxItems <= 0 {
		maxItems = 1
	}
	if err := r.ensureGroup(ctx); err != nil {
		return nil, err
	}

	deliveries, err := r.reclaim(ctx, maxItems, visibility)
	if err != nil {
		return nil, err
	}
	if len(deliveries) >= maxItems {
		return deliveries, nil
	}

	// A negative Block omits BLOCK entirely; zero would block forever.
	block := time.Duration(-1)
	if len(deliveries) == 0 && wait > 0 {
		block = wait
		if block < time.Millisecond {
			block = time.Millisecond
		}
	}

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, ">"}, // ">" means never-delivered entries
		Count:    int64(maxItems - len(deliveries)),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return deliveries, nil
		}
		if ctx.Err() != nil {
			return deliveries, ctx.Err()
		}
		return deliveries, fmt.Errorf("%w: redis read failed: %v", domain.ErrQueueUnavailable, err)
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			deliveries = append(deliveries, r.delivery(msg, 1))
		}
	}
	return deliveries, nil
}

// ackScript acknowledges and deletes an entry only while it is still pending
// for the receipt's consumer with the receipt's delivery count.
// Returns 1 when acknowledged, 0 when no longer pending and -1 when the entry
// was redelivered since the receipt was issued.
var ackScript = redis.NewScript(`
local p = redis.call('XPENDING', KEYS[1], ARGV[1], ARGV[2], ARGV[2], 1)
if #p == 0 then
	return 0
end
if p[1][2] ~= ARGV[3] or tonumber(p[1][4]) ~= tonumber(ARGV[4]) then
	return -1
end
redis.call('XACK', KEYS[1], ARGV[1], ARGV[2])
redis.call('XDEL', KEYS[1], ARGV[2])
return 1
`)

// Acknowledge removes the entry with XACK and XDEL, but only while this
// consumer still owns the same delivery. The ownership check and the removal
// run as one script. A receipt whose entry was reclaimed, redelivered or
// already acknowledged is ignored.
func (r *RedisQueue) Acknowledge(ctx context.Context, receipt string) error {
	consumer, id, attempt, err := parseReceipt(receipt)
	if err != nil {
		r.logger.Warn("Ignoring malformed receipt", "receipt", receipt, "error", err)
		return nil
	}

	res, err := ackScript.Run(ctx, r.client, []string{r.stream}, r.group, id, consumer, attempt).Int()
	if err != nil {
		return fmt.Errorf("%w: redis ack failed: %v", domain.ErrQueueUnavailable, err)
	}
	switch res {
	case 0:
		r.logger.Debug("Receipt no longer pending", "msgID", id)
	case -1:
		r.logger.Warn("Receipt expired, entry was redelivered", "msgID", id)
	}
	return nil
}

// delivery converts a stream entry into a domain delivery.
func (r *RedisQueue) delivery(msg redis.XMessage, attempt int) domain.Delivery {
	var raw []byte
	switch v := msg.Values[payloadField].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		r.logger.Error("Invalid message format", "msgID", msg.ID)
	}
	return domain.Delivery{
		Raw:     raw,
		Receipt: formatReceipt(r.consumer, msg.ID, attempt),
		Attempt: attempt,
	}
}

// Receipts look like "<consumer>|<stream id>|<delivery count>".
func formatReceipt(consumer, id string, attempt int) string {
	return consumer + "|" + id + "|" + strconv.Itoa(attempt)
}

func parseReceipt(receipt string) (consumer, id string, attempt int, err error) {
	parts := strings.Split(receipt, "|")
	if len(parts) < 3 {
		return "", "", 0, errors.New("expected consumer|id|attempt")
	}
	// Consumer names never contain "|", but be lenient and join the head back.
	n := len(parts)
	attempt, err = strconv.Atoi(parts[n-1])
	if err != nil {
		return "", "", 0, fmt.Errorf("bad attempt: %w", err)
	}
	return strings.Join(parts[:n-2], "|"), parts[n-2], attempt, nil
}
