package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dontdude/usersearch/internal/domain"
	"github.com/dontdude/usersearch/internal/workitem"
)

func newTestQueue(t *testing.T) (*RedisQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisQueue(client, "test:jobs", "test:workers", "consumer-a", nil), client
}

func TestRedisQueue_EnqueueReceiveAck(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, domain.WorkItem{JobID: "job-1", SubmitterID: "alice"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deliveries, err := q.Receive(ctx, 1, 100*time.Millisecond, 30*time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(deliveries))
	}
	if deliveries[0].Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", deliveries[0].Attempt)
	}
	item, err := workitem.Decode(deliveries[0].Raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if item.JobID != "job-1" || item.SubmitterID != "alice" {
		t.Fatalf("unexpected item: %+v", item)
	}

	if err := q.Acknowledge(ctx, deliveries[0].Receipt); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n := client.XLen(ctx, "test:jobs").Val(); n != 0 {
		t.Fatalf("stream length = %d, want 0", n)
	}

	deliveries, err = q.Receive(ctx, 1, 50*time.Millisecond, 30*time.Second)
	if err != nil {
		t.Fatalf("receive after ack: %v", err)
	}
	if len(deliveries) != 0 {
		t.Fatalf("expected empty receive after ack, got %d", len(deliveries))
	}
}

func TestRedisQueue_EmptyReceive(t *testing.T) {
	q, _ := newTestQueue(t)

	deliveries, err := q.Receive(context.Background(), 1, 50*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(deliveries) != 0 {
		t.Fatalf("deliveries = %d, want 0", len(deliveries))
	}
}

func TestRedisQueue_HiddenWhileVisible(t *testing.T) {
	q, _ := newTestQueue(t)
	other := q.WithConsumer("consumer-b")
	ctx := context.Background()

	if err := q.Enqueue(ctx, domain.WorkItem{JobID: "job-1", SubmitterID: "alice"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got, err := q.Receive(ctx, 1, 50*time.Millisecond, 10*time.Second); err != nil || len(got) != 1 {
		t.Fatalf("first receive: %d deliveries, err=%v", len(got), err)
	}

	got, err := other.Receive(ctx, 1, 50*time.Millisecond, 10*time.Second)
	if err != nil {
		t.Fatalf("second receive: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected item to stay hidden, got %d deliveries", len(got))
	}
}

func TestRedisQueue_RedeliveryAfterVisibility(t *testing.T) {
	q, client := newTestQueue(t)
	other := q.WithConsumer("consumer-b")
	ctx := context.Background()

	if err := q.Enqueue(ctx, domain.WorkItem{JobID: "job-1", SubmitterID: "alice"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, err := q.Receive(ctx, 1, 50*time.Millisecond, 50*time.Millisecond)
	if err != nil || len(first) != 1 {
		t.Fatalf("first receive: %d deliveries, err=%v", len(first), err)
	}

	time.Sleep(150 * time.Millisecond)

	second, err := other.Receive(ctx, 1, 50*time.Millisecond, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("second receive: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("expected redelivery, got %d deliveries", len(second))
	}
	if string(second[0].Raw) != string(first[0].Raw) {
		t.Fatalf("redelivered payload mismatch")
	}

	// The stale receipt must not remove the reclaimed entry.
	if err := q.Acknowledge(ctx, first[0].Receipt); err != nil {
		t.Fatalf("stale ack: %v", err)
	}
	if n := client.XLen(ctx, "test:jobs").Val(); n != 1 {
		t.Fatalf("stream length after stale ack = %d, want 1", n)
	}

	if err := other.Acknowledge(ctx, second[0].Receipt); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n := client.XLen(ctx, "test:jobs").Val(); n != 0 {
		t.Fatalf("stream length = %d, want 0", n)
	}
}

func TestRedisQueue_ReceiptFromEarlierDeliveryIgnored(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, domain.WorkItem{JobID: "job-1", SubmitterID: "alice"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, err := q.Receive(ctx, 1, 50*time.Millisecond, 50*time.Millisecond)
	if err != nil || len(first) != 1 {
		t.Fatalf("first receive: %d deliveries, err=%v", len(first), err)
	}

	time.Sleep(150 * time.Millisecond)

	// Same consumer reclaims its own entry; only the delivery count changes.
	second, err := q.Receive(ctx, 1, 50*time.Millisecond, 50*time.Millisecond)
	if err != nil || len(second) != 1 {
		t.Fatalf("second receive: %d deliveries, err=%v", len(second), err)
	}
	if second[0].Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", second[0].Attempt)
	}

	if err := q.Acknowledge(ctx, first[0].Receipt); err != nil {
		t.Fatalf("stale ack: %v", err)
	}
	if n := client.XLen(ctx, "test:jobs").Val(); n != 1 {
		t.Fatalf("stream length after stale ack = %d, want 1", n)
	}

	if err := q.Acknowledge(ctx, second[0].Receipt); err != nil {
		t.Fatalf("ack: %v", err)
	}
	// A second ack of the same receipt is a no-op.
	if err := q.Acknowledge(ctx, second[0].Receipt); err != nil {
		t.Fatalf("repeat ack: %v", err)
	}
	if n := client.XLen(ctx, "test:jobs").Val(); n != 0 {
		t.Fatalf("stream length = %d, want 0", n)
	}
}

func TestRedisQueue_MalformedReceiptIgnored(t *testing.T) {
	q, _ := newTestQueue(t)
	if err := q.Acknowledge(context.Background(), "garbage"); err != nil {
		t.Fatalf("expected malformed receipt to be ignored, got %v", err)
	}
}

func TestReceiptRoundTrip(t *testing.T) {
	consumer, id, attempt, err := parseReceipt(formatReceipt("host-1-0", "1700000000000-0", 3))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if consumer != "host-1-0" || id != "1700000000000-0" || attempt != 3 {
		t.Fatalf("got %q %q %d", consumer, id, attempt)
	}
}

func TestRedisNotifier_BroadcastSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	n := NewRedisNotifier(client, "test:events", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := n.SubscribeEvents(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := n.Broadcast(ctx, domain.JobEvent{JobID: "job-1", Status: domain.StatusCompleted}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	select {
	case ev := <-events:
		if ev.JobID != "job-1" || ev.Status != domain.StatusCompleted {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
}

func TestRedisDeadLetters_Publish(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	dl := NewRedisDeadLetters(client, "test:dead")
	err := dl.PublishDeadLetter(context.Background(), domain.DeadLetter{
		JobID: "job-1", Payload: []byte(`{}`), Reason: "boom", Attempt: 5,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n := client.XLen(context.Background(), "test:dead").Val(); n != 1 {
		t.Fatalf("dead letter stream length = %d, want 1", n)
	}
}
