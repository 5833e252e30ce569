package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dontdude/usersearch/internal/domain"
	"github.com/dontdude/usersearch/internal/workitem"
)

type memoryMessage struct {
	payload        []byte
	receipt        string
	deliveries     int
	invisibleUntil time.Time
}

// MemoryQueue is an in-process domain.WorkQueue with visibility timeouts.
// It backs tests and single-process development runs.
type MemoryQueue struct {
	mu       sync.Mutex
	messages []*memoryMessage
	// wake is closed and replaced on every enqueue to release long-polling receivers.
	wake chan struct{}
	now  func() time.Time
}

var _ domain.WorkQueue = (*MemoryQueue)(nil)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		wake: make(chan struct{}),
		now:  time.Now,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, item domain.WorkItem) error {
	data, err := workitem.Encode(item)
	if err != nil {
		return err
	}
	q.EnqueueRaw(data)
	return nil
}

// EnqueueRaw appends an already encoded payload.
func (q *MemoryQueue) EnqueueRaw(payload []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, &memoryMessage{payload: payload})
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *MemoryQueue) Receive(ctx context.Context, maxItems int, wait, visibility time.Duration) ([]domain.Delivery, error) {
	if maxItems <= 0 {
		maxItems = 1
	}
	deadline := q.now().Add(wait)

	for {
		deliveries, wake, nextVisible := q.take(maxItems, visibility)
		if len(deliveries) > 0 {
			return deliveries, nil
		}

		remaining := deadline.Sub(q.now())
		if remaining <= 0 {
			return nil, nil
		}
		sleep := remaining
		if !nextVisible.IsZero() {
			if d := nextVisible.Sub(q.now()); d < sleep {
				sleep = d
			}
		}
		if sleep < time.Millisecond {
			sleep = time.Millisecond
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// take hands out visible messages and reports the earliest time a hidden one reappears.
func (q *MemoryQueue) take(maxItems int, visibility time.Duration) ([]domain.Delivery, <-chan struct{}, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var (
		deliveries  []domain.Delivery
		nextVisible time.Time
	)
	for _, msg := range q.messages {
		if msg.invisibleUntil.After(now) {
			if nextVisible.IsZero() || msg.invisibleUntil.Before(nextVisible) {
				nextVisible = msg.invisibleUntil
			}
			continue
		}
		if len(deliveries) == maxItems {
			continue
		}
		msg.deliveries++
		msg.receipt = uuid.NewString()
		msg.invisibleUntil = now.Add(visibility)
		deliveries = append(deliveries, domain.Delivery{
			Raw:     append([]byte(nil), msg.payload...),
			Receipt: msg.receipt,
			Attempt: msg.deliveries,
		})
	}
	return deliveries, q.wake, nextVisible
}

// Acknowledge removes the message only while the receipt is current and its visibility window is open.
func (q *MemoryQueue) Acknowledge(ctx context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for i, msg := range q.messages {
		if msg.receipt != receipt {
			continue
		}
		if !msg.invisibleUntil.After(now) {
			return nil
		}
		q.messages = append(q.messages[:i], q.messages[i+1:]...)
		return nil
	}
	return nil
}

// Len reports how many messages are still in the queue, visible or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// MemoryNotifier fans events out to in-process subscribers.
type MemoryNotifier struct {
	mu   sync.Mutex
	subs map[chan domain.JobEvent]struct{}
}

var _ domain.Notifier = (*MemoryNotifier)(nil)

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{subs: make(map[chan domain.JobEvent]struct{})}
}

func (n *MemoryNotifier) Broadcast(ctx context.Context, event domain.JobEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- event:
		default:
			// slow subscriber; events are best-effort
		}
	}
	return nil
}

func (n *MemoryNotifier) SubscribeEvents(ctx context.Context) (<-chan domain.JobEvent, error) {
	ch := make(chan domain.JobEvent, 16)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs, ch)
		close(ch)
		n.mu.Unlock()
	}()
	return ch, nil
}
