package domain

import (
	"context"
	"time"
)

// Delivery is one received work item together with the handle needed to acknowledge it.
type Delivery struct {
	// Raw is the payload as stored. The consumer decodes and validates it.
	Raw []byte
	// Receipt identifies this particular delivery. It is invalid once the
	// visibility window lapses and the message is redelivered.
	Receipt string
	// Attempt is the queue's delivery count, starting at 1.
	Attempt int
}

// WorkQueue defines the contract for an at-least-once, visibility-timeout queue.
// It decouples the pipeline from the underlying broker.
type WorkQueue interface {
	// Enqueue durably appends an item. There is no transactional link to the Job Store.
	Enqueue(ctx context.Context, item WorkItem) error

	// Receive long-polls up to wait for at most maxItems deliveries.
	// A timeout yields an empty slice, not an error.
	// Every returned delivery stays hidden from other receivers for visibility.
	Receive(ctx context.Context, maxItems int, wait, visibility time.Duration) ([]Delivery, error)

	// Acknowledge permanently removes the delivered item.
	// Acknowledging an expired or unknown receipt is a silent no-op.
	Acknowledge(ctx context.Context, receipt string) error
}

// Notifier fans out terminal job events to interested listeners.
type Notifier interface {
	// Broadcast publishes the event. Delivery is best-effort.
	Broadcast(ctx context.Context, event JobEvent) error

	// SubscribeEvents streams events from all consumers until ctx is done.
	SubscribeEvents(ctx context.Context) (<-chan JobEvent, error)
}

// DeadLetter receives work items that will never succeed.
type DeadLetter struct {
	JobID   string `json:"job_id,omitempty"`
	Payload []byte `json:"payload"`
	Reason  string `json:"reason"`
	Attempt int    `json:"attempt"`
}

// DeadLetterPublisher parks permanently failing work items outside the work queue.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, letter DeadLetter) error
}
