package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	segkafka "github.com/segmentio/kafka-go"

	"github.com/dontdude/usersearch/internal/domain"
)

type fakeWriter struct {
	msgs   []segkafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...segkafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func TestPublishDeadLetter(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisherWithWriter(w, "usersearch.dead-letters")

	letter := domain.DeadLetter{JobID: "job-1", Payload: []byte(`{"job_id":"job-1"}`), Reason: "lookup failed", Attempt: 5}
	if err := p.PublishDeadLetter(context.Background(), letter); err != nil {
		t.Fatalf("PublishDeadLetter: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if msg.Topic != "usersearch.dead-letters" || string(msg.Key) != "job-1" {
		t.Fatalf("unexpected message: topic=%q key=%q", msg.Topic, msg.Key)
	}

	var got domain.DeadLetter
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if got.Reason != letter.Reason || got.Attempt != 5 || string(got.Payload) != string(letter.Payload) {
		t.Fatalf("unexpected letter: %+v", got)
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Fatalf("Close did not close the writer")
	}
}

func TestPublishDeadLetterError(t *testing.T) {
	boom := errors.New("leader not available")
	p := newKafkaPublisherWithWriter(&fakeWriter{err: boom}, "dlq")
	if err := p.PublishDeadLetter(context.Background(), domain.DeadLetter{JobID: "job-1"}); !errors.Is(err, boom) {
		t.Fatalf("expected writer error, got %v", err)
	}
}

func TestPublishDeadLetterNotConfigured(t *testing.T) {
	var p *KafkaPublisher
	if err := p.PublishDeadLetter(context.Background(), domain.DeadLetter{}); err == nil {
		t.Fatalf("expected error")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close on nil publisher: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{}).Validate(); err != nil {
		t.Fatalf("disabled config should validate: %v", err)
	}
	if err := (Config{Brokers: []string{"b1"}}).Validate(); err == nil {
		t.Fatalf("expected error for missing topic")
	}
	if _, err := NewKafkaPublisher(Config{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

func TestCheckConnectivity(t *testing.T) {
	if err := checkConnectivity(context.Background(), nil, nil); err == nil {
		t.Fatalf("expected error without brokers")
	}
	var dialed string
	err := checkConnectivity(context.Background(), []string{"b1:9092", "b2:9092"}, func(ctx context.Context, network, address string) (io.Closer, error) {
		dialed = address
		return nopCloser{}, nil
	})
	if err != nil || dialed != "b1:9092" {
		t.Fatalf("dialed %q, err %v", dialed, err)
	}
}
