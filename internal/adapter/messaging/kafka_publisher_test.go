package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rl1809/lab-store/internal/core/domain"
)

type mockProducer struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (m *mockProducer) WriteMessage(ctx context.Context, msg kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *mockProducer) Close() error {
	m.closed = true
	return nil
}

func TestPublish_KeysByRequestID(t *testing.T) {
	producer := &mockProducer{}
	publisher := NewKafkaPublisherWithProducer(producer, "lab-store.requests")

	event := domain.RequestEvent{
		ID:         "evt-1",
		Type:       domain.EventRequestApproved,
		RequestID:  "req-1",
		Status:     domain.StatusPartiallyAllocated,
		Lines:      []domain.RequestLine{{ItemID: "scope", Quantity: 8, Allocated: 5}},
		OccurredAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := publisher.Publish(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(producer.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(producer.msgs))
	}
	msg := producer.msgs[0]
	if string(msg.Key) != "req-1" {
		t.Errorf("expected key req-1, got %s", msg.Key)
	}

	var decoded domain.RequestEvent
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Type != domain.EventRequestApproved || decoded.Lines[0].Allocated != 5 {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}

func TestPublish_WrapsProducerError(t *testing.T) {
	boom := errors.New("broker down")
	publisher := NewKafkaPublisherWithProducer(&mockProducer{err: boom}, "t")

	err := publisher.Publish(context.Background(), domain.RequestEvent{ID: "e", RequestID: "r"})
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped producer error, got %v", err)
	}
}
