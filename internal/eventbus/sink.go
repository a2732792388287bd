package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tripforge/booking-core/internal/domain"
	"github.com/tripforge/booking-core/pkg/kafka"
)

// Event is the envelope published to observers. Consumers deduplicate on
// (booking_id, seq); delivery is at-least-once.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	BookingID  string          `json:"booking_id"`
	Seq        int64           `json:"seq"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// TopicFor maps an event type to its topic. One topic per event family,
// partitioned by booking id.
func TopicFor(eventType string) string {
	switch eventType {
	case domain.EventBookingCreated,
		domain.EventBookingConfirmed,
		domain.EventBookingCancelled,
		domain.EventBookingFailed:
		return "bookings.lifecycle"
	case domain.EventStepCompleted,
		domain.EventStepFailed,
		domain.EventSagaCompensating:
		return "bookings.saga"
	case domain.EventRefundIssued:
		return "bookings.refunds"
	default:
		return "bookings.misc"
	}
}

// EventSink delivers domain events to observers
type EventSink interface {
	Publish(ctx context.Context, event *Event) error
}

// KafkaEventSink publishes events through the shared Kafka producer
type KafkaEventSink struct {
	producer *kafka.Producer
}

// NewKafkaEventSink creates a Kafka-backed event sink
func NewKafkaEventSink(producer *kafka.Producer) *KafkaEventSink {
	return &KafkaEventSink{producer: producer}
}

func (s *KafkaEventSink) Publish(ctx context.Context, event *Event) error {
	headers := map[string]string{
		"event_id":   event.ID,
		"event_type": event.Type,
		"booking_id": event.BookingID,
		"seq":        fmt.Sprintf("%d", event.Seq),
	}

	topic := TopicFor(event.Type)
	if err := s.producer.ProduceJSON(ctx, topic, event.BookingID, event, headers); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

var _ EventSink = (*KafkaEventSink)(nil)

// MockSink records published events for tests
type MockSink struct {
	mu          sync.Mutex
	Events      []*Event
	PublishFunc func(ctx context.Context, event *Event) error
}

// NewMockSink creates an empty mock sink
func NewMockSink() *MockSink {
	return &MockSink{}
}

func (m *MockSink) Publish(ctx context.Context, event *Event) error {
	if m.PublishFunc != nil {
		if err := m.PublishFunc(ctx, event); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.Events = append(m.Events, event)
	m.mu.Unlock()
	return nil
}

// OfType returns recorded events of the given type
func (m *MockSink) OfType(eventType string) []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []*Event
	for _, ev := range m.Events {
		if ev.Type == eventType {
			events = append(events, ev)
		}
	}
	return events
}

var _ EventSink = (*MockSink)(nil)
