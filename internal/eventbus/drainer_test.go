package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tripforge/booking-core/internal/domain"
	"github.com/tripforge/booking-core/internal/plan"
	"github.com/tripforge/booking-core/internal/store"
)

func seededBooking(t *testing.T, st *store.MemoryStore) *domain.Booking {
	t.Helper()
	b, err := domain.NewBooking(&domain.SubmitRequest{
		CustomerID: "cust-1",
		Contact:    domain.Contact{Email: "guest@example.com"},
		Components: map[plan.ServiceKind]json.RawMessage{
			plan.ServiceFlight: json.RawMessage(`{}`),
		},
		Travel: domain.Travel{
			DepartureDate: time.Now().Add(24 * time.Hour),
			Adults:        1,
			Rooms:         1,
		},
		Pricing: domain.Pricing{Subtotal: 1000, Currency: "USD"},
	}, 24*time.Hour)
	if err != nil {
		t.Fatalf("failed to create booking: %v", err)
	}
	if err := st.Create(context.Background(), b); err != nil {
		t.Fatalf("failed to store booking: %v", err)
	}
	return b
}

func TestDrainPublishesInOrder(t *testing.T) {
	st := store.NewMemoryStore()
	sink := NewMockSink()
	d := NewDrainer(st, sink, nil, time.Second)
	ctx := context.Background()

	b := seededBooking(t, st)
	steps, _ := plan.Derive(b.ComponentFlags())
	b.StartSaga(steps)
	step, _ := b.CurrentStep()
	b.CompleteStep(step, json.RawMessage(`{}`))
	if err := st.Persist(ctx, b, b.Version); err != nil {
		t.Fatalf("failed to persist: %v", err)
	}

	if err := d.DrainBooking(ctx, b.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sink.Events) < 2 {
		t.Fatalf("expected at least 2 events, got %d", len(sink.Events))
	}
	if sink.Events[0].Type != domain.EventBookingCreated {
		t.Errorf("expected BookingCreated first, got %s", sink.Events[0].Type)
	}

	var last int64
	for _, ev := range sink.Events {
		if ev.Seq <= last {
			t.Fatalf("sequence not monotonic: %d after %d", ev.Seq, last)
		}
		last = ev.Seq
	}

	// outbox is cleared after a successful drain
	loaded, _ := st.Load(ctx, b.ID)
	if len(loaded.Outbox) != 0 {
		t.Errorf("expected empty outbox, got %d events", len(loaded.Outbox))
	}
}

func TestDrainIsIdempotentWhenEmpty(t *testing.T) {
	st := store.NewMemoryStore()
	sink := NewMockSink()
	d := NewDrainer(st, sink, nil, time.Second)
	ctx := context.Background()

	b := seededBooking(t, st)
	if err := d.DrainBooking(ctx, b.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	count := len(sink.Events)

	if err := d.DrainBooking(ctx, b.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.Events) != count {
		t.Errorf("expected no republish, got %d extra", len(sink.Events)-count)
	}
}

func TestDrainRedeliversAfterSinkFailure(t *testing.T) {
	st := store.NewMemoryStore()
	sink := NewMockSink()
	d := NewDrainer(st, sink, nil, time.Second)
	ctx := context.Background()

	b := seededBooking(t, st)

	broken := errors.New("broker down")
	sink.PublishFunc = func(ctx context.Context, event *Event) error {
		return broken
	}

	if err := d.DrainBooking(ctx, b.ID); err != nil {
		t.Fatalf("drain should not error on sink failure: %v", err)
	}

	loaded, _ := st.Load(ctx, b.ID)
	if len(loaded.Outbox) != 1 {
		t.Fatalf("expected event kept in outbox, got %d", len(loaded.Outbox))
	}

	sink.PublishFunc = nil
	if err := d.DrainBooking(ctx, b.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(sink.OfType(domain.EventBookingCreated)); got != 1 {
		t.Errorf("expected 1 redelivered event, got %d", got)
	}
}

func TestDrainStopsAtFirstFailureToPreserveOrder(t *testing.T) {
	st := store.NewMemoryStore()
	sink := NewMockSink()
	d := NewDrainer(st, sink, nil, time.Second)
	ctx := context.Background()

	b := seededBooking(t, st)
	steps, _ := plan.Derive(b.ComponentFlags())
	b.StartSaga(steps)
	step, _ := b.CurrentStep()
	b.CompleteStep(step, json.RawMessage(`{}`))
	st.Persist(ctx, b, b.Version)

	// fail everything after the first event
	var published int
	sink.PublishFunc = func(ctx context.Context, event *Event) error {
		published++
		if published > 1 {
			return errors.New("broker down")
		}
		return nil
	}

	if err := d.DrainBooking(ctx, b.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loaded, _ := st.Load(ctx, b.ID)
	if len(loaded.Outbox) != 1 {
		t.Fatalf("expected 1 event left in outbox, got %d", len(loaded.Outbox))
	}
	if loaded.Outbox[0].Type != domain.EventStepCompleted {
		t.Errorf("expected StepCompleted left, got %s", loaded.Outbox[0].Type)
	}
}

func TestTopicMapping(t *testing.T) {
	cases := map[string]string{
		domain.EventBookingCreated:   "bookings.lifecycle",
		domain.EventBookingConfirmed: "bookings.lifecycle",
		domain.EventStepCompleted:    "bookings.saga",
		domain.EventSagaCompensating: "bookings.saga",
		domain.EventRefundIssued:     "bookings.refunds",
	}
	for eventType, topic := range cases {
		if got := TopicFor(eventType); got != topic {
			t.Errorf("%s: expected %s, got %s", eventType, topic, got)
		}
	}
}
