package eventbus

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tripforge/booking-core/internal/store"
	"github.com/tripforge/booking-core/pkg/logger"
)

// Drainer moves events from booking outboxes to the sink. It never blocks
// saga progress: publish failures leave the events in the outbox and the
// next pass redelivers them (at-least-once).
type Drainer struct {
	store    store.Store
	sink     EventSink
	log      *logger.Logger
	interval time.Duration
	nudge    chan string
}

// NewDrainer creates an outbox drainer
func NewDrainer(st store.Store, sink EventSink, log *logger.Logger, interval time.Duration) *Drainer {
	if log == nil {
		log = logger.Get()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Drainer{
		store:    st,
		sink:     sink,
		log:      log,
		interval: interval,
		nudge:    make(chan string, 256),
	}
}

// Notify asks the drainer to drain one booking soon. Non-blocking; the
// periodic pass catches anything dropped here.
func (d *Drainer) Notify(bookingID string) {
	select {
	case d.nudge <- bookingID:
	default:
	}
}

// Run drains until the context is cancelled
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.nudge:
			if err := d.DrainBooking(ctx, id); err != nil {
				d.log.Warn("outbox drain failed", zap.String("booking_id", id), zap.Error(err))
			}
		case <-ticker.C:
			d.drainPass(ctx)
		}
	}
}

func (d *Drainer) drainPass(ctx context.Context) {
	ids, err := d.store.ListPendingOutbox(ctx, 100)
	if err != nil {
		d.log.Warn("outbox scan failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := d.DrainBooking(ctx, id); err != nil {
			d.log.Warn("outbox drain failed", zap.String("booking_id", id), zap.Error(err))
		}
	}
}

// DrainBooking publishes a booking's pending events in sequence order and
// removes the delivered ones. A persist conflict leaves events in place;
// the duplicate publish on the next pass is covered by the at-least-once
// contract.
func (d *Drainer) DrainBooking(ctx context.Context, bookingID string) error {
	b, err := d.store.Load(ctx, bookingID)
	if err != nil {
		return err
	}

	pending := b.PendingEvents()
	if len(pending) == 0 {
		return nil
	}

	published := make([]string, 0, len(pending))
	for _, ev := range pending {
		event := &Event{
			ID:         ev.ID,
			Type:       ev.Type,
			BookingID:  b.ID,
			Seq:        ev.Seq,
			Payload:    ev.Payload,
			OccurredAt: ev.OccurredAt,
		}
		if err := d.sink.Publish(ctx, event); err != nil {
			// stop at the first failure to preserve per-booking order
			break
		}
		published = append(published, ev.ID)
	}

	if len(published) == 0 {
		return nil
	}

	b.MarkEventsPublished(published)
	return d.store.Persist(ctx, b, b.Version)
}
