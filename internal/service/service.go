package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tripforge/booking-core/internal/client"
	"github.com/tripforge/booking-core/internal/domain"
	"github.com/tripforge/booking-core/internal/eventbus"
	"github.com/tripforge/booking-core/internal/plan"
	"github.com/tripforge/booking-core/internal/store"
	"github.com/tripforge/booking-core/pkg/logger"
)

// Service errors
var (
	// ErrConcurrentUpdate indicates repeated version conflicts on a mutation
	ErrConcurrentUpdate = errors.New("booking updated concurrently, retry")
	// ErrPaymentIncreaseUnsupported rejects modifications that raise the total
	// after capture
	ErrPaymentIncreaseUnsupported = errors.New("collecting additional payment after confirmation is not supported")
)

const mutationRetries = 3

// Scheduler queues a booking for saga processing
type Scheduler interface {
	Submit(bookingID string) bool
}

// Config holds service tunables
type Config struct {
	// BookingDeadline bounds a saga from submission
	BookingDeadline time.Duration
}

// BookingService is the external interface: submission, reads, cancellation
// and modification. All saga work is delegated to the engine through the
// scheduler; this layer only records intent and wakes workers.
type BookingService struct {
	store     store.Store
	scheduler Scheduler
	client    client.ServiceClient
	drainer   *eventbus.Drainer
	log       *logger.Logger
	deadline  time.Duration
}

// New creates a booking service
func New(st store.Store, scheduler Scheduler, sc client.ServiceClient, drainer *eventbus.Drainer, log *logger.Logger, cfg *Config) *BookingService {
	deadline := 24 * time.Hour
	if cfg != nil && cfg.BookingDeadline > 0 {
		deadline = cfg.BookingDeadline
	}
	if log == nil {
		log = logger.Get()
	}
	return &BookingService{
		store:     st,
		scheduler: scheduler,
		client:    sc,
		drainer:   drainer,
		log:       log,
		deadline:  deadline,
	}
}

// Submit validates and persists a new booking, then queues its saga.
// The booking returns in PENDING; progress is observable through Get.
func (s *BookingService) Submit(ctx context.Context, req *domain.SubmitRequest) (*domain.Booking, error) {
	b, err := domain.NewBooking(req, s.deadline)
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to persist booking: %w", err)
	}
	s.notifyDrainer(b.ID)

	if !s.scheduler.Submit(b.ID) {
		// queue full; the recovery loop picks the booking up
		s.log.Warn("saga queue full, deferring to recovery",
			zap.String("booking_id", b.ID),
		)
	}

	s.log.Info("booking submitted",
		zap.String("booking_id", b.ID),
		zap.String("booking_number", b.Number),
		zap.Int64("total", b.Pricing.Total),
	)
	return b, nil
}

// Get returns the booking projection
func (s *BookingService) Get(ctx context.Context, bookingID string) (*domain.Booking, error) {
	return s.store.Load(ctx, bookingID)
}

// Cancel requests cancellation. A PENDING booking gets a cancel flag the
// engine honors between steps; a CONFIRMED booking is reopened for a
// compensation walk. Other statuses refuse.
func (s *BookingService) Cancel(ctx context.Context, bookingID, reason string) (*domain.Booking, error) {
	if reason == "" {
		reason = "customer cancellation"
	}

	b, err := s.update(ctx, bookingID, func(bb *domain.Booking) error {
		switch bb.Status {
		case domain.StatusPending:
			return bb.RequestCancel(reason)
		case domain.StatusConfirmed:
			return bb.BeginCancellation(reason)
		default:
			return fmt.Errorf("%w: status %s", domain.ErrCancelNotAllowed, bb.Status)
		}
	})
	if err != nil {
		return nil, err
	}

	// wake a worker; if the saga is mid-flight its owner picks the flag up
	// between steps and this submit no-ops on the lease
	s.scheduler.Submit(b.ID)

	s.log.Info("cancellation requested",
		zap.String("booking_id", b.ID),
		zap.String("reason", reason),
	)
	return b, nil
}

// Modify records a modification request. A pricing delta on a PENDING
// booking is applied directly; on a CONFIRMED booking a decrease is settled
// as a partial refund and an increase is refused.
func (s *BookingService) Modify(ctx context.Context, bookingID, description string, delta *domain.Pricing) (*domain.Booking, *domain.Modification, error) {
	var mod *domain.Modification

	b, err := s.update(ctx, bookingID, func(bb *domain.Booking) error {
		m, err := bb.AddModification(description, delta)
		if err != nil {
			return err
		}
		mod = m

		if delta == nil {
			return nil
		}
		switch bb.Status {
		case domain.StatusPending:
			return bb.UpdatePricing(*delta)
		case domain.StatusConfirmed:
			diff := delta.Subtotal + delta.Taxes + delta.Fees - delta.Discounts
			if diff > 0 {
				return ErrPaymentIncreaseUnsupported
			}
			if diff < 0 {
				return s.settleRefund(ctx, bb, -diff, description)
			}
			return nil
		default:
			return fmt.Errorf("%w: status %s", domain.ErrModifyNotAllowed, bb.Status)
		}
	})
	if err != nil {
		return nil, nil, err
	}

	s.log.Info("modification recorded",
		zap.String("booking_id", b.ID),
		zap.String("modification_id", mod.ID),
	)
	return b, mod, nil
}

// Refund issues an operator refund against captured funds
func (s *BookingService) Refund(ctx context.Context, bookingID string, amount int64, reason string) (*domain.Booking, *domain.Refund, error) {
	var refund *domain.Refund

	b, err := s.update(ctx, bookingID, func(bb *domain.Booking) error {
		if err := s.settleRefund(ctx, bb, amount, reason); err != nil {
			return err
		}
		if len(bb.Refunds) > 0 {
			refund = &bb.Refunds[len(bb.Refunds)-1]
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.log.Info("refund issued",
		zap.String("booking_id", b.ID),
		zap.Int64("amount", amount),
	)
	return b, refund, nil
}

// settleRefund pushes a partial refund to the payment service and records
// it on the aggregate. The idempotency key is anchored on the cumulative
// refunded amount so a retried call does not double-refund.
func (s *BookingService) settleRefund(ctx context.Context, b *domain.Booking, amount int64, reason string) error {
	if amount <= 0 {
		return domain.NewValidationError("amount", "must be positive")
	}
	if b.RefundedAmount+amount > b.CapturedAmount {
		return fmt.Errorf("%w: %d + %d > %d", domain.ErrRefundExceedsCaptured, b.RefundedAmount, amount, b.CapturedAmount)
	}

	state := b.Services[plan.ServicePayment]
	payload := map[string]interface{}{
		"booking_id": b.ID,
		"amount":     amount,
		"currency":   b.Pricing.Currency,
		"reason":     reason,
	}
	if state != nil {
		payload["authorization_id"] = state.DownstreamID
	}

	key := client.IdempotencyKey(b.ID, fmt.Sprintf("REFUND@%d", b.RefundedAmount), "OPS")
	if _, err := s.client.Invoke(ctx, plan.ServicePayment, "refund", payload, key); err != nil {
		return fmt.Errorf("refund rejected downstream: %w", err)
	}

	_, err := b.AddRefund(amount, reason)
	return err
}

// update runs a load-mutate-persist cycle with bounded retries on version
// conflicts. The apply function must be safe to re-run on a fresh copy.
func (s *BookingService) update(ctx context.Context, bookingID string, apply func(*domain.Booking) error) (*domain.Booking, error) {
	for attempt := 0; attempt < mutationRetries; attempt++ {
		b, err := s.store.Load(ctx, bookingID)
		if err != nil {
			return nil, err
		}
		if err := apply(b); err != nil {
			return nil, err
		}

		err = s.store.Persist(ctx, b, b.Version)
		if err == nil {
			s.notifyDrainer(b.ID)
			return b, nil
		}
		if !store.IsVersionConflict(err) {
			return nil, err
		}
	}
	return nil, ErrConcurrentUpdate
}

func (s *BookingService) notifyDrainer(bookingID string) {
	if s.drainer != nil {
		s.drainer.Notify(bookingID)
	}
}
