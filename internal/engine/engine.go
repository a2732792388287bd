package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/tripforge/booking-core/internal/client"
	"github.com/tripforge/booking-core/internal/domain"
	"github.com/tripforge/booking-core/internal/eventbus"
	"github.com/tripforge/booking-core/internal/plan"
	"github.com/tripforge/booking-core/internal/store"
	"github.com/tripforge/booking-core/pkg/logger"
	"github.com/tripforge/booking-core/pkg/retry"
	"github.com/tripforge/booking-core/pkg/telemetry"
)

// Engine errors
var (
	// ErrAbandoned indicates the worker gave up the booking; another owner
	// or the recovery loop proceeds from durable state
	ErrAbandoned = errors.New("attempt abandoned")
	// ErrHoldExpired indicates a held resource expired before confirm
	ErrHoldExpired = errors.New("hold expired before confirm")
)

// Config holds engine tunables
type Config struct {
	// Owner identifies this engine instance for leases
	Owner string
	// MaxStepRetries bounds engine-level re-entries per step
	MaxStepRetries int
	// LeaseTTL is the lease duration, renewed around blocking points
	LeaseTTL time.Duration
	// BookingDeadline bounds a whole saga before forced compensation
	BookingDeadline time.Duration
	// Backoff paces engine-level retries between step re-entries
	Backoff *retry.Config
}

// DefaultConfig returns default engine configuration
func DefaultConfig() *Config {
	return &Config{
		Owner:           "engine-" + uuid.New().String()[:8],
		MaxStepRetries:  domain.DefaultMaxRetries,
		LeaseTTL:        time.Minute,
		BookingDeadline: 24 * time.Hour,
		Backoff:         retry.DefaultConfig(),
	}
}

// Engine drives booking sagas: forward step execution, compensation walks
// and crash recovery. All authority lives in the store; the engine holds a
// lease while it works and abandons on any sign another owner took over.
type Engine struct {
	store   store.Store
	client  client.ServiceClient
	drainer *eventbus.Drainer
	log     *logger.Logger
	cfg     *Config
	retrier *retry.Retrier
}

// New creates a saga engine
func New(st store.Store, sc client.ServiceClient, drainer *eventbus.Drainer, log *logger.Logger, cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Owner == "" {
		cfg.Owner = "engine-" + uuid.New().String()[:8]
	}
	if cfg.MaxStepRetries <= 0 {
		cfg.MaxStepRetries = domain.DefaultMaxRetries
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	if cfg.BookingDeadline <= 0 {
		cfg.BookingDeadline = 24 * time.Hour
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.DefaultConfig()
	}
	if log == nil {
		log = logger.Get()
	}

	return &Engine{
		store:   st,
		client:  sc,
		drainer: drainer,
		log:     log,
		cfg:     cfg,
		retrier: retry.New(cfg.Backoff),
	}
}

// Run advances one booking's saga to a terminal state or abandons it.
// Safe to call repeatedly and from multiple instances; the lease serializes.
func (e *Engine) Run(ctx context.Context, bookingID string) error {
	if err := e.store.AcquireLease(ctx, bookingID, e.cfg.Owner, e.cfg.LeaseTTL); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			return nil
		}
		return err
	}
	defer e.store.ReleaseLease(context.WithoutCancel(ctx), bookingID, e.cfg.Owner)

	ctx, span := telemetry.StartSpan(ctx, "saga.run")
	defer span.End()
	telemetry.SetSpanAttributes(ctx, attribute.String("booking.id", bookingID))

	log := e.log.With(zap.String("booking_id", bookingID), zap.String("owner", e.cfg.Owner))

	b, err := e.store.Load(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.IsTerminal() && b.Ledger.Phase != domain.PhaseCompensating {
		return nil
	}

	if len(b.Ledger.Plan) == 0 {
		steps, err := plan.Derive(b.ComponentFlags())
		if err != nil {
			return err
		}
		b, err = e.mutate(ctx, b, func(bb *domain.Booking) error {
			return bb.StartSaga(steps)
		})
		if err != nil {
			return err
		}
	}

	if b.Ledger.Phase == domain.PhaseForward {
		b, err = e.runForward(ctx, b, log)
		if err != nil {
			return err
		}
	}

	if b.Ledger.Phase == domain.PhaseCompensating {
		if _, err = e.runCompensation(ctx, b, log); err != nil {
			return err
		}
	}

	return nil
}

// runForward executes plan steps from the cursor until done, failure or
// cancellation. Returns the booking in its latest persisted state.
func (e *Engine) runForward(ctx context.Context, b *domain.Booking, log *logger.Logger) (*domain.Booking, error) {
	for b.Ledger.Phase == domain.PhaseForward {
		if err := ctx.Err(); err != nil {
			return b, fmt.Errorf("%w: %v", ErrAbandoned, err)
		}
		if err := e.store.RenewLease(ctx, b.ID, e.cfg.Owner, e.cfg.LeaseTTL); err != nil {
			return b, fmt.Errorf("%w: %v", ErrAbandoned, err)
		}

		// pick up concurrent cancel requests between steps
		fresh, err := e.store.Load(ctx, b.ID)
		if err != nil {
			return b, err
		}
		b = fresh

		if b.Ledger.Phase != domain.PhaseForward {
			return b, nil
		}

		if b.CancelRequested {
			log.Info("cancel request picked up between steps")
			return e.mutate(ctx, b, func(bb *domain.Booking) error {
				return bb.BeginCompensation("customer cancellation")
			})
		}

		if !b.Deadline.IsZero() && time.Now().After(b.Deadline) {
			log.Warn("booking deadline exceeded, forcing compensation")
			return e.mutate(ctx, b, func(bb *domain.Booking) error {
				if step, ok := bb.CurrentStep(); ok {
					if err := bb.FailStep(step, errors.New("booking deadline exceeded")); err != nil {
						return err
					}
				}
				return bb.BeginCompensation("booking deadline exceeded")
			})
		}

		step, ok := b.CurrentStep()
		if !ok {
			// plan exhausted
			b, err = e.mutate(ctx, b, func(bb *domain.Booking) error {
				return bb.Finalize(domain.StatusConfirmed)
			})
			if err == nil {
				log.Info("saga confirmed", zap.String("booking_number", b.Number))
			}
			return b, err
		}

		if step.IsConfirm() && e.holdExpired(b, step) {
			holdErr := fmt.Errorf("%w: %s", ErrHoldExpired, step.Service)
			log.Warn("hold expired before confirm", zap.String("step", step.Name()))
			return e.mutate(ctx, b, func(bb *domain.Booking) error {
				if err := bb.FailStep(step, holdErr); err != nil {
					return err
				}
				return bb.BeginCompensation(holdErr.Error())
			})
		}

		b, err = e.executeStep(ctx, b, step, log)
		if err != nil {
			return b, err
		}
	}

	return b, nil
}

// holdExpired reports whether the hold backing a confirm step lapsed
func (e *Engine) holdExpired(b *domain.Booking, step plan.Step) bool {
	state, ok := b.Services[step.Service]
	if !ok || state.HoldExpiresAt == nil {
		return false
	}
	return time.Now().After(*state.HoldExpiresAt)
}

// executeStep invokes one forward step and applies the outcome
func (e *Engine) executeStep(ctx context.Context, b *domain.Booking, step plan.Step, log *logger.Logger) (*domain.Booking, error) {
	stepCtx, span := telemetry.StartSpan(ctx, "saga.step."+step.Name())
	defer span.End()

	key := client.IdempotencyKey(b.ID, step.Name(), client.AttemptGroupForward)
	payload := e.stepPayload(b, step)

	result, err := e.client.Invoke(stepCtx, step.Service, step.Action, payload, key)
	if err == nil {
		b, perr := e.mutate(ctx, b, func(bb *domain.Booking) error {
			return bb.CompleteStep(step, result)
		})
		if perr == nil {
			log.Info("step completed", zap.String("step", step.Name()))
		}
		return b, perr
	}

	telemetry.SetSpanError(stepCtx, err)
	de, _ := client.AsDownstream(err)
	retryable := de != nil && de.Retryable()

	if retryable {
		b, perr := e.mutate(ctx, b, func(bb *domain.Booking) error {
			return bb.FailStep(step, err)
		})
		if perr != nil {
			return b, perr
		}

		if b.Ledger.RetryCount <= b.Ledger.MaxRetries {
			log.Warn("step failed, will retry",
				zap.String("step", step.Name()),
				zap.Int("retry", b.Ledger.RetryCount),
				zap.Error(err),
			)
			return b, e.backoff(ctx, b, b.Ledger.RetryCount-1)
		}
	}

	b, perr := e.mutate(ctx, b, func(bb *domain.Booking) error {
		if !retryable {
			if ferr := bb.FailStep(step, err); ferr != nil {
				return ferr
			}
		}
		return bb.BeginCompensation(err.Error())
	})
	if perr != nil {
		return b, perr
	}
	log.Warn("step failed permanently, compensating",
		zap.String("step", step.Name()),
		zap.Error(err),
	)
	return b, nil
}

// stepPayload builds the downstream request for a forward step
func (e *Engine) stepPayload(b *domain.Booking, step plan.Step) map[string]interface{} {
	payload := map[string]interface{}{
		"booking_id":     b.ID,
		"transaction_id": b.Ledger.TransactionID,
	}

	switch {
	case step.IsHold():
		payload["component"] = b.Components[step.Service]
		payload["travel"] = b.Travel
	case step.IsConfirm():
		if state, ok := b.Services[step.Service]; ok {
			payload["hold_token"] = state.HoldToken
			payload["downstream_id"] = state.DownstreamID
		}
	case step.Kind == plan.StepPaymentAuthorize:
		payload["amount"] = b.Pricing.Total
		payload["currency"] = b.Pricing.Currency
		payload["customer_id"] = b.CustomerID
	case step.Kind == plan.StepPaymentCapture:
		if state, ok := b.Services[plan.ServicePayment]; ok {
			payload["authorization_id"] = state.DownstreamID
		}
		payload["amount"] = b.Pricing.Total
		payload["currency"] = b.Pricing.Currency
	case step.Kind == plan.StepNotify:
		payload["booking_number"] = b.Number
		payload["contact"] = b.Contact
	}

	return payload
}

// runCompensation walks completed steps in reverse, invoking each inverse.
// A failing compensation is recorded and the walk continues; the booking
// then ends FAILED instead of a clean CANCELLED.
func (e *Engine) runCompensation(ctx context.Context, b *domain.Booking, log *logger.Logger) (*domain.Booking, error) {
	compensated := make(map[string]bool, len(b.Ledger.Compensations))
	anyFailed := false
	for _, rec := range b.Ledger.Compensations {
		compensated[rec.StepName] = true
		if rec.Outcome == domain.CompensationFailed {
			anyFailed = true
		}
	}

	for i := len(b.Ledger.Completed) - 1; i >= 0; i-- {
		entry := b.Ledger.Completed[i]
		if compensated[entry.StepName] {
			continue
		}
		if err := e.store.RenewLease(ctx, b.ID, e.cfg.Owner, e.cfg.LeaseTTL); err != nil {
			return b, fmt.Errorf("%w: %v", ErrAbandoned, err)
		}

		step, ok := stepByName(b.Ledger.Plan, entry.StepName)
		if !ok {
			continue
		}

		comp, compensable := plan.CompensationFor(step.Kind)
		skip := !compensable
		if !skip && step.IsHold() && confirmCompleted(b, step.Service) {
			// a hold consumed by a completed confirm is rolled back by
			// cancel_booking, not by releasing the spent hold
			skip = true
		}
		if !skip && step.Kind == plan.StepPaymentAuthorize && captureCompleted(b) {
			// a captured authorization is settled, the refund supersedes
			// the void
			skip = true
		}
		if !skip && comp.Kind == plan.CompRefund && b.OutstandingCaptured() <= 0 {
			// prior partial refunds already returned everything captured
			skip = true
		}
		if skip {
			var err error
			b, err = e.mutate(ctx, b, func(bb *domain.Booking) error {
				return bb.RecordCompensation(step, comp, domain.CompensationSkipped, nil)
			})
			if err != nil {
				return b, err
			}
			continue
		}

		var err error
		b, err = e.executeCompensation(ctx, b, step, comp, entry, log)
		if err != nil {
			if errors.Is(err, ErrAbandoned) {
				return b, err
			}
			anyFailed = true
		}
	}

	outcome := domain.StatusCancelled
	if anyFailed {
		outcome = domain.StatusFailed
		log.Error("compensation incomplete, flagging for reconciliation")
	}
	b, err := e.mutate(ctx, b, func(bb *domain.Booking) error {
		return bb.Finalize(outcome)
	})
	if err != nil {
		return b, err
	}
	log.Info("saga rolled back", zap.String("outcome", string(outcome)))
	return b, nil
}

// executeCompensation invokes one compensation with bounded retries
func (e *Engine) executeCompensation(ctx context.Context, b *domain.Booking, step plan.Step, comp plan.Compensation, entry domain.CompletedStep, log *logger.Logger) (*domain.Booking, error) {
	compCtx, span := telemetry.StartSpan(ctx, "saga.compensate."+comp.Name())
	defer span.End()

	key := client.IdempotencyKey(b.ID, step.Name(), client.AttemptGroupCompensate)
	payload := e.compensationPayload(b, step, comp)

	var lastErr error
	for attempt := 0; attempt <= b.Ledger.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := e.backoff(compCtx, b, attempt-1); err != nil {
				return b, err
			}
		}

		_, err := e.client.Invoke(compCtx, comp.Service, comp.Action, payload, key)
		if err == nil {
			b, perr := e.mutate(ctx, b, func(bb *domain.Booking) error {
				return bb.RecordCompensation(step, comp, domain.CompensationDone, nil)
			})
			if perr == nil {
				log.Info("compensation done", zap.String("compensation", comp.Name()))
			}
			return b, perr
		}

		lastErr = err
		if de, ok := client.AsDownstream(err); ok && !de.Retryable() {
			break
		}
	}

	telemetry.SetSpanError(compCtx, lastErr)
	b, perr := e.mutate(ctx, b, func(bb *domain.Booking) error {
		return bb.RecordCompensation(step, comp, domain.CompensationFailed, lastErr)
	})
	if perr != nil {
		return b, perr
	}
	log.Error("compensation failed",
		zap.String("compensation", comp.Name()),
		zap.Error(lastErr),
	)
	return b, lastErr
}

// compensationPayload builds the downstream request for a compensation
func (e *Engine) compensationPayload(b *domain.Booking, step plan.Step, comp plan.Compensation) map[string]interface{} {
	payload := map[string]interface{}{
		"booking_id":     b.ID,
		"transaction_id": b.Ledger.TransactionID,
		"reason":         b.CancelReason,
	}

	if state, ok := b.Services[comp.Service]; ok {
		switch comp.Kind {
		case plan.CompReleaseHoldFlight, plan.CompReleaseHoldHotel, plan.CompReleaseHoldCar:
			payload["hold_token"] = state.HoldToken
		case plan.CompCancelFlight, plan.CompCancelHotel, plan.CompCancelCar:
			payload["confirmation_number"] = state.ConfirmationNumber
			payload["downstream_id"] = state.DownstreamID
		case plan.CompVoidAuthorization:
			payload["authorization_id"] = state.DownstreamID
		case plan.CompRefund:
			payload["authorization_id"] = state.DownstreamID
			payload["amount"] = b.OutstandingCaptured()
			payload["currency"] = b.Pricing.Currency
		}
	}

	return payload
}

// mutate applies a transition and persists it. On a version conflict the
// booking is reloaded once and the transition re-applied, so a concurrent
// write (a cancel request, an outbox drain) does not lose this progress.
// A second conflict abandons the attempt.
func (e *Engine) mutate(ctx context.Context, b *domain.Booking, apply func(*domain.Booking) error) (*domain.Booking, error) {
	if err := apply(b); err != nil {
		return b, err
	}

	err := e.store.Persist(ctx, b, b.Version)
	if err == nil {
		e.notifyDrainer(b.ID)
		return b, nil
	}
	if !store.IsVersionConflict(err) {
		return b, err
	}

	fresh, lerr := e.store.Load(ctx, b.ID)
	if lerr != nil {
		return b, lerr
	}
	if err := apply(fresh); err != nil {
		return fresh, err
	}
	if err := e.store.Persist(ctx, fresh, fresh.Version); err != nil {
		if store.IsVersionConflict(err) {
			return fresh, fmt.Errorf("%w: %v", ErrAbandoned, err)
		}
		return fresh, err
	}
	e.notifyDrainer(fresh.ID)
	return fresh, nil
}

func (e *Engine) notifyDrainer(bookingID string) {
	if e.drainer != nil {
		e.drainer.Notify(bookingID)
	}
}

// backoff sleeps the retry interval, renewing the lease so the booking is
// not scavenged mid-wait
func (e *Engine) backoff(ctx context.Context, b *domain.Booking, attempt int) error {
	interval := e.retrier.Interval(attempt)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrAbandoned, ctx.Err())
	case <-timer.C:
	}

	if err := e.store.RenewLease(ctx, b.ID, e.cfg.Owner, e.cfg.LeaseTTL); err != nil {
		return fmt.Errorf("%w: %v", ErrAbandoned, err)
	}
	return nil
}

// confirmCompleted reports whether the confirm step for a service is in
// the completed ledger
func confirmCompleted(b *domain.Booking, svc plan.ServiceKind) bool {
	for _, entry := range b.Ledger.Completed {
		step, ok := stepByName(b.Ledger.Plan, entry.StepName)
		if ok && step.IsConfirm() && step.Service == svc {
			return true
		}
	}
	return false
}

// captureCompleted reports whether the payment capture is in the
// completed ledger
func captureCompleted(b *domain.Booking) bool {
	for _, entry := range b.Ledger.Completed {
		if entry.StepName == string(plan.StepPaymentCapture) {
			return true
		}
	}
	return false
}

func stepByName(steps []plan.Step, name string) (plan.Step, bool) {
	for _, s := range steps {
		if s.Name() == name {
			return s, true
		}
	}
	return plan.Step{}, false
}
