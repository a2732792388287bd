package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tripforge/booking-core/internal/plan"
)

// BookingStatus is the customer-facing status of a booking
type BookingStatus string

const (
	StatusPending   BookingStatus = "PENDING"
	StatusConfirmed BookingStatus = "CONFIRMED"
	StatusCancelled BookingStatus = "CANCELLED"
	StatusCompleted BookingStatus = "COMPLETED"
	StatusFailed    BookingStatus = "FAILED"
)

// Phase is the saga execution phase
type Phase string

const (
	PhaseForward      Phase = "FORWARD"
	PhaseCompensating Phase = "COMPENSATING"
	PhaseDone         Phase = "DONE"
	PhaseAborted      Phase = "ABORTED"
)

// SubStatus is the per-service progress within a booking
type SubStatus string

const (
	SubNotStarted  SubStatus = "not_started"
	SubHeld        SubStatus = "held"
	SubConfirmed   SubStatus = "confirmed"
	SubFailed      SubStatus = "failed"
	SubCompensated SubStatus = "compensated"
)

// Event types emitted through the outbox
const (
	EventBookingCreated   = "booking.created"
	EventStepCompleted    = "booking.step_completed"
	EventStepFailed       = "booking.step_failed"
	EventSagaCompensating = "booking.saga_compensating"
	EventBookingConfirmed = "booking.confirmed"
	EventBookingCancelled = "booking.cancelled"
	EventBookingFailed    = "booking.failed"
	EventRefundIssued     = "booking.refund_issued"
)

// DefaultMaxRetries bounds engine-level retries per step
const DefaultMaxRetries = 3

// Contact holds customer contact details
type Contact struct {
	Email  string `json:"email"`
	Phone  string `json:"phone"`
	Locale string `json:"locale"`
}

// Travel holds the trip parameters
type Travel struct {
	DepartureDate time.Time  `json:"departure_date"`
	ReturnDate    *time.Time `json:"return_date,omitempty"`
	Origin        string     `json:"origin"`
	Destination   string     `json:"destination"`
	Adults        int        `json:"adults"`
	Children      int        `json:"children"`
	Infants       int        `json:"infants"`
	Rooms         int        `json:"rooms"`
}

// Pricing holds monetary amounts in minor units (cents)
type Pricing struct {
	Subtotal  int64  `json:"subtotal"`
	Taxes     int64  `json:"taxes"`
	Fees      int64  `json:"fees"`
	Discounts int64  `json:"discounts"`
	Total     int64  `json:"total"`
	Currency  string `json:"currency"`
}

// Recompute recalculates Total and checks the pricing invariant
func (p *Pricing) Recompute() error {
	total := p.Subtotal + p.Taxes + p.Fees - p.Discounts
	if total < 0 {
		return fmt.Errorf("%w: total would be %d", ErrPricingInvariant, total)
	}
	p.Total = total
	return nil
}

// ServiceState tracks per-downstream progress
type ServiceState struct {
	Required           bool       `json:"required"`
	SubStatus          SubStatus  `json:"sub_status"`
	DownstreamID       string     `json:"downstream_id,omitempty"`
	ConfirmationNumber string     `json:"confirmation_number,omitempty"`
	HoldToken          string     `json:"hold_token,omitempty"`
	HoldExpiresAt      *time.Time `json:"hold_expires_at,omitempty"`
	RetryCount         int        `json:"retry_count"`
	LastError          string     `json:"last_error,omitempty"`
}

// AuditEntry is one append-only audit record
type AuditEntry struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Details   string    `json:"details,omitempty"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

// OutboxEvent is a pending domain event co-written with the aggregate
type OutboxEvent struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Seq        int64           `json:"seq"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// CompletedStep is one successful forward step in the ledger
type CompletedStep struct {
	StepName    string          `json:"step_name"`
	Result      json.RawMessage `json:"result"`
	CompletedAt time.Time       `json:"completed_at"`
}

// FailedStep is one failed forward step in the ledger
type FailedStep struct {
	StepName string    `json:"step_name"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// CompensationOutcome is the result of one compensation attempt
type CompensationOutcome string

const (
	CompensationDone    CompensationOutcome = "done"
	CompensationFailed  CompensationOutcome = "failed"
	CompensationSkipped CompensationOutcome = "skipped"
)

// CompensationRecord is one compensation outcome in the ledger
type CompensationRecord struct {
	StepName         string              `json:"step_name"`
	CompensationName string              `json:"compensation_name"`
	Outcome          CompensationOutcome `json:"outcome"`
	Error            string              `json:"error,omitempty"`
	RecordedAt       time.Time           `json:"recorded_at"`
}

// Ledger is the append-only saga transaction record embedded in the booking
type Ledger struct {
	TransactionID string               `json:"transaction_id"`
	Plan          []plan.Step          `json:"plan"`
	Cursor        int                  `json:"cursor"`
	Completed     []CompletedStep      `json:"completed"`
	Failed        []FailedStep         `json:"failed"`
	Compensations []CompensationRecord `json:"compensations"`
	Phase         Phase                `json:"phase"`
	RetryCount    int                  `json:"retry_count"`
	MaxRetries    int                  `json:"max_retries"`
}

// Modification is a recorded change request against a booking
type Modification struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Pricing     *Pricing  `json:"pricing,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// Refund is a recorded refund against captured funds
type Refund struct {
	ID       string    `json:"id"`
	Amount   int64     `json:"amount"`
	Currency string    `json:"currency"`
	Reason   string    `json:"reason"`
	IssuedAt time.Time `json:"issued_at"`
}

// Booking is the aggregate root. It is mutated only through the transition
// methods below; each transition appends exactly one audit entry.
type Booking struct {
	ID         string                               `json:"id"`
	Number     string                               `json:"number"`
	CustomerID string                               `json:"customer_id"`
	Contact    Contact                              `json:"contact"`
	Components map[plan.ServiceKind]json.RawMessage `json:"components"`
	Travel     Travel                               `json:"travel"`
	Pricing    Pricing                              `json:"pricing"`
	Status     BookingStatus                        `json:"status"`
	Services   map[plan.ServiceKind]*ServiceState   `json:"services"`
	Ledger     Ledger                               `json:"ledger"`

	Audit    []AuditEntry  `json:"audit"`
	Outbox   []OutboxEvent `json:"outbox"`
	EventSeq int64         `json:"event_seq"`

	CancelRequested bool      `json:"cancel_requested"`
	CancelReason    string    `json:"cancel_reason,omitempty"`
	Deadline        time.Time `json:"deadline"`

	Modifications []Modification `json:"modifications,omitempty"`
	Refunds       []Refund       `json:"refunds,omitempty"`

	CapturedAmount int64 `json:"captured_amount"`
	RefundedAmount int64 `json:"refunded_amount"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubmitRequest is the inbound payload for creating a booking
type SubmitRequest struct {
	CustomerID string                               `json:"customer_id"`
	Contact    Contact                              `json:"contact"`
	Components map[plan.ServiceKind]json.RawMessage `json:"components"`
	Travel     Travel                               `json:"travel"`
	Pricing    Pricing                              `json:"pricing"`
}

// NewBooking validates the request and constructs a PENDING booking with a
// BookingCreated event in its outbox
func NewBooking(req *SubmitRequest, deadline time.Duration) (*Booking, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}

	pricing := req.Pricing
	if err := pricing.Recompute(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	b := &Booking{
		ID:         uuid.New().String(),
		Number:     NewBookingNumber(),
		CustomerID: req.CustomerID,
		Contact:    req.Contact,
		Components: req.Components,
		Travel:     req.Travel,
		Pricing:    pricing,
		Status:     StatusPending,
		Services:   make(map[plan.ServiceKind]*ServiceState),
		Ledger: Ledger{
			TransactionID: uuid.New().String(),
			Phase:         PhaseForward,
			MaxRetries:    DefaultMaxRetries,
		},
		Deadline:  now.Add(deadline),
		CreatedAt: now,
		UpdatedAt: now,
	}

	for svc := range req.Components {
		b.Services[svc] = &ServiceState{Required: true, SubStatus: SubNotStarted}
	}
	// payment and notification are always implicit
	b.Services[plan.ServicePayment] = &ServiceState{Required: true, SubStatus: SubNotStarted}
	b.Services[plan.ServiceNotification] = &ServiceState{Required: true, SubStatus: SubNotStarted}

	b.appendAudit("booking_created", fmt.Sprintf("booking %s created", b.Number), "system")
	b.emitEvent(EventBookingCreated, map[string]interface{}{
		"booking_id":     b.ID,
		"booking_number": b.Number,
		"customer_id":    b.CustomerID,
		"total":          b.Pricing.Total,
		"currency":       b.Pricing.Currency,
	})

	return b, nil
}

// NewBookingNumber generates an opaque human-facing booking code
func NewBookingNumber() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
	return "TF-" + raw[:10]
}

func validateSubmit(req *SubmitRequest) error {
	if req == nil {
		return NewValidationError("request", "missing request")
	}
	if req.CustomerID == "" {
		return NewValidationError("customer_id", "required")
	}
	if req.Contact.Email == "" || !strings.Contains(req.Contact.Email, "@") {
		return NewValidationError("contact.email", "valid email required")
	}

	hasInventory := false
	for _, svc := range plan.InventoryServices {
		if _, ok := req.Components[svc]; ok {
			hasInventory = true
		}
	}
	if !hasInventory {
		return NewValidationError("components", "at least one of flight, hotel, car required")
	}
	for svc := range req.Components {
		switch svc {
		case plan.ServiceFlight, plan.ServiceHotel, plan.ServiceCar:
		default:
			return NewValidationError("components", fmt.Sprintf("unknown component %q", svc))
		}
	}

	if req.Travel.Adults < 1 {
		return NewValidationError("travel.adults", "at least one adult required")
	}
	if req.Travel.Children < 0 || req.Travel.Infants < 0 {
		return NewValidationError("travel.passengers", "passenger counts must be non-negative")
	}
	if req.Travel.Rooms < 1 {
		return NewValidationError("travel.rooms", "at least one room required")
	}
	if req.Travel.DepartureDate.IsZero() {
		return NewValidationError("travel.departure_date", "required")
	}
	if req.Travel.ReturnDate != nil && !req.Travel.ReturnDate.After(req.Travel.DepartureDate) {
		return NewValidationError("travel.return_date", "must be after departure date")
	}

	if len(req.Pricing.Currency) != 3 {
		return NewValidationError("pricing.currency", "ISO-4217 code required")
	}
	if req.Pricing.Subtotal < 0 || req.Pricing.Taxes < 0 || req.Pricing.Fees < 0 || req.Pricing.Discounts < 0 {
		return NewValidationError("pricing", "amounts must be non-negative")
	}

	return nil
}

// ComponentFlags returns which inventory components the booking carries
func (b *Booking) ComponentFlags() map[plan.ServiceKind]bool {
	flags := make(map[plan.ServiceKind]bool, len(b.Components))
	for svc := range b.Components {
		flags[svc] = true
	}
	return flags
}

// IsTerminal reports whether the booking reached a terminal status
func (b *Booking) IsTerminal() bool {
	switch b.Status {
	case StatusConfirmed, StatusCancelled, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CurrentStep returns the step at the ledger cursor, or ok=false past the end
func (b *Booking) CurrentStep() (plan.Step, bool) {
	if b.Ledger.Cursor < 0 || b.Ledger.Cursor >= len(b.Ledger.Plan) {
		return plan.Step{}, false
	}
	return b.Ledger.Plan[b.Ledger.Cursor], true
}

// LastFailure returns the most recent failed ledger entry, if any
func (b *Booking) LastFailure() (FailedStep, bool) {
	if len(b.Ledger.Failed) == 0 {
		return FailedStep{}, false
	}
	return b.Ledger.Failed[len(b.Ledger.Failed)-1], true
}

// OutstandingCaptured returns the captured funds not yet refunded
func (b *Booking) OutstandingCaptured() int64 {
	return b.CapturedAmount - b.RefundedAmount
}

// --- Transitions ---

// StartSaga installs the derived plan. Requires PENDING / FORWARD with no
// plan already set.
func (b *Booking) StartSaga(steps []plan.Step) error {
	if b.Status != StatusPending || b.Ledger.Phase != PhaseForward {
		return fmt.Errorf("%w: start_saga requires PENDING/FORWARD, got %s/%s", ErrInvalidTransition, b.Status, b.Ledger.Phase)
	}
	if len(b.Ledger.Plan) != 0 {
		return fmt.Errorf("%w: saga already started", ErrInvalidTransition)
	}
	if len(steps) == 0 {
		return fmt.Errorf("%w: empty plan", ErrInvalidTransition)
	}

	b.Ledger.Plan = steps
	b.Ledger.Cursor = 0
	b.touch()
	b.appendAudit("saga_started", fmt.Sprintf("plan of %d steps", len(steps)), "engine")
	return nil
}

// CompleteStep records a successful forward step, advances the cursor and
// resets the retry counter
func (b *Booking) CompleteStep(step plan.Step, result json.RawMessage) error {
	if b.Ledger.Phase != PhaseForward {
		return fmt.Errorf("%w: complete_step requires FORWARD, got %s", ErrInvalidTransition, b.Ledger.Phase)
	}
	current, ok := b.CurrentStep()
	if !ok || current.Kind != step.Kind {
		return fmt.Errorf("%w: step %s is not at cursor", ErrInvalidTransition, step.Kind)
	}

	now := time.Now().UTC()
	b.Ledger.Completed = append(b.Ledger.Completed, CompletedStep{
		StepName:    step.Name(),
		Result:      result,
		CompletedAt: now,
	})
	b.Ledger.Cursor++
	b.Ledger.RetryCount = 0

	b.applyStepResult(step, result)

	b.touch()
	b.appendAudit("step_completed", step.Name(), "engine")
	b.emitEvent(EventStepCompleted, map[string]interface{}{
		"booking_id": b.ID,
		"step":       step.Name(),
		"cursor":     b.Ledger.Cursor,
	})
	return nil
}

// applyStepResult projects a step result onto the per-service sub-state
func (b *Booking) applyStepResult(step plan.Step, result json.RawMessage) {
	state, ok := b.Services[step.Service]
	if !ok {
		state = &ServiceState{Required: true}
		b.Services[step.Service] = state
	}

	switch {
	case step.IsHold():
		var r plan.HoldResult
		if err := json.Unmarshal(result, &r); err != nil {
			state.LastError = fmt.Sprintf("unreadable %s result: %v", step.Name(), err)
			return
		}
		state.SubStatus = SubHeld
		state.HoldToken = r.HoldToken
		state.DownstreamID = r.DownstreamID
		if !r.ExpiresAt.IsZero() {
			exp := r.ExpiresAt
			state.HoldExpiresAt = &exp
		}
	case step.IsConfirm():
		var r plan.ConfirmResult
		if err := json.Unmarshal(result, &r); err != nil {
			state.LastError = fmt.Sprintf("unreadable %s result: %v", step.Name(), err)
			return
		}
		state.SubStatus = SubConfirmed
		state.ConfirmationNumber = r.ConfirmationNumber
		if r.DownstreamID != "" {
			state.DownstreamID = r.DownstreamID
		}
	case step.Kind == plan.StepPaymentAuthorize:
		var r plan.AuthResult
		if err := json.Unmarshal(result, &r); err != nil {
			state.LastError = fmt.Sprintf("unreadable %s result: %v", step.Name(), err)
			return
		}
		state.SubStatus = SubHeld
		state.DownstreamID = r.AuthorizationID
		if !r.ExpiresAt.IsZero() {
			exp := r.ExpiresAt
			state.HoldExpiresAt = &exp
		}
	case step.Kind == plan.StepPaymentCapture:
		var r plan.CaptureResult
		if err := json.Unmarshal(result, &r); err != nil {
			state.LastError = fmt.Sprintf("unreadable %s result: %v", step.Name(), err)
			return
		}
		state.SubStatus = SubConfirmed
		b.CapturedAmount = r.Amount
	case step.Kind == plan.StepNotify:
		state.SubStatus = SubConfirmed
	}
}

// FailStep records a failed forward step and increments the retry counter
func (b *Booking) FailStep(step plan.Step, stepErr error) error {
	if b.Ledger.Phase != PhaseForward {
		return fmt.Errorf("%w: fail_step requires FORWARD, got %s", ErrInvalidTransition, b.Ledger.Phase)
	}

	now := time.Now().UTC()
	b.Ledger.Failed = append(b.Ledger.Failed, FailedStep{
		StepName: step.Name(),
		Error:    stepErr.Error(),
		FailedAt: now,
	})
	b.Ledger.RetryCount++

	if state, ok := b.Services[step.Service]; ok {
		state.SubStatus = SubFailed
		state.RetryCount++
		state.LastError = stepErr.Error()
	}

	b.touch()
	b.appendAudit("step_failed", fmt.Sprintf("%s: %s", step.Name(), stepErr.Error()), "engine")
	b.emitEvent(EventStepFailed, map[string]interface{}{
		"booking_id": b.ID,
		"step":       step.Name(),
		"error":      stepErr.Error(),
	})
	return nil
}

// BeginCompensation switches the saga into the compensation walk
func (b *Booking) BeginCompensation(reason string) error {
	if b.Ledger.Phase != PhaseForward {
		return fmt.Errorf("%w: begin_compensation requires FORWARD, got %s", ErrInvalidTransition, b.Ledger.Phase)
	}

	b.Ledger.Phase = PhaseCompensating
	b.touch()
	b.appendAudit("compensation_started", reason, "engine")
	b.emitEvent(EventSagaCompensating, map[string]interface{}{
		"booking_id": b.ID,
		"reason":     reason,
	})
	return nil
}

// RecordCompensation appends one compensation outcome. A successful refund
// also updates the refunded amount and emits RefundIssued.
func (b *Booking) RecordCompensation(step plan.Step, comp plan.Compensation, outcome CompensationOutcome, compErr error) error {
	if b.Ledger.Phase != PhaseCompensating {
		return fmt.Errorf("%w: record_compensation requires COMPENSATING, got %s", ErrInvalidTransition, b.Ledger.Phase)
	}

	rec := CompensationRecord{
		StepName:         step.Name(),
		CompensationName: comp.Name(),
		Outcome:          outcome,
		RecordedAt:       time.Now().UTC(),
	}
	if compErr != nil {
		rec.Error = compErr.Error()
	}
	b.Ledger.Compensations = append(b.Ledger.Compensations, rec)

	// Only the outstanding balance comes back; prior partial refunds
	// (operator-issued or modification settlements) already returned the rest.
	outstanding := b.OutstandingCaptured()

	if outcome == CompensationDone {
		if state, ok := b.Services[step.Service]; ok {
			state.SubStatus = SubCompensated
		}
		if comp.Kind == plan.CompRefund && outstanding > 0 {
			b.RefundedAmount += outstanding
			b.Refunds = append(b.Refunds, Refund{
				ID:       uuid.New().String(),
				Amount:   outstanding,
				Currency: b.Pricing.Currency,
				Reason:   "saga rollback",
				IssuedAt: rec.RecordedAt,
			})
		}
	}

	b.touch()
	b.appendAudit("compensation_recorded", fmt.Sprintf("%s -> %s (%s)", step.Name(), comp.Name(), outcome), "engine")
	if outcome == CompensationDone && comp.Kind == plan.CompRefund && outstanding > 0 {
		b.emitEvent(EventRefundIssued, map[string]interface{}{
			"booking_id": b.ID,
			"amount":     outstanding,
			"currency":   b.Pricing.Currency,
		})
	}
	return nil
}

// Finalize moves the booking to a terminal status with the matching phase
func (b *Booking) Finalize(outcome BookingStatus) error {
	// A CONFIRMED booking undergoing post-confirmation cancellation is the
	// only terminal status that may move again.
	reopened := b.Status == StatusConfirmed && b.Ledger.Phase == PhaseCompensating
	if b.IsTerminal() && !reopened {
		return fmt.Errorf("%w: already %s", ErrBookingTerminal, b.Status)
	}

	switch outcome {
	case StatusConfirmed:
		if b.Ledger.Phase != PhaseForward {
			return fmt.Errorf("%w: confirm requires FORWARD, got %s", ErrInvalidTransition, b.Ledger.Phase)
		}
		if b.Ledger.Cursor != len(b.Ledger.Plan) {
			return fmt.Errorf("%w: confirm with %d of %d steps done", ErrInvalidTransition, b.Ledger.Cursor, len(b.Ledger.Plan))
		}
		b.Status = StatusConfirmed
		b.Ledger.Phase = PhaseDone
	case StatusCancelled:
		if b.Ledger.Phase != PhaseCompensating {
			return fmt.Errorf("%w: cancel requires COMPENSATING, got %s", ErrInvalidTransition, b.Ledger.Phase)
		}
		b.Status = StatusCancelled
		b.Ledger.Phase = PhaseDone
	case StatusFailed:
		if b.Ledger.Phase != PhaseCompensating {
			return fmt.Errorf("%w: fail requires COMPENSATING, got %s", ErrInvalidTransition, b.Ledger.Phase)
		}
		b.Status = StatusFailed
		b.Ledger.Phase = PhaseAborted
	default:
		return fmt.Errorf("%w: %s is not a terminal outcome", ErrInvalidTransition, outcome)
	}

	b.touch()
	b.appendAudit("finalized", string(outcome), "engine")

	switch outcome {
	case StatusConfirmed:
		b.emitEvent(EventBookingConfirmed, map[string]interface{}{
			"booking_id":     b.ID,
			"booking_number": b.Number,
			"captured":       b.CapturedAmount,
		})
	case StatusCancelled:
		b.emitEvent(EventBookingCancelled, map[string]interface{}{
			"booking_id": b.ID,
			"reason":     b.CancelReason,
			"refunded":   b.RefundedAmount,
		})
	case StatusFailed:
		b.emitEvent(EventBookingFailed, map[string]interface{}{
			"booking_id": b.ID,
			"reason":     b.failureReason(),
		})
	}
	return nil
}

func (b *Booking) failureReason() string {
	if f, ok := b.LastFailure(); ok {
		return f.Error
	}
	return b.CancelReason
}

// UpdatePricing applies a pricing delta, recomputing the total under the
// invariant. Refused once the booking is confirmed.
func (b *Booking) UpdatePricing(delta Pricing) error {
	if b.Status != StatusPending {
		return fmt.Errorf("%w: pricing update refused in status %s", ErrInvalidTransition, b.Status)
	}
	if delta.Currency != "" && delta.Currency != b.Pricing.Currency {
		return fmt.Errorf("%w: currency change not supported", ErrInvalidTransition)
	}

	next := b.Pricing
	next.Subtotal += delta.Subtotal
	next.Taxes += delta.Taxes
	next.Fees += delta.Fees
	next.Discounts += delta.Discounts
	if err := next.Recompute(); err != nil {
		return err
	}

	b.Pricing = next
	b.touch()
	b.appendAudit("pricing_updated", fmt.Sprintf("total %d %s", next.Total, next.Currency), "system")
	return nil
}

// AddModification records a modification request. Permitted in PENDING and
// CONFIRMED only.
func (b *Booking) AddModification(description string, pricing *Pricing) (*Modification, error) {
	if b.Status != StatusPending && b.Status != StatusConfirmed {
		return nil, fmt.Errorf("%w: status %s", ErrModifyNotAllowed, b.Status)
	}

	mod := Modification{
		ID:          uuid.New().String(),
		Description: description,
		Pricing:     pricing,
		RequestedAt: time.Now().UTC(),
	}
	b.Modifications = append(b.Modifications, mod)
	b.touch()
	b.appendAudit("modification_requested", description, "customer")
	return &mod, nil
}

// AddRefund records a manual refund. Cumulative refunds never exceed the
// captured amount.
func (b *Booking) AddRefund(amount int64, reason string) (*Refund, error) {
	if b.Status != StatusConfirmed && b.Status != StatusCancelled {
		return nil, fmt.Errorf("%w: refund refused in status %s", ErrInvalidTransition, b.Status)
	}
	if amount <= 0 {
		return nil, NewValidationError("amount", "must be positive")
	}
	if b.RefundedAmount+amount > b.CapturedAmount {
		return nil, fmt.Errorf("%w: %d + %d > %d", ErrRefundExceedsCaptured, b.RefundedAmount, amount, b.CapturedAmount)
	}

	refund := Refund{
		ID:       uuid.New().String(),
		Amount:   amount,
		Currency: b.Pricing.Currency,
		Reason:   reason,
		IssuedAt: time.Now().UTC(),
	}
	b.Refunds = append(b.Refunds, refund)
	b.RefundedAmount += amount

	b.touch()
	b.appendAudit("refund_issued", fmt.Sprintf("%d %s: %s", amount, b.Pricing.Currency, reason), "operator")
	b.emitEvent(EventRefundIssued, map[string]interface{}{
		"booking_id": b.ID,
		"amount":     amount,
		"currency":   b.Pricing.Currency,
	})
	return &refund, nil
}

// RequestCancel flags a cancel request for the engine to pick up between
// steps. Permitted only before confirmation.
func (b *Booking) RequestCancel(reason string) error {
	if b.Status != StatusPending {
		return fmt.Errorf("%w: status %s", ErrCancelNotAllowed, b.Status)
	}
	if b.CancelRequested {
		// already flagged, keep the first reason
		return nil
	}

	b.CancelRequested = true
	b.CancelReason = reason
	b.touch()
	b.appendAudit("cancel_requested", reason, "customer")
	return nil
}

// BeginCancellation reopens a CONFIRMED booking for a compensation walk.
// Used for customer-initiated cancellation after confirmation.
func (b *Booking) BeginCancellation(reason string) error {
	if b.Status != StatusConfirmed {
		return fmt.Errorf("%w: status %s", ErrCancelNotAllowed, b.Status)
	}

	b.CancelRequested = true
	b.CancelReason = reason
	b.Ledger.Phase = PhaseCompensating
	b.touch()
	b.appendAudit("cancellation_started", reason, "customer")
	b.emitEvent(EventSagaCompensating, map[string]interface{}{
		"booking_id": b.ID,
		"reason":     reason,
	})
	return nil
}

// --- Outbox ---

// PendingEvents returns outbox events not yet drained
func (b *Booking) PendingEvents() []OutboxEvent {
	return b.Outbox
}

// MarkEventsPublished removes drained events from the outbox, by id
func (b *Booking) MarkEventsPublished(ids []string) {
	if len(ids) == 0 {
		return
	}
	published := make(map[string]bool, len(ids))
	for _, id := range ids {
		published[id] = true
	}

	remaining := b.Outbox[:0]
	for _, ev := range b.Outbox {
		if !published[ev.ID] {
			remaining = append(remaining, ev)
		}
	}
	b.Outbox = remaining
}

// --- internals ---

func (b *Booking) touch() {
	b.UpdatedAt = time.Now().UTC()
}

func (b *Booking) appendAudit(action, details, actor string) {
	b.Audit = append(b.Audit, AuditEntry{
		ID:        uuid.New().String(),
		Action:    action,
		Details:   details,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
	})
}

func (b *Booking) emitEvent(eventType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}

	b.EventSeq++
	b.Outbox = append(b.Outbox, OutboxEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Seq:        b.EventSeq,
		Payload:    data,
		OccurredAt: time.Now().UTC(),
	})
}

// Clone returns a deep copy of the booking via JSON round-trip
func (b *Booking) Clone() (*Booking, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to clone booking: %w", err)
	}
	var cloned Booking
	if err := json.Unmarshal(data, &cloned); err != nil {
		return nil, fmt.Errorf("failed to clone booking: %w", err)
	}
	return &cloned, nil
}
