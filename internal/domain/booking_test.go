package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tripforge/booking-core/internal/plan"
)

func validSubmitRequest() *SubmitRequest {
	departure := time.Now().Add(30 * 24 * time.Hour)
	ret := departure.Add(7 * 24 * time.Hour)
	return &SubmitRequest{
		CustomerID: "cust-1",
		Contact:    Contact{Email: "guest@example.com", Phone: "+15550100", Locale: "en-US"},
		Components: map[plan.ServiceKind]json.RawMessage{
			plan.ServiceFlight: json.RawMessage(`{"flight":"F1"}`),
			plan.ServiceHotel:  json.RawMessage(`{"hotel":"H1"}`),
		},
		Travel: Travel{
			DepartureDate: departure,
			ReturnDate:    &ret,
			Origin:        "BKK",
			Destination:   "NRT",
			Adults:        2,
			Rooms:         1,
		},
		Pricing: Pricing{Subtotal: 90000, Taxes: 8000, Fees: 2000, Currency: "USD"},
	}
}

func newTestBooking(t *testing.T) *Booking {
	t.Helper()
	b, err := NewBooking(validSubmitRequest(), 24*time.Hour)
	if err != nil {
		t.Fatalf("failed to create booking: %v", err)
	}
	return b
}

func startedBooking(t *testing.T) *Booking {
	t.Helper()
	b := newTestBooking(t)
	steps, err := plan.Derive(b.ComponentFlags())
	if err != nil {
		t.Fatalf("failed to derive plan: %v", err)
	}
	if err := b.StartSaga(steps); err != nil {
		t.Fatalf("failed to start saga: %v", err)
	}
	return b
}

func TestNewBookingDefaults(t *testing.T) {
	b := newTestBooking(t)

	if b.Status != StatusPending {
		t.Errorf("expected PENDING, got %s", b.Status)
	}
	if b.Ledger.Phase != PhaseForward {
		t.Errorf("expected FORWARD, got %s", b.Ledger.Phase)
	}
	if b.Ledger.Cursor != 0 {
		t.Errorf("expected cursor 0, got %d", b.Ledger.Cursor)
	}
	if b.Number == "" || b.ID == "" || b.Ledger.TransactionID == "" {
		t.Error("expected identifiers to be generated")
	}
	if b.Pricing.Total != 100000 {
		t.Errorf("expected total 100000, got %d", b.Pricing.Total)
	}

	// payment and notification are implicit
	for _, svc := range []plan.ServiceKind{plan.ServiceFlight, plan.ServiceHotel, plan.ServicePayment, plan.ServiceNotification} {
		state, ok := b.Services[svc]
		if !ok {
			t.Fatalf("expected service state for %s", svc)
		}
		if state.SubStatus != SubNotStarted {
			t.Errorf("%s: expected not_started, got %s", svc, state.SubStatus)
		}
	}

	if len(b.Audit) != 1 {
		t.Errorf("expected 1 audit entry, got %d", len(b.Audit))
	}
	if len(b.Outbox) != 1 || b.Outbox[0].Type != EventBookingCreated {
		t.Errorf("expected one BookingCreated outbox event, got %+v", b.Outbox)
	}
}

func TestNewBookingValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*SubmitRequest)
	}{
		{"missing customer", func(r *SubmitRequest) { r.CustomerID = "" }},
		{"bad email", func(r *SubmitRequest) { r.Contact.Email = "nope" }},
		{"no components", func(r *SubmitRequest) { r.Components = nil }},
		{"no adults", func(r *SubmitRequest) { r.Travel.Adults = 0 }},
		{"negative children", func(r *SubmitRequest) { r.Travel.Children = -1 }},
		{"no rooms", func(r *SubmitRequest) { r.Travel.Rooms = 0 }},
		{"return before departure", func(r *SubmitRequest) {
			before := r.Travel.DepartureDate.Add(-time.Hour)
			r.Travel.ReturnDate = &before
		}},
		{"bad currency", func(r *SubmitRequest) { r.Pricing.Currency = "US" }},
		{"negative subtotal", func(r *SubmitRequest) { r.Pricing.Subtotal = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validSubmitRequest()
			tc.mutate(req)
			if _, err := NewBooking(req, 24*time.Hour); !IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestPricingInvariant(t *testing.T) {
	p := Pricing{Subtotal: 100, Taxes: 10, Fees: 5, Discounts: 200}
	if err := p.Recompute(); !errors.Is(err, ErrPricingInvariant) {
		t.Fatalf("expected pricing invariant error, got %v", err)
	}

	p.Discounts = 15
	if err := p.Recompute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Total != 100 {
		t.Errorf("expected total 100, got %d", p.Total)
	}
}

func TestStartSagaGuards(t *testing.T) {
	b := newTestBooking(t)
	steps, _ := plan.Derive(b.ComponentFlags())

	if err := b.StartSaga(nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected invalid transition for empty plan, got %v", err)
	}
	if err := b.StartSaga(steps); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.StartSaga(steps); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected invalid transition for double start, got %v", err)
	}
}

func TestCompleteStepAdvancesCursor(t *testing.T) {
	b := startedBooking(t)

	step, _ := b.CurrentStep()
	result, _ := json.Marshal(plan.HoldResult{HoldToken: "tok-1", DownstreamID: "ds-1", ExpiresAt: time.Now().Add(time.Hour)})
	if err := b.CompleteStep(step, result); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if b.Ledger.Cursor != 1 {
		t.Errorf("expected cursor 1, got %d", b.Ledger.Cursor)
	}
	if len(b.Ledger.Completed) != b.Ledger.Cursor {
		t.Errorf("cursor %d does not match completed count %d", b.Ledger.Cursor, len(b.Ledger.Completed))
	}
	if b.Ledger.RetryCount != 0 {
		t.Errorf("expected retry count reset, got %d", b.Ledger.RetryCount)
	}

	state := b.Services[plan.ServiceFlight]
	if state.SubStatus != SubHeld || state.HoldToken != "tok-1" {
		t.Errorf("expected held flight with token, got %+v", state)
	}
}

func TestCompleteStepRejectsOutOfOrder(t *testing.T) {
	b := startedBooking(t)

	// second step while cursor is at the first
	wrong := b.Ledger.Plan[1]
	if err := b.CompleteStep(wrong, json.RawMessage(`{}`)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestFailStepIncrementsRetry(t *testing.T) {
	b := startedBooking(t)
	step, _ := b.CurrentStep()

	if err := b.FailStep(step, errors.New("downstream unavailable")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if b.Ledger.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", b.Ledger.RetryCount)
	}
	if len(b.Ledger.Failed) != 1 {
		t.Errorf("expected 1 failed entry, got %d", len(b.Ledger.Failed))
	}
	if b.Services[step.Service].LastError == "" {
		t.Error("expected last error recorded on service state")
	}
}

func TestAuditAppendPerTransition(t *testing.T) {
	b := startedBooking(t)
	audits := len(b.Audit)

	step, _ := b.CurrentStep()
	b.CompleteStep(step, json.RawMessage(`{}`))
	if len(b.Audit) != audits+1 {
		t.Fatalf("complete_step: expected %d audit entries, got %d", audits+1, len(b.Audit))
	}

	step, _ = b.CurrentStep()
	b.FailStep(step, errors.New("x"))
	if len(b.Audit) != audits+2 {
		t.Fatalf("fail_step: expected %d audit entries, got %d", audits+2, len(b.Audit))
	}

	b.BeginCompensation("test")
	if len(b.Audit) != audits+3 {
		t.Fatalf("begin_compensation: expected %d audit entries, got %d", audits+3, len(b.Audit))
	}
}

func TestCompensationFlow(t *testing.T) {
	b := startedBooking(t)

	step, _ := b.CurrentStep()
	b.CompleteStep(step, json.RawMessage(`{"hold_token":"tok-1"}`))

	next, _ := b.CurrentStep()
	b.FailStep(next, errors.New("rejected"))
	if err := b.BeginCompensation("hotel hold rejected"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Ledger.Phase != PhaseCompensating {
		t.Fatalf("expected COMPENSATING, got %s", b.Ledger.Phase)
	}

	comp, _ := plan.CompensationFor(step.Kind)
	if err := b.RecordCompensation(step, comp, CompensationDone, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Services[step.Service].SubStatus != SubCompensated {
		t.Errorf("expected compensated, got %s", b.Services[step.Service].SubStatus)
	}

	if err := b.Finalize(StatusCancelled); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Status != StatusCancelled || b.Ledger.Phase != PhaseDone {
		t.Errorf("expected CANCELLED/DONE, got %s/%s", b.Status, b.Ledger.Phase)
	}
}

func TestFinalizeConfirmedRequiresFullPlan(t *testing.T) {
	b := startedBooking(t)

	if err := b.Finalize(StatusConfirmed); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition before all steps complete, got %v", err)
	}

	for {
		step, ok := b.CurrentStep()
		if !ok {
			break
		}
		if err := b.CompleteStep(step, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if err := b.Finalize(StatusConfirmed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Status != StatusConfirmed || b.Ledger.Phase != PhaseDone {
		t.Errorf("expected CONFIRMED/DONE, got %s/%s", b.Status, b.Ledger.Phase)
	}

	// terminal states are sticky
	if err := b.Finalize(StatusFailed); !errors.Is(err, ErrBookingTerminal) {
		t.Errorf("expected terminal error, got %v", err)
	}
}

func TestCaptureUpdatesCapturedAmount(t *testing.T) {
	b := startedBooking(t)

	for {
		step, ok := b.CurrentStep()
		if !ok {
			break
		}
		var result json.RawMessage = json.RawMessage(`{}`)
		if step.Kind == plan.StepPaymentCapture {
			result, _ = json.Marshal(plan.CaptureResult{CaptureID: "cap-1", Amount: 100000, Currency: "USD"})
		}
		if err := b.CompleteStep(step, result); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if b.CapturedAmount != 100000 {
		t.Errorf("expected captured 100000, got %d", b.CapturedAmount)
	}
}

func TestRefundNeverExceedsCaptured(t *testing.T) {
	b := startedBooking(t)
	for {
		step, ok := b.CurrentStep()
		if !ok {
			break
		}
		var result json.RawMessage = json.RawMessage(`{}`)
		if step.Kind == plan.StepPaymentCapture {
			result, _ = json.Marshal(plan.CaptureResult{Amount: 50000})
		}
		b.CompleteStep(step, result)
	}
	b.Finalize(StatusConfirmed)

	if _, err := b.AddRefund(30000, "goodwill"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := b.AddRefund(30000, "too much"); !errors.Is(err, ErrRefundExceedsCaptured) {
		t.Fatalf("expected refund cap error, got %v", err)
	}
	if b.RefundedAmount != 30000 {
		t.Errorf("expected refunded 30000, got %d", b.RefundedAmount)
	}
}

func TestRollbackRefundsOnlyOutstanding(t *testing.T) {
	b := startedBooking(t)
	var capture plan.Step
	for {
		step, ok := b.CurrentStep()
		if !ok {
			break
		}
		var result json.RawMessage = json.RawMessage(`{}`)
		if step.Kind == plan.StepPaymentCapture {
			capture = step
			result, _ = json.Marshal(plan.CaptureResult{CaptureID: "cap-1", Amount: 100000, Currency: "USD"})
		}
		b.CompleteStep(step, result)
	}
	b.Finalize(StatusConfirmed)

	if _, err := b.AddRefund(30000, "goodwill"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.BeginCancellation("plans changed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	comp, _ := plan.CompensationFor(capture.Kind)
	if err := b.RecordCompensation(capture, comp, CompensationDone, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if b.RefundedAmount != b.CapturedAmount {
		t.Errorf("expected refunded %d to equal captured %d", b.RefundedAmount, b.CapturedAmount)
	}
	last := b.Refunds[len(b.Refunds)-1]
	if last.Amount != 70000 {
		t.Errorf("expected rollback refund of 70000, got %d", last.Amount)
	}
}

func TestRollbackSkipsRefundWhenNothingOutstanding(t *testing.T) {
	b := startedBooking(t)
	var capture plan.Step
	for {
		step, ok := b.CurrentStep()
		if !ok {
			break
		}
		var result json.RawMessage = json.RawMessage(`{}`)
		if step.Kind == plan.StepPaymentCapture {
			capture = step
			result, _ = json.Marshal(plan.CaptureResult{Amount: 50000})
		}
		b.CompleteStep(step, result)
	}
	b.Finalize(StatusConfirmed)

	if _, err := b.AddRefund(50000, "full goodwill refund"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b.BeginCancellation("plans changed")

	refunds := len(b.Refunds)
	comp, _ := plan.CompensationFor(capture.Kind)
	if err := b.RecordCompensation(capture, comp, CompensationDone, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(b.Refunds) != refunds {
		t.Errorf("expected no new refund record, got %d", len(b.Refunds)-refunds)
	}
	if b.RefundedAmount != 50000 {
		t.Errorf("expected refunded to stay at 50000, got %d", b.RefundedAmount)
	}
}

func TestCompleteStepRecordsUnreadableResult(t *testing.T) {
	b := startedBooking(t)

	step, _ := b.CurrentStep()
	if err := b.CompleteStep(step, json.RawMessage(`not json`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if b.Ledger.Cursor != 1 {
		t.Errorf("expected cursor 1, got %d", b.Ledger.Cursor)
	}
	state := b.Services[step.Service]
	if state.LastError == "" {
		t.Error("expected parse failure recorded on service state")
	}
	if state.HoldToken != "" {
		t.Errorf("expected no hold token, got %q", state.HoldToken)
	}
}

func TestUpdatePricingRefusedAfterConfirmed(t *testing.T) {
	b := startedBooking(t)
	for {
		step, ok := b.CurrentStep()
		if !ok {
			break
		}
		b.CompleteStep(step, json.RawMessage(`{}`))
	}
	b.Finalize(StatusConfirmed)

	if err := b.UpdatePricing(Pricing{Fees: 500}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected refusal after CONFIRMED, got %v", err)
	}
}

func TestUpdatePricingRecomputes(t *testing.T) {
	b := newTestBooking(t)

	if err := b.UpdatePricing(Pricing{Fees: 1500}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Pricing.Total != 101500 {
		t.Errorf("expected total 101500, got %d", b.Pricing.Total)
	}

	if err := b.UpdatePricing(Pricing{Discounts: 999999}); !errors.Is(err, ErrPricingInvariant) {
		t.Fatalf("expected pricing invariant error, got %v", err)
	}
}

func TestRequestCancelOnlyPending(t *testing.T) {
	b := startedBooking(t)

	if err := b.RequestCancel("changed my mind"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.CancelRequested {
		t.Error("expected cancel requested flag")
	}

	// idempotent, keeps first reason
	if err := b.RequestCancel("another reason"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.CancelReason != "changed my mind" {
		t.Errorf("expected first reason kept, got %q", b.CancelReason)
	}
}

func TestBeginCancellationRequiresConfirmed(t *testing.T) {
	b := startedBooking(t)

	if err := b.BeginCancellation("no"); !errors.Is(err, ErrCancelNotAllowed) {
		t.Fatalf("expected cancel not allowed, got %v", err)
	}

	for {
		step, ok := b.CurrentStep()
		if !ok {
			break
		}
		b.CompleteStep(step, json.RawMessage(`{}`))
	}
	b.Finalize(StatusConfirmed)

	if err := b.BeginCancellation("plans changed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Ledger.Phase != PhaseCompensating {
		t.Fatalf("expected COMPENSATING, got %s", b.Ledger.Phase)
	}

	if err := b.Finalize(StatusCancelled); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Status != StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", b.Status)
	}
}

func TestOutboxSequenceMonotonic(t *testing.T) {
	b := startedBooking(t)

	for {
		step, ok := b.CurrentStep()
		if !ok {
			break
		}
		b.CompleteStep(step, json.RawMessage(`{}`))
	}
	b.Finalize(StatusConfirmed)

	var last int64
	for _, ev := range b.Outbox {
		if ev.Seq <= last {
			t.Fatalf("sequence not monotonic: %d after %d", ev.Seq, last)
		}
		last = ev.Seq
	}
}

func TestMarkEventsPublished(t *testing.T) {
	b := newTestBooking(t)
	if len(b.Outbox) != 1 {
		t.Fatalf("expected 1 pending event, got %d", len(b.Outbox))
	}

	b.MarkEventsPublished([]string{b.Outbox[0].ID})
	if len(b.Outbox) != 0 {
		t.Errorf("expected empty outbox, got %d events", len(b.Outbox))
	}
}

func TestCloneIsDeep(t *testing.T) {
	b := startedBooking(t)

	clone, err := b.Clone()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	step, _ := clone.CurrentStep()
	clone.CompleteStep(step, json.RawMessage(`{}`))

	if b.Ledger.Cursor != 0 {
		t.Errorf("mutating the clone changed the original cursor: %d", b.Ledger.Cursor)
	}
}
