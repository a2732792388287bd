package plan

import (
	"fmt"
	"time"
)

// ServiceKind identifies a downstream service
type ServiceKind string

const (
	ServiceFlight       ServiceKind = "flight"
	ServiceHotel        ServiceKind = "hotel"
	ServiceCar          ServiceKind = "car"
	ServicePayment      ServiceKind = "payment"
	ServiceNotification ServiceKind = "notification"
)

// InventoryServices lists the inventory services in plan order
var InventoryServices = []ServiceKind{ServiceFlight, ServiceHotel, ServiceCar}

// StepKind identifies a saga step
type StepKind string

const (
	StepHoldFlight       StepKind = "HOLD_FLIGHT"
	StepHoldHotel        StepKind = "HOLD_HOTEL"
	StepHoldCar          StepKind = "HOLD_CAR"
	StepPaymentAuthorize StepKind = "PAYMENT_AUTHORIZE"
	StepConfirmFlight    StepKind = "CONFIRM_FLIGHT"
	StepConfirmHotel     StepKind = "CONFIRM_HOTEL"
	StepConfirmCar       StepKind = "CONFIRM_CAR"
	StepPaymentCapture   StepKind = "PAYMENT_CAPTURE"
	StepNotify           StepKind = "NOTIFY"
)

// CompKind identifies a compensation step
type CompKind string

const (
	CompReleaseHoldFlight CompKind = "RELEASE_HOLD_FLIGHT"
	CompReleaseHoldHotel  CompKind = "RELEASE_HOLD_HOTEL"
	CompReleaseHoldCar    CompKind = "RELEASE_HOLD_CAR"
	CompVoidAuthorization CompKind = "VOID_AUTHORIZATION"
	CompCancelFlight      CompKind = "CANCEL_BOOKING_FLIGHT"
	CompCancelHotel       CompKind = "CANCEL_BOOKING_HOTEL"
	CompCancelCar         CompKind = "CANCEL_BOOKING_CAR"
	CompRefund            CompKind = "REFUND"
)

// Step is one forward step in a saga plan
type Step struct {
	Kind    StepKind    `json:"kind"`
	Service ServiceKind `json:"service"`
	Action  string      `json:"action"`
}

// Name returns the step's unique name within a plan
func (s Step) Name() string {
	return string(s.Kind)
}

// Compensation is the inverse of a forward step
type Compensation struct {
	Kind    CompKind    `json:"kind"`
	Service ServiceKind `json:"service"`
	Action  string      `json:"action"`
}

// Name returns the compensation's name
func (c Compensation) Name() string {
	return string(c.Kind)
}

var holdSteps = map[ServiceKind]Step{
	ServiceFlight: {Kind: StepHoldFlight, Service: ServiceFlight, Action: "hold"},
	ServiceHotel:  {Kind: StepHoldHotel, Service: ServiceHotel, Action: "hold"},
	ServiceCar:    {Kind: StepHoldCar, Service: ServiceCar, Action: "hold"},
}

var confirmSteps = map[ServiceKind]Step{
	ServiceFlight: {Kind: StepConfirmFlight, Service: ServiceFlight, Action: "confirm"},
	ServiceHotel:  {Kind: StepConfirmHotel, Service: ServiceHotel, Action: "confirm"},
	ServiceCar:    {Kind: StepConfirmCar, Service: ServiceCar, Action: "confirm"},
}

// Derive builds the forward plan from the booking's inventory components.
// Order: holds, authorize, confirms, capture, notify. Holding before
// authorizing avoids tying up funds on inventory rejections; capturing
// last minimizes refund probability.
func Derive(components map[ServiceKind]bool) ([]Step, error) {
	var inventory []ServiceKind
	for _, svc := range InventoryServices {
		if components[svc] {
			inventory = append(inventory, svc)
		}
	}

	if len(inventory) == 0 {
		return nil, fmt.Errorf("booking requires at least one inventory component")
	}

	steps := make([]Step, 0, 2*len(inventory)+3)

	for _, svc := range inventory {
		steps = append(steps, holdSteps[svc])
	}

	steps = append(steps, Step{Kind: StepPaymentAuthorize, Service: ServicePayment, Action: "authorize"})

	for _, svc := range inventory {
		steps = append(steps, confirmSteps[svc])
	}

	steps = append(steps,
		Step{Kind: StepPaymentCapture, Service: ServicePayment, Action: "capture"},
		Step{Kind: StepNotify, Service: ServiceNotification, Action: "send_confirmation"},
	)

	return steps, nil
}

// CompensationFor returns the inverse of a forward step, or ok=false for
// non-compensable steps (notify is best-effort and never rolled back).
func CompensationFor(kind StepKind) (Compensation, bool) {
	switch kind {
	case StepHoldFlight:
		return Compensation{Kind: CompReleaseHoldFlight, Service: ServiceFlight, Action: "release_hold"}, true
	case StepHoldHotel:
		return Compensation{Kind: CompReleaseHoldHotel, Service: ServiceHotel, Action: "release_hold"}, true
	case StepHoldCar:
		return Compensation{Kind: CompReleaseHoldCar, Service: ServiceCar, Action: "release_hold"}, true
	case StepPaymentAuthorize:
		return Compensation{Kind: CompVoidAuthorization, Service: ServicePayment, Action: "void"}, true
	case StepConfirmFlight:
		return Compensation{Kind: CompCancelFlight, Service: ServiceFlight, Action: "cancel_booking"}, true
	case StepConfirmHotel:
		return Compensation{Kind: CompCancelHotel, Service: ServiceHotel, Action: "cancel_booking"}, true
	case StepConfirmCar:
		return Compensation{Kind: CompCancelCar, Service: ServiceCar, Action: "cancel_booking"}, true
	case StepPaymentCapture:
		return Compensation{Kind: CompRefund, Service: ServicePayment, Action: "refund"}, true
	default:
		return Compensation{}, false
	}
}

// IsHold reports whether the step is an inventory hold
func (s Step) IsHold() bool {
	return s.Kind == StepHoldFlight || s.Kind == StepHoldHotel || s.Kind == StepHoldCar
}

// IsConfirm reports whether the step is an inventory confirm
func (s Step) IsConfirm() bool {
	return s.Kind == StepConfirmFlight || s.Kind == StepConfirmHotel || s.Kind == StepConfirmCar
}

// HoldStepFor returns the hold step kind for an inventory service
func HoldStepFor(svc ServiceKind) (StepKind, bool) {
	s, ok := holdSteps[svc]
	return s.Kind, ok
}

// HoldResult is the downstream response to an inventory hold
type HoldResult struct {
	HoldToken    string    `json:"hold_token"`
	DownstreamID string    `json:"downstream_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// AuthResult is the downstream response to a payment authorization
type AuthResult struct {
	AuthorizationID string    `json:"authorization_id"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// ConfirmResult is the downstream response to an inventory confirm
type ConfirmResult struct {
	ConfirmationNumber string `json:"confirmation_number"`
	DownstreamID       string `json:"downstream_id"`
}

// CaptureResult is the downstream response to a payment capture
type CaptureResult struct {
	CaptureID string `json:"capture_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// NotifyResult is the downstream response to a confirmation dispatch
type NotifyResult struct {
	MessageID string   `json:"message_id"`
	Channels  []string `json:"channels"`
}
