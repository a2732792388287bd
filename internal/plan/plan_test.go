package plan

import (
	"testing"
)

func TestDeriveFlightHotel(t *testing.T) {
	steps, err := Derive(map[ServiceKind]bool{
		ServiceFlight: true,
		ServiceHotel:  true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []StepKind{
		StepHoldFlight,
		StepHoldHotel,
		StepPaymentAuthorize,
		StepConfirmFlight,
		StepConfirmHotel,
		StepPaymentCapture,
		StepNotify,
	}

	if len(steps) != len(want) {
		t.Fatalf("expected %d steps, got %d", len(want), len(steps))
	}
	for i, kind := range want {
		if steps[i].Kind != kind {
			t.Errorf("step %d: expected %s, got %s", i, kind, steps[i].Kind)
		}
	}
}

func TestDeriveSingleComponent(t *testing.T) {
	steps, err := Derive(map[ServiceKind]bool{ServiceCar: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Even a single component traverses authorize, confirm, capture, notify
	want := []StepKind{
		StepHoldCar,
		StepPaymentAuthorize,
		StepConfirmCar,
		StepPaymentCapture,
		StepNotify,
	}

	if len(steps) != len(want) {
		t.Fatalf("expected %d steps, got %d", len(want), len(steps))
	}
	for i, kind := range want {
		if steps[i].Kind != kind {
			t.Errorf("step %d: expected %s, got %s", i, kind, steps[i].Kind)
		}
	}
}

func TestDeriveAllComponents(t *testing.T) {
	steps, err := Derive(map[ServiceKind]bool{
		ServiceFlight: true,
		ServiceHotel:  true,
		ServiceCar:    true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(steps) != 9 {
		t.Fatalf("expected 9 steps for three components, got %d", len(steps))
	}
	if steps[3].Kind != StepPaymentAuthorize {
		t.Errorf("expected authorize after all holds, got %s at index 3", steps[3].Kind)
	}
	if steps[7].Kind != StepPaymentCapture {
		t.Errorf("expected capture after all confirms, got %s at index 7", steps[7].Kind)
	}
}

func TestDeriveNoComponents(t *testing.T) {
	_, err := Derive(map[ServiceKind]bool{})
	if err == nil {
		t.Fatal("expected error for empty components")
	}
}

func TestDeriveIsDeterministic(t *testing.T) {
	components := map[ServiceKind]bool{
		ServiceHotel:  true,
		ServiceFlight: true,
	}

	first, _ := Derive(components)
	for i := 0; i < 10; i++ {
		again, _ := Derive(components)
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("derivation not deterministic at step %d", j)
			}
		}
	}
}

func TestCompensationMapping(t *testing.T) {
	cases := []struct {
		step   StepKind
		comp   CompKind
		action string
	}{
		{StepHoldFlight, CompReleaseHoldFlight, "release_hold"},
		{StepHoldHotel, CompReleaseHoldHotel, "release_hold"},
		{StepHoldCar, CompReleaseHoldCar, "release_hold"},
		{StepPaymentAuthorize, CompVoidAuthorization, "void"},
		{StepConfirmFlight, CompCancelFlight, "cancel_booking"},
		{StepConfirmHotel, CompCancelHotel, "cancel_booking"},
		{StepConfirmCar, CompCancelCar, "cancel_booking"},
		{StepPaymentCapture, CompRefund, "refund"},
	}

	for _, tc := range cases {
		comp, ok := CompensationFor(tc.step)
		if !ok {
			t.Errorf("%s: expected compensation, got none", tc.step)
			continue
		}
		if comp.Kind != tc.comp {
			t.Errorf("%s: expected %s, got %s", tc.step, tc.comp, comp.Kind)
		}
		if comp.Action != tc.action {
			t.Errorf("%s: expected action %s, got %s", tc.step, tc.action, comp.Action)
		}
	}
}

func TestNotifyIsNonCompensable(t *testing.T) {
	if _, ok := CompensationFor(StepNotify); ok {
		t.Fatal("notify must not have a compensation")
	}
}

func TestEveryStepCompensationMatchesService(t *testing.T) {
	steps, _ := Derive(map[ServiceKind]bool{
		ServiceFlight: true,
		ServiceHotel:  true,
		ServiceCar:    true,
	})

	for _, s := range steps {
		comp, ok := CompensationFor(s.Kind)
		if !ok {
			continue
		}
		if comp.Service != s.Service {
			t.Errorf("%s: compensation targets %s, step targets %s", s.Kind, comp.Service, s.Service)
		}
	}
}
