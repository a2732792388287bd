package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tripforge/booking-core/internal/plan"
	"github.com/tripforge/booking-core/pkg/retry"
)

func fastRetryConfig() *retry.Config {
	return &retry.Config{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
		JitterFactor:    0,
	}
}

func newTestClient(t *testing.T, url string) *HTTPServiceClient {
	t.Helper()
	return NewHTTPServiceClient(&Config{
		BaseURLs: map[plan.ServiceKind]string{
			plan.ServiceHotel: url,
		},
		Timeout: 2 * time.Second,
		Retry:   fastRetryConfig(),
	}, nil)
}

func TestInvokeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hold" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"hold_token":"tok-1"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result, err := c.Invoke(context.Background(), plan.ServiceHotel, "hold", map[string]string{"room": "101"}, "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var r plan.HoldResult
	if err := json.Unmarshal(result, &r); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if r.HoldToken != "tok-1" {
		t.Errorf("expected tok-1, got %s", r.HoldToken)
	}
}

func TestClassificationTable(t *testing.T) {
	cases := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusInternalServerError, KindTransient},
		{http.StatusBadGateway, KindTransient},
		{http.StatusServiceUnavailable, KindTransient},
		{http.StatusRequestTimeout, KindTransient},
		{http.StatusTooManyRequests, KindTransient},
		{http.StatusBadRequest, KindPermanent},
		{http.StatusUnprocessableEntity, KindPermanent},
		{http.StatusConflict, KindPermanent},
		{http.StatusNotFound, KindPermanent},
	}

	for _, tc := range cases {
		if got := classifyStatus(tc.status); got != tc.kind {
			t.Errorf("status %d: expected %s, got %s", tc.status, tc.kind, got)
		}
	}
}

func TestInvokePermanentNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"code":"NO_AVAILABILITY","message":"sold out"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Invoke(context.Background(), plan.ServiceHotel, "hold", nil, "key-1")

	de, ok := AsDownstream(err)
	if !ok {
		t.Fatalf("expected DownstreamError, got %v", err)
	}
	if de.Kind != KindPermanent {
		t.Errorf("expected PERMANENT, got %s", de.Kind)
	}
	if de.Code != "NO_AVAILABILITY" {
		t.Errorf("expected code NO_AVAILABILITY, got %s", de.Code)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected 1 call for permanent error, got %d", n)
	}
}

func TestInvokeTransientRetriedWithSameKey(t *testing.T) {
	var calls int32
	keys := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys <- r.Header.Get(IdempotencyKeyHeader)
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"hold_token":"tok-2"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	key := IdempotencyKey("b-1", "HOLD_HOTEL", AttemptGroupForward)
	result, err := c.Invoke(context.Background(), plan.ServiceHotel, "hold", nil, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected result")
	}

	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected 3 calls, got %d", n)
	}
	close(keys)
	for got := range keys {
		if got != key {
			t.Errorf("idempotency key changed across retries: %s != %s", got, key)
		}
	}
}

func TestInvokeExhaustsTransientRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Invoke(context.Background(), plan.ServiceHotel, "hold", nil, "key-1")

	de, ok := AsDownstream(err)
	if !ok {
		t.Fatalf("expected DownstreamError, got %v", err)
	}
	if de.Kind != KindTransient {
		t.Errorf("expected TRANSIENT, got %s", de.Kind)
	}
	// initial attempt + 2 retries
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected 3 calls, got %d", n)
	}
}

func TestInvokeNetworkErrorTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused

	c := newTestClient(t, srv.URL)
	_, err := c.Invoke(context.Background(), plan.ServiceHotel, "hold", nil, "key-1")

	de, ok := AsDownstream(err)
	if !ok {
		t.Fatalf("expected DownstreamError, got %v", err)
	}
	if !de.Retryable() {
		t.Errorf("expected retryable kind, got %s", de.Kind)
	}
}

func TestInvokeUnknownService(t *testing.T) {
	c := newTestClient(t, "http://localhost:1")
	_, err := c.Invoke(context.Background(), plan.ServiceCar, "hold", nil, "key-1")

	de, ok := AsDownstream(err)
	if !ok {
		t.Fatalf("expected DownstreamError, got %v", err)
	}
	if de.Kind != KindPermanent {
		t.Errorf("expected PERMANENT for unconfigured service, got %s", de.Kind)
	}
}

func TestIdempotencyKeyStable(t *testing.T) {
	a := IdempotencyKey("b-1", "HOLD_HOTEL", AttemptGroupForward)
	b := IdempotencyKey("b-1", "HOLD_HOTEL", AttemptGroupForward)
	if a != b {
		t.Error("key must be stable for the same inputs")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}

	if IdempotencyKey("b-1", "HOLD_HOTEL", AttemptGroupCompensate) == a {
		t.Error("forward and compensation keys must differ")
	}
	if IdempotencyKey("b-2", "HOLD_HOTEL", AttemptGroupForward) == a {
		t.Error("keys must differ per booking")
	}
}
