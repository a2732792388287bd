package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tripforge/booking-core/internal/plan"
)

// Invocation records one Invoke call for assertions
type Invocation struct {
	Service        plan.ServiceKind
	Action         string
	Payload        interface{}
	IdempotencyKey string
}

// MockServiceClient is a func-field mock for tests
type MockServiceClient struct {
	mu          sync.Mutex
	InvokeFunc  func(ctx context.Context, service plan.ServiceKind, action string, payload interface{}, idempotencyKey string) (json.RawMessage, error)
	Invocations []Invocation
}

// NewMockServiceClient creates a mock that succeeds with an empty result
func NewMockServiceClient() *MockServiceClient {
	return &MockServiceClient{}
}

func (m *MockServiceClient) Invoke(ctx context.Context, service plan.ServiceKind, action string, payload interface{}, idempotencyKey string) (json.RawMessage, error) {
	m.mu.Lock()
	m.Invocations = append(m.Invocations, Invocation{
		Service:        service,
		Action:         action,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
	})
	m.mu.Unlock()

	if m.InvokeFunc != nil {
		return m.InvokeFunc(ctx, service, action, payload, idempotencyKey)
	}
	return json.RawMessage(`{}`), nil
}

// CallsTo returns recorded invocations for a service action
func (m *MockServiceClient) CallsTo(service plan.ServiceKind, action string) []Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var calls []Invocation
	for _, inv := range m.Invocations {
		if inv.Service == service && inv.Action == action {
			calls = append(calls, inv)
		}
	}
	return calls
}

var _ ServiceClient = (*MockServiceClient)(nil)
