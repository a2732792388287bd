package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tripforge/booking-core/internal/plan"
	"github.com/tripforge/booking-core/pkg/logger"
	"github.com/tripforge/booking-core/pkg/retry"
)

// ErrorKind classifies a downstream failure for the engine's retry policy
type ErrorKind string

const (
	// KindTransient covers network errors, timeouts, 5xx, 408 and 429
	KindTransient ErrorKind = "TRANSIENT"
	// KindPermanent covers other 4xx rejections
	KindPermanent ErrorKind = "PERMANENT"
	// KindUnknown covers missing or unreadable responses, retried like transient
	KindUnknown ErrorKind = "UNKNOWN"
)

// DownstreamError is a classified downstream failure. The client never
// returns an unclassified error for a completed HTTP exchange.
type DownstreamError struct {
	Kind    ErrorKind
	Service plan.ServiceKind
	Action  string
	Status  int
	Code    string
	Message string
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("%s %s/%s failed (status %d, code %s): %s", e.Kind, e.Service, e.Action, e.Status, e.Code, e.Message)
}

// Retryable reports whether the engine may retry this failure
func (e *DownstreamError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindUnknown
}

// AsDownstream extracts a DownstreamError from an error chain
func AsDownstream(err error) (*DownstreamError, bool) {
	var de *DownstreamError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IdempotencyKeyHeader is forwarded on every attempt
const IdempotencyKeyHeader = "Idempotency-Key"

// Attempt groups: keys are stable across retries within a group so the
// downstream deduplicates, but forward and compensation calls for the same
// step must not collide.
const (
	AttemptGroupForward    = "FWD"
	AttemptGroupCompensate = "COMP"
)

// IdempotencyKey derives the stable key for a booking step attempt group
func IdempotencyKey(bookingID, stepName, attemptGroup string) string {
	h := sha256.Sum256([]byte(bookingID + "|" + stepName + "|" + attemptGroup))
	return hex.EncodeToString(h[:])
}

// ServiceClient is the uniform outbound call primitive
type ServiceClient interface {
	Invoke(ctx context.Context, service plan.ServiceKind, action string, payload interface{}, idempotencyKey string) (json.RawMessage, error)
}

// Config holds HTTP client configuration
type Config struct {
	// BaseURLs maps each downstream service to its base URL
	BaseURLs map[plan.ServiceKind]string
	// Timeout is the per-call deadline (default 30s)
	Timeout time.Duration
	// Retry bounds attempts within one invocation (default 1s base, x2, cap 5s, 3 retries)
	Retry *retry.Config
}

// HTTPServiceClient invokes downstreams over HTTP with retry and
// failure classification
type HTTPServiceClient struct {
	baseURLs map[plan.ServiceKind]string
	http     *http.Client
	retrier  *retry.Retrier
	log      *logger.Logger
}

// NewHTTPServiceClient creates a new HTTP service client
func NewHTTPServiceClient(cfg *Config, log *logger.Logger) *HTTPServiceClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retryCfg := cfg.Retry
	if retryCfg == nil {
		retryCfg = retry.DefaultConfig()
	}
	if log == nil {
		log = logger.Get()
	}

	return &HTTPServiceClient{
		baseURLs: cfg.BaseURLs,
		http:     &http.Client{Timeout: timeout},
		retrier:  retry.New(retryCfg),
		log:      log,
	}
}

// errorBody is the classifiable error envelope downstreams return
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Invoke calls service/action with the payload. The idempotency key is
// forwarded on every attempt so the downstream deduplicates retries.
func (c *HTTPServiceClient) Invoke(ctx context.Context, service plan.ServiceKind, action string, payload interface{}, idempotencyKey string) (json.RawMessage, error) {
	base, ok := c.baseURLs[service]
	if !ok {
		return nil, &DownstreamError{
			Kind:    KindPermanent,
			Service: service,
			Action:  action,
			Message: "no base URL configured for service",
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &DownstreamError{
			Kind:    KindPermanent,
			Service: service,
			Action:  action,
			Message: fmt.Sprintf("payload not serializable: %v", err),
		}
	}

	url := base + "/" + action

	var result json.RawMessage
	var lastDownstream *DownstreamError

	res := c.retrier.DoWithCallback(ctx, func(ctx context.Context) error {
		raw, derr := c.call(ctx, url, service, action, body, idempotencyKey)
		if derr != nil {
			lastDownstream = derr
			if derr.Kind == KindPermanent {
				return retry.Permanent(derr)
			}
			return derr
		}
		result = raw
		return nil
	}, func(attempt int, err error, next time.Duration) {
		c.log.Warn("downstream call retrying",
			zap.String("service", string(service)),
			zap.String("action", action),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
	})

	if res.Err == nil {
		return result, nil
	}

	if lastDownstream != nil {
		return nil, lastDownstream
	}

	// context cancellation without a completed exchange
	return nil, &DownstreamError{
		Kind:    KindTransient,
		Service: service,
		Action:  action,
		Message: res.Err.Error(),
	}
}

// call performs one HTTP exchange and classifies the outcome
func (c *HTTPServiceClient) call(ctx context.Context, url string, service plan.ServiceKind, action string, body []byte, idempotencyKey string) (json.RawMessage, *DownstreamError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &DownstreamError{Kind: KindPermanent, Service: service, Action: action, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyKeyHeader, idempotencyKey)

	resp, err := c.http.Do(req)
	if err != nil {
		kind := KindTransient
		var netErr net.Error
		if !errors.As(err, &netErr) && !errors.Is(err, context.DeadlineExceeded) {
			kind = KindUnknown
		}
		return nil, &DownstreamError{Kind: kind, Service: service, Action: action, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &DownstreamError{Kind: KindUnknown, Service: service, Action: action, Status: resp.StatusCode, Message: "unreadable response body"}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}

	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err != nil || eb.Message == "" {
		eb.Message = string(raw)
	}

	return nil, &DownstreamError{
		Kind:    classifyStatus(resp.StatusCode),
		Service: service,
		Action:  action,
		Status:  resp.StatusCode,
		Code:    eb.Code,
		Message: eb.Message,
	}
}

// classifyStatus maps an HTTP status to an error kind
func classifyStatus(status int) ErrorKind {
	switch {
	case status >= 500:
		return KindTransient
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 400:
		return KindPermanent
	default:
		return KindUnknown
	}
}
