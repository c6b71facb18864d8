// Package external wraps outbound HTTP calls to third-party endpoints. All
// calls go through BaseClient, which applies circuit breaking, trace
// propagation and error mapping to delivery_* AppErrors. A failed call is
// not retried in place; the delivery tracker owns retries.
package external

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"birthdaygreeter/internal/types"
)

// TraceHeader carries the greeting trace id to the receiver.
const TraceHeader = "X-B3-TraceId"

// BaseClient wraps an *http.Client and a circuit breaker.
type BaseClient struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	userAgent string
}

// BreakerSettings returns the circuit breaker configuration used for the
// webhook: open after more than five consecutive failures, probe again
// after 30s. onChange may be nil.
func BreakerSettings(name string, onChange func(name string, from, to gobreaker.State)) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
		OnStateChange: onChange,
	}
}

// NewBaseClient creates a BaseClient with a breaker built from
// BreakerSettings(breakerName, nil).
func NewBaseClient(httpClient *http.Client, breakerName, userAgent string) *BaseClient {
	cb := gobreaker.NewCircuitBreaker[*http.Response](BreakerSettings(breakerName, nil))
	return NewBaseClientWithBreaker(httpClient, cb, userAgent)
}

// NewBaseClientWithBreaker creates a BaseClient with a caller-provided circuit
// breaker.
func NewBaseClientWithBreaker(httpClient *http.Client, breaker *gobreaker.CircuitBreaker[*http.Response], userAgent string) *BaseClient {
	return &BaseClient{
		client:    httpClient,
		breaker:   breaker,
		userAgent: userAgent,
	}
}

// State reports the breaker state.
func (c *BaseClient) State() gobreaker.State {
	return c.breaker.State()
}

// Do executes the HTTP request with:
//  1. Trace ID injection (X-B3-TraceId from context)
//  2. User-Agent header injection
//  3. Circuit breaker wrapping
//  4. Error mapping to types.AppError
//
// Responses other than 429/5xx are returned as-is; the caller closes the
// body. A 429/5xx, a transport failure or an open breaker returns a
// delivery_* AppError.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if traceID := types.GetTraceID(req.Context()); traceID != "" {
		req.Header.Set(TraceHeader, traceID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, doErr := c.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			return r, fmt.Errorf("upstream returned %d", r.StatusCode)
		}
		return r, nil
	})
	if err == nil {
		return resp, nil
	}

	var status int
	if resp != nil {
		status = resp.StatusCode
		resp.Body.Close()
	}
	return nil, c.mapError(status, err)
}

// mapError translates a failed call into a delivery_* AppError. status is
// the last HTTP status seen, or 0 if no response arrived.
func (c *BaseClient) mapError(status int, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(
			types.ErrCodeDeliveryCircuitOpen,
			"circuit breaker is open; webhook endpoint unavailable",
			err,
		)
	}

	if status != 0 {
		return types.NewAppErrorWithDetails(
			types.ErrCodeDeliveryWebhookFailed,
			fmt.Sprintf("upstream returned %d", status),
			err,
			map[string]any{"status": status},
		)
	}

	if isTimeout(err) {
		return types.NewAppError(types.ErrCodeDeliveryWebhookTimeout, "upstream request timed out", err)
	}

	return types.NewAppError(types.ErrCodeDeliveryWebhookFailed, "upstream request failed", err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
