package external

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"birthdaygreeter/internal/types"
)

func newTestClient() *BaseClient {
	return NewBaseClient(&http.Client{Timeout: 5 * time.Second}, "test-breaker", "BirthdayGreeter-Test/1.0")
}

func post(t *testing.T, c *BaseClient, ctx context.Context, url, body string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	return c.Do(req)
}

func TestDo_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	resp, err := post(t, newTestClient(), context.Background(), server.URL, `{}`)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestDo_InjectsTraceIDAndUserAgent(t *testing.T) {
	var gotTrace, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = r.Header.Get(TraceHeader)
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	ctx := types.WithTraceID(context.Background(), "trace-abc")
	resp, err := post(t, newTestClient(), ctx, server.URL, `{}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if gotTrace != "trace-abc" {
		t.Errorf("expected trace header trace-abc, got %q", gotTrace)
	}
	if gotUA != "BirthdayGreeter-Test/1.0" {
		t.Errorf("unexpected User-Agent %q", gotUA)
	}
}

func TestDo_FailedCallIsNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "server error", status: http.StatusServiceUnavailable},
		{name: "rate limited", status: http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				if string(body) != `{"message":"hi"}` {
					t.Errorf("got body %q", body)
				}
				calls.Add(1)
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := post(t, newTestClient(), context.Background(), server.URL, `{"message":"hi"}`)
			if err == nil {
				t.Fatal("expected error")
			}
			if calls.Load() != 1 {
				t.Errorf("expected 1 call, got %d", calls.Load())
			}
			if !types.HasCode(err, types.ErrCodeDeliveryWebhookFailed) {
				t.Errorf("expected webhook_failed, got %v", err)
			}
			if !types.IsKind(err, types.KindTransientDelivery) {
				t.Errorf("expected transient delivery kind, got %v", types.KindOf(err))
			}
		})
	}
}

func TestDo_4xxReturnedAsIs(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	resp, err := post(t, newTestClient(), context.Background(), server.URL, `{}`)
	if err != nil {
		t.Fatalf("4xx should not be an error from Do, got: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestDo_CircuitBreakerOpens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "trip-fast",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	})
	client := NewBaseClientWithBreaker(&http.Client{Timeout: time.Second}, breaker, "")

	for i := 0; i < 2; i++ {
		if _, err := post(t, client, context.Background(), server.URL, `{}`); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	if client.State() != gobreaker.StateOpen {
		t.Fatalf("expected breaker open, got %s", client.State())
	}

	_, err := post(t, client, context.Background(), server.URL, `{}`)
	if !types.HasCode(err, types.ErrCodeDeliveryCircuitOpen) {
		t.Errorf("expected circuit_open, got %v", err)
	}
}

func TestDo_TimeoutMapsToWebhookTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewBaseClient(&http.Client{Timeout: 50 * time.Millisecond}, "timeout", "")
	_, err := post(t, client, context.Background(), server.URL, `{}`)
	if !types.HasCode(err, types.ErrCodeDeliveryWebhookTimeout) {
		t.Errorf("expected webhook_timeout, got %v", err)
	}
}

func TestDo_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := post(t, newTestClient(), context.Background(), url, `{}`)
	if !types.HasCode(err, types.ErrCodeDeliveryWebhookFailed) {
		t.Errorf("expected webhook_failed, got %v", err)
	}
}
