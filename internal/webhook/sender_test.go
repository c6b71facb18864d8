package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"birthdaygreeter/internal/external"
	"birthdaygreeter/internal/logging"
	"birthdaygreeter/internal/types"
)

var johnDoe = types.GreetingPayload{
	UserID:    "u-1",
	FirstName: "John",
	LastName:  "Doe",
	Location:  "Asia/Singapore",
	Message:   "Hey, John Doe it's your birthday",
}

func newTestSender(url string, signer *Signer) *Sender {
	client := external.NewBaseClient(&http.Client{Timeout: 2 * time.Second}, "test-webhook", "BirthdayGreeter-Test/1.0")
	return NewSender(client, url, signer, types.FixedClock{T: signNow}, logging.Discard())
}

func TestSender_PostsJSON(t *testing.T) {
	var (
		got     types.GreetingPayload
		ctype   string
		trace   string
		sigSeen string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		ctype = r.Header.Get("Content-Type")
		trace = r.Header.Get(external.TraceHeader)
		sigSeen = r.Header.Get(SignatureHeader)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx := types.WithTraceID(context.Background(), "trace-1")
	require.NoError(t, newTestSender(server.URL, nil).Send(ctx, johnDoe))

	assert.Equal(t, johnDoe, got)
	assert.Equal(t, "application/json", ctype)
	assert.Equal(t, "trace-1", trace)
	assert.Empty(t, sigSeen)
}

func TestSender_SignsWhenConfigured(t *testing.T) {
	signer := NewSigner("s3cret")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := signer.Verify(body, r.Header.Get(SignatureHeader), signNow, time.Minute); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	require.NoError(t, newTestSender(server.URL, signer).Send(context.Background(), johnDoe))
}

func TestSender_Non2xxIsTransientDeliveryError(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"bad request", http.StatusBadRequest},
		{"not found", http.StatusNotFound},
		{"server error", http.StatusInternalServerError},
		{"rate limited", http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer server.Close()

			err := newTestSender(server.URL, nil).Send(context.Background(), johnDoe)
			require.Error(t, err)
			assert.True(t, types.HasCode(err, types.ErrCodeDeliveryWebhookFailed), "got %v", err)
			assert.True(t, types.IsKind(err, types.KindTransientDelivery))
		})
	}
}

func TestSender_UnreachableEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	err := newTestSender(url, nil).Send(context.Background(), johnDoe)
	assert.True(t, types.IsKind(err, types.KindTransientDelivery), "got %v", err)
}

func TestReceiver(t *testing.T) {
	signer := NewSigner("s3cret")
	rc := NewReceiver(signer, types.FixedClock{T: signNow}, logging.Discard(), 1)
	server := httptest.NewServer(rc)
	defer server.Close()

	sender := newTestSender(server.URL, signer)
	require.NoError(t, sender.Send(context.Background(), johnDoe))

	second := johnDoe
	second.UserID = "u-2"
	require.NoError(t, sender.Send(context.Background(), second))

	got := rc.Received()
	require.Len(t, got, 1)
	assert.Equal(t, "u-2", got[0].UserID)

	unsigned := newTestSender(server.URL, nil)
	err := unsigned.Send(context.Background(), johnDoe)
	require.Error(t, err)
	assert.Len(t, rc.Received(), 1)
}
