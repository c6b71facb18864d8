// Package webhook delivers greeting payloads to the configured HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"birthdaygreeter/internal/types"
)

// maxResponseBodyRead limits how much of an error response is kept.
const maxResponseBodyRead = 512

// Doer executes an HTTP request. *external.BaseClient satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Sender posts GreetingPayloads as JSON. It implements delivery.Sender.
type Sender struct {
	client Doer
	url    string
	signer *Signer
	clock  types.Clock
	logger types.Logger
}

// NewSender creates a Sender for url. signer may be nil to disable signing.
func NewSender(client Doer, url string, signer *Signer, clock types.Clock, logger types.Logger) *Sender {
	return &Sender{
		client: client,
		url:    url,
		signer: signer,
		clock:  clock,
		logger: logger,
	}
}

// Send performs one POST. Any 2xx is success. Every failure is a
// delivery_* AppError.
func (s *Sender) Send(ctx context.Context, payload types.GreetingPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(types.ErrCodeDeliveryWebhookFailed, "failed to build webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.signer != nil {
		req.Header.Set(SignatureHeader, s.signer.Sign(body, s.clock.Now()))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("webhook call failed",
			"user_id", payload.UserID,
			"error", err.Error(),
		)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodyRead))
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyRead))
	s.logger.Warn("webhook rejected greeting",
		"user_id", payload.UserID,
		"status", resp.StatusCode,
	)
	return types.NewAppErrorWithDetails(types.ErrCodeDeliveryWebhookFailed,
		fmt.Sprintf("webhook returned %d", resp.StatusCode), nil,
		map[string]any{"status": resp.StatusCode, "body": string(snippet)})
}
