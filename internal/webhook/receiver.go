package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"birthdaygreeter/internal/types"
)

// Receiver is a stand-in webhook endpoint for offline runs. It verifies the
// signature when a signer is set, logs each greeting and keeps the last ones
// in memory.
type Receiver struct {
	signer *Signer
	clock  types.Clock
	logger types.Logger

	mu       sync.Mutex
	received []types.GreetingPayload
	keep     int
}

// NewReceiver creates a Receiver retaining up to keep payloads.
func NewReceiver(signer *Signer, clock types.Clock, logger types.Logger, keep int) *Receiver {
	return &Receiver{signer: signer, clock: clock, logger: logger, keep: max(keep, 1)}
}

func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if rc.signer != nil {
		if err := rc.signer.Verify(body, r.Header.Get(SignatureHeader), rc.clock.Now(), 5*time.Minute); err != nil {
			rc.logger.Warn("rejected unsigned or mis-signed greeting", "error", err.Error())
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	var payload types.GreetingPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	rc.logger.Info("greeting received",
		"user_id", payload.UserID,
		"message", payload.Message,
		"location", payload.Location,
	)

	rc.mu.Lock()
	rc.received = append(rc.received, payload)
	if len(rc.received) > rc.keep {
		rc.received = rc.received[len(rc.received)-rc.keep:]
	}
	rc.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// Received returns a copy of the retained payloads, oldest first.
func (rc *Receiver) Received() []types.GreetingPayload {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]types.GreetingPayload(nil), rc.received...)
}
