package types

import "time"

// GreetingMessage is the SQS payload that carries one user's greeting from the
// poller to the greeting worker, and from the dead-letter queue back through
// the retry loop. JSON tags use snake_case to match the rest of the wire format.
type GreetingMessage struct {
	// Dedup identity. DeliveryKey is the DeliveryRecord key claimed by the poller.
	DeliveryKey    string `json:"delivery_key"`
	OccurrenceDate string `json:"occurrence_date"`

	// Snapshot of the user at detection time.
	UserID    string `json:"user_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Location  string `json:"location"`
	Message   string `json:"message"`

	// RetryCount is incremented each time the message is redriven from the
	// dead-letter queue. It is informational only; the attempt cap is enforced
	// on DeliveryRecord.Attempts.
	RetryCount int `json:"retry_count"`

	// Observability
	TraceID    string    `json:"trace_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Payload builds the webhook body for this message.
func (m GreetingMessage) Payload() GreetingPayload {
	return GreetingPayload{
		UserID:    m.UserID,
		FirstName: m.FirstName,
		LastName:  m.LastName,
		Location:  m.Location,
		Message:   m.Message,
	}
}

// Validate checks the fields the dispatcher depends on.
func (m GreetingMessage) Validate() error {
	if m.DeliveryKey == "" || m.UserID == "" {
		return NewAppError(ErrCodeValidationInvalidMessage, "greeting message missing delivery_key or user_id", nil)
	}
	return nil
}
