// Package delivery owns the per-occurrence delivery state machine: the
// tracker contract, the dispatcher that calls the greeting webhook and the
// queue consumer that feeds it.
package delivery

import (
	"context"
	"time"

	"birthdaygreeter/internal/types"
)

// Tracker is the durable per-user, per-day delivery record store. It is the
// only synchronization point of the pipeline: every method is a single
// conditional write.
type Tracker interface {
	// Create inserts a PENDING record with zero attempts for {userID, date}.
	// Fails with conflict_delivery_exists without modifying an existing record.
	Create(ctx context.Context, userID, occurrenceDate string, now time.Time) (*types.DeliveryRecord, error)

	// Get returns the record or not_found_delivery.
	Get(ctx context.Context, key string) (*types.DeliveryRecord, error)

	// AdvanceStatus sets status, increments attempts by one, records detail
	// and releases any lease. Fails with not_found_delivery if key is absent.
	AdvanceStatus(ctx context.Context, key string, status types.DeliveryStatus, detail string, now time.Time) (*types.DeliveryRecord, error)

	// Acquire leases an open (PENDING or FAILED) record with fewer than
	// maxAttempts attempts until leaseUntil. Fails with
	// delivery_attempts_exhausted if the record is open but capped, and with
	// conflict_delivery_state if it is closed or leased.
	Acquire(ctx context.Context, key string, maxAttempts int, leaseUntil, now time.Time) (*types.DeliveryRecord, error)

	// Cancel moves an open record to CANCELLED without counting an attempt.
	// Fails with not_found_delivery if no open record exists.
	Cancel(ctx context.Context, key string, now time.Time) error

	// Reopen moves a CANCELLED record back to PENDING.
	// Fails with conflict_delivery_state otherwise.
	Reopen(ctx context.Context, key string, now time.Time) error

	// PurgeExpired deletes up to limit records that expired before the given
	// instant and returns them.
	PurgeExpired(ctx context.Context, before time.Time, limit int) ([]types.DeliveryRecord, error)
}

// Sender performs the outbound webhook call. Any non-nil error is a failed
// attempt.
type Sender interface {
	Send(ctx context.Context, payload types.GreetingPayload) error
}

// GreetingRecorder stamps User.LastGreetingSentAt after a confirmed send.
type GreetingRecorder interface {
	MarkGreeted(ctx context.Context, userID string, at time.Time) error
}

// Deliverer is the dispatcher as seen by the consumer and the retry loop.
type Deliverer interface {
	Dispatch(ctx context.Context, msg types.GreetingMessage) (Outcome, error)
}

// DeadLetterSender moves a greeting to the dead-letter queue.
type DeadLetterSender interface {
	SendToDeadLetter(ctx context.Context, msg types.GreetingMessage) error
}

// Outcome describes what Dispatch did with a message.
type Outcome string

const (
	OutcomeSent        Outcome = "sent"
	OutcomeFailed      Outcome = "failed"
	OutcomeExhausted   Outcome = "exhausted"
	OutcomeAlreadySent Outcome = "already_sent"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeInFlight    Outcome = "in_flight"
	OutcomeMissing     Outcome = "missing"
)

// Done reports whether the message needs no further processing.
func (o Outcome) Done() bool {
	return o != OutcomeFailed
}

// MetricResult categorizes a delivery outcome for metrics reporting.
type MetricResult string

const (
	MetricSuccess   MetricResult = "success"
	MetricFailed    MetricResult = "failed"
	MetricExhausted MetricResult = "exhausted"
	MetricSkipped   MetricResult = "skipped"
)

// Metrics abstracts CloudWatch telemetry for the pipeline.
type Metrics interface {
	RecordDelivery(ctx context.Context, result MetricResult)
	RecordLatency(ctx context.Context, duration time.Duration)
	RecordQueueLag(ctx context.Context, lag time.Duration)
	RecordCount(ctx context.Context, metric, stage string, value int)
}
