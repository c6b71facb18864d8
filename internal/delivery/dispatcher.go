package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"birthdaygreeter/internal/types"
)

// DispatcherConfig holds the attempt cap and lease length.
type DispatcherConfig struct {
	MaxAttempts   int
	LeaseDuration time.Duration
}

// Dispatcher delivers one greeting and records the outcome in the Tracker.
// The Tracker is consulted before the call and updated after it; the call is
// never made without a lease on an open record.
type Dispatcher struct {
	tracker  Tracker
	sender   Sender
	recorder GreetingRecorder
	metrics  Metrics
	clock    types.Clock
	logger   types.Logger
	cfg      DispatcherConfig
}

// NewDispatcher wires a Dispatcher. Every dependency is required.
func NewDispatcher(
	tracker Tracker,
	sender Sender,
	recorder GreetingRecorder,
	metrics Metrics,
	clock types.Clock,
	logger types.Logger,
	cfg DispatcherConfig,
) *Dispatcher {
	return &Dispatcher{
		tracker:  tracker,
		sender:   sender,
		recorder: recorder,
		metrics:  metrics,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
	}
}

var _ Deliverer = (*Dispatcher)(nil)

// Dispatch sends msg unless its record is missing, closed, leased by another
// worker, or out of attempts.
//
// Errors:
//   - delivery_webhook_* when the call failed and was recorded as FAILED
//   - delivery_attempts_exhausted when no further attempt will be made
//   - internal_* when the tracker could not be read or written
func (d *Dispatcher) Dispatch(ctx context.Context, msg types.GreetingMessage) (Outcome, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	logger := d.logger.With(
		"delivery_key", msg.DeliveryKey,
		"user_id", msg.UserID,
		"retry_count", msg.RetryCount,
		"trace_id", msg.TraceID,
	)

	rec, err := d.tracker.Get(ctx, msg.DeliveryKey)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			logger.Warn("delivery record missing, skipping")
			d.metrics.RecordDelivery(ctx, MetricSkipped)
			return OutcomeMissing, nil
		}
		return "", fmt.Errorf("loading delivery record: %w", err)
	}

	switch rec.Status {
	case types.DeliveryStatusSent:
		logger.Info("greeting already sent")
		return OutcomeAlreadySent, nil
	case types.DeliveryStatusCancelled:
		logger.Info("delivery cancelled, skipping")
		d.metrics.RecordDelivery(ctx, MetricSkipped)
		return OutcomeCancelled, nil
	}

	if rec.Attempts >= d.cfg.MaxAttempts {
		logger.Error("delivery attempts exhausted", "attempts", rec.Attempts)
		return OutcomeExhausted, types.AttemptsExhausted(rec.Key, rec.Attempts, nil)
	}

	// The snapshot above can be stale; Acquire re-checks the cap atomically.
	now := d.clock.Now()
	if _, err := d.tracker.Acquire(ctx, msg.DeliveryKey, d.cfg.MaxAttempts, now.Add(d.cfg.LeaseDuration), now); err != nil {
		if types.HasCode(err, types.ErrCodeDeliveryAttemptsExhausted) {
			logger.Error("delivery attempts exhausted", "error", err.Error())
			return OutcomeExhausted, err
		}
		switch types.KindOf(err) {
		case types.KindConflict:
			logger.Info("delivery in flight elsewhere or closed, skipping")
			return OutcomeInFlight, nil
		case types.KindNotFound:
			d.metrics.RecordDelivery(ctx, MetricSkipped)
			return OutcomeMissing, nil
		}
		return "", fmt.Errorf("leasing delivery record: %w", err)
	}

	start := time.Now()
	sendErr := d.sender.Send(types.WithTraceID(ctx, msg.TraceID), msg.Payload())
	d.metrics.RecordLatency(ctx, time.Since(start))

	if sendErr != nil {
		return d.recordFailure(ctx, msg, sendErr, logger)
	}
	return d.recordSuccess(ctx, msg, logger)
}

func (d *Dispatcher) recordFailure(ctx context.Context, msg types.GreetingMessage, sendErr error, logger types.Logger) (Outcome, error) {
	if !types.IsKind(sendErr, types.KindTransientDelivery) {
		sendErr = types.NewAppError(types.ErrCodeDeliveryWebhookFailed, "webhook call failed", sendErr)
	}

	rec, err := d.tracker.AdvanceStatus(ctx, msg.DeliveryKey, types.DeliveryStatusFailed, truncate(sendErr.Error(), 500), d.clock.Now())
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			// Purged mid-flight; nothing left to retry against.
			logger.Warn("delivery record vanished after failed attempt", "error", sendErr.Error())
			return OutcomeMissing, nil
		}
		return OutcomeFailed, errors.Join(sendErr, fmt.Errorf("recording failed attempt: %w", err))
	}

	if rec.Attempts >= d.cfg.MaxAttempts {
		d.metrics.RecordDelivery(ctx, MetricExhausted)
		logger.Error("greeting delivery permanently failed",
			"attempts", rec.Attempts,
			"error", sendErr.Error(),
		)
		return OutcomeExhausted, types.AttemptsExhausted(rec.Key, rec.Attempts, sendErr)
	}

	d.metrics.RecordDelivery(ctx, MetricFailed)
	logger.Warn("greeting delivery failed",
		"attempts", rec.Attempts,
		"error", sendErr.Error(),
	)
	return OutcomeFailed, sendErr
}

func (d *Dispatcher) recordSuccess(ctx context.Context, msg types.GreetingMessage, logger types.Logger) (Outcome, error) {
	now := d.clock.Now()
	rec, err := d.tracker.AdvanceStatus(ctx, msg.DeliveryKey, types.DeliveryStatusSent, "", now)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			logger.Warn("delivery record vanished after successful send")
			return OutcomeSent, nil
		}
		return OutcomeSent, fmt.Errorf("recording successful send: %w", err)
	}

	if err := d.recorder.MarkGreeted(ctx, msg.UserID, now); err != nil && !types.IsKind(err, types.KindNotFound) {
		logger.Warn("failed to stamp last greeting time", "error", err.Error())
	}

	d.metrics.RecordDelivery(ctx, MetricSuccess)
	logger.Info("greeting sent", "attempts", rec.Attempts)
	return OutcomeSent, nil
}

// truncate caps s at n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
