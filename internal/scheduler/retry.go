package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"birthdaygreeter/internal/delivery"
	"birthdaygreeter/internal/queue"
	"birthdaygreeter/internal/types"
)

// DeadLetterQueue is the receive side of the dead-letter queue transport.
type DeadLetterQueue interface {
	ApproximateCount(ctx context.Context) (int, error)
	Receive(ctx context.Context, maxCount int32, wait time.Duration) ([]queue.Received, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// MessageSender puts a single greeting back on the main queue.
type MessageSender interface {
	Send(ctx context.Context, msg types.GreetingMessage) error
}

// RetryLoopConfig holds every dependency of a RetryLoop. All fields are
// required; MainQueue is only used in resubmit mode.
type RetryLoopConfig struct {
	DeadLetters DeadLetterQueue
	MainQueue   MessageSender
	Dispatcher  delivery.Deliverer
	Metrics     delivery.Metrics

	Mode       types.RetryMode
	BatchSize  int32
	MaxBatches int
	Logger     types.Logger
}

// RetryLoop drains the dead-letter queue, giving each failed greeting
// another attempt until it succeeds or the tracker reports the attempt cap.
type RetryLoop struct {
	deadLetters DeadLetterQueue
	mainQueue   MessageSender
	dispatcher  delivery.Deliverer
	metrics     delivery.Metrics

	mode       types.RetryMode
	batchSize  int32
	maxBatches int
	logger     types.Logger
}

// NewRetryLoop creates a RetryLoop from cfg.
func NewRetryLoop(cfg RetryLoopConfig) *RetryLoop {
	return &RetryLoop{
		deadLetters: cfg.DeadLetters,
		mainQueue:   cfg.MainQueue,
		dispatcher:  cfg.Dispatcher,
		metrics:     cfg.Metrics,
		mode:        cfg.Mode,
		batchSize:   min(max(cfg.BatchSize, 1), 10),
		maxBatches:  max(cfg.MaxBatches, 1),
		logger:      cfg.Logger,
	}
}

// Run performs one retry cycle. It returns immediately when the queue
// reports no messages; otherwise it receives up to the configured number of
// batches.
//
// A message is deleted once its greeting is sent, needs no further work, or
// has hit the attempt cap. A message whose attempt failed again is left in
// place and becomes visible for the next cycle when its visibility timeout
// lapses.
func (r *RetryLoop) Run(ctx context.Context, now time.Time) (*RetryResult, error) {
	result := &RetryResult{}

	available, err := r.deadLetters.ApproximateCount(ctx)
	if err != nil {
		return result, fmt.Errorf("counting dead letters: %w", err)
	}
	result.Available = available
	r.metrics.RecordCount(ctx, types.MetricDeadLetterDepth, "retry", available)
	if available == 0 {
		r.logger.Info("dead-letter queue empty", "now", now.Format(time.RFC3339))
		return result, nil
	}

	var failures []error
	for batch := 0; batch < r.maxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}

		received, err := r.deadLetters.Receive(ctx, r.batchSize, 0)
		if err != nil {
			failures = append(failures, fmt.Errorf("receiving dead letters: %w", err))
			break
		}
		if len(received) == 0 {
			break
		}
		result.Received += len(received)

		for _, m := range received {
			if err := r.handle(ctx, m, result); err != nil {
				failures = append(failures, err)
			}
		}
	}

	r.metrics.RecordCount(ctx, types.MetricRedriven, "retry", result.Delivered+result.Resubmitted)
	r.logger.Info("retry cycle complete",
		"now", now.Format(time.RFC3339),
		"mode", string(r.mode),
		"available", result.Available,
		"received", result.Received,
		"delivered", result.Delivered,
		"resubmitted", result.Resubmitted,
		"deleted", result.Deleted,
		"left", result.Left,
		"dropped", result.Dropped,
	)

	if len(failures) > 0 {
		return result, types.NewAppError(types.ErrCodeInternalQueue,
			fmt.Sprintf("retry cycle finished with %d failures", len(failures)), errors.Join(failures...))
	}
	return result, nil
}

// handle processes one dead letter. A nil error with the message left in
// place is an ordinary retryable failure.
func (r *RetryLoop) handle(ctx context.Context, m queue.Received, result *RetryResult) error {
	var msg types.GreetingMessage
	if err := json.Unmarshal([]byte(m.Body), &msg); err != nil {
		r.logger.Error("dropping malformed dead letter",
			"message_id", m.MessageID,
			"error", err,
		)
		result.Dropped++
		return r.delete(ctx, m, result)
	}
	msg.RetryCount++

	logger := r.logger.With(
		"message_id", m.MessageID,
		"delivery_key", msg.DeliveryKey,
		"retry_count", msg.RetryCount,
		"trace_id", msg.TraceID,
	)

	if r.mode == types.RetryModeResubmit {
		if err := r.mainQueue.Send(ctx, msg); err != nil {
			result.Left++
			logger.Error("failed to resubmit dead letter", "error", err)
			return err
		}
		result.Resubmitted++
		return r.delete(ctx, m, result)
	}

	outcome, err := r.dispatcher.Dispatch(types.WithTraceID(ctx, msg.TraceID), msg)
	switch {
	case err == nil && outcome == delivery.OutcomeInFlight:
		// The lease holder may still crash; keep the copy until it settles.
		result.Left++
		logger.Info("delivery in flight elsewhere, leaving for next cycle")
		return nil
	case err == nil:
		if outcome == delivery.OutcomeSent {
			result.Delivered++
		}
		return r.delete(ctx, m, result)
	case types.IsKind(err, types.KindValidation):
		logger.Error("dropping invalid dead letter", "error", err)
		result.Dropped++
		return r.delete(ctx, m, result)
	case types.IsTerminalDelivery(err):
		logger.Warn("greeting abandoned after max attempts", "error", err)
		return r.delete(ctx, m, result)
	case types.IsKind(err, types.KindTransientDelivery):
		result.Left++
		logger.Info("redelivery failed, leaving for next cycle", "error", err)
		return nil
	default:
		result.Left++
		logger.Error("redelivery errored", "outcome", string(outcome), "error", err)
		return err
	}
}

func (r *RetryLoop) delete(ctx context.Context, m queue.Received, result *RetryResult) error {
	if err := r.deadLetters.Delete(ctx, m.ReceiptHandle); err != nil {
		r.logger.Error("failed to delete dead letter",
			"message_id", m.MessageID,
			"error", err,
		)
		return err
	}
	result.Deleted++
	return nil
}
