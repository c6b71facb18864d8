package delivery

import (
	"context"
	"encoding/json"
	"time"

	"birthdaygreeter/internal/types"
)

// Consumer processes one greeting message taken from the main queue. A failed
// delivery is moved to the dead-letter queue instead of being redelivered in
// place, so a bad endpoint cannot hold up the main queue.
type Consumer struct {
	dispatcher Deliverer
	deadLetter DeadLetterSender
	metrics    Metrics
	clock      types.Clock
	logger     types.Logger
}

// NewConsumer wires a Consumer.
func NewConsumer(dispatcher Deliverer, deadLetter DeadLetterSender, metrics Metrics, clock types.Clock, logger types.Logger) *Consumer {
	return &Consumer{
		dispatcher: dispatcher,
		deadLetter: deadLetter,
		metrics:    metrics,
		clock:      clock,
		logger:     logger,
	}
}

// Process handles a raw message body. A nil return means the message may be
// deleted from the main queue; an error means it must stay for redelivery.
// sentAt is the enqueue time reported by the queue, or zero if unknown.
func (c *Consumer) Process(ctx context.Context, messageID, body string, sentAt time.Time) error {
	var msg types.GreetingMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		// Unparseable payloads can never succeed.
		c.logger.Error("dropping malformed greeting message",
			"message_id", messageID,
			"error", err.Error(),
		)
		return nil
	}

	if !sentAt.IsZero() {
		c.metrics.RecordQueueLag(ctx, c.clock.Now().Sub(sentAt))
	}

	ctx = types.WithTraceID(ctx, msg.TraceID)
	outcome, err := c.dispatcher.Dispatch(ctx, msg)
	if err == nil && outcome == OutcomeInFlight {
		// Another worker holds the lease. Keep the message so the queue
		// redelivers it once the visibility timeout lapses.
		c.logger.Info("delivery in flight elsewhere, leaving message for redelivery",
			"message_id", messageID,
			"delivery_key", msg.DeliveryKey,
		)
		return types.NewAppErrorWithDetails(types.ErrCodeConflictDeliveryState,
			"delivery in flight elsewhere", nil,
			map[string]any{"key": msg.DeliveryKey})
	}
	if err == nil {
		return nil
	}

	logger := c.logger.With(
		"message_id", messageID,
		"delivery_key", msg.DeliveryKey,
		"outcome", string(outcome),
	)

	switch {
	case types.IsKind(err, types.KindValidation):
		logger.Error("dropping invalid greeting message", "error", err.Error())
		return nil
	case types.IsTerminalDelivery(err):
		return nil
	case types.IsKind(err, types.KindTransientDelivery):
		if dlqErr := c.deadLetter.SendToDeadLetter(ctx, msg); dlqErr != nil {
			logger.Error("failed to move greeting to dead-letter queue", "error", dlqErr.Error())
			return dlqErr
		}
		logger.Info("greeting moved to dead-letter queue for retry")
		return nil
	default:
		logger.Error("greeting processing failed", "error", err.Error())
		return err
	}
}
