package queue

import (
	"context"

	"birthdaygreeter/internal/types"
)

// BatchSender is the enqueue side of a Transport.
type BatchSender interface {
	EnqueueBatch(ctx context.Context, msgs []types.GreetingMessage) (BatchResult, error)
}

// Producer splits a large set of greetings into logical batches before
// handing them to the transport, which further splits into API-sized chunks.
type Producer struct {
	sender    BatchSender
	batchSize int
	logger    types.Logger
}

// NewProducer creates a Producer with the given logical batch size.
func NewProducer(sender BatchSender, batchSize int, logger types.Logger) *Producer {
	return &Producer{
		sender:    sender,
		batchSize: max(batchSize, 1),
		logger:    logger,
	}
}

// Enqueue sends every message and reports which were accepted and which
// failed. Partial failure is not an error; the caller decides what to do
// with Failed.
func (p *Producer) Enqueue(ctx context.Context, msgs []types.GreetingMessage) (BatchResult, error) {
	var total BatchResult
	for start := 0; start < len(msgs); start += p.batchSize {
		batch := msgs[start:min(start+p.batchSize, len(msgs))]

		res, err := p.sender.EnqueueBatch(ctx, batch)
		total.Succeeded = append(total.Succeeded, res.Succeeded...)
		total.Failed = append(total.Failed, res.Failed...)
		if err != nil {
			return total, err
		}
		if len(res.Failed) > 0 {
			p.logger.Warn("partial enqueue failure",
				"batch_start", start,
				"batch_size", len(batch),
				"failed", len(res.Failed),
			)
		}
	}
	return total, nil
}
