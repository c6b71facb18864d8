// Package main is the entry point for the Greeting Worker Lambda function.
//
// The worker consumes the greeting queue. Each message is handed to the
// consumer, which claims the delivery record, calls the greeting webhook and
// records the outcome. Failed deliveries are moved to the dead-letter queue
// by the consumer; only messages the consumer could not settle are reported
// back to SQS as batch item failures.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"birthdaygreeter/internal/app"
	"birthdaygreeter/internal/logging"
	"birthdaygreeter/internal/queue"
)

// MessageProcessor settles one queue message. A nil error lets SQS delete
// the message.
type MessageProcessor interface {
	Process(ctx context.Context, messageID, body string, sentAt time.Time) error
}

// Handler holds the dependencies of the worker.
type Handler struct {
	consumer MessageProcessor
	logger   *slog.Logger
}

// Handle processes an SQS batch using partial batch responses.
func (h *Handler) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	var response events.SQSEventResponse

	for _, record := range event.Records {
		var sentAt time.Time
		if raw, ok := record.Attributes["SentTimestamp"]; ok {
			if ts, err := queue.ParseMillisTimestamp(raw); err == nil {
				sentAt = ts
			}
		}

		if err := h.consumer.Process(ctx, record.MessageId, record.Body, sentAt); err != nil {
			h.logger.ErrorContext(ctx, "failed to process greeting message",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	if len(response.BatchItemFailures) > 0 {
		h.logger.WarnContext(ctx, "batch completed with failures",
			"records", len(event.Records),
			"failures", len(response.BatchItemFailures),
		)
	}
	return response, nil
}

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: loading configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)

	ctx := context.Background()
	a, err := app.Bootstrap(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.ValidateWebhookTarget(ctx); err != nil {
		logger.Error("greeting webhook target rejected", "url", cfg.Webhook.URL, "error", err)
		os.Exit(1)
	}

	h := &Handler{consumer: a.Consumer(), logger: logger}
	lambda.Start(h.Handle)
}
