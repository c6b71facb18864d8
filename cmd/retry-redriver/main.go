// Package main is the entry point for the Retry Redriver Lambda function.
//
// An hourly EventBridge schedule invokes the redriver, which drains the
// greeting dead-letter queue through the retry loop. The run holds the
// redrive job lock so that overlapping invocations do not process the same
// hour twice.
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
	"birthdaygreeter/internal/scheduler"
	"birthdaygreeter/internal/types"
)

// TaskRunner runs a maintenance task under its job lock.
type TaskRunner interface {
	Run(ctx context.Context, task scheduler.TaskType, now time.Time) (int, error)
}

// Handler holds the dependencies of the redriver.
type Handler struct {
	runner TaskRunner
	now    func() time.Time
	logger *slog.Logger
}

// Handle runs one redrive. A held lock means another invocation owns this
// hour and is reported as success.
func (h *Handler) Handle(ctx context.Context, event events.CloudWatchEvent) error {
	now := h.now()
	settled, err := h.runner.Run(ctx, scheduler.TaskRedriveDeadLetters, now)
	switch {
	case err == nil:
		h.logger.InfoContext(ctx, "redrive complete", "event_id", event.ID, "settled", settled)
		return nil
	case types.HasCode(err, types.ErrCodeConflictJobLocked):
		h.logger.InfoContext(ctx, "redrive skipped, lock held", "event_id", event.ID)
		return nil
	default:
		h.logger.ErrorContext(ctx, "redrive failed", "event_id", event.ID, "settled", settled, "error", err)
		return err
	}
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

	h := &Handler{
		runner: a.JobRunner("retry-redriver"),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
	lambda.Start(h.Handle)
}
