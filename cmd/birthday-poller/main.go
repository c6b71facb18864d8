// Package main is the entry point for the Birthday Poller Lambda function.
//
// An EventBridge schedule invokes the poller every poll interval. Each run
// finds the users whose local delivery hour has arrived on their birthday,
// claims one delivery record per user and enqueues one greeting per claim.
// Outside Lambda the binary performs a single run and exits.
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
)

// PollRunner is one poll cycle.
type PollRunner interface {
	Run(ctx context.Context, now time.Time) (*scheduler.PollResult, error)
}

// Handler adapts the poller to scheduled events.
type Handler struct {
	poller PollRunner
	now    func() time.Time
	logger *slog.Logger
}

// Handle runs one cycle at the scheduled time of the event so that a delayed
// invocation still evaluates the window it was meant for.
func (h *Handler) Handle(ctx context.Context, event events.CloudWatchEvent) (*scheduler.PollResult, error) {
	now := referenceTime(event, h.now())
	result, err := h.poller.Run(ctx, now)
	if err != nil {
		h.logger.ErrorContext(ctx, "poll cycle failed",
			"event_id", event.ID,
			"now", now.Format(time.RFC3339),
			"error", err,
		)
		return result, err
	}
	return result, nil
}

// referenceTime prefers the event's scheduled time; events more than an
// hour old are treated as replays and evaluated at the current time.
func referenceTime(event events.CloudWatchEvent, now time.Time) time.Time {
	if event.Time.IsZero() || now.Sub(event.Time) > time.Hour || event.Time.After(now) {
		return now.UTC()
	}
	return event.Time.UTC()
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

	h := &Handler{
		poller: a.Poller(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}

	if app.IsLambda() {
		lambda.Start(h.Handle)
		return
	}

	result, err := h.Handle(ctx, events.CloudWatchEvent{})
	if err != nil {
		os.Exit(1)
	}
	logger.Info("poll complete", "enqueued", result.Enqueued, "due", result.Due)
}
