// Package main is the entry point for the Archiver Lambda function.
//
// The archiver is the maintenance multiplexer. EventBridge rules send a
// MaintenancePayload naming the task; the handler runs it through the job
// runner, which takes the per-hour job lock and records job history.
//
// Tasks:
//   - purge_expired_deliveries: delete delivery records past their TTL and
//     archive them to S3 when a bucket is configured
//   - redrive_dead_letters: drain the greeting dead-letter queue
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
	_ "time/tzdata"

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

// Handler routes maintenance payloads to the runner.
type Handler struct {
	runner TaskRunner
	now    func() time.Time
	logger *slog.Logger
}

// Result is returned to the invoker for operational visibility.
type Result struct {
	Task    scheduler.TaskType `json:"task"`
	Items   int                `json:"items"`
	Skipped bool               `json:"skipped,omitempty"`
}

// Handle executes payload.Task at payload.ReferenceTime, or now when unset.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (*Result, error) {
	if !payload.Task.Valid() {
		return nil, fmt.Errorf("unknown maintenance task %q", payload.Task)
	}

	now := h.now()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	logger := h.logger.With("task", string(payload.Task), "reference_time", now.Format(time.RFC3339))
	items, err := h.runner.Run(ctx, payload.Task, now)
	if types.HasCode(err, types.ErrCodeConflictJobLocked) {
		logger.InfoContext(ctx, "maintenance task skipped, lock held")
		return &Result{Task: payload.Task, Skipped: true}, nil
	}
	if err != nil {
		logger.ErrorContext(ctx, "maintenance task failed", "items", items, "error", err)
		return nil, err
	}

	logger.InfoContext(ctx, "maintenance task complete", "items", items)
	return &Result{Task: payload.Task, Items: items}, nil
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
		runner: a.JobRunner("archiver"),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
	lambda.Start(h.Handle)
}
