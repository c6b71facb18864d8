// Package main implements the job-runner CLI for invoking maintenance tasks
// directly, bypassing the Lambda shim.
//
// Usage:
//
//	go run ./cmd/tools/job-runner --task=purge_expired_deliveries
//	go run ./cmd/tools/job-runner --task=redrive_dead_letters --reference-time=2026-01-15T02:00:00Z
//	go run ./cmd/tools/job-runner --dry-run --task=purge_expired_deliveries
//	go run ./cmd/tools/job-runner --list
//	go run ./cmd/tools/job-runner --migrate
//
// Configuration comes from the environment (or a .env file). The run takes
// the same job lock and writes the same job history as the archiver Lambda.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"
	_ "time/tzdata"

	"birthdaygreeter/internal/app"
	"birthdaygreeter/internal/logging"
	"birthdaygreeter/internal/scheduler"
	"birthdaygreeter/internal/types"
)

var taskDescriptions = map[scheduler.TaskType]string{
	scheduler.TaskPurgeExpiredDeliveries: "Delete delivery records past their TTL, archiving them to S3 when configured",
	scheduler.TaskRedriveDeadLetters:     "Drain the greeting dead-letter queue through the retry loop",
}

type options struct {
	list    bool
	dryRun  bool
	migrate bool
	payload scheduler.MaintenancePayload
}

var errUsage = errors.New("usage")

// parseArgs turns command-line arguments into options. --migrate alone is a
// complete invocation; otherwise --task is required.
func parseArgs(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("job-runner", flag.ContinueOnError)
	fs.SetOutput(stderr)
	task := fs.String("task", "", "Task type to execute (e.g., purge_expired_deliveries)")
	refTime := fs.String("reference-time", "", "Override reference time (RFC3339, e.g., 2026-01-15T02:00:00Z)")
	list := fs.Bool("list", false, "List all available task types and exit")
	dryRun := fs.Bool("dry-run", false, "Print the JSON payload without executing")
	migrate := fs.Bool("migrate", false, "Apply database migrations before running")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: job-runner [flags]\n\n")
		fmt.Fprintf(stderr, "Invoke maintenance tasks directly, bypassing Lambda.\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts := options{list: *list, dryRun: *dryRun, migrate: *migrate}
	if opts.list {
		return opts, nil
	}
	if *task == "" {
		if opts.migrate {
			return opts, nil
		}
		return options{}, fmt.Errorf("%w: --task is required", errUsage)
	}

	opts.payload.Task = scheduler.TaskType(*task)
	if !opts.payload.Task.Valid() {
		return options{}, fmt.Errorf("%w: unknown task type %q", errUsage, *task)
	}

	if *refTime != "" {
		t, err := time.Parse(time.RFC3339, *refTime)
		if err != nil {
			return options{}, fmt.Errorf("%w: invalid --reference-time %q, expected RFC3339", errUsage, *refTime)
		}
		t = t.UTC()
		opts.payload.ReferenceTime = &t
	}
	return opts, nil
}

func printAvailableTasks(w io.Writer) {
	names := make([]string, 0, len(taskDescriptions))
	for task := range taskDescriptions {
		names = append(names, string(task))
	}
	slices.Sort(names)

	fmt.Fprintln(w, "Available tasks:")
	for _, name := range names {
		fmt.Fprintf(w, "  %-26s %s\n", name, taskDescriptions[scheduler.TaskType(name)])
	}
}

func main() {
	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
		printAvailableTasks(os.Stderr)
		os.Exit(2)
	}

	if opts.list {
		printAvailableTasks(os.Stdout)
		return
	}
	if opts.dryRun {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(opts.payload)
		return
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := logging.New(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Bootstrap(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.migrate {
		if err := a.Migrate(ctx); err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}
		logger.InfoContext(ctx, "migrations applied")
	}
	if opts.payload.Task == "" {
		return nil
	}

	now := time.Now().UTC()
	if opts.payload.ReferenceTime != nil {
		now = *opts.payload.ReferenceTime
	}

	items, err := a.JobRunner("job-runner").Run(ctx, opts.payload.Task, now)
	if types.HasCode(err, types.ErrCodeConflictJobLocked) {
		logger.InfoContext(ctx, "task skipped, lock held by another worker", "task", string(opts.payload.Task))
		return nil
	}
	if err != nil {
		return fmt.Errorf("task %s failed: %w", opts.payload.Task, err)
	}

	logger.InfoContext(ctx, "task execution succeeded",
		"task", string(opts.payload.Task),
		"reference_time", now.Format(time.RFC3339),
		"items", items,
	)
	return nil
}
