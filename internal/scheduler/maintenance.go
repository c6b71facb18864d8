package scheduler

import (
	"context"
	"fmt"
	"time"

	"birthdaygreeter/internal/types"
)

// -----------------------------------------------------------------------------
// Purge Service
// -----------------------------------------------------------------------------

// ExpiredPurger deletes expired delivery records and returns them.
type ExpiredPurger interface {
	PurgeExpired(ctx context.Context, before time.Time, limit int) ([]types.DeliveryRecord, error)
}

// RecordArchiver writes a batch of purged records to cold storage.
type RecordArchiver interface {
	Archive(ctx context.Context, jobID string, at time.Time, records []types.DeliveryRecord) (string, error)
}

// PurgeService removes delivery records past their TTL. PostgreSQL and the
// in-memory tracker have no native expiry, and DynamoDB TTL deletion can lag
// by days, so the job runs for every backend.
type PurgeService struct {
	tracker    ExpiredPurger
	archiver   RecordArchiver
	batchSize  int
	maxBatches int
	newJobID   func() string
	logger     types.Logger
}

// NewPurgeService creates a PurgeService. archiver is nil when no archive
// bucket is configured, in which case purged records are only logged.
func NewPurgeService(tracker ExpiredPurger, archiver RecordArchiver, batchSize, maxBatches int, newJobID func() string, logger types.Logger) *PurgeService {
	return &PurgeService{
		tracker:    tracker,
		archiver:   archiver,
		batchSize:  max(batchSize, 1),
		maxBatches: max(maxBatches, 1),
		newJobID:   newJobID,
		logger:     logger,
	}
}

// Purge deletes records that expired before now, batchSize at a time, and
// archives each batch. It returns the number of records removed.
func (s *PurgeService) Purge(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for batch := 0; batch < s.maxBatches; batch++ {
		records, err := s.tracker.PurgeExpired(ctx, now, s.batchSize)
		if err != nil {
			return total, fmt.Errorf("purging expired deliveries: %w", err)
		}
		total += len(records)

		if len(records) > 0 && s.archiver != nil {
			jobID := s.newJobID()
			key, err := s.archiver.Archive(ctx, jobID, now, records)
			if err != nil {
				// Records are already gone from the tracker.
				s.logger.Error("failed to archive purged deliveries",
					"job_id", jobID,
					"count", len(records),
					"error", err,
				)
				return total, fmt.Errorf("archiving purged deliveries: %w", err)
			}
			s.logger.Info("archived purged deliveries",
				"key", key,
				"count", len(records),
			)
		}

		if len(records) < s.batchSize {
			break
		}
	}

	s.logger.Info("purge complete",
		"before", now.Format(time.RFC3339),
		"purged", total,
	)
	return total, nil
}

// -----------------------------------------------------------------------------
// Job Runner (maintenance multiplexer)
// -----------------------------------------------------------------------------

// JobLocker provides a time-bounded distributed lock.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID string, workerID string) error
}

// JobHistorian records job executions.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, err error) error
}

// Purger is the purge job as seen by the runner.
type Purger interface {
	Purge(ctx context.Context, now time.Time) (int, error)
}

// Redriver is the retry loop as seen by the runner.
type Redriver interface {
	Run(ctx context.Context, now time.Time) (*RetryResult, error)
}

// JobRunnerConfig holds every dependency of a JobRunner.
type JobRunnerConfig struct {
	Purger     Purger
	Redriver   Redriver
	JobLock    JobLocker
	JobHistory JobHistorian
	WorkerID   string
	LockTTL    time.Duration
	Logger     types.Logger
}

// JobRunner executes maintenance tasks under a per-hour lock and records
// each execution in job history.
type JobRunner struct {
	purger     Purger
	redriver   Redriver
	jobLock    JobLocker
	jobHistory JobHistorian
	workerID   string
	lockTTL    time.Duration
	logger     types.Logger
}

// NewJobRunner creates a JobRunner from cfg.
func NewJobRunner(cfg JobRunnerConfig) *JobRunner {
	return &JobRunner{
		purger:     cfg.Purger,
		redriver:   cfg.Redriver,
		jobLock:    cfg.JobLock,
		jobHistory: cfg.JobHistory,
		workerID:   cfg.WorkerID,
		lockTTL:    cfg.LockTTL,
		logger:     cfg.Logger,
	}
}

// LockID is the lock taken for task at now: one execution per task per hour.
func LockID(task TaskType, now time.Time) string {
	return fmt.Sprintf("%s:%s", task, now.UTC().Truncate(time.Hour).Format("2006-01-02T15"))
}

// Run executes task at now. If another worker holds the lock the task is
// skipped and a conflict_job_locked error is returned so callers can tell a
// skip from a success.
func (r *JobRunner) Run(ctx context.Context, task TaskType, now time.Time) (int, error) {
	if !task.Valid() {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidField,
			fmt.Sprintf("unknown maintenance task %q", task), nil)
	}

	lockID := LockID(task, now)
	acquired, err := r.jobLock.Acquire(ctx, lockID, r.workerID, r.lockTTL)
	if err != nil {
		return 0, fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		r.logger.Info("job lock not acquired, another worker is processing",
			"lock_id", lockID,
		)
		return 0, types.NewAppErrorWithDetails(types.ErrCodeConflictJobLocked,
			"job is locked by another worker", nil, map[string]any{"lock_id": lockID})
	}
	defer func() {
		if err := r.jobLock.Release(ctx, lockID, r.workerID); err != nil {
			r.logger.Warn("failed to release job lock", "lock_id", lockID, "error", err)
		}
	}()

	// History is best-effort; a failed Start must not block the job.
	jobID, err := r.jobHistory.Start(ctx, string(task))
	if err != nil {
		r.logger.Error("failed to start job history", "task", string(task), "error", err)
		jobID = 0
	}

	items, execErr := r.dispatch(ctx, task, now)

	if jobID != 0 {
		status := "success"
		if execErr != nil {
			status = "failed"
		}
		if finishErr := r.jobHistory.Finish(ctx, jobID, status, items, execErr); finishErr != nil {
			r.logger.Error("failed to finish job history",
				"job_id", jobID,
				"task", string(task),
				"error", finishErr,
			)
		}
	}

	if execErr != nil {
		return items, fmt.Errorf("task %s failed: %w", task, execErr)
	}
	r.logger.Info("task complete",
		"task", string(task),
		"items", items,
	)
	return items, nil
}

func (r *JobRunner) dispatch(ctx context.Context, task TaskType, now time.Time) (int, error) {
	switch task {
	case TaskPurgeExpiredDeliveries:
		return r.purger.Purge(ctx, now)
	case TaskRedriveDeadLetters:
		res, err := r.redriver.Run(ctx, now)
		if res == nil {
			return 0, err
		}
		return res.Deleted, err
	default:
		return 0, fmt.Errorf("unhandled task %q", task)
	}
}
