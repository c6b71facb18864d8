package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"birthdaygreeter/internal/delivery"
	"birthdaygreeter/internal/queue"
	"birthdaygreeter/internal/types"
)

// enqueueFailedDetail is stored as lastError on a record whose greeting
// reached neither queue.
const enqueueFailedDetail = "enqueue_failed"

// DueLocator finds the users due at an instant and the key date of their
// occurrence.
type DueLocator interface {
	DueNow(ctx context.Context, now time.Time) ([]*types.User, error)
	OccurrenceDate(u *types.User, now time.Time) (string, error)
}

// RecordClaimer is the subset of the delivery tracker used to claim an
// occurrence before it is enqueued.
type RecordClaimer interface {
	Create(ctx context.Context, userID, occurrenceDate string, now time.Time) (*types.DeliveryRecord, error)
	Get(ctx context.Context, key string) (*types.DeliveryRecord, error)
	Reopen(ctx context.Context, key string, now time.Time) error
	AdvanceStatus(ctx context.Context, key string, status types.DeliveryStatus, detail string, now time.Time) (*types.DeliveryRecord, error)
}

// Enqueuer hands a set of greetings to the main queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msgs []types.GreetingMessage) (queue.BatchResult, error)
}

// PollerConfig holds every dependency of a Poller. All fields are required.
type PollerConfig struct {
	Locator    DueLocator
	Tracker    RecordClaimer
	Producer   Enqueuer
	DeadLetter delivery.DeadLetterSender
	Metrics    delivery.Metrics

	// MessageTemplate takes first and last name, in that order.
	MessageTemplate string
	Concurrency     int
	NewTraceID      func() string

	// StaleAfter is how long a never-attempted PENDING record may sit
	// before the poller assumes its message was lost and enqueues it again.
	StaleAfter time.Duration
	Logger     types.Logger
}

// Poller detects due birthdays, claims each occurrence in the tracker and
// enqueues one greeting per claimed occurrence.
type Poller struct {
	locator    DueLocator
	tracker    RecordClaimer
	producer   Enqueuer
	deadLetter delivery.DeadLetterSender
	metrics    delivery.Metrics

	template    string
	concurrency int
	newTraceID  func() string
	staleAfter  time.Duration
	logger      types.Logger
}

// NewPoller creates a Poller from cfg.
func NewPoller(cfg PollerConfig) *Poller {
	return &Poller{
		locator:     cfg.Locator,
		tracker:     cfg.Tracker,
		producer:    cfg.Producer,
		deadLetter:  cfg.DeadLetter,
		metrics:     cfg.Metrics,
		template:    cfg.MessageTemplate,
		concurrency: max(cfg.Concurrency, 1),
		newTraceID:  cfg.NewTraceID,
		staleAfter:  cfg.StaleAfter,
		logger:      cfg.Logger,
	}
}

type claimResult int

const (
	claimSkipped claimResult = iota
	claimCreated
	claimReopened
	claimRequeued
)

// Run executes one poll cycle at now.
//
// A user whose occurrence is already claimed is skipped, so overlapping
// invocations and windows wider than the poll interval never produce a
// second message. A CANCELLED record is reopened, which is how a user whose
// schedule changed gets re-detected on the same day. A PENDING record that
// was never attempted and has been idle for StaleAfter is enqueued again.
//
// Per-user failures are logged and counted without aborting other users. The
// returned error joins the infrastructure failures of the cycle; the result
// is always populated.
func (p *Poller) Run(ctx context.Context, now time.Time) (*PollResult, error) {
	result := &PollResult{}

	users, err := p.locator.DueNow(ctx, now)
	if err != nil {
		return result, fmt.Errorf("locating due users: %w", err)
	}
	result.Due = len(users)
	p.metrics.RecordCount(ctx, types.MetricUsersDue, "poller", len(users))

	if len(users) == 0 {
		p.logger.Info("no users due", "now", now.Format(time.RFC3339))
		return result, nil
	}

	var (
		mu       sync.Mutex
		msgs     []types.GreetingMessage
		failures []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, u := range users {
		u := u
		g.Go(func() error {
			msg, outcome, err := p.claim(gctx, u, now)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				failures = append(failures, err)
				p.logger.Error("failed to claim occurrence",
					"user_id", u.ID,
					"error", err,
				)
				return nil
			}
			switch outcome {
			case claimSkipped:
				result.Skipped++
				return nil
			case claimReopened:
				result.Reopened++
			case claimRequeued:
				result.Requeued++
			}
			result.Claimed++
			msgs = append(msgs, msg)
			return nil
		})
	}
	// Goroutines never return an error; Wait only joins them.
	_ = g.Wait()

	if len(msgs) > 0 {
		if err := p.enqueue(ctx, msgs, now, result); err != nil {
			failures = append(failures, err)
		}
	}

	p.metrics.RecordCount(ctx, types.MetricGreetingsEnqueued, "poller", result.Enqueued)
	p.logger.Info("poll cycle complete",
		"now", now.Format(time.RFC3339),
		"due", result.Due,
		"claimed", result.Claimed,
		"reopened", result.Reopened,
		"requeued", result.Requeued,
		"skipped", result.Skipped,
		"enqueued", result.Enqueued,
		"dead_lettered", result.DeadLettered,
		"failed", result.Failed,
	)

	if len(failures) > 0 {
		return result, types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("poll cycle finished with %d failures", len(failures)), errors.Join(failures...))
	}
	return result, nil
}

// claim records the occurrence for u and builds its greeting.
func (p *Poller) claim(ctx context.Context, u *types.User, now time.Time) (types.GreetingMessage, claimResult, error) {
	date, err := p.locator.OccurrenceDate(u, now)
	if err != nil {
		return types.GreetingMessage{}, claimSkipped, err
	}
	key := types.DeliveryKey(u.ID, date)

	outcome := claimCreated
	_, err = p.tracker.Create(ctx, u.ID, date, now)
	if err != nil {
		if !types.IsKind(err, types.KindConflict) {
			return types.GreetingMessage{}, claimSkipped, fmt.Errorf("creating delivery record %s: %w", key, err)
		}

		rec, getErr := p.tracker.Get(ctx, key)
		if getErr != nil {
			if types.IsKind(getErr, types.KindNotFound) {
				// Purged between the two calls; the next cycle creates it.
				return types.GreetingMessage{}, claimSkipped, nil
			}
			return types.GreetingMessage{}, claimSkipped, fmt.Errorf("loading delivery record %s: %w", key, getErr)
		}
		switch {
		case rec.Status == types.DeliveryStatusCancelled:
			if err := p.tracker.Reopen(ctx, key, now); err != nil {
				if types.IsKind(err, types.KindConflict) || types.IsKind(err, types.KindNotFound) {
					return types.GreetingMessage{}, claimSkipped, nil
				}
				return types.GreetingMessage{}, claimSkipped, fmt.Errorf("reopening delivery record %s: %w", key, err)
			}
			outcome = claimReopened
		case p.orphaned(rec, now):
			p.logger.Warn("re-enqueueing pending delivery that was never attempted",
				"delivery_key", key,
				"idle", now.Sub(rec.UpdatedAt).String(),
			)
			outcome = claimRequeued
		default:
			return types.GreetingMessage{}, claimSkipped, nil
		}
	}

	return types.GreetingMessage{
		DeliveryKey:    key,
		OccurrenceDate: date,
		UserID:         u.ID,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		Location:       u.Location,
		Message:        fmt.Sprintf(p.template, u.FirstName, u.LastName),
		TraceID:        p.newTraceID(),
		EnqueuedAt:     now,
	}, outcome, nil
}

// orphaned reports whether rec is a PENDING claim whose greeting never
// reached a consumer. A record with attempts or a live lease is owned by the
// delivery path and left alone.
func (p *Poller) orphaned(rec *types.DeliveryRecord, now time.Time) bool {
	if p.staleAfter <= 0 || rec.Status != types.DeliveryStatusPending || rec.Attempts > 0 {
		return false
	}
	if rec.LeaseUntil != nil && rec.LeaseUntil.After(now) {
		return false
	}
	return now.Sub(rec.UpdatedAt) >= p.staleAfter
}

// enqueue sends msgs to the main queue. Messages the main queue rejects are
// pushed to the dead-letter queue; a message neither queue accepts leaves
// its record FAILED so that it is visible.
func (p *Poller) enqueue(ctx context.Context, msgs []types.GreetingMessage, now time.Time, result *PollResult) error {
	res, err := p.producer.Enqueue(ctx, msgs)
	result.Enqueued += len(res.Succeeded)

	failed := res.Failed
	if err != nil {
		// Anything the producer did not report on was never sent.
		reported := len(res.Succeeded) + len(res.Failed)
		for _, m := range msgs[min(reported, len(msgs)):] {
			failed = append(failed, queue.FailedMessage{Message: m, Reason: err.Error()})
		}
	}

	var lost int
	for _, f := range failed {
		logger := p.logger.With("delivery_key", f.Message.DeliveryKey, "reason", f.Reason)

		dlqErr := p.deadLetter.SendToDeadLetter(ctx, f.Message)
		if dlqErr == nil {
			result.DeadLettered++
			logger.Warn("main queue rejected greeting, sent to dead-letter queue")
			continue
		}
		logger.Error("dead-letter fallback failed", "error", dlqErr)

		lost++
		result.Failed++
		if _, advErr := p.tracker.AdvanceStatus(ctx, f.Message.DeliveryKey, types.DeliveryStatusFailed, enqueueFailedDetail, now); advErr != nil {
			logger.Error("failed to mark unqueued delivery as failed", "error", advErr)
		}
	}

	if lost > 0 {
		return types.NewAppError(types.ErrCodeInternalQueue,
			fmt.Sprintf("%d greetings could not be queued", lost), err)
	}
	return nil
}
