// Package app assembles the runtime components shared by the entry points:
// clients, stores, queue transports and the pipeline stages built from them.
// Each binary calls Bootstrap once at cold start and keeps the result for the
// lifetime of the process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker/v2"

	"birthdaygreeter/internal/api/handlers"
	"birthdaygreeter/internal/archive"
	"birthdaygreeter/internal/config"
	"birthdaygreeter/internal/core"
	"birthdaygreeter/internal/db"
	"birthdaygreeter/internal/delivery"
	"birthdaygreeter/internal/dynamostore"
	"birthdaygreeter/internal/external"
	"birthdaygreeter/internal/locator"
	"birthdaygreeter/internal/logging"
	"birthdaygreeter/internal/queue"
	"birthdaygreeter/internal/scheduler"
	"birthdaygreeter/internal/security"
	"birthdaygreeter/internal/types"
	"birthdaygreeter/internal/users"
	"birthdaygreeter/internal/webhook"
)

// Maintenance constants.
const (
	purgeBatchSize  = 500
	purgeMaxBatches = 20
	jobLockTTL      = 15 * time.Minute
	webhookBreaker  = "greeting-webhook"
)

// Metrics is the union of the pipeline and API metric sinks.
type Metrics interface {
	delivery.Metrics
	core.MetricsCollector
}

// App holds the process-wide dependencies.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	Clock  types.Clock

	Pool        *pgxpool.Pool
	Users       *db.UserRepository
	Tracker     delivery.Tracker
	Metrics     Metrics
	MainQueue   *queue.Transport
	DeadLetters *queue.Transport

	webhookClient webhook.Doer
	archiver      scheduler.RecordArchiver
}

// Bootstrap opens the database pool, builds the AWS clients and selects the
// tracker backend for an already-loaded cfg. The caller must Close the
// returned App.
func Bootstrap(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
		Clock:  types.RealClock{},
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.Pool = pool
	a.Users = db.NewUserRepository(pool)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	adapted := logging.Adapt(logger)
	endpoint := cfg.AWS.EndpointURL

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	a.MainQueue = queue.NewTransport(sqsClient, cfg.AWS.GreetingQueueURL, adapted)
	a.DeadLetters = queue.NewTransport(sqsClient, cfg.AWS.DeadLetterQueueURL, adapted)

	if cfg.Observability.EnableMetrics {
		cw := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
		a.Metrics = delivery.NewCloudWatchMetrics(cw, cfg.Observability.MetricNamespace, adapted)
	} else {
		a.Metrics = delivery.NoopMetrics{}
	}

	if cfg.AWS.ArchiveBucket != "" {
		s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			}
		})
		a.archiver = archive.NewArchiver(s3Client, cfg.AWS.ArchiveBucket, adapted)
	}

	a.Tracker, err = NewTracker(cfg, pool, func() dynamostore.DynamoAPI {
		return dynamostore.NewClient(awsCfg, endpoint)
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	httpClient, err := security.NewSafeHTTPClient(cfg.Webhook.Timeout, cfg.Webhook.MaxRedirects, cfg.Webhook.AllowPrivateNetworks)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("building webhook client: %w", err)
	}
	// Retries belong to the dead-letter loop; one attempt is one call.
	breaker := gobreaker.NewCircuitBreaker[*http.Response](external.BreakerSettings(webhookBreaker,
		func(name string, from, to gobreaker.State) {
			logger.Warn("webhook circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		}))
	a.webhookClient = external.NewBaseClientWithBreaker(httpClient, breaker, cfg.Webhook.UserAgent)

	logger.InfoContext(ctx, "components initialized",
		"tracker_backend", string(cfg.Tracker.Backend),
		"metrics", cfg.Observability.EnableMetrics,
		"archive", cfg.AWS.ArchiveBucket != "",
		"offline", cfg.Offline,
	)
	return a, nil
}

// NewTracker selects the delivery tracker backend named by the config.
// newDynamo is only called for the dynamodb backend.
func NewTracker(cfg *config.Config, pool db.DBTX, newDynamo func() dynamostore.DynamoAPI) (delivery.Tracker, error) {
	ttl := cfg.Tracker.RecordTTL
	switch cfg.Tracker.Backend {
	case types.TrackerBackendPostgres, "":
		return db.NewDeliveryRepository(pool, ttl), nil
	case types.TrackerBackendDynamoDB:
		return dynamostore.NewTracker(newDynamo(), cfg.AWS.DeliveryTable, ttl), nil
	case types.TrackerBackendMemory:
		return delivery.NewMemoryTracker(ttl), nil
	default:
		return nil, fmt.Errorf("unknown tracker backend %q", cfg.Tracker.Backend)
	}
}

// Close releases the database pool.
func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// ValidateWebhookTarget checks the configured greeting endpoint against the
// SSRF rules so a bad URL fails the cold start rather than every delivery.
func (a *App) ValidateWebhookTarget(ctx context.Context) error {
	return security.ValidateTarget(ctx, a.Config.Webhook.URL, a.Config.Webhook.AllowPrivateNetworks, nil)
}

// Migrate applies the schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	return db.Migrate(ctx, a.Pool, logging.Adapt(a.Logger))
}

// Sender builds the webhook sender.
func (a *App) Sender() *webhook.Sender {
	var signer *webhook.Signer
	if secret := a.Config.Webhook.SigningSecret.Unmask(); secret != "" {
		signer = webhook.NewSigner(secret)
	}
	return webhook.NewSender(a.webhookClient, a.Config.Webhook.URL, signer, a.Clock, logging.Adapt(a.Logger))
}

// Dispatcher builds the greeting dispatcher.
func (a *App) Dispatcher() *delivery.Dispatcher {
	return delivery.NewDispatcher(
		a.Tracker,
		a.Sender(),
		a.Users,
		a.Metrics,
		a.Clock,
		logging.Adapt(a.Logger),
		delivery.DispatcherConfig{
			MaxAttempts:   a.Config.Scheduler.MaxAttempts,
			LeaseDuration: a.Config.Timing().LeaseDuration,
		},
	)
}

// Consumer builds the main-queue consumer.
func (a *App) Consumer() *delivery.Consumer {
	return delivery.NewConsumer(a.Dispatcher(), a.DeadLetters, a.Metrics, a.Clock, logging.Adapt(a.Logger))
}

// Poller builds the birthday poller.
func (a *App) Poller() *scheduler.Poller {
	timing := a.Config.Timing()
	adapted := logging.Adapt(a.Logger)
	return scheduler.NewPoller(scheduler.PollerConfig{
		Locator:         locator.New(a.Users, timing.DeliveryHour, timing.Window, adapted),
		Tracker:         a.Tracker,
		Producer:        queue.NewProducer(a.MainQueue, a.Config.Scheduler.EnqueueBatchSize, adapted),
		DeadLetter:      a.DeadLetters,
		Metrics:         a.Metrics,
		MessageTemplate: a.Config.Webhook.MessageTemplate,
		Concurrency:     a.Config.Scheduler.Concurrency,
		NewTraceID:      uuid.NewString,
		StaleAfter:      timing.PollInterval,
		Logger:          adapted,
	})
}

// RetryLoop builds the dead-letter retry loop.
func (a *App) RetryLoop() *scheduler.RetryLoop {
	return scheduler.NewRetryLoop(scheduler.RetryLoopConfig{
		DeadLetters: a.DeadLetters,
		MainQueue:   a.MainQueue,
		Dispatcher:  a.Dispatcher(),
		Metrics:     a.Metrics,
		Mode:        a.Config.Scheduler.RetryMode,
		BatchSize:   a.Config.Scheduler.RetryBatchSize,
		MaxBatches:  a.Config.Scheduler.RetryMaxBatches,
		Logger:      logging.Adapt(a.Logger),
	})
}

// JobRunner builds the maintenance runner. workerPrefix names the binary in
// lock ownership.
func (a *App) JobRunner(workerPrefix string) *scheduler.JobRunner {
	adapted := logging.Adapt(a.Logger)
	return scheduler.NewJobRunner(scheduler.JobRunnerConfig{
		Purger:     scheduler.NewPurgeService(a.Tracker, a.archiver, purgeBatchSize, purgeMaxBatches, uuid.NewString, adapted),
		Redriver:   a.RetryLoop(),
		JobLock:    db.NewJobLockRepository(a.Pool),
		JobHistory: db.NewJobHistoryRepository(a.Pool),
		WorkerID:   workerPrefix + "-" + uuid.NewString(),
		LockTTL:    jobLockTTL,
		Logger:     adapted,
	})
}

// UserService builds the user lifecycle service.
func (a *App) UserService() *users.Service {
	return users.NewService(a.Users, a.Tracker, a.Clock, uuid.NewString, logging.Adapt(a.Logger))
}

// APIServer builds the HTTP API with the user routes mounted.
func (a *App) APIServer() (*core.Server, error) {
	srv, err := core.NewServer(a.Config, a.Logger, a.Metrics)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = a.HealthProbes()

	userHandler := handlers.NewUserHandler(a.UserService(), srv.Validator, a.Logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		userHandler.RegisterRoutes(r)
	})
	srv.MountRoutes()
	return srv, nil
}

// HealthProbes returns the dependency checks served on /health.
func (a *App) HealthProbes() []core.HealthProbe {
	return []core.HealthProbe{
		core.ProbeFunc{ProbeName: "database", Fn: func(ctx context.Context) error {
			return a.Pool.Ping(ctx)
		}},
		core.ProbeFunc{ProbeName: "tracker", Fn: TrackerProbe(a.Tracker)},
		core.ProbeFunc{ProbeName: "queue", Fn: func(ctx context.Context) error {
			_, err := a.MainQueue.ApproximateCount(ctx)
			return err
		}},
	}
}

// trackerProbeKey never names a real record.
const trackerProbeKey = "health-probe_0001-01-01"

// TrackerProbe reads a key that cannot exist; not_found proves the store
// answered.
func TrackerProbe(t delivery.Tracker) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := t.Get(ctx, trackerProbeKey)
		if err == nil || types.IsKind(err, types.KindNotFound) {
			return nil
		}
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return errors.New(string(appErr.Code))
		}
		return err
	}
}
