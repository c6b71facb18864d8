// Package main runs the whole greeting pipeline in one process for offline
// development against LocalStack (or real queues) and a local Postgres.
//
// The process serves the user API, polls for due birthdays on a ticker,
// consumes the main queue with long polling and drains the dead-letter queue
// on a second ticker. With --receiver-addr it also hosts a stand-in webhook
// endpoint that logs each greeting.
//
// Usage:
//
//	go run ./cmd/tools/local-runner --migrate --receiver-addr=:9090
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"golang.org/x/sync/errgroup"

	"birthdaygreeter/internal/app"
	"birthdaygreeter/internal/logging"
	"birthdaygreeter/internal/queue"
	"birthdaygreeter/internal/webhook"
)

const (
	receiveBatch   = 10
	receiveWait    = 10 * time.Second
	receiverKeep   = 100
	shutdownPeriod = 10 * time.Second
)

func main() {
	migrate := flag.Bool("migrate", false, "Apply database migrations at startup")
	receiverAddr := flag.String("receiver-addr", "", "Listen address for the stand-in webhook receiver (disabled when empty)")
	flag.Parse()

	if err := run(*migrate, *receiverAddr); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(migrate bool, receiverAddr string) error {
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

	if migrate {
		if err := a.Migrate(ctx); err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}
	}
	if err := a.ValidateWebhookTarget(ctx); err != nil {
		logger.Warn("greeting webhook target rejected, deliveries will fail", "url", cfg.Webhook.URL, "error", err)
	}

	srv, err := a.APIServer()
	if err != nil {
		return err
	}

	timing := cfg.Timing()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serve(gctx, &http.Server{
			Addr:              ":" + cfg.Server.Port,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}, logger.With("component", "api"))
	})

	if receiverAddr != "" {
		var signer *webhook.Signer
		if secret := cfg.Webhook.SigningSecret.Unmask(); secret != "" {
			signer = webhook.NewSigner(secret)
		}
		receiver := webhook.NewReceiver(signer, a.Clock, logging.Adapt(logger.With("component", "receiver")), receiverKeep)
		g.Go(func() error {
			return serve(gctx, &http.Server{
				Addr:              receiverAddr,
				Handler:           receiver,
				ReadHeaderTimeout: 10 * time.Second,
			}, logger.With("component", "receiver"))
		})
	}

	poller := a.Poller()
	g.Go(func() error {
		return tick(gctx, timing.PollInterval, func(ctx context.Context) {
			res, err := poller.Run(ctx, a.Clock.Now())
			if err != nil {
				logger.ErrorContext(ctx, "poll failed", "error", err)
				return
			}
			logger.InfoContext(ctx, "poll complete", "due", res.Due, "enqueued", res.Enqueued, "skipped", res.Skipped)
		})
	})

	retry := a.RetryLoop()
	g.Go(func() error {
		return tick(gctx, timing.RetryInterval, func(ctx context.Context) {
			res, err := retry.Run(ctx, a.Clock.Now())
			if err != nil {
				logger.ErrorContext(ctx, "retry pass failed", "error", err)
				return
			}
			logger.InfoContext(ctx, "retry pass complete", "received", res.Received)
		})
	})

	consumer := a.Consumer()
	g.Go(func() error {
		consume(gctx, a.MainQueue, consumer, logger.With("component", "worker"))
		return nil
	})

	logger.InfoContext(ctx, "local runner started",
		"port", cfg.Server.Port,
		"receiver", receiverAddr,
		"poll_interval", timing.PollInterval.String(),
		"retry_interval", timing.RetryInterval.String(),
	)
	return g.Wait()
}

// serve runs srv until ctx is cancelled, then drains it.
func serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s: %w", srv.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownPeriod)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// tick calls fn immediately and then every interval until ctx ends.
func tick(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	fn(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn(ctx)
		}
	}
}

type receiver interface {
	Receive(ctx context.Context, maxCount int32, wait time.Duration) ([]queue.Received, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type processor interface {
	Process(ctx context.Context, messageID, body string, sentAt time.Time) error
}

// consume mirrors the SQS event source mapping: a message is deleted only
// when processing returns nil, otherwise it becomes visible again.
func consume(ctx context.Context, q receiver, c processor, logger *slog.Logger) {
	for ctx.Err() == nil {
		msgs, err := q.Receive(ctx, receiveBatch, receiveWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.ErrorContext(ctx, "receive failed", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		for _, m := range msgs {
			if err := c.Process(ctx, m.MessageID, m.Body, m.SentAt); err != nil {
				logger.WarnContext(ctx, "message left for redelivery", "message_id", m.MessageID, "error", err)
				continue
			}
			if err := q.Delete(ctx, m.ReceiptHandle); err != nil {
				logger.ErrorContext(ctx, "delete failed", "message_id", m.MessageID, "error", err)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
