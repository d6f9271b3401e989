package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldsync_backend/internal/billing"
	"fieldsync_backend/internal/deadletter"
	"fieldsync_backend/internal/events"
	"fieldsync_backend/internal/fsm"
	"fieldsync_backend/internal/ingest"
	"fieldsync_backend/internal/margin"
	"fieldsync_backend/internal/notifier"
	"fieldsync_backend/internal/payments"
	"fieldsync_backend/internal/pipeline"
	"fieldsync_backend/internal/reconcile"
	"fieldsync_backend/internal/writemarker"
	"fieldsync_backend/platform/config"
	"fieldsync_backend/platform/db"
	"fieldsync_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting worker", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()
	log.Info("database connection established")

	eventBus := events.NewInMemoryBus(log)

	// FSM client plus the custom-field registry every engine writes through.
	fsmClient := fsm.New(cfg, log)
	fields := fsm.NewFieldRegistry(fsmClient, cfg.GetFSMFieldCacheTTL())
	if err := fields.Warm(ctx); err != nil {
		// Field ids resolve lazily on first use; a cold registry only
		// delays the first custom-field write.
		log.Warn("custom field registry warmup failed", "error", err)
	}

	markers := writemarker.New(pool)
	inboxRepo := ingest.NewRepository(pool)
	dlqRepo := deadletter.New(pool)

	reconcileSvc := reconcile.NewService(
		fsmClient, fields, markers,
		reconcile.NewRepository(pool),
		reconcile.PolicyFromConfig(cfg),
		eventBus, log,
	)
	billingSvc := billing.NewService(fsmClient, fields, markers, billing.NewRepository(pool), eventBus, log)
	marginSvc := margin.NewService(fsmClient, fields, markers, margin.NewRepository(pool), eventBus, log)
	paymentsSvc := payments.NewService(fsmClient, fields, markers, payments.NewRepository(pool), eventBus, log)

	enqueuer, err := pipeline.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize queue client", "error", err)
		panic("failed to initialize queue client: " + err.Error())
	}
	defer func() { _ = enqueuer.Close() }()

	dispatcher := pipeline.NewDispatcher(
		inboxRepo, dlqRepo, enqueuer,
		reconcileSvc, billingSvc, marginSvc, paymentsSvc,
		eventBus, cfg, log,
	)

	notifierModule := notifier.New(notifier.NewSMTPSender(cfg), cfg, log)
	notifierModule.SubscribeToEvents(eventBus)

	if err := pipeline.RecoverPending(ctx, inboxRepo, enqueuer, log); err != nil {
		log.Error("startup recovery failed", "error", err)
	}

	sweeper := deadletter.NewSweeper(dlqRepo, inboxRepo, enqueuer, eventBus, cfg, log)
	go sweeper.Run(ctx)

	worker, err := pipeline.NewWorker(cfg, dispatcher, log)
	if err != nil {
		log.Error("failed to initialize pipeline worker", "error", err)
		panic("failed to initialize pipeline worker: " + err.Error())
	}

	if err := worker.Run(ctx); err != nil {
		log.Error("worker stopped", "error", err)
	}
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
