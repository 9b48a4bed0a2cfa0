package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/makersync/backfill/internal/api/rest"
	"github.com/makersync/backfill/internal/backfill"
	"github.com/makersync/backfill/internal/config"
	"github.com/makersync/backfill/internal/dedup"
	"github.com/makersync/backfill/internal/features"
	"github.com/makersync/backfill/internal/github"
	"github.com/makersync/backfill/internal/jira"
	"github.com/makersync/backfill/internal/queue"
	"github.com/makersync/backfill/internal/store"
	"github.com/makersync/backfill/internal/telemetry"
)

const serviceVersion = "1.0.0"

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "backfill-worker", serviceVersion); err != nil {
		logger.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()

	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	clock := clockwork.NewRealClock()
	st := store.NewPostgres(pool)
	channel := queue.NewPostgres(pool, cfg.VisibilityTimeout)
	flagStore := dedup.NewPostgresFlagStore(pool, clock)
	deduplicator := dedup.NewDeduplicator(flagStore, clock, cfg.DedupRefresh, logger)

	metrics, err := backfill.NewMetrics(telemetry.Meter(""))
	if err != nil {
		logger.Fatal("failed to create metrics", zap.Error(err))
	}

	newSource := func(msg *queue.BackfillMessage) (backfill.SourceClient, error) {
		baseURL := cfg.GitHubBaseURL
		if msg.GitHubAppConfig != nil && msg.GitHubAppConfig.GitHubAPIURL != "" {
			baseURL = msg.GitHubAppConfig.GitHubAPIURL
		}
		return github.NewClient(cfg.GitHubToken, baseURL, logger)
	}
	newSubmitter := func(string) (backfill.Submitter, error) {
		return jira.NewClient(cfg.JiraBaseURL, cfg.JiraUsername, cfg.JiraToken, logger)
	}

	orch := backfill.NewOrchestrator(
		backfill.Config{
			PageSize:           cfg.PageSize,
			OtherTaskLimit:     cfg.OtherTaskLimit,
			SkipCount:          cfg.SkipCount,
			RateLimitThreshold: cfg.RateLimitThreshold,
			BaseRetryDelay:     cfg.BaseRetryDelay,
		},
		st,
		channel,
		deduplicator,
		backfill.NewRegistry(),
		&features.Static{},
		newSource,
		newSubmitter,
		clock,
		metrics,
		logger,
	)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	rest.NewHandler(st, channel, logger).RegisterRoutes(router)

	server := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	logger.Info("worker started",
		zap.String("env", cfg.Env),
		zap.Int("page_size", cfg.PageSize),
		zap.Duration("visibility_timeout", cfg.VisibilityTimeout),
	)
	consume(ctx, channel, orch, cfg.BaseRetryDelay, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	logger.Info("worker stopped")
}

// consume runs the delivery loop until ctx is cancelled. Each delivery is
// acknowledged only after the orchestrator consumed it; failures go back on
// the queue with a delay that grows with the delivery count.
func consume(ctx context.Context, channel queue.MessageChannel, orch *backfill.Orchestrator, baseDelay time.Duration, logger *zap.Logger) {
	for {
		d, err := channel.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if orch.ShouldDefer(ctx, d.Message) {
			// Deferral is not a failure; it must not consume a retry attempt.
			if err := channel.ChangeVisibility(ctx, d, baseDelay); err != nil {
				logger.Warn("failed to defer delivery", zap.Error(err))
			}
			continue
		}

		if err := orch.Handle(ctx, d.Message); err != nil {
			delay := releaseDelay(baseDelay, d.ReceiveCount)
			logger.Warn("handling failed, releasing delivery",
				zap.Int64("installation_id", d.Message.InstallationID),
				zap.Int("receive_count", d.ReceiveCount),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			if err := channel.Release(ctx, d, delay); err != nil {
				logger.Error("failed to release delivery", zap.Error(err))
			}
			continue
		}

		if err := channel.Done(ctx, d); err != nil {
			logger.Error("failed to acknowledge delivery", zap.Error(err))
		}
	}
}

// releaseDelay backs off linearly with the delivery count, capped at 10x.
func releaseDelay(base time.Duration, receiveCount int) time.Duration {
	if receiveCount < 1 {
		receiveCount = 1
	}
	if receiveCount > 10 {
		receiveCount = 10
	}
	return base * time.Duration(receiveCount)
}
