package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"server/internal/adapter/repo"
	"server/internal/gateway"
	"server/internal/infra"
	"server/internal/infra/credentials"
	"server/internal/service"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)
	jobs := repo.NewJobRepository(runner)
	ledger := repo.NewLedgerRepository(runner)
	keys := credentials.NewStore(runner)

	registry := gateway.NewRegistry(gateway.Config{
		OpenRouterAPIKey:  cfg.OpenRouterAPIKey,
		OpenRouterBaseURL: cfg.OpenRouterBaseURL,
		GeminiAPIKey:      cfg.GeminiAPIKey,
		GeminiBaseURL:     cfg.GeminiBaseURL,
		HTTPClient:        &http.Client{Timeout: cfg.DispatchTimeout},
		Logger:            &logger,
	})

	processor := service.NewProcessor(jobs, ledger, keys, registry, service.ProcessorConfig{
		JobTimeout:        cfg.JobTimeout,
		DispatchTimeout:   cfg.DispatchTimeout,
		MaxAttempts:       cfg.MaxRetries,
		SettleMaxAttempts: cfg.SettleMaxRetries,
	}, logger)

	sweeper := service.NewSweeper(jobs, ledger, cfg.JobTimeout, logger)
	go runSweeper(ctx, sweeper, cfg.SweepEvery, logger)

	logger.Info().Msg("worker: started")
	if err := run(ctx, processor, cfg.WorkerPollEvery, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

func run(ctx context.Context, processor *service.Processor, pollEvery time.Duration, logger infra.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := processor.ProcessNext(ctx)
		if err == nil {
			continue
		}
		if !errors.Is(err, service.ErrNoJob) {
			logger.Error().Err(err).Msg("worker: failed to claim job")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollEvery):
		}
	}
}

func runSweeper(ctx context.Context, sweeper *service.Sweeper, every time.Duration, logger infra.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := sweeper.SweepOnce(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("worker: sweep failed")
				continue
			}
			if expired > 0 {
				logger.Warn().Int("expired", expired).Msg("worker: sweep recovered stuck jobs")
			}
		}
	}
}
