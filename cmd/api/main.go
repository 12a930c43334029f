package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"server/internal/adapter/repo"
	"server/internal/http/handlers"
	"server/internal/http/httpapi"
	"server/internal/infra"
	"server/internal/infra/credentials"
	"server/internal/infra/geoip"
	"server/internal/middleware"
	"server/internal/service"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)
	jobs := repo.NewJobRepository(runner)
	ledger := repo.NewLedgerRepository(runner)
	keys := credentials.NewStore(runner)

	// The pending job row is the durable hand-off to the worker process; no
	// in-process wake is needed here.
	enqueuer := service.NewEnqueuer(jobs, ledger, keys, cfg.TokenReservePerJob, nil, logger)
	status := service.NewStatusService(jobs)

	app := &handlers.App{
		Enqueue:       enqueuer,
		Status:        status,
		Ledger:        ledger,
		Keys:          keys,
		PaymentSecret: cfg.PaymentSecret,
		Logger:        logger,
	}

	var countryLookup middleware.CountryLookup
	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("api: geoip disabled")
	} else if resolver != nil {
		countryLookup = resolver.CountryCode
	}

	router := httpapi.NewRouter(app, httpapi.Options{
		JWTSecret:       cfg.JWTSecret,
		RateLimitPerMin: cfg.RateLimitPerMin,
		AllowedOrigins:  []string{"http://localhost:3000"},
		DefaultLocale:   "en",
		CountryLookup:   countryLookup,
		Logger:          logger,
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
