package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"prop-trading-engine/config"
	"prop-trading-engine/internal/api"
	"prop-trading-engine/internal/auth"
	"prop-trading-engine/internal/cache"
	"prop-trading-engine/internal/challenge"
	"prop-trading-engine/internal/database"
	"prop-trading-engine/internal/events"
	"prop-trading-engine/internal/leaderboard"
	"prop-trading-engine/internal/ledger"
	"prop-trading-engine/internal/logging"
	"prop-trading-engine/internal/payouts"
	"prop-trading-engine/internal/pricefeed"
	"prop-trading-engine/internal/risk"
	"prop-trading-engine/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.LoggingConfig.Level, cfg.LoggingConfig.Format)

	// Secrets may live in Vault instead of the environment.
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("vault client failed")
	}
	if vaultClient != nil {
		secrets, err := vaultClient.LoadSecrets(context.Background())
		if err != nil {
			logger.Fatal().Err(err).Msg("loading secrets from vault failed")
		}
		if secrets.JWTSigningKey != "" {
			cfg.AuthConfig.JWTSigningKey = secrets.JWTSigningKey
		}
		if secrets.BotToken != "" {
			cfg.AuthConfig.BotToken = secrets.BotToken
		}
		logger.Info().Msg("secrets loaded from vault")
	}
	if cfg.AuthConfig.JWTSigningKey == "" || cfg.AuthConfig.BotToken == "" {
		logger.Fatal().Msg("JWT signing key and bot token are required")
	}

	ctx := context.Background()

	db, err := database.NewDB(cfg.DatabaseConfig.URL, logging.Component(logger, "database"))
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	repo := database.NewRepository(db)
	if err := repo.SeedChallengeTypes(ctx, challenge.DefaultCatalog()); err != nil {
		logger.Fatal().Err(err).Msg("seeding challenge catalog failed")
	}

	cacheService, err := cache.NewCacheService(cfg.CacheConfig.URL, logging.Component(logger, "cache"))
	if err != nil {
		logger.Fatal().Err(err).Msg("cache connection failed")
	}
	defer cacheService.Close()

	bus := events.NewEventBus()

	feed := pricefeed.New(cfg.ExchangeConfig, cfg.EngineConfig, logging.Component(logger, "pricefeed"))
	if err := feed.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("price feed failed to start")
	}

	locks := ledger.NewChallengeLocks()
	trades := ledger.NewService(repo, feed, bus, locks, logging.Component(logger, "ledger"))
	challenges := challenge.NewService(repo, logging.Component(logger, "challenge"))
	payoutService := payouts.NewService(repo, bus, cfg.PayoutConfig.MinPayout, logging.Component(logger, "payouts"))
	boards := leaderboard.NewService(repo, cacheService, logging.Component(logger, "leaderboard"))

	jwtManager := auth.NewJWTManager(cfg.AuthConfig.JWTSigningKey,
		cfg.AuthConfig.AccessTokenTTL, cfg.AuthConfig.RefreshTokenTTL)
	authService := auth.NewService(repo, cacheService, jwtManager,
		cfg.AuthConfig.BotToken, cfg.AuthConfig.InitDataMaxAge, logging.Component(logger, "auth"))

	evaluator := risk.NewEvaluator(repo, feed, bus, locks,
		cfg.EngineConfig.EvalTick, cfg.EngineConfig.MaxEvalConcurrency, logging.Component(logger, "risk"))
	evaluator.Start()

	server := api.NewServer(cfg.ServerConfig, api.Deps{
		Repo:       repo,
		Cache:      cacheService,
		Bus:        bus,
		Feed:       feed,
		Auth:       authService,
		JWT:        jwtManager,
		Challenges: challenges,
		Trades:     trades,
		Payouts:    payoutService,
		Boards:     boards,
	}, logging.Component(logger, "api"))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("HTTP server exited")
	}

	// Stop evaluating before the server drops so in-flight liquidations
	// settle, then stop the feed last.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerConfig.ShutdownTimeout)
	defer cancel()

	evaluator.Stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	feed.Stop()

	// Give the last log writes a moment on slow sinks.
	time.Sleep(100 * time.Millisecond)
	logger.Info().Msg("engine stopped")
}
