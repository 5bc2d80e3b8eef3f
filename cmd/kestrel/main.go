// Kestrel - Trust scoring and loyalty rewards for marketplaces.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/auth"
	"github.com/opensource-finance/kestrel/internal/batch"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/loyalty"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/search"
	"github.com/opensource-finance/kestrel/internal/signals"
	"github.com/opensource-finance/kestrel/internal/trust"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"edition", cfg.Edition,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"tracing", cfg.Tracing.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	clock := domain.SystemClock{}

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache, clock)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Audit trail: entries go over the bus and the sink persists them.
	auditLog := audit.NewLogger(busImpl, logger)
	sink := audit.NewSink(busImpl, repo, logger)
	if err := sink.Start(ctx); err != nil {
		slog.Error("failed to start audit sink", "error", err)
		os.Exit(1)
	}

	// Initialize suspect-signal rules
	engine, err := rules.NewEngine(logger)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	if err := engine.ReloadRules(loadSuspectRules(ctx, repo, cfg.Scoring.SuspectRules)); err != nil {
		slog.Error("failed to load suspect rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Initialize trust scoring
	aggregator := signals.NewAggregator(repo, repo, repo, engine, clock)
	trustSvc, err := trust.NewService(aggregator, repo, cacheImpl, auditLog, clock, logger, trust.Config{
		Weights:      cfg.Scoring.Weights,
		Thresholds:   cfg.Scoring.Thresholds,
		CacheTTL:     cfg.Cache.RiskRecordTTL,
		HistoryLimit: cfg.Scoring.HistoryLimit,
	})
	if err != nil {
		slog.Error("failed to initialize trust service", "error", err)
		os.Exit(1)
	}
	if err := trustSvc.LoadWeights(ctx); err != nil {
		slog.Error("failed to load stored weights", "error", err)
		os.Exit(1)
	}

	runner := batch.NewRunner(repo, trustSvc, auditLog, logger,
		batch.WithPageSize(cfg.Batch.PageSize),
		batch.WithMaxFailures(cfg.Batch.MaxFailures),
		batch.WithClock(clock),
	)

	// Initialize loyalty
	loyaltySvc, err := loyalty.NewService(repo, loyalty.TierTable(cfg.Loyalty.Tiers), auditLog, logger)
	if err != nil {
		slog.Error("failed to initialize loyalty service", "error", err)
		os.Exit(1)
	}

	trending := search.NewTrending(cacheImpl, clock, cfg.Search.TrendingWindow, cfg.Search.TrendingLimit)

	// Operator auth; without a secret every admin request is rejected.
	var authz *auth.Authorizer
	if cfg.Auth.JWTSecret != "" {
		authz, err = auth.NewAuthorizer(cfg.Auth, clock)
		if err != nil {
			slog.Error("failed to initialize authorizer", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("KESTREL_JWT_SECRET not set, admin endpoints are disabled")
	}

	// Recompute worker re-assesses users on order and report events
	recompute := worker.NewWorker(busImpl, trustSvc, logger)
	if err := recompute.Start(worker.Config{PublishAssessments: cfg.Edition == domain.EditionPro}); err != nil {
		slog.Error("failed to start recompute worker", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:     repo,
		Cache:    cacheImpl,
		Bus:      busImpl,
		Trust:    trustSvc,
		Batch:    runner,
		Loyalty:  loyaltySvc,
		Rules:    engine,
		Trending: trending,
		Searches: velocity.NewLimiter(cacheImpl, "search", cfg.Search.RecordWindow, cfg.Search.RecordLimit),
		Auth:     authz,
		Audit:    auditLog,
		Version:  Version,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	if err := recompute.Stop(); err != nil {
		slog.Error("failed to stop recompute worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if err := sink.Stop(); err != nil {
		slog.Error("failed to stop audit sink", "error", err)
	}
	slog.Info("audit sink stopped", "written", sink.Stats().Written, "failed", sink.Stats().Failed)

	slog.Info("kestrel shutdown complete")
}

// loadSuspectRules prefers a rule set stored in settings over configuration.
func loadSuspectRules(ctx context.Context, repo domain.SettingsStore, configured []domain.SuspectRule) []domain.SuspectRule {
	raw, err := repo.GetSetting(ctx, rules.SettingKey)
	if errors.Is(err, domain.ErrNotFound) {
		return configured
	}
	if err != nil {
		slog.Warn("failed to read stored suspect rules", "error", err)
		return configured
	}

	var stored []domain.SuspectRule
	if err := json.Unmarshal(raw, &stored); err != nil {
		slog.Warn("stored suspect rules are invalid, using configuration", "error", err)
		return configured
	}
	slog.Info("loading suspect rules from settings", "count", len(stored))
	return stored
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL  trust scoring and loyalty rewards")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Edition:  %s\n", cfg.Edition)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET  /users/{id}/risk                 - Stored risk record")
	fmt.Println("    POST /admin/users/{id}/risk/assess    - Assess one user")
	fmt.Println("    POST /admin/trust-score/migrate       - Recalibrate all users")
	fmt.Println("    GET  /admin/scoring/weights           - Active weight table")
	fmt.Println("    PUT  /admin/scoring/weights           - Replace weight table")
	fmt.Println("    GET  /loyalty/tiers                   - Tier table")
	fmt.Println("    GET  /loyalty/{userId}                - Balance and tier")
	fmt.Println("    POST /admin/loyalty/{userId}/earn     - Credit points")
	fmt.Println("    POST /admin/loyalty/{userId}/spend    - Debit points")
	fmt.Println("    GET  /search/trending                 - Trending searches")
	fmt.Println("    PUT  /admin/{users,orders,reports}/{id} - Marketplace feed")
	fmt.Println("    GET  /health                          - Health check")
	fmt.Println()
}
