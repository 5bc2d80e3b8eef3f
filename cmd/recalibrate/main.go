// Kestrel - Trust scoring and loyalty rewards for marketplaces.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Command recalibrate re-runs the trust score formula over every user and
// prints the run summary as JSON.
//
// Usage:
//
//	recalibrate -config kestrel.yaml -operator ops-42 -page-size 100
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/batch"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/signals"
	"github.com/opensource-finance/kestrel/internal/trust"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults to $KESTREL_CONFIG)")
	operator := flag.String("operator", "", "operator id recorded in the audit log (default: system)")
	role := flag.String("role", "super_admin", "operator role recorded in the audit log")
	pageSize := flag.Int("page-size", 0, "users per page (default: batch.page_size)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Logs go to stderr so stdout carries only the summary.
	logger := config.NewLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	if *pageSize > 0 {
		cfg.Batch.PageSize = *pageSize
	}

	op := domain.SystemOperator
	if *operator != "" {
		op = &domain.OperatorContext{ID: *operator, Role: *role}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := run(ctx, cfg, op, logger)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(summary)

	if err != nil {
		slog.Error("recalibration failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *domain.Config, op *domain.OperatorContext, logger *slog.Logger) (domain.BatchSummary, error) {
	clock := domain.SystemClock{}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return domain.BatchSummary{}, err
	}
	defer repo.Close()

	// Shares the server's cache in two-phase mode so stale records are invalidated.
	cacheImpl, err := cache.New(cfg.Cache, clock)
	if err != nil {
		return domain.BatchSummary{}, err
	}
	defer cacheImpl.Close()

	engine, err := rules.NewEngine(logger)
	if err != nil {
		return domain.BatchSummary{}, err
	}
	if err := engine.ReloadRules(cfg.Scoring.SuspectRules); err != nil {
		return domain.BatchSummary{}, err
	}
	if raw, err := repo.GetSetting(ctx, rules.SettingKey); err == nil {
		var stored []domain.SuspectRule
		if json.Unmarshal(raw, &stored) == nil {
			if err := engine.ReloadRules(stored); err != nil {
				logger.Warn("stored suspect rules rejected, using configuration", "error", err)
			}
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.BatchSummary{}, domain.Infra("read suspect rules", err)
	}

	auditLog := audit.NewDirect(repo, logger)

	trustSvc, err := trust.NewService(signals.NewAggregator(repo, repo, repo, engine, clock), repo, cacheImpl, auditLog, clock, logger, trust.Config{
		Weights:      cfg.Scoring.Weights,
		Thresholds:   cfg.Scoring.Thresholds,
		CacheTTL:     cfg.Cache.RiskRecordTTL,
		HistoryLimit: cfg.Scoring.HistoryLimit,
	})
	if err != nil {
		return domain.BatchSummary{}, err
	}
	if err := trustSvc.LoadWeights(ctx); err != nil {
		return domain.BatchSummary{}, err
	}

	runner := batch.NewRunner(repo, trustSvc, auditLog, logger,
		batch.WithPageSize(cfg.Batch.PageSize),
		batch.WithMaxFailures(cfg.Batch.MaxFailures),
		batch.WithClock(clock),
	)
	return runner.RunTrustScoreMigration(ctx, op)
}
