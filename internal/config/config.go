// Package config loads Kestrel configuration from defaults, a YAML file and
// KESTREL_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/loyalty"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the variable holding the YAML config path.
const EnvConfigPath = "KESTREL_CONFIG"

// Load builds the configuration. An empty path falls back to KESTREL_CONFIG;
// if neither is set only defaults and environment apply.
func Load(path string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv("KESTREL_EDITION"), string(domain.EditionPro)) {
		cfg = domain.ProConfig()
	}

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *domain.Config) {
	cfg.Server.Host = envOrDefault("KESTREL_HOST", cfg.Server.Host)
	cfg.Server.Port = envInt("KESTREL_PORT", cfg.Server.Port)

	cfg.Repository.Driver = envOrDefault("KESTREL_DB_DRIVER", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = envOrDefault("KESTREL_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = envOrDefault("KESTREL_POSTGRES_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = envInt("KESTREL_POSTGRES_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = envOrDefault("KESTREL_POSTGRES_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = envOrDefault("KESTREL_POSTGRES_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = envOrDefault("KESTREL_POSTGRES_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = envOrDefault("KESTREL_POSTGRES_SSLMODE", cfg.Repository.PostgresSSLMode)

	cfg.Cache.Type = envOrDefault("KESTREL_CACHE_TYPE", cfg.Cache.Type)
	cfg.Cache.RedisAddr = envOrDefault("KESTREL_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = envOrDefault("KESTREL_REDIS_PASSWORD", cfg.Cache.RedisPassword)

	cfg.EventBus.Type = envOrDefault("KESTREL_BUS_TYPE", cfg.EventBus.Type)
	cfg.EventBus.NATSUrl = envOrDefault("KESTREL_NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = envOrDefault("KESTREL_NATS_TOKEN", cfg.EventBus.NATSToken)
	if brokers := os.Getenv("KESTREL_KAFKA_BROKERS"); brokers != "" {
		cfg.EventBus.KafkaBrokers = splitList(brokers)
	}
	cfg.EventBus.KafkaGroupID = envOrDefault("KESTREL_KAFKA_GROUP_ID", cfg.EventBus.KafkaGroupID)

	cfg.Logging.Level = envOrDefault("KESTREL_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = envOrDefault("KESTREL_LOG_FORMAT", cfg.Logging.Format)
	if envBool("KESTREL_DEBUG", false) {
		cfg.Logging.Level = "debug"
	}
	cfg.Tracing.Enabled = envBool("KESTREL_TRACING", cfg.Tracing.Enabled)

	cfg.Auth.JWTSecret = envOrDefault("KESTREL_JWT_SECRET", cfg.Auth.JWTSecret)
	if roles := os.Getenv("KESTREL_ALLOWED_ROLES"); roles != "" {
		cfg.Auth.AllowedRoles = splitList(roles)
	}

	cfg.Batch.PageSize = envInt("KESTREL_BATCH_PAGE_SIZE", cfg.Batch.PageSize)
	cfg.Search.TrendingWindow = envDuration("KESTREL_TRENDING_WINDOW", cfg.Search.TrendingWindow)
	cfg.Search.RecordLimit = envInt("KESTREL_SEARCH_RECORD_LIMIT", cfg.Search.RecordLimit)
}

// Validate checks values that would otherwise fail deep inside a component.
func Validate(cfg *domain.Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	if err := scoring.ValidateWeights(cfg.Scoring.Weights); err != nil {
		errs = append(errs, fmt.Errorf("scoring.weights: %w", err))
	}
	if err := scoring.ValidateThresholds(cfg.Scoring.Thresholds); err != nil {
		errs = append(errs, fmt.Errorf("scoring.thresholds: %w", err))
	}
	if err := loyalty.TierTable(cfg.Loyalty.Tiers).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("loyalty.tiers: %w", err))
	}
	if cfg.Batch.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("batch.page_size must be positive, got %d", cfg.Batch.PageSize))
	}
	if len(cfg.Auth.AllowedRoles) == 0 {
		errs = append(errs, errors.New("auth.allowed_roles must not be empty"))
	}

	return errors.Join(errs...)
}

func envOrDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
