package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("KESTREL_EDITION", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Repository.Driver != "sqlite" || cfg.EventBus.Type != "channel" {
		t.Errorf("expected community defaults, got %s/%s", cfg.Repository.Driver, cfg.EventBus.Type)
	}
	if cfg.Scoring.Weights != domain.DefaultScoreWeights() {
		t.Errorf("unexpected default weights: %+v", cfg.Scoring.Weights)
	}
	if cfg.Batch.PageSize != 50 {
		t.Errorf("expected page size 50, got %d", cfg.Batch.PageSize)
	}
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kestrel.yaml")
	yamlDoc := `
server:
  port: 9090
scoring:
  weights:
    base: 40
    kyc_bonus: 25
    bank_bonus: 10
    per_completed_order: 2
    completed_order_cap: 30
    per_cancelled_order: 10
    per_upheld_report: 20
    min: 0
    max: 100
  thresholds:
    low: 85
    medium: 55
    high: 25
loyalty:
  tiers:
    - name: member
      min_balance: 0
    - name: vip
      min_balance: 500
      discount_percent: 7
search:
  trending_window: 30m
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv("KESTREL_EDITION", "")
	t.Setenv("KESTREL_PORT", "7070")
	t.Setenv("KESTREL_DEBUG", "true")
	t.Setenv("KESTREL_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("KESTREL_ALLOWED_ROLES", "super_admin")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("env should override file port, got %d", cfg.Server.Port)
	}
	if cfg.Scoring.Weights.Base != 40 || cfg.Scoring.Weights.PerCompletedOrder != 2 {
		t.Errorf("weights not read from file: %+v", cfg.Scoring.Weights)
	}
	if cfg.Scoring.Thresholds.Low != 85 {
		t.Errorf("thresholds not read from file: %+v", cfg.Scoring.Thresholds)
	}
	if len(cfg.Loyalty.Tiers) != 2 || cfg.Loyalty.Tiers[1].Name != "vip" {
		t.Errorf("tiers not replaced: %+v", cfg.Loyalty.Tiers)
	}
	if cfg.Search.TrendingWindow != 30*time.Minute {
		t.Errorf("expected 30m window, got %v", cfg.Search.TrendingWindow)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("KESTREL_DEBUG should force debug, got %s", cfg.Logging.Level)
	}
	if len(cfg.EventBus.KafkaBrokers) != 2 || cfg.EventBus.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers: %v", cfg.EventBus.KafkaBrokers)
	}
	if len(cfg.Auth.AllowedRoles) != 1 {
		t.Errorf("unexpected roles: %v", cfg.Auth.AllowedRoles)
	}
}

func TestLoadProEdition(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("KESTREL_EDITION", "pro")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Edition != domain.EditionPro || cfg.Repository.Driver != "postgres" || cfg.EventBus.Type != "nats" {
		t.Errorf("expected pro backends, got %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("KESTREL_EDITION", "")

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"Thresholds", "scoring:\n  thresholds:\n    low: 30\n    medium: 50\n    high: 80\n", "scoring.thresholds"},
		{"Tiers", "loyalty:\n  tiers:\n    - name: a\n      min_balance: 10\n", "loyalty.tiers"},
		{"Syntax", "server: [", "parse config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			os.WriteFile(path, []byte(tt.doc), 0o600)

			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(domain.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "user_id", "u1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("expected JSON output: %v", err)
	}
	if rec["user_id"] != "u1" {
		t.Errorf("missing attribute: %v", rec)
	}

	if ParseLevel("WARNING") != slog.LevelWarn || ParseLevel("bogus") != slog.LevelInfo {
		t.Error("ParseLevel mapping wrong")
	}
}
