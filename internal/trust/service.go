// Package trust assesses user risk and keeps the stored trust score current.
package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("kestrel-trust")

// WeightsSettingKey is the settings row holding the active weight table.
const WeightsSettingKey = "scoring.weights"

// Aggregator collects signals for one user.
type Aggregator interface {
	Aggregate(ctx context.Context, userID string) (domain.Signals, error)
}

// Auditor records operator actions.
type Auditor interface {
	Record(ctx context.Context, op *domain.OperatorContext, actionType, target string, detail map[string]any)
}

// Store is the persistence the service needs.
type Store interface {
	domain.UserStore
	domain.RiskStore
	domain.SettingsStore
}

// Config tunes the service.
type Config struct {
	Weights      scoring.Weights
	Thresholds   scoring.Thresholds
	CacheTTL     time.Duration
	HistoryLimit int
}

// Service runs assessments and serves stored risk records.
type Service struct {
	agg    Aggregator
	store  Store
	cache  domain.Cache
	audit  Auditor
	clock  domain.Clock
	logger *slog.Logger

	thresholds   scoring.Thresholds
	cacheTTL     time.Duration
	historyLimit int

	mu      sync.RWMutex
	weights scoring.Weights
}

// NewService creates a trust service. cache and audit may be nil.
func NewService(agg Aggregator, store Store, cache domain.Cache, audit Auditor, clock domain.Clock, logger *slog.Logger, cfg Config) (*Service, error) {
	if err := scoring.ValidateWeights(cfg.Weights); err != nil {
		return nil, fmt.Errorf("weights: %w", err)
	}
	if err := scoring.ValidateThresholds(cfg.Thresholds); err != nil {
		return nil, fmt.Errorf("thresholds: %w", err)
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}

	return &Service{
		agg:          agg,
		store:        store,
		cache:        cache,
		audit:        audit,
		clock:        clock,
		logger:       logger,
		thresholds:   cfg.Thresholds,
		cacheTTL:     cfg.CacheTTL,
		historyLimit: cfg.HistoryLimit,
		weights:      cfg.Weights,
	}, nil
}

// AssessUserRisk recomputes the trust score for userID, stores it on the
// user, appends a history row and, when op is set, records an audit entry.
// A missing user returns domain.ErrNotFound and nothing is written.
func (s *Service) AssessUserRisk(ctx context.Context, userID string, op *domain.OperatorContext) (*domain.UserRiskRecord, error) {
	ctx, span := tracer.Start(ctx, "trust.AssessUserRisk",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	record, err := s.assess(ctx, userID, op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("trust.score", record.CurrentScore),
		attribute.String("trust.risk_level", string(record.RiskLevel)),
	)
	return record, nil
}

func (s *Service) assess(ctx context.Context, userID string, op *domain.OperatorContext) (*domain.UserRiskRecord, error) {
	signals, err := s.agg.Aggregate(ctx, userID)
	if err != nil {
		return nil, err
	}

	weights := s.Weights()
	result := scoring.Calculate(weights, signals)
	level := scoring.Classify(s.thresholds, result.Score)
	now := s.clock.Now()
	factors := domain.FactorsOf(signals)

	if err := s.store.UpdateUserRisk(ctx, userID, result.Score, level, now); err != nil {
		return nil, domain.Infra("update user risk", err)
	}

	entry := domain.RiskHistoryEntry{
		ID:      uuid.New().String(),
		UserID:  userID,
		Score:   result.Score,
		Level:   level,
		Reason:  scoring.Reason(result, level),
		Date:    now,
		Factors: &factors,
	}
	if err := s.store.AppendRiskHistory(ctx, &entry); err != nil {
		return nil, domain.Infra("append risk history", err)
	}

	s.invalidate(ctx, userID)

	histories, err := s.store.ListRiskHistory(ctx, userID, s.historyLimit)
	if err != nil {
		s.logger.Warn("failed to read risk history",
			"user_id", userID,
			"error", err,
		)
		histories = []domain.RiskHistoryEntry{entry}
	}

	if op != nil && s.audit != nil {
		s.audit.Record(ctx, op, domain.AuditTrustAssess, userID, map[string]any{
			"score":         result.Score,
			"riskLevel":     level,
			"factors":       factors,
			"suspectRules":  signals.SuspectRules,
			"contributions": result.Contributions,
		})
	}

	s.logger.Info("user risk assessed",
		"user_id", userID,
		"score", result.Score,
		"risk_level", level,
		"suspect_signals", signals.SuspectSignals,
	)

	return &domain.UserRiskRecord{
		UserID:       userID,
		CurrentScore: result.Score,
		RiskLevel:    level,
		Factors:      factors,
		LastUpdated:  now,
		Histories:    histories,
	}, nil
}

// GetRiskRecord returns the last stored assessment for userID. Users that
// were never assessed return domain.ErrNotFound.
func (s *Service) GetRiskRecord(ctx context.Context, userID string) (*domain.UserRiskRecord, error) {
	key := cacheKey(userID)

	if s.cache != nil {
		if data, err := s.cache.Get(ctx, key); err == nil && data != nil {
			var rec domain.UserRiskRecord
			if err := json.Unmarshal(data, &rec); err == nil {
				return &rec, nil
			}
		}
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, domain.Infra("get user", err)
	}
	if user.TrustScore == nil || user.LastRiskAssessment == nil {
		return nil, fmt.Errorf("user %s has not been assessed: %w", userID, domain.ErrNotFound)
	}

	histories, err := s.store.ListRiskHistory(ctx, userID, s.historyLimit)
	if err != nil {
		return nil, domain.Infra("list risk history", err)
	}

	rec := &domain.UserRiskRecord{
		UserID:       userID,
		CurrentScore: *user.TrustScore,
		RiskLevel:    user.RiskLevel,
		LastUpdated:  *user.LastRiskAssessment,
		Histories:    histories,
	}
	if len(histories) > 0 && histories[0].Factors != nil {
		rec.Factors = *histories[0].Factors
	}

	if s.cache != nil {
		if data, err := json.Marshal(rec); err == nil {
			if err := s.cache.Set(ctx, key, data, s.cacheTTL); err != nil {
				s.logger.Warn("failed to cache risk record", "user_id", userID, "error", err)
			}
		}
	}

	return rec, nil
}

// Weights returns the active weight table.
func (s *Service) Weights() scoring.Weights {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.weights
}

// Thresholds returns the classifier thresholds.
func (s *Service) Thresholds() scoring.Thresholds {
	return s.thresholds
}

// SetWeights validates, persists and activates a new weight table.
func (s *Service) SetWeights(ctx context.Context, w scoring.Weights, op *domain.OperatorContext) error {
	if err := scoring.ValidateWeights(w); err != nil {
		return err
	}

	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	if err := s.store.SaveSetting(ctx, WeightsSettingKey, data); err != nil {
		return domain.Infra("save weights", err)
	}

	s.mu.Lock()
	previous := s.weights
	s.weights = w
	s.mu.Unlock()

	if s.audit != nil {
		s.audit.Record(ctx, op, domain.AuditWeightsUpdated, WeightsSettingKey, map[string]any{
			"previous": previous,
			"current":  w,
		})
	}

	s.logger.Info("score weights updated", "operator", operatorID(op))
	return nil
}

// LoadWeights activates the persisted weight table if one exists.
func (s *Service) LoadWeights(ctx context.Context) error {
	data, err := s.store.GetSetting(ctx, WeightsSettingKey)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return domain.Infra("load weights", err)
	}

	var w scoring.Weights
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode stored weights: %w", err)
	}
	if err := scoring.ValidateWeights(w); err != nil {
		return fmt.Errorf("stored weights: %w", err)
	}

	s.mu.Lock()
	s.weights = w
	s.mu.Unlock()
	return nil
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cacheKey(userID)); err != nil {
		s.logger.Warn("failed to invalidate risk record", "user_id", userID, "error", err)
	}
}

func cacheKey(userID string) string {
	return "risk:" + userID
}

func operatorID(op *domain.OperatorContext) string {
	if op == nil {
		return ""
	}
	return op.ID
}
