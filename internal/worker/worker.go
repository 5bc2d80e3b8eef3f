// Package worker re-assesses users when marketplace events change their signals.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Assessor recomputes one user's score.
type Assessor interface {
	AssessUserRisk(ctx context.Context, userID string, op *domain.OperatorContext) (*domain.UserRiskRecord, error)
}

// Worker consumes order and report events from the EventBus.
type Worker struct {
	bus      domain.EventBus
	assessor Assessor
	logger   *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	publish       bool
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// PublishAssessments emits a TopicRiskAssessed message after each re-assessment.
	PublishAssessments bool
}

// RiskAssessedMessage is the payload published on TopicRiskAssessed.
type RiskAssessedMessage struct {
	UserID    string           `json:"userId"`
	Score     int              `json:"score"`
	RiskLevel domain.RiskLevel `json:"riskLevel"`
	Trigger   string           `json:"trigger"`
	At        time.Time        `json:"at"`
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, assessor Assessor, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		assessor: assessor,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to order and report events.
func (w *Worker) Start(cfg Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.publish = cfg.PublishAssessments

	handlers := map[string]domain.MessageHandler{
		domain.TopicOrderStatusChanged: w.handleOrderStatus,
		domain.TopicReportResolved:     w.handleReportResolved,
	}
	for topic, handler := range handlers {
		sub, err := w.bus.Subscribe(w.ctx, topic, handler)
		if err != nil {
			for _, s := range w.subscriptions {
				s.Unsubscribe()
			}
			w.subscriptions = nil
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	w.logger.Info("recompute worker started",
		"subscription_count", len(w.subscriptions),
	)
	return nil
}

func (w *Worker) handleOrderStatus(ctx context.Context, msg *domain.Message) error {
	var ev domain.OrderStatusEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		w.failed.Add(1)
		w.logger.Error("failed to parse order status event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if ev.SellerID == "" {
		w.failed.Add(1)
		return fmt.Errorf("%w: order %s event has no seller", domain.ErrInvalidInput, ev.OrderID)
	}

	// Only terminal states move the score.
	if ev.Status != domain.OrderCompleted && ev.Status != domain.OrderCancelled {
		return nil
	}
	return w.reassess(ctx, ev.SellerID, "order:"+ev.OrderID)
}

func (w *Worker) handleReportResolved(ctx context.Context, msg *domain.Message) error {
	var ev domain.ReportResolvedEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		w.failed.Add(1)
		w.logger.Error("failed to parse report event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if ev.TargetID == "" {
		w.failed.Add(1)
		return fmt.Errorf("%w: report %s event has no target", domain.ErrInvalidInput, ev.ReportID)
	}
	return w.reassess(ctx, ev.TargetID, "report:"+ev.ReportID)
}

func (w *Worker) reassess(ctx context.Context, userID, trigger string) error {
	start := time.Now()

	rec, err := w.assessor.AssessUserRisk(ctx, userID, nil)
	if err != nil {
		w.failed.Add(1)
		w.logger.Error("re-assessment failed",
			"user_id", userID,
			"trigger", trigger,
			"error", err,
		)
		return err
	}
	w.processed.Add(1)

	w.mu.Lock()
	publish := w.publish
	w.mu.Unlock()

	if publish {
		payload, _ := json.Marshal(RiskAssessedMessage{
			UserID:    rec.UserID,
			Score:     rec.CurrentScore,
			RiskLevel: rec.RiskLevel,
			Trigger:   trigger,
			At:        rec.LastUpdated,
		})
		if err := w.bus.Publish(ctx, domain.TopicRiskAssessed, payload); err != nil {
			w.logger.Error("failed to publish assessment",
				"user_id", userID,
				"error", err,
			)
		}
	}

	w.logger.Info("user re-assessed",
		"user_id", userID,
		"trigger", trigger,
		"score", rec.CurrentScore,
		"risk_level", rec.RiskLevel,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.logger.Info("recompute worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
