// Package audit publishes operator audit entries and persists them.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Logger emits audit entries onto the event bus. Failures are logged and
// never surface to the caller.
type Logger struct {
	bus    domain.EventBus
	logger *slog.Logger
	now    func() time.Time
}

// NewLogger creates an audit logger.
func NewLogger(bus domain.EventBus, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		bus:    bus,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record publishes {operator, actionType, target, detail}.
func (l *Logger) Record(ctx context.Context, op *domain.OperatorContext, actionType, target string, detail map[string]any) {
	entry := newEntry(op, actionType, target, detail, l.now())

	payload, err := json.Marshal(entry)
	if err != nil {
		l.logger.Error("failed to encode audit entry",
			"action_type", actionType,
			"target", target,
			"error", err,
		)
		return
	}

	if err := l.bus.Publish(ctx, domain.TopicAudit, payload); err != nil {
		l.logger.Error("failed to publish audit entry",
			"audit_id", entry.ID,
			"action_type", actionType,
			"target", target,
			"error", err,
		)
	}
}

// Direct writes audit entries straight to storage, for processes that do
// not run a Sink. Failures are logged and never surface to the caller.
type Direct struct {
	store  domain.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// NewDirect creates a synchronous audit recorder.
func NewDirect(store domain.AuditStore, logger *slog.Logger) *Direct {
	if logger == nil {
		logger = slog.Default()
	}
	return &Direct{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record saves {operator, actionType, target, detail}.
func (d *Direct) Record(ctx context.Context, op *domain.OperatorContext, actionType, target string, detail map[string]any) {
	entry := newEntry(op, actionType, target, detail, d.now())
	if err := d.store.SaveAuditEntry(ctx, &entry); err != nil {
		d.logger.Error("failed to save audit entry",
			"audit_id", entry.ID,
			"action_type", actionType,
			"target", target,
			"error", err,
		)
	}
}

func newEntry(op *domain.OperatorContext, actionType, target string, detail map[string]any, at time.Time) domain.AuditEntry {
	if op == nil {
		op = domain.SystemOperator
	}
	return domain.AuditEntry{
		ID:         uuid.New().String(),
		Operator:   op.ID,
		Role:       op.Role,
		ActionType: actionType,
		Target:     target,
		Detail:     detail,
		CreatedAt:  at,
	}
}

// Sink consumes audit entries from the bus and writes them to storage.
type Sink struct {
	bus    domain.EventBus
	store  domain.AuditStore
	logger *slog.Logger

	mu      sync.Mutex
	sub     domain.Subscription
	written int64
	failed  int64
}

// NewSink creates an audit sink.
func NewSink(bus domain.EventBus, store domain.AuditStore, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		bus:    bus,
		store:  store,
		logger: logger,
	}
}

// Start subscribes to the audit topic.
func (s *Sink) Start(ctx context.Context) error {
	sub, err := s.bus.Subscribe(ctx, domain.TopicAudit, s.Handle)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	s.logger.Info("audit sink started", "topic", domain.TopicAudit)
	return nil
}

// Handle persists one audit message.
func (s *Sink) Handle(ctx context.Context, msg *domain.Message) error {
	var entry domain.AuditEntry
	if err := json.Unmarshal(msg.Payload, &entry); err != nil {
		s.count(false)
		s.logger.Error("failed to parse audit entry",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if err := s.store.SaveAuditEntry(ctx, &entry); err != nil {
		s.count(false)
		s.logger.Error("failed to save audit entry",
			"audit_id", entry.ID,
			"action_type", entry.ActionType,
			"error", err,
		)
		return err
	}

	s.count(true)
	return nil
}

// Stop unsubscribes from the bus.
func (s *Sink) Stop() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// SinkStats reports sink throughput.
type SinkStats struct {
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
}

// Stats returns the number of entries written and failed.
func (s *Sink) Stats() SinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SinkStats{Written: s.written, Failed: s.failed}
}

func (s *Sink) count(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.written++
	} else {
		s.failed++
	}
}
