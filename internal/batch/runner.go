// Package batch recalibrates the trust score of every user.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("kestrel-batch")

// State is the position of a run in its lifecycle.
type State string

const (
	StateNotStarted State = "not_started"
	StatePaginating State = "paginating"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
)

// UserLister pages through user keys in creation order.
type UserLister interface {
	ListUserKeysAfter(ctx context.Context, cursor domain.UserCursor, limit int) ([]domain.UserCursor, error)
}

// Assessor recomputes one user's score.
type Assessor interface {
	AssessUserRisk(ctx context.Context, userID string, op *domain.OperatorContext) (*domain.UserRiskRecord, error)
}

// Auditor records operator actions.
type Auditor interface {
	Record(ctx context.Context, op *domain.OperatorContext, actionType, target string, detail map[string]any)
}

// Runner walks all users page by page and re-assesses each one.
// Users are processed one at a time; a failed page fetch aborts the run,
// a failed assessment is counted and skipped.
type Runner struct {
	users       UserLister
	assessor    Assessor
	audit       Auditor
	clock       domain.Clock
	logger      *slog.Logger
	pageSize    int
	maxFailures int

	mu      sync.Mutex
	state   State
	running bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithPageSize sets the number of users fetched per page.
func WithPageSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithMaxFailures caps how many per-user failures are kept in the summary.
func WithMaxFailures(n int) Option {
	return func(r *Runner) {
		if n >= 0 {
			r.maxFailures = n
		}
	}
}

// WithClock sets the clock used for run timestamps.
func WithClock(c domain.Clock) Option {
	return func(r *Runner) {
		if c != nil {
			r.clock = c
		}
	}
}

// NewRunner creates a batch runner. audit may be nil.
func NewRunner(users UserLister, assessor Assessor, audit Auditor, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		users:       users,
		assessor:    assessor,
		audit:       audit,
		clock:       domain.SystemClock{},
		logger:      logger,
		pageSize:    50,
		maxFailures: 100,
		state:       StateNotStarted,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ErrAlreadyRunning is returned when a run is requested while one is in progress.
var ErrAlreadyRunning = errors.New("trust score migration already running")

// State returns the lifecycle state of the current or last run.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// RunTrustScoreMigration re-assesses every user. The returned summary always
// satisfies Processed == Updated + Errors. A page fetch failure or context
// cancellation stops the run and is returned with the partial summary.
func (r *Runner) RunTrustScoreMigration(ctx context.Context, op *domain.OperatorContext) (domain.BatchSummary, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return domain.BatchSummary{}, ErrAlreadyRunning
	}
	r.running = true
	r.state = StateNotStarted
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	if op == nil {
		op = domain.SystemOperator
	}

	summary := domain.BatchSummary{
		RunID:     uuid.New().String(),
		StartedAt: r.clock.Now(),
	}

	r.record(ctx, op, domain.AuditMigrationStart, summary.RunID, map[string]any{
		"pageSize": r.pageSize,
	})
	r.logger.Info("trust score migration started",
		"run_id", summary.RunID,
		"operator", op.ID,
		"page_size", r.pageSize,
	)

	err := r.run(ctx, &summary)

	summary.FinishedAt = r.clock.Now()
	summary.DurationMs = summary.FinishedAt.Sub(summary.StartedAt).Milliseconds()

	if err != nil {
		r.logger.Error("trust score migration aborted",
			"run_id", summary.RunID,
			"processed", summary.Processed,
			"pages", summary.Pages,
			"error", err,
		)
		return summary, err
	}

	r.setState(StateCompleted)
	r.record(ctx, op, domain.AuditMigrationComplete, summary.RunID, map[string]any{
		"processed":  summary.Processed,
		"updated":    summary.Updated,
		"errors":     summary.Errors,
		"pages":      summary.Pages,
		"durationMs": summary.DurationMs,
	})
	r.logger.Info("trust score migration completed",
		"run_id", summary.RunID,
		"processed", summary.Processed,
		"updated", summary.Updated,
		"errors", summary.Errors,
		"pages", summary.Pages,
		"duration_ms", summary.DurationMs,
	)

	return summary, nil
}

func (r *Runner) run(ctx context.Context, summary *domain.BatchSummary) error {
	var cursor domain.UserCursor

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.setState(StatePaginating)
		page, err := r.users.ListUserKeysAfter(ctx, cursor, r.pageSize)
		if err != nil {
			return domain.Infra(fmt.Sprintf("list users page %d", summary.Pages+1), err)
		}
		if len(page) == 0 {
			return nil
		}
		summary.Pages++

		r.setState(StateProcessing)
		if err := r.processPage(ctx, page, summary); err != nil {
			return err
		}

		cursor = page[len(page)-1]
	}
}

// processPage assesses each user without an operator; the run itself is
// audited once at start and once at completion.
func (r *Runner) processPage(ctx context.Context, page []domain.UserCursor, summary *domain.BatchSummary) error {
	ctx, span := tracer.Start(ctx, "batch.page",
		trace.WithAttributes(
			attribute.Int("batch.page", summary.Pages),
			attribute.Int("batch.page_size", len(page)),
		),
	)
	defer span.End()

	for _, u := range page {
		if err := ctx.Err(); err != nil {
			return err
		}

		summary.Processed++
		if _, err := r.assessor.AssessUserRisk(ctx, u.ID, nil); err != nil {
			summary.Errors++
			if len(summary.Failures) < r.maxFailures {
				summary.Failures = append(summary.Failures, domain.RecordError{UserID: u.ID, Error: err.Error()})
			}
			r.logger.Warn("user assessment failed",
				"run_id", summary.RunID,
				"user_id", u.ID,
				"error", err,
			)
			continue
		}
		summary.Updated++
	}
	return nil
}

func (r *Runner) record(ctx context.Context, op *domain.OperatorContext, action, target string, detail map[string]any) {
	if r.audit == nil {
		return
	}
	r.audit.Record(ctx, op, action, target, detail)
}
