// Package signals gathers the behavioral counters a trust score is computed from.
package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SuspectCounter counts suspect-signal rules that fire for a set of signals.
type SuspectCounter interface {
	Count(s domain.Signals) (int, []string)
}

// Aggregator reads user, order and report data. It never writes.
type Aggregator struct {
	users   domain.UserStore
	orders  domain.OrderStore
	reports domain.ReportStore
	rules   SuspectCounter
	clock   domain.Clock
}

// NewAggregator creates an aggregator. rules may be nil; clock defaults to
// the system clock.
func NewAggregator(users domain.UserStore, orders domain.OrderStore, reports domain.ReportStore, rules SuspectCounter, clock domain.Clock) *Aggregator {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Aggregator{
		users:   users,
		orders:  orders,
		reports: reports,
		rules:   rules,
		clock:   clock,
	}
}

// Aggregate collects the signals for userID. A missing user returns
// domain.ErrNotFound. Negative counts from storage are rejected with
// domain.ErrInvalidInput.
func (a *Aggregator) Aggregate(ctx context.Context, userID string) (domain.Signals, error) {
	user, err := a.users.GetUser(ctx, userID)
	if err != nil {
		return domain.Signals{}, domain.Infra("get user", err)
	}
	return a.AggregateUser(ctx, user)
}

// AggregateUser collects signals for an already loaded user.
func (a *Aggregator) AggregateUser(ctx context.Context, user *domain.User) (domain.Signals, error) {
	s := domain.Signals{
		UserID:         user.ID,
		KYCVerified:    user.KYCVerified,
		BankVerified:   user.BankVerified,
		AccountAgeDays: AccountAgeDays(user.CreatedAt, a.clock.Now()),
	}

	completed, err := a.orders.CountSellerOrders(ctx, user.ID, domain.OrderCompleted)
	if err != nil {
		return domain.Signals{}, domain.Infra("count completed orders", err)
	}
	cancelled, err := a.orders.CountSellerOrders(ctx, user.ID, domain.OrderCancelled)
	if err != nil {
		return domain.Signals{}, domain.Infra("count cancelled orders", err)
	}
	reports, err := a.reports.CountUpheldReports(ctx, user.ID)
	if err != nil {
		return domain.Signals{}, domain.Infra("count upheld reports", err)
	}

	for name, n := range map[string]int{
		"completed orders": completed,
		"cancelled orders": cancelled,
		"upheld reports":   reports,
	} {
		if n < 0 {
			return domain.Signals{}, fmt.Errorf("%w: user %s has %d %s", domain.ErrInvalidInput, user.ID, n, name)
		}
	}

	s.CompletedOrders = completed
	s.CancelledOrders = cancelled
	s.ReportCount = reports

	if a.rules != nil {
		s.SuspectSignals, s.SuspectRules = a.rules.Count(s)
	}

	return s, nil
}

// AccountAgeDays returns whole days between createdAt and now, never negative.
func AccountAgeDays(createdAt, now time.Time) int {
	if createdAt.IsZero() || now.Before(createdAt) {
		return 0
	}
	return int(now.Sub(createdAt) / (24 * time.Hour))
}
