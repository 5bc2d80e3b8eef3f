package loyalty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Auditor records operator actions.
type Auditor interface {
	Record(ctx context.Context, op *domain.OperatorContext, actionType, target string, detail map[string]any)
}

// Account is a points balance with its live tier.
type Account struct {
	domain.LoyaltyAccount
	Tier domain.TierInfo `json:"tier"`
}

// Service manages points balances. Tier is derived on every read.
type Service struct {
	store  domain.LoyaltyStore
	table  TierTable
	audit  Auditor
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a loyalty service. A nil table uses the default tiers.
func NewService(store domain.LoyaltyStore, table TierTable, audit Auditor, logger *slog.Logger) (*Service, error) {
	if table == nil {
		table = DefaultTierTable()
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		table:  table,
		audit:  audit,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Tiers returns the configured tier table.
func (s *Service) Tiers() TierTable {
	return s.table
}

// Lookup returns the tier for balance.
func (s *Service) Lookup(balance int64) domain.TierInfo {
	return s.table.Lookup(balance)
}

// Account returns the user's balance and current tier. Users without an
// account read as a zero balance.
func (s *Service) Account(ctx context.Context, userID string) (*Account, error) {
	acct, err := s.store.GetLoyaltyAccount(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		acct = &domain.LoyaltyAccount{UserID: userID}
	} else if err != nil {
		return nil, domain.Infra("get loyalty account", err)
	}
	return s.withTier(acct), nil
}

// Earn adds amount points. Negative amounts are rejected.
func (s *Service) Earn(ctx context.Context, userID string, amount int64, source, reference string, op *domain.OperatorContext) (*Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}
	if amount < 0 {
		return nil, fmt.Errorf("%w: earn amount must not be negative", domain.ErrInvalidInput)
	}

	tx := &domain.PointsTransaction{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      domain.PointsEarn,
		Amount:    amount,
		Source:    source,
		Reference: reference,
		CreatedAt: s.now(),
	}
	acct, err := s.store.EarnPoints(ctx, tx)
	if err != nil {
		return nil, domain.Infra("earn points", err)
	}

	out := s.withTier(acct)
	s.record(ctx, op, domain.AuditLoyaltyEarn, tx, out)
	return out, nil
}

// Spend removes amount points. It fails with ErrInsufficientBalance, leaving
// the balance unchanged, when amount exceeds the balance.
func (s *Service) Spend(ctx context.Context, userID string, amount int64, reference string, op *domain.OperatorContext) (*Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}
	if amount < 0 {
		return nil, fmt.Errorf("%w: spend amount must not be negative", domain.ErrInvalidInput)
	}

	tx := &domain.PointsTransaction{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      domain.PointsSpend,
		Amount:    amount,
		Reference: reference,
		CreatedAt: s.now(),
	}
	acct, err := s.store.SpendPoints(ctx, tx)
	if err != nil {
		return nil, domain.Infra("spend points", err)
	}

	out := s.withTier(acct)
	s.record(ctx, op, domain.AuditLoyaltySpend, tx, out)
	return out, nil
}

// Transactions lists recent ledger rows for userID.
func (s *Service) Transactions(ctx context.Context, userID string, limit int) ([]domain.PointsTransaction, error) {
	txs, err := s.store.ListPointsTransactions(ctx, userID, limit)
	if err != nil {
		return nil, domain.Infra("list points transactions", err)
	}
	return txs, nil
}

func (s *Service) withTier(acct *domain.LoyaltyAccount) *Account {
	return &Account{
		LoyaltyAccount: *acct,
		Tier:           s.table.Lookup(acct.Balance),
	}
}

func (s *Service) record(ctx context.Context, op *domain.OperatorContext, action string, tx *domain.PointsTransaction, acct *Account) {
	s.logger.Info("loyalty points moved",
		"user_id", tx.UserID,
		"type", tx.Type,
		"amount", tx.Amount,
		"balance", acct.Balance,
		"tier", acct.Tier.Tier.Name,
	)
	if s.audit == nil || op == nil {
		return
	}
	s.audit.Record(ctx, op, action, tx.UserID, map[string]any{
		"transactionId": tx.ID,
		"amount":        tx.Amount,
		"balanceAfter":  acct.Balance,
		"tier":          acct.Tier.Tier.Name,
	})
}
