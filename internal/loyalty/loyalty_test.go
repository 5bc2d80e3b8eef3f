package loyalty

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// memStore is an in-memory LoyaltyStore.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]*domain.LoyaltyAccount
	txs      []domain.PointsTransaction
	failWith error
}

func newMemStore() *memStore {
	return &memStore{accounts: make(map[string]*domain.LoyaltyAccount)}
}

func (m *memStore) GetLoyaltyAccount(_ context.Context, userID string) (*domain.LoyaltyAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	a, ok := m.accounts[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) EarnPoints(_ context.Context, tx *domain.PointsTransaction) (*domain.LoyaltyAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	a, ok := m.accounts[tx.UserID]
	if !ok {
		a = &domain.LoyaltyAccount{UserID: tx.UserID, CreatedAt: tx.CreatedAt}
		m.accounts[tx.UserID] = a
	}
	a.Balance += tx.Amount
	a.Lifetime += tx.Amount
	tx.BalanceAfter = a.Balance
	m.txs = append(m.txs, *tx)
	cp := *a
	return &cp, nil
}

func (m *memStore) SpendPoints(_ context.Context, tx *domain.PointsTransaction) (*domain.LoyaltyAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	a, ok := m.accounts[tx.UserID]
	if !ok || a.Balance < tx.Amount {
		return nil, domain.ErrInsufficientBalance
	}
	a.Balance -= tx.Amount
	tx.BalanceAfter = a.Balance
	m.txs = append(m.txs, *tx)
	cp := *a
	return &cp, nil
}

func (m *memStore) ListPointsTransactions(_ context.Context, userID string, limit int) ([]domain.PointsTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PointsTransaction
	for i := len(m.txs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.txs[i].UserID == userID {
			out = append(out, m.txs[i])
		}
	}
	return out, nil
}

type recordingAuditor struct {
	actions []string
}

func (r *recordingAuditor) Record(_ context.Context, _ *domain.OperatorContext, actionType, _ string, _ map[string]any) {
	r.actions = append(r.actions, actionType)
}

func TestLookup(t *testing.T) {
	table := DefaultTierTable()

	tests := []struct {
		balance  int64
		tier     string
		discount int
		next     int64 // 0 means top tier
	}{
		{0, "bronze", 0, 1000},
		{999, "bronze", 0, 1000},
		{1000, "silver", 5, 5000},
		{4999, "silver", 5, 5000},
		{5000, "gold", 10, 15000},
		{15000, "platinum", 15, 50000},
		{50000, "diamond", 20, 0},
		{1_000_000, "diamond", 20, 0},
		{-10, "bronze", 0, 1000},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("balance_%d", tt.balance), func(t *testing.T) {
			info := table.Lookup(tt.balance)
			if info.Tier.Name != tt.tier {
				t.Errorf("expected tier %s, got %s", tt.tier, info.Tier.Name)
			}
			if info.DiscountPercent != tt.discount {
				t.Errorf("expected discount %d, got %d", tt.discount, info.DiscountPercent)
			}
			if tt.next == 0 {
				if info.NextTierThreshold != nil {
					t.Errorf("top tier should have no next threshold, got %d", *info.NextTierThreshold)
				}
				return
			}
			if info.NextTierThreshold == nil || *info.NextTierThreshold != tt.next {
				t.Errorf("expected next threshold %d, got %v", tt.next, info.NextTierThreshold)
			}
		})
	}
}

func TestLookupIsPure(t *testing.T) {
	table := DefaultTierTable()
	a := table.Lookup(4999)
	b := table.Lookup(4999)
	if a.Tier.Name != b.Tier.Name || *a.NextTierThreshold != *b.NextTierThreshold || a.PointsToNextTier != 1 {
		t.Errorf("lookup not stable: %+v vs %+v", a, b)
	}
}

func TestLookupEmptyTable(t *testing.T) {
	info := TierTable(nil).Lookup(2500)
	if info.Tier.Name != "" || info.DiscountPercent != 0 || info.NextTierThreshold != nil {
		t.Errorf("expected zero tier info for empty table, got %+v", info)
	}
}

func TestTierTableValidate(t *testing.T) {
	if err := DefaultTierTable().Validate(); err != nil {
		t.Fatalf("default table invalid: %v", err)
	}

	tests := []struct {
		name  string
		table TierTable
	}{
		{"empty", TierTable{}},
		{"not from zero", TierTable{{Name: "a", MinBalance: 10}}},
		{"not increasing", TierTable{{Name: "a"}, {Name: "b", MinBalance: 100}, {Name: "c", MinBalance: 100}}},
		{"bad discount", TierTable{{Name: "a", DiscountPercent: 120}}},
		{"no name", TierTable{{MinBalance: 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.table.Validate(); !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestApplyDiscount(t *testing.T) {
	table := DefaultTierTable()

	tests := []struct {
		price   string
		balance int64
		want    string
	}{
		{"100.00", 0, "100"},
		{"100.00", 1000, "95"},
		{"19.99", 5000, "17.99"},
		{"10.01", 50000, "8.01"},
	}
	for _, tt := range tests {
		got := ApplyDiscount(decimal.RequireFromString(tt.price), table.Lookup(tt.balance))
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("ApplyDiscount(%s, %d) = %s, want %s", tt.price, tt.balance, got, tt.want)
		}
	}
}

func TestEarnedPoints(t *testing.T) {
	table := DefaultTierTable()
	if got := EarnedPoints(decimal.RequireFromString("10.75"), table.Lookup(0)); got != 10 {
		t.Errorf("bronze earns 1x, got %d", got)
	}
	if got := EarnedPoints(decimal.RequireFromString("100"), table.Lookup(5000)); got != 150 {
		t.Errorf("gold earns 1.5x, got %d", got)
	}
	if got := EarnedPoints(decimal.RequireFromString("-5"), table.Lookup(0)); got != 0 {
		t.Errorf("negative purchase earns nothing, got %d", got)
	}
}

func TestServiceEarnSpend(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	auditor := &recordingAuditor{}
	op := &domain.OperatorContext{ID: "staff-1", Role: "manager"}

	svc, err := NewService(store, nil, auditor, nil)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	t.Run("UnknownUserReadsAsZero", func(t *testing.T) {
		acct, err := svc.Account(ctx, "u1")
		if err != nil {
			t.Fatalf("Account failed: %v", err)
		}
		if acct.Balance != 0 || acct.Tier.Tier.Name != "bronze" {
			t.Errorf("expected empty bronze account, got %+v", acct)
		}
	})

	t.Run("EarnIsAdditive", func(t *testing.T) {
		if _, err := svc.Earn(ctx, "u1", 3000, "order", "o1", op); err != nil {
			t.Fatalf("Earn failed: %v", err)
		}
		acct, err := svc.Earn(ctx, "u1", 1999, "order", "o2", op)
		if err != nil {
			t.Fatalf("Earn failed: %v", err)
		}
		if acct.Balance != 4999 {
			t.Errorf("expected 4999, got %d", acct.Balance)
		}
		if acct.Tier.Tier.Name != "silver" || acct.Tier.PointsToNextTier != 1 {
			t.Errorf("expected silver one point short of gold, got %+v", acct.Tier)
		}
	})

	t.Run("EarnRejectsNegative", func(t *testing.T) {
		if _, err := svc.Earn(ctx, "u1", -1, "order", "", op); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("TierRecomputedAcrossThreshold", func(t *testing.T) {
		acct, err := svc.Earn(ctx, "u1", 1, "promo", "", op)
		if err != nil {
			t.Fatalf("Earn failed: %v", err)
		}
		if acct.Balance != 5000 || acct.Tier.Tier.Name != "gold" {
			t.Fatalf("expected gold at 5000, got %d %s", acct.Balance, acct.Tier.Tier.Name)
		}

		acct, err = svc.Spend(ctx, "u1", 1, "redeem-1", op)
		if err != nil {
			t.Fatalf("Spend failed: %v", err)
		}
		if acct.Balance != 4999 || acct.Tier.Tier.Name != "silver" {
			t.Errorf("expected silver at 4999, got %d %s", acct.Balance, acct.Tier.Tier.Name)
		}

		read, err := svc.Account(ctx, "u1")
		if err != nil {
			t.Fatalf("Account failed: %v", err)
		}
		if read.Tier.Tier.Name != "silver" {
			t.Errorf("expected silver on next read, got %s", read.Tier.Tier.Name)
		}
	})

	t.Run("SpendRejectsOverdraw", func(t *testing.T) {
		_, err := svc.Spend(ctx, "u1", 5000, "redeem-2", op)
		if !errors.Is(err, domain.ErrInsufficientBalance) {
			t.Fatalf("expected ErrInsufficientBalance, got %v", err)
		}
		acct, _ := svc.Account(ctx, "u1")
		if acct.Balance != 4999 {
			t.Errorf("balance changed after rejected spend: %d", acct.Balance)
		}
	})

	t.Run("SpendRejectsNegative", func(t *testing.T) {
		if _, err := svc.Spend(ctx, "u1", -5, "", op); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("Audited", func(t *testing.T) {
		// three earns and one spend succeeded
		if len(auditor.actions) != 4 {
			t.Errorf("expected 4 audit records, got %d: %v", len(auditor.actions), auditor.actions)
		}
	})

	t.Run("Transactions", func(t *testing.T) {
		txs, err := svc.Transactions(ctx, "u1", 10)
		if err != nil {
			t.Fatalf("Transactions failed: %v", err)
		}
		if len(txs) != 4 || txs[0].Type != domain.PointsSpend {
			t.Errorf("expected 4 rows newest first, got %+v", txs)
		}
	})
}

func TestServiceInfrastructureError(t *testing.T) {
	store := newMemStore()
	store.failWith = errors.New("connection reset")
	svc, _ := NewService(store, nil, nil, nil)

	_, err := svc.Account(context.Background(), "u1")
	if !domain.IsInfrastructure(err) {
		t.Errorf("expected infrastructure error, got %v", err)
	}
}
