// Package loyalty implements points accounts and the tier table.
package loyalty

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// TierTable is an ordered list of tiers with strictly increasing thresholds.
type TierTable []domain.Tier

// DefaultTierTable returns the stock bronze-to-diamond table.
func DefaultTierTable() TierTable {
	return TierTable(domain.DefaultTiers())
}

// Validate requires a non-empty table that starts at zero and strictly increases.
func (t TierTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("%w: tier table is empty", domain.ErrInvalidInput)
	}
	if t[0].MinBalance != 0 {
		return fmt.Errorf("%w: first tier must start at 0, got %d", domain.ErrInvalidInput, t[0].MinBalance)
	}
	for i, tier := range t {
		if tier.Name == "" {
			return fmt.Errorf("%w: tier %d has no name", domain.ErrInvalidInput, i)
		}
		if tier.DiscountPercent < 0 || tier.DiscountPercent > 100 {
			return fmt.Errorf("%w: tier %s discount %d out of range", domain.ErrInvalidInput, tier.Name, tier.DiscountPercent)
		}
		if i > 0 && tier.MinBalance <= t[i-1].MinBalance {
			return fmt.Errorf("%w: tier %s threshold %d does not exceed %d",
				domain.ErrInvalidInput, tier.Name, tier.MinBalance, t[i-1].MinBalance)
		}
	}
	return nil
}

// Lookup returns the highest tier whose threshold balance meets, and the
// next threshold above it. It is a pure function of balance and table.
// An empty table yields the zero TierInfo.
func (t TierTable) Lookup(balance int64) domain.TierInfo {
	if len(t) == 0 {
		return domain.TierInfo{}
	}
	if balance < 0 {
		balance = 0
	}

	idx := 0
	for i, tier := range t {
		if balance >= tier.MinBalance {
			idx = i
		}
	}

	info := domain.TierInfo{
		Tier:            t[idx],
		DiscountPercent: t[idx].DiscountPercent,
	}
	if idx+1 < len(t) {
		next := t[idx+1]
		threshold := next.MinBalance
		info.NextTier = next.Name
		info.NextTierThreshold = &threshold
		info.PointsToNextTier = threshold - balance
	}
	return info
}

// ApplyDiscount returns price reduced by the tier discount, rounded to cents.
func ApplyDiscount(price decimal.Decimal, info domain.TierInfo) decimal.Decimal {
	if info.DiscountPercent <= 0 {
		return price.Round(2)
	}
	factor := decimal.NewFromInt(int64(100 - info.DiscountPercent)).Div(decimal.NewFromInt(100))
	return price.Mul(factor).Round(2)
}

// EarnedPoints converts a purchase amount into points using the tier multiplier.
// Fractions of a point are dropped.
func EarnedPoints(amount decimal.Decimal, info domain.TierInfo) int64 {
	if amount.Sign() <= 0 {
		return 0
	}
	mult := info.Tier.EarnMultiplier
	if mult <= 0 {
		mult = 1
	}
	return amount.Mul(decimal.NewFromFloat(mult)).Floor().IntPart()
}
