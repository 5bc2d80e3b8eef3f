package domain

import "time"

// Tier is a named loyalty level unlocked at MinBalance points.
type Tier struct {
	Name            string   `json:"name" yaml:"name"`
	MinBalance      int64    `json:"minBalance" yaml:"min_balance"`
	DiscountPercent int      `json:"discountPercent" yaml:"discount_percent"`
	EarnMultiplier  float64  `json:"earnMultiplier,omitempty" yaml:"earn_multiplier"`
	Benefits        []string `json:"benefits,omitempty" yaml:"benefits"`
}

// TierInfo is the live tier derived from a balance.
type TierInfo struct {
	Tier              Tier   `json:"tier"`
	DiscountPercent   int    `json:"discountPercent"`
	NextTier          string `json:"nextTier,omitempty"`
	NextTierThreshold *int64 `json:"nextTierThreshold"`
	PointsToNextTier  int64  `json:"pointsToNextTier"`
}

// LoyaltyAccount is a user's points ledger head. The tier is never stored.
type LoyaltyAccount struct {
	UserID    string    `json:"userId"`
	Balance   int64     `json:"balance"`
	Lifetime  int64     `json:"lifetime"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PointsTxType distinguishes ledger movements.
type PointsTxType string

const (
	PointsEarn  PointsTxType = "earn"
	PointsSpend PointsTxType = "spend"
)

// PointsTransaction is one ledger movement.
type PointsTransaction struct {
	ID           string       `json:"id"`
	UserID       string       `json:"userId"`
	Type         PointsTxType `json:"type"`
	Amount       int64        `json:"amount"`
	BalanceAfter int64        `json:"balanceAfter"`
	Source       string       `json:"source,omitempty"`
	Reference    string       `json:"reference,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
}
