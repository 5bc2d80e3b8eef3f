// Package scoring computes trust scores from user signals and buckets them
// into risk levels.
package scoring

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Weights is the trust score weight table.
type Weights = domain.ScoreWeights

// Thresholds are the classifier cut-offs.
type Thresholds = domain.RiskThresholds

// Factor names used in contributions.
const (
	FactorBase            = "base"
	FactorKYC             = "kyc_verified"
	FactorBank            = "bank_verified"
	FactorCompletedOrders = "completed_orders"
	FactorCancelledOrders = "cancelled_orders"
	FactorUpheldReports   = "upheld_reports"
	FactorSuspectSignals  = "suspect_signals"
)

// Contribution shows how one factor moved the score.
type Contribution struct {
	Factor string `json:"factor"`
	Count  int    `json:"count,omitempty"`
	Points int    `json:"points"`
}

// Result is a computed score with its breakdown.
type Result struct {
	// Score is the clamped final score.
	Score int `json:"score"`

	// Raw is the score before clamping.
	Raw int `json:"raw"`

	Contributions []Contribution `json:"contributions"`
}

// DefaultWeights returns the stock weight table.
func DefaultWeights() Weights {
	return domain.DefaultScoreWeights()
}

// DefaultThresholds returns the stock classifier thresholds.
func DefaultThresholds() Thresholds {
	return domain.DefaultRiskThresholds()
}

// ValidateWeights rejects tables that would break clamping or monotonicity.
// The clamp range must lie within the stored score bounds and contain Base.
func ValidateWeights(w Weights) error {
	if w.Min >= w.Max {
		return fmt.Errorf("%w: min %d must be below max %d", domain.ErrInvalidInput, w.Min, w.Max)
	}
	if w.Min < domain.MinTrustScore || w.Max > domain.MaxTrustScore {
		return fmt.Errorf("%w: score range %d..%d must lie within %d..%d",
			domain.ErrInvalidInput, w.Min, w.Max, domain.MinTrustScore, domain.MaxTrustScore)
	}
	if w.Base < w.Min || w.Base > w.Max {
		return fmt.Errorf("%w: base %d must lie within %d..%d", domain.ErrInvalidInput, w.Base, w.Min, w.Max)
	}
	for name, v := range map[string]int{
		"kycBonus":          w.KYCBonus,
		"bankBonus":         w.BankBonus,
		"perCompletedOrder": w.PerCompletedOrder,
		"completedOrderCap": w.CompletedOrderCap,
		"perCancelledOrder": w.PerCancelledOrder,
		"perUpheldReport":   w.PerUpheldReport,
		"perSuspectSignal":  w.PerSuspectSignal,
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s must not be negative", domain.ErrInvalidInput, name)
		}
	}
	return nil
}

// ValidateThresholds requires Low > Medium > High.
func ValidateThresholds(t Thresholds) error {
	if !(t.Low > t.Medium && t.Medium > t.High) {
		return fmt.Errorf("%w: thresholds must satisfy low > medium > high, got %d/%d/%d",
			domain.ErrInvalidInput, t.Low, t.Medium, t.High)
	}
	return nil
}

// Calculate computes the trust score for s. Negative counters count as zero.
func Calculate(w Weights, s domain.Signals) Result {
	completed := nonNegative(s.CompletedOrders)
	cancelled := nonNegative(s.CancelledOrders)
	reports := nonNegative(s.ReportCount)
	suspect := nonNegative(s.SuspectSignals)

	contributions := make([]Contribution, 0, 7)
	score := w.Base
	contributions = append(contributions, Contribution{Factor: FactorBase, Points: w.Base})

	if s.KYCVerified {
		score += w.KYCBonus
		contributions = append(contributions, Contribution{Factor: FactorKYC, Points: w.KYCBonus})
	}
	if s.BankVerified {
		score += w.BankBonus
		contributions = append(contributions, Contribution{Factor: FactorBank, Points: w.BankBonus})
	}

	orderBonus := min(w.CompletedOrderCap, completed*w.PerCompletedOrder)
	score += orderBonus
	contributions = append(contributions, Contribution{Factor: FactorCompletedOrders, Count: completed, Points: orderBonus})

	cancelPenalty := cancelled * w.PerCancelledOrder
	score -= cancelPenalty
	contributions = append(contributions, Contribution{Factor: FactorCancelledOrders, Count: cancelled, Points: -cancelPenalty})

	reportPenalty := reports * w.PerUpheldReport
	score -= reportPenalty
	contributions = append(contributions, Contribution{Factor: FactorUpheldReports, Count: reports, Points: -reportPenalty})

	if suspect > 0 && w.PerSuspectSignal > 0 {
		suspectPenalty := suspect * w.PerSuspectSignal
		score -= suspectPenalty
		contributions = append(contributions, Contribution{Factor: FactorSuspectSignals, Count: suspect, Points: -suspectPenalty})
	}

	return Result{
		Score:         clamp(score, w.Min, w.Max),
		Raw:           score,
		Contributions: contributions,
	}
}

// Score is Calculate without the breakdown.
func Score(w Weights, s domain.Signals) int {
	return Calculate(w, s).Score
}

// Classify maps a score onto a risk level, checking the highest band first.
func Classify(t Thresholds, score int) domain.RiskLevel {
	switch {
	case score >= t.Low:
		return domain.RiskLow
	case score >= t.Medium:
		return domain.RiskMedium
	case score >= t.High:
		return domain.RiskHigh
	default:
		return domain.RiskCritical
	}
}

// Reason renders a result as a short human-readable explanation.
func Reason(r Result, level domain.RiskLevel) string {
	var b strings.Builder
	fmt.Fprintf(&b, "score %d (%s):", r.Score, level)
	for _, c := range r.Contributions {
		if c.Points == 0 && c.Factor != FactorBase {
			continue
		}
		if c.Count > 0 {
			fmt.Fprintf(&b, " %s x%d %+d;", c.Factor, c.Count, c.Points)
		} else {
			fmt.Fprintf(&b, " %s %+d;", c.Factor, c.Points)
		}
	}
	if r.Raw != r.Score {
		fmt.Fprintf(&b, " clamped from %d;", r.Raw)
	}
	return strings.TrimSuffix(b.String(), ";")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
