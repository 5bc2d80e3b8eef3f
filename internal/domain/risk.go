package domain

import (
	"fmt"
	"time"
)

// RiskLevel is the coarse bucket derived from a trust score.
type RiskLevel string

// Bounds of a stored trust score.
const (
	MinTrustScore = 0
	MaxTrustScore = 100
)

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// ParseRiskLevel validates a stored risk level.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch l := RiskLevel(s); l {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return l, nil
	}
	return "", fmt.Errorf("%w: unknown risk level %q", ErrInvalidInput, s)
}

// Signals are the raw behavioral counters gathered for one user.
type Signals struct {
	UserID          string `json:"userId"`
	KYCVerified     bool   `json:"kycVerified"`
	BankVerified    bool   `json:"bankVerified"`
	AccountAgeDays  int    `json:"accountAgeDays"`
	CompletedOrders int    `json:"completedOrders"`
	CancelledOrders int    `json:"cancelledOrders"`
	ReportCount     int    `json:"reportCount"`
	SuspectSignals  int    `json:"suspectSignals"`

	// Names of the suspect rules that fired.
	SuspectRules []string `json:"suspectRules,omitempty"`
}

// RiskFactors is the snapshot of inputs that produced a score.
type RiskFactors struct {
	KYCVerified     bool `json:"kycVerified"`
	BankVerified    bool `json:"bankVerified"`
	AccountAgeDays  int  `json:"accountAgeDays"`
	CompletedOrders int  `json:"completedOrders"`
	CancelledOrders int  `json:"cancelledOrders"`
	ReportCount     int  `json:"reportCount"`
	SuspectSignals  int  `json:"suspectSignals"`
}

// FactorsOf snapshots the scoring inputs from s.
func FactorsOf(s Signals) RiskFactors {
	return RiskFactors{
		KYCVerified:     s.KYCVerified,
		BankVerified:    s.BankVerified,
		AccountAgeDays:  s.AccountAgeDays,
		CompletedOrders: s.CompletedOrders,
		CancelledOrders: s.CancelledOrders,
		ReportCount:     s.ReportCount,
		SuspectSignals:  s.SuspectSignals,
	}
}

// RiskHistoryEntry is one append-only audit row of a user's score.
type RiskHistoryEntry struct {
	ID     string    `json:"id"`
	UserID string    `json:"userId"`
	Score  int       `json:"score"`
	Level  RiskLevel `json:"riskLevel"`
	Reason string    `json:"reason"`
	Date   time.Time `json:"date"`

	// Inputs the score was computed from.
	Factors *RiskFactors `json:"factors,omitempty"`
}

// UserRiskRecord is the result of an assessment.
type UserRiskRecord struct {
	UserID       string             `json:"userId"`
	CurrentScore int                `json:"currentScore"`
	RiskLevel    RiskLevel          `json:"riskLevel"`
	Factors      RiskFactors        `json:"factors"`
	LastUpdated  time.Time          `json:"lastUpdated"`
	Histories    []RiskHistoryEntry `json:"histories"`
}

// OperatorContext identifies the staff member (or system job) acting.
type OperatorContext struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// SystemOperator is used by background jobs that act without a human operator.
var SystemOperator = &OperatorContext{ID: "system", Role: "system"}

// RecordError is a per-user failure captured during a batch run.
type RecordError struct {
	UserID string `json:"userId"`
	Error  string `json:"error"`
}

// BatchSummary is the outcome of a full recalibration run.
type BatchSummary struct {
	RunID      string        `json:"runId"`
	Processed  int           `json:"processed"`
	Updated    int           `json:"updated"`
	Errors     int           `json:"errors"`
	Pages      int           `json:"pages"`
	Failures   []RecordError `json:"failures,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	DurationMs int64         `json:"durationMs"`
}
