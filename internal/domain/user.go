package domain

import (
	"fmt"
	"time"
)

// User is the subset of the marketplace user record the trust engine reads and writes.
type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	KYCVerified  bool      `json:"kycVerified"`
	BankVerified bool      `json:"bankVerified"`

	// Written back by assessment only.
	TrustScore         *int       `json:"trustScore,omitempty"`
	RiskLevel          RiskLevel  `json:"riskLevel,omitempty"`
	LastRiskAssessment *time.Time `json:"lastRiskAssessment,omitempty"`
}

// UserCursor is a stable pagination position over users ordered by creation time.
// The zero value starts from the beginning.
type UserCursor struct {
	CreatedAt time.Time
	ID        string
}

// IsZero reports whether the cursor points at the start of the user set.
func (c UserCursor) IsZero() bool {
	return c.ID == "" && c.CreatedAt.IsZero()
}

// CursorOf returns the cursor positioned after u.
func CursorOf(u *User) UserCursor {
	return UserCursor{CreatedAt: u.CreatedAt, ID: u.ID}
}

// OrderStatus is the lifecycle state of a marketplace order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderConfirmed OrderStatus = "confirmed"
	OrderShipping  OrderStatus = "shipping"
	OrderDelivered OrderStatus = "delivered"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
	OrderRefunded  OrderStatus = "refunded"
	OrderDisputed  OrderStatus = "disputed"
)

// ParseOrderStatus validates a stored order status.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch st := OrderStatus(s); st {
	case OrderPending, OrderPaid, OrderConfirmed, OrderShipping, OrderDelivered,
		OrderCompleted, OrderCancelled, OrderRefunded, OrderDisputed:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown order status %q", ErrInvalidInput, s)
}

// Order is a marketplace order; the seller is the party responsible for it.
type Order struct {
	ID        string      `json:"id"`
	SellerID  string      `json:"sellerId"`
	BuyerID   string      `json:"buyerId"`
	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ReportStatus is the moderation state of a report.
type ReportStatus string

const (
	ReportPending             ReportStatus = "pending"
	ReportUnderReview         ReportStatus = "under_review"
	ReportResolvedActionTaken ReportStatus = "resolved_action_taken"
	ReportResolvedNoAction    ReportStatus = "resolved_no_action"
	ReportDismissed           ReportStatus = "dismissed"
	ReportEscalated           ReportStatus = "escalated"
)

// ParseReportStatus validates a stored report status.
func ParseReportStatus(s string) (ReportStatus, error) {
	switch st := ReportStatus(s); st {
	case ReportPending, ReportUnderReview, ReportResolvedActionTaken,
		ReportResolvedNoAction, ReportDismissed, ReportEscalated:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown report status %q", ErrInvalidInput, s)
}

// ReportAction is the consequence imposed when a report is resolved.
type ReportAction string

const (
	ActionNone             ReportAction = "no_action"
	ActionWarningIssued    ReportAction = "warning_issued"
	ActionContentRemoved   ReportAction = "content_removed"
	ActionListingSuspended ReportAction = "listing_suspended"
	ActionListingDeleted   ReportAction = "listing_deleted"
	ActionSellerWarning    ReportAction = "seller_warning"
	ActionSellerSuspended  ReportAction = "seller_suspended"
	ActionSellerBanned     ReportAction = "seller_banned"
	ActionUserWarning      ReportAction = "user_warning"
	ActionUserSuspended    ReportAction = "user_suspended"
	ActionUserBanned       ReportAction = "user_banned"
	ActionReviewRemoved    ReportAction = "review_removed"
	ActionRefundProcessed  ReportAction = "refund_processed"
	ActionEscalatedToLegal ReportAction = "escalated_to_legal"
)

// PenaltyActions lists the resolution actions that impose a consequence on the target.
func PenaltyActions() []ReportAction {
	return []ReportAction{
		ActionWarningIssued, ActionContentRemoved, ActionListingSuspended,
		ActionListingDeleted, ActionSellerWarning, ActionSellerSuspended,
		ActionSellerBanned, ActionUserWarning, ActionUserSuspended,
		ActionUserBanned, ActionReviewRemoved, ActionRefundProcessed,
		ActionEscalatedToLegal,
	}
}

// Report is a moderation report filed against a user.
type Report struct {
	ID        string       `json:"id"`
	TargetID  string       `json:"targetId"`
	Category  string       `json:"category,omitempty"`
	Status    ReportStatus `json:"status"`
	Action    ReportAction `json:"action,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Upheld reports whether the report concluded with a penalty against its target.
func (r *Report) Upheld() bool {
	return r.Status == ReportResolvedActionTaken && r.Action != "" && r.Action != ActionNone
}
