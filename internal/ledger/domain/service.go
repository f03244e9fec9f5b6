package domain

import (
	"context"
	"errors"
	"time"

	profiledomain "github.com/smallbiznis/loyara/internal/profile/domain"
	"github.com/smallbiznis/loyara/pkg/db/pagination"
)

type EarnRequest struct {
	CustomerID string
	// Amount is the purchase total in currency units; the point delta is
	// always derived from it, never supplied by the caller.
	Amount  int64
	OrderID string
}

type EarnResult struct {
	Profile     profiledomain.Profile `json:"profile"`
	Transaction Transaction           `json:"transaction"`
	// Milestones holds any one-time tier bonuses appended by this earn.
	Milestones []Transaction `json:"milestones,omitempty"`
}

type RedeemRequest struct {
	CustomerID string
	Points     int64
	OrderID    string
}

type RedeemResult struct {
	Profile     profiledomain.Profile `json:"profile"`
	Transaction Transaction           `json:"transaction"`
	// Discount is the currency amount the redeemed points are worth at the
	// profile's tier.
	Discount int64 `json:"discount"`
}

type ExpireRequest struct {
	CustomerID string
	Points     int64
	Reason     string
}

type ExpireResult struct {
	Profile     profiledomain.Profile `json:"profile"`
	Transaction Transaction           `json:"transaction"`
}

type ExpireOutstandingRequest struct {
	CustomerID string
	// Now is the expiry cutoff; the zero value means the service clock.
	Now time.Time
}

type ExpireOutstandingResult struct {
	// Outstanding is the amount written off; zero when nothing was due.
	Outstanding int64                 `json:"outstanding"`
	Profile     profiledomain.Profile `json:"profile"`
	Transaction *Transaction          `json:"transaction,omitempty"`
}

type AdjustRequest struct {
	CustomerID string
	// Points is signed: positive credits, negative debits.
	Points  int64
	Reason  string
	ActorID string
}

type AdjustResult struct {
	Profile     profiledomain.Profile `json:"profile"`
	Transaction Transaction           `json:"transaction"`
}

type ReferralRequest struct {
	InviterID string
	InviteeID string
}

type ReferralResult struct {
	// Applied is false when the invitee's referral was already credited.
	Applied     bool                  `json:"applied"`
	Profile     profiledomain.Profile `json:"profile"`
	Transaction *Transaction          `json:"transaction,omitempty"`
}

type OccasionRequest struct {
	CustomerID string
	Occasion   string
}

type OccasionResult struct {
	// Applied is false when this year's occasion was already credited.
	Applied     bool                  `json:"applied"`
	Profile     profiledomain.Profile `json:"profile"`
	Transaction *Transaction          `json:"transaction,omitempty"`
}

type ListTransactionsRequest struct {
	CustomerID string
	PageToken  string
	PageSize   int32
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []Transaction `json:"transactions"`
}

type RebuildResult struct {
	Profile profiledomain.Profile `json:"profile"`
	// Changed is true when the stored aggregates disagreed with the log fold.
	Changed bool `json:"changed"`
}

// Service is the sole mutator of customer ledger state. Every operation
// appends exactly one transaction (plus any milestone bonuses), keeps the
// profile aggregates consistent, and applies atomically per customer.
type Service interface {
	EarnFromPurchase(context.Context, EarnRequest) (EarnResult, error)
	Redeem(context.Context, RedeemRequest) (RedeemResult, error)
	Expire(context.Context, ExpireRequest) (ExpireResult, error)
	// ExpireOutstanding folds the customer's log under FIFO inside the same
	// transaction as the version check and writes off whatever is due, so a
	// write landing after the fold forces a conflict instead of applying a
	// stale amount.
	ExpireOutstanding(context.Context, ExpireOutstandingRequest) (ExpireOutstandingResult, error)
	Adjust(context.Context, AdjustRequest) (AdjustResult, error)
	CreditReferral(context.Context, ReferralRequest) (ReferralResult, error)
	CreditOccasion(context.Context, OccasionRequest) (OccasionResult, error)
	ListTransactions(context.Context, ListTransactionsRequest) (ListTransactionsResponse, error)
	// RebuildAggregates refolds the customer's log and repairs the profile's
	// materialized counters when they drifted.
	RebuildAggregates(ctx context.Context, customerID string) (RebuildResult, error)
}

const (
	OccasionBirthday    = "birthday"
	OccasionAnniversary = "anniversary"
)

var (
	ErrInsufficientBalance      = errors.New("insufficient_balance")
	ErrInvalidPointsAmount      = errors.New("invalid_points_amount")
	ErrInvalidAmount            = errors.New("invalid_amount")
	ErrInvalidOccasion          = errors.New("invalid_occasion")
	ErrConcurrentUpdateConflict = errors.New("concurrent_update_conflict")
	ErrProfileNotFound          = errors.New("profile_not_found")
	ErrProfileInactive          = errors.New("profile_inactive")
	ErrCorruptLog               = errors.New("corrupt_transaction_log")
)
