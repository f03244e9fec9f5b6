package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	tierdomain "github.com/smallbiznis/loyara/internal/tier/domain"
)

// TransactionType classifies a ledger posting.
type TransactionType string

const (
	TransactionTypeEarned   TransactionType = "earned"
	TransactionTypeRedeemed TransactionType = "redeemed"
	TransactionTypeExpired  TransactionType = "expired"
	TransactionTypeAdjusted TransactionType = "adjusted"
)

// Transaction is one immutable entry of a customer's append-only points log.
// Points carries the signed delta: positive for earned and credit adjustments,
// negative for redeemed, expired and debit adjustments. Balance snapshots
// chain: each entry's BalanceBefore equals the prior entry's BalanceAfter.
type Transaction struct {
	ID         snowflake.ID    `gorm:"primaryKey" json:"id"`
	CustomerID string          `gorm:"not null;index:idx_loyalty_transactions_customer_created" json:"customer_id"`
	Type       TransactionType `gorm:"type:text;not null;index" json:"type"`
	Points     int64           `gorm:"not null" json:"points"`
	Reason     string          `gorm:"type:text;not null" json:"reason"`
	// RuleID identifies the originating rule for bonus credits so idempotency
	// checks can recognize an already-applied award.
	RuleID  string `gorm:"type:text" json:"rule_id,omitempty"`
	OrderID string `gorm:"type:text" json:"order_id,omitempty"`
	// Amount is the originating monetary amount for purchase earnings; kept on
	// the entry so aggregates can be rebuilt from the log alone.
	Amount        int64 `gorm:"not null;default:0" json:"amount,omitempty"`
	BalanceBefore int64 `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64 `gorm:"not null" json:"balance_after"`
	// ExpiresAt is set only on earned entries.
	ExpiresAt *time.Time `gorm:"index" json:"expires_at,omitempty"`
	// ActorID records who issued an adjustment.
	ActorID   string    `gorm:"type:text" json:"actor_id,omitempty"`
	CreatedAt time.Time `gorm:"not null;index:idx_loyalty_transactions_customer_created" json:"created_at"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "loyalty_transactions" }

const (
	ruleMilestonePrefix = "milestone:"
	ruleReferralPrefix  = "referral:"
	ruleOccasionPrefix  = "occasion:"
	RuleExpirySweep     = "expiry_sweep"
)

// MilestoneRuleID tags the one-time bonus for first reaching a tier.
func MilestoneRuleID(t tierdomain.Tier) string {
	return ruleMilestonePrefix + string(t)
}

// ReferralRuleID tags the inviter's credit for one completed referral.
func ReferralRuleID(inviteeID string) string {
	return ruleReferralPrefix + inviteeID
}

// OccasionRuleID tags a birthday/anniversary credit, once per year.
func OccasionRuleID(occasion string, year int) string {
	return fmt.Sprintf("%s%s:%s", ruleOccasionPrefix, occasion, strconv.Itoa(year))
}

// IsMilestoneRule reports whether a rule ID marks a milestone bonus.
func IsMilestoneRule(ruleID string) bool {
	return strings.HasPrefix(ruleID, ruleMilestonePrefix)
}
