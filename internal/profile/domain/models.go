package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	tierdomain "github.com/smallbiznis/loyara/internal/tier/domain"
	"gorm.io/datatypes"
)

// Profile is the materialized loyalty state for one customer. The transaction
// log is the source of truth; every counter here is a fold over that log and
// is mutated exclusively by the ledger service.
type Profile struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	CustomerID string       `gorm:"not null;uniqueIndex" json:"customer_id"`
	Name       string       `gorm:"not null" json:"name"`
	Email      string       `gorm:"not null" json:"email"`

	TotalEarned   int64 `gorm:"not null;default:0" json:"total_earned"`
	TotalRedeemed int64 `gorm:"not null;default:0" json:"total_redeemed"`
	TotalExpired  int64 `gorm:"not null;default:0" json:"total_expired"`
	// TotalAdjusted is the signed net of administrative adjustments.
	TotalAdjusted  int64 `gorm:"not null;default:0" json:"total_adjusted"`
	CurrentBalance int64 `gorm:"not null;default:0" json:"current_balance"`

	// TierQualifyingPoints is the lifetime-earned measure tiers are ranked by.
	// It only ever increases; redemption and expiry never lower it.
	TierQualifyingPoints int64           `gorm:"not null;default:0" json:"tier_qualifying_points"`
	CurrentTier          tierdomain.Tier `gorm:"type:text;not null" json:"current_tier"`
	TierStartedAt        time.Time       `gorm:"not null" json:"tier_started_at"`
	// TiersReached records every tier whose milestone bonus was already
	// granted, so a bonus can never fire twice however the measure oscillates.
	TiersReached datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"tiers_reached"`

	LifetimePurchaseValue int64 `gorm:"not null;default:0" json:"lifetime_purchase_value"`

	ReferralCode  string `gorm:"not null;uniqueIndex" json:"referral_code"`
	ReferralCount int    `gorm:"not null;default:0" json:"referral_count"`

	Active bool `gorm:"not null;default:true" json:"active"`
	// Version is the optimistic-lock token; every aggregate write is a
	// compare-and-set against it.
	Version int64 `gorm:"not null;default:0" json:"-"`

	EnrolledAt     time.Time         `gorm:"not null" json:"enrolled_at"`
	LastActivityAt time.Time         `gorm:"not null" json:"last_activity_at"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Profile) TableName() string { return "loyalty_profiles" }

// ReachedTier reports whether the tier's milestone bonus was already granted.
func (p *Profile) ReachedTier(t tierdomain.Tier) bool {
	if p.TiersReached == nil {
		return false
	}
	reached, ok := p.TiersReached[string(t)].(bool)
	return ok && reached
}

// MarkTierReached records a tier in the milestone guard set.
func (p *Profile) MarkTierReached(t tierdomain.Tier) {
	if p.TiersReached == nil {
		p.TiersReached = datatypes.JSONMap{}
	}
	p.TiersReached[string(t)] = true
}
