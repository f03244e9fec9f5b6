package domain

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Tier is an ordered membership level.
type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
	TierDiamond  Tier = "diamond"
)

var tierRanks = map[Tier]int{
	TierBronze:   0,
	TierSilver:   1,
	TierGold:     2,
	TierPlatinum: 3,
	TierDiamond:  4,
}

// Rank returns the tier's position in the ladder, -1 for unknown tiers.
func (t Tier) Rank() int {
	rank, ok := tierRanks[t]
	if !ok {
		return -1
	}
	return rank
}

func (t Tier) Valid() bool {
	_, ok := tierRanks[t]
	return ok
}

// Outranks reports whether t is a strictly higher tier than other.
func (t Tier) Outranks(other Tier) bool {
	return t.Rank() > other.Rank()
}

// TierDefinition is one row of the ordered tier catalog. Immutable after load.
type TierDefinition struct {
	Tier Tier `json:"tier"`
	// MinPoints is the qualifying-point threshold to enter the tier.
	MinPoints int64 `json:"min_points"`
	// Multiplier scales base points earned per purchase.
	Multiplier decimal.Decimal `json:"multiplier"`
	// RedeemRate is points consumed per unit of currency discount. Lower is
	// more generous.
	RedeemRate decimal.Decimal `json:"redeem_rate"`
	// MilestoneBonus is the one-time credit for first reaching the tier.
	MilestoneBonus int64    `json:"milestone_bonus"`
	Benefits       []string `json:"benefits,omitempty"`
}

var (
	ErrInvalidCatalog = errors.New("invalid_tier_catalog")
	ErrUnknownTier    = errors.New("unknown_tier")
)
