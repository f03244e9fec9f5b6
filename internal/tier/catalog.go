package tier

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/loyara/internal/tier/domain"
)

// Catalog is the ordered, immutable table of tier definitions. Malformed
// configuration is rejected at construction, never at request time.
type Catalog struct {
	defs []domain.TierDefinition
}

// NewCatalog validates and freezes an ordered list of tier definitions.
func NewCatalog(defs []domain.TierDefinition) (*Catalog, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: catalog is empty", domain.ErrInvalidCatalog)
	}
	if defs[0].MinPoints != 0 {
		return nil, fmt.Errorf("%w: base tier %q must start at 0 points", domain.ErrInvalidCatalog, defs[0].Tier)
	}

	one := decimal.NewFromInt(1)
	for i, def := range defs {
		if !def.Tier.Valid() {
			return nil, fmt.Errorf("%w: unknown tier %q", domain.ErrInvalidCatalog, def.Tier)
		}
		if i > 0 {
			prev := defs[i-1]
			if def.Tier.Rank() <= prev.Tier.Rank() {
				return nil, fmt.Errorf("%w: tier %q out of order after %q", domain.ErrInvalidCatalog, def.Tier, prev.Tier)
			}
			if def.MinPoints <= prev.MinPoints {
				return nil, fmt.Errorf("%w: threshold for %q must exceed %q", domain.ErrInvalidCatalog, def.Tier, prev.Tier)
			}
		}
		if def.Multiplier.LessThan(one) {
			return nil, fmt.Errorf("%w: multiplier for %q below 1.0", domain.ErrInvalidCatalog, def.Tier)
		}
		if def.RedeemRate.LessThan(one) {
			return nil, fmt.Errorf("%w: redeem rate for %q below 1", domain.ErrInvalidCatalog, def.Tier)
		}
		if def.MilestoneBonus < 0 {
			return nil, fmt.Errorf("%w: milestone bonus for %q is negative", domain.ErrInvalidCatalog, def.Tier)
		}
	}

	frozen := make([]domain.TierDefinition, len(defs))
	copy(frozen, defs)
	return &Catalog{defs: frozen}, nil
}

// Definitions returns the ordered catalog rows.
func (c *Catalog) Definitions() []domain.TierDefinition {
	out := make([]domain.TierDefinition, len(c.defs))
	copy(out, c.defs)
	return out
}

// Definition looks up a tier's catalog row.
func (c *Catalog) Definition(t domain.Tier) (domain.TierDefinition, error) {
	for _, def := range c.defs {
		if def.Tier == t {
			return def, nil
		}
	}
	return domain.TierDefinition{}, fmt.Errorf("%w: %q", domain.ErrUnknownTier, t)
}

// TierFor returns the highest tier whose threshold is at or below points.
func (c *Catalog) TierFor(points int64) domain.TierDefinition {
	matched := c.defs[0]
	for _, def := range c.defs[1:] {
		if points < def.MinPoints {
			break
		}
		matched = def
	}
	return matched
}

// NextTier returns the next higher tier and the point gap to reach it, or nil
// when already at the top.
func (c *Catalog) NextTier(current domain.Tier, points int64) (*domain.TierDefinition, int64) {
	for i, def := range c.defs {
		if def.Tier != current {
			continue
		}
		if i == len(c.defs)-1 {
			return nil, 0
		}
		next := c.defs[i+1]
		gap := next.MinPoints - points
		if gap < 0 {
			gap = 0
		}
		return &next, gap
	}
	return nil, 0
}

// DefaultDefinitions is the built-in catalog used when no override is configured.
func DefaultDefinitions() []domain.TierDefinition {
	return []domain.TierDefinition{
		{
			Tier:       domain.TierBronze,
			MinPoints:  0,
			Multiplier: decimal.NewFromFloat(1.0),
			RedeemRate: decimal.NewFromInt(10),
			Benefits:   []string{"member pricing"},
		},
		{
			Tier:           domain.TierSilver,
			MinPoints:      2500,
			Multiplier:     decimal.NewFromFloat(1.1),
			RedeemRate:     decimal.NewFromInt(10),
			MilestoneBonus: 100,
			Benefits:       []string{"member pricing", "priority support"},
		},
		{
			Tier:           domain.TierGold,
			MinPoints:      7500,
			Multiplier:     decimal.NewFromFloat(1.2),
			RedeemRate:     decimal.NewFromInt(9),
			MilestoneBonus: 250,
			Benefits:       []string{"member pricing", "priority support", "free shipping"},
		},
		{
			Tier:           domain.TierPlatinum,
			MinPoints:      15000,
			Multiplier:     decimal.NewFromFloat(1.3),
			RedeemRate:     decimal.NewFromInt(8),
			MilestoneBonus: 500,
			Benefits:       []string{"member pricing", "priority support", "free shipping", "early access"},
		},
		{
			Tier:           domain.TierDiamond,
			MinPoints:      30000,
			Multiplier:     decimal.NewFromFloat(1.5),
			RedeemRate:     decimal.NewFromInt(7),
			MilestoneBonus: 1000,
			Benefits:       []string{"member pricing", "priority support", "free shipping", "early access", "concierge"},
		},
	}
}

// ParseDefinitions decodes a JSON catalog override.
func ParseDefinitions(raw string) ([]domain.TierDefinition, error) {
	var defs []domain.TierDefinition
	if err := json.Unmarshal([]byte(raw), &defs); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCatalog, err)
	}
	return defs, nil
}
