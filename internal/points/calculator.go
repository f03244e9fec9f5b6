package points

import (
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/loyara/internal/config"
	tierdomain "github.com/smallbiznis/loyara/internal/tier/domain"
	"go.uber.org/fx"
)

// Calculator converts monetary amounts and point quantities under a tier's
// earning multiplier and redemption rate. All conversions truncate in the
// store's favor; audit totals depend on the exact floor/ceil placement here.
type Calculator struct {
	// unitSize is the currency amount that earns one base point.
	unitSize int64
}

func NewCalculator(cfg config.Config) *Calculator {
	unit := cfg.Loyalty.EarnUnitSize
	if unit <= 0 {
		unit = 10
	}
	return &Calculator{unitSize: unit}
}

// UnitSize returns the configured currency-per-point divisor.
func (c *Calculator) UnitSize() int64 {
	return c.unitSize
}

// Earned computes floor(floor(amount/unitSize) * multiplier). Truncation at
// both steps, never rounding.
func (c *Calculator) Earned(amount int64, def tierdomain.TierDefinition) int64 {
	if amount <= 0 {
		return 0
	}
	base := amount / c.unitSize
	return decimal.NewFromInt(base).Mul(def.Multiplier).Floor().IntPart()
}

// DiscountFor computes floor(points/redeemRate): the currency discount a
// point balance buys.
func (c *Calculator) DiscountFor(points int64, def tierdomain.TierDefinition) int64 {
	if points <= 0 {
		return 0
	}
	return decimal.NewFromInt(points).Div(def.RedeemRate).Floor().IntPart()
}

// PointsFor computes ceil(discount*redeemRate): the points needed to buy a
// given discount. Combined with DiscountFor's floor, a caller redeeming via
// PointsFor always receives at least the discount quoted, never less. That
// one-directional bias is deliberate.
func (c *Calculator) PointsFor(discount int64, def tierdomain.TierDefinition) int64 {
	if discount <= 0 {
		return 0
	}
	return decimal.NewFromInt(discount).Mul(def.RedeemRate).Ceil().IntPart()
}

var Module = fx.Module("points",
	fx.Provide(NewCalculator),
)
