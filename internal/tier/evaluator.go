package tier

import "github.com/smallbiznis/loyara/internal/tier/domain"

// Evaluator resolves a profile's tier from its qualifying-point measure.
type Evaluator struct {
	catalog *Catalog
}

func NewEvaluator(catalog *Catalog) *Evaluator {
	return &Evaluator{catalog: catalog}
}

// Evaluate returns the tier matching qualifying points and whether that is an
// upward crossing from current. Downward movement is reported with
// crossedUp=false; it still changes the tier but never fires a milestone.
func (e *Evaluator) Evaluate(current domain.Tier, qualifying int64) (domain.TierDefinition, bool) {
	matched := e.catalog.TierFor(qualifying)
	return matched, matched.Tier.Outranks(current)
}
