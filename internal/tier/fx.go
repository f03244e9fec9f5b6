package tier

import (
	"github.com/smallbiznis/loyara/internal/config"
	"go.uber.org/fx"
)

// NewCatalogFromConfig builds the catalog from the configured override or the
// built-in defaults. A malformed catalog fails application startup.
func NewCatalogFromConfig(cfg config.Config) (*Catalog, error) {
	defs := DefaultDefinitions()
	if cfg.Loyalty.TiersJSON != "" {
		parsed, err := ParseDefinitions(cfg.Loyalty.TiersJSON)
		if err != nil {
			return nil, err
		}
		defs = parsed
	}
	return NewCatalog(defs)
}

var Module = fx.Module("tier",
	fx.Provide(
		NewCatalogFromConfig,
		NewEvaluator,
	),
)
