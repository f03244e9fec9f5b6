package migration

import (
	"github.com/smallbiznis/loyara/internal/config"
	ledgerdomain "github.com/smallbiznis/loyara/internal/ledger/domain"
	profiledomain "github.com/smallbiznis/loyara/internal/profile/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// The migration set targets postgres; other dialects are used for
			// local and test setups where gorm owns the schema.
			return conn.AutoMigrate(
				&profiledomain.Profile{},
				&ledgerdomain.Transaction{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
