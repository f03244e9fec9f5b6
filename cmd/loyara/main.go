package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyara/internal/clock"
	"github.com/smallbiznis/loyara/internal/config"
	"github.com/smallbiznis/loyara/internal/ledger"
	"github.com/smallbiznis/loyara/internal/logger"
	"github.com/smallbiznis/loyara/internal/migration"
	obsmetrics "github.com/smallbiznis/loyara/internal/observability/metrics"
	"github.com/smallbiznis/loyara/internal/points"
	"github.com/smallbiznis/loyara/internal/profile"
	"github.com/smallbiznis/loyara/internal/server"
	"github.com/smallbiznis/loyara/internal/sweeper"
	"github.com/smallbiznis/loyara/internal/tier"
	"github.com/smallbiznis/loyara/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		obsmetrics.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional domains
		tier.Module,
		points.Module,
		profile.Module,
		ledger.Module,
		sweeper.Module,

		server.Module,

		fx.Invoke(StartSweeper),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func StartSweeper(lc fx.Lifecycle, s *sweeper.Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go s.RunForever(context.Background())
			return nil
		},
	})
}
