package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/clock"
	"github.com/smallbiznis/entitle/internal/config"
	"github.com/smallbiznis/entitle/internal/entitlement"
	"github.com/smallbiznis/entitle/internal/feature"
	"github.com/smallbiznis/entitle/internal/grant"
	"github.com/smallbiznis/entitle/internal/migration"
	"github.com/smallbiznis/entitle/internal/observability"
	"github.com/smallbiznis/entitle/internal/queue/backend"
	"github.com/smallbiznis/entitle/internal/ratelimit"
	"github.com/smallbiznis/entitle/internal/scheduler"
	"github.com/smallbiznis/entitle/internal/server"
	"github.com/smallbiznis/entitle/internal/topup"
	"github.com/smallbiznis/entitle/internal/usage"
	"github.com/smallbiznis/entitle/internal/worker"
	"github.com/smallbiznis/entitle/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		backend.Module,
		ratelimit.Module,

		// Functional Domains
		feature.Module,
		grant.Module,
		usage.Module,
		topup.Module,
		entitlement.Module,

		// Background processing and ops surface
		worker.Module,
		scheduler.Module,
		server.Module,

		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
