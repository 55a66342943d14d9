package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/vida/internal/clock"
	"github.com/smallbiznis/vida/internal/config"
	"github.com/smallbiznis/vida/internal/deadletter"
	"github.com/smallbiznis/vida/internal/delivery/adapters"
	"github.com/smallbiznis/vida/internal/dispatcher"
	"github.com/smallbiznis/vida/internal/invoice"
	"github.com/smallbiznis/vida/internal/migration"
	"github.com/smallbiznis/vida/internal/observability"
	"github.com/smallbiznis/vida/internal/ratelimit"
	"github.com/smallbiznis/vida/internal/replay"
	"github.com/smallbiznis/vida/internal/scheduler"
	"github.com/smallbiznis/vida/internal/server"
	"github.com/smallbiznis/vida/internal/storage"
	"github.com/smallbiznis/vida/internal/webhook"
	"github.com/smallbiznis/vida/pkg/db"
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
		storage.Module,
		ratelimit.Module,

		// Delivery pipeline
		adapters.Module,
		dispatcher.Module,
		replay.Module,
		invoice.Module,
		webhook.Module,
		deadletter.Module,
		scheduler.Module,

		server.Module,

		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
