package scheduler

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/vida/internal/clock"
	"github.com/smallbiznis/vida/internal/config"
	"github.com/smallbiznis/vida/internal/deadletter"
	invoicedomain "github.com/smallbiznis/vida/internal/invoice/domain"
	storage "github.com/smallbiznis/vida/internal/storage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(provide),
	fx.Invoke(NewScheduler),
)

type Params struct {
	fx.In

	Log         *zap.Logger
	Clock       clock.Clock
	GenID       *snowflake.Node
	Status      storage.StatusStore
	Invoices    invoicedomain.Service
	DeadLetters *deadletter.Service
	Config      Config
}

func provide(p Params) (*Scheduler, error) {
	return New(p.Log, p.Clock, p.GenID, p.Status, p.Invoices, p.DeadLetters, p.Config)
}

func NewScheduler(lc fx.Lifecycle, cfg config.Config, sched *Scheduler) {
	if !cfg.Scheduler.Enabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
