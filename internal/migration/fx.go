package migration

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB `optional:"true"`
	Log *zap.Logger
}

var Module = fx.Module("migrations",
	fx.Invoke(func(p Params) error {
		if p.DB == nil {
			return nil
		}
		p.Log.Named("migration").Info("applying relational storage migrations",
			zap.String("dialect", p.DB.Dialector.Name()))
		return Apply(p.DB)
	}),
)
