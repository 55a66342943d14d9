package deadletter

import (
	"time"

	"github.com/smallbiznis/vida/internal/clock"
	"github.com/smallbiznis/vida/internal/config"
	"github.com/smallbiznis/vida/internal/dispatcher"
	"github.com/smallbiznis/vida/internal/observability/metrics"
	"github.com/smallbiznis/vida/internal/ratelimit"
	storage "github.com/smallbiznis/vida/internal/storage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("deadletter",
	fx.Provide(provide),
)

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	Clock      clock.Clock
	Store      storage.DeadLetterStore
	History    storage.HistoryStore
	Dispatcher *dispatcher.Dispatcher
	Locker     ratelimit.Locker
	Metrics    *metrics.DeliveryMetrics
}

func provide(p Params) *Service {
	ttl := time.Duration(p.Cfg.RateLimit.DLQLockTTLSecs) * time.Second
	return NewService(p.Log, p.Clock, p.Store, p.History, p.Dispatcher, p.Locker, ttl, p.Metrics)
}
