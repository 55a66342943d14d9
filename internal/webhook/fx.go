package webhook

import (
	"github.com/smallbiznis/vida/internal/clock"
	"github.com/smallbiznis/vida/internal/config"
	"github.com/smallbiznis/vida/internal/delivery/adapters"
	delivery "github.com/smallbiznis/vida/internal/delivery/domain"
	"github.com/smallbiznis/vida/internal/observability/metrics"
	"github.com/smallbiznis/vida/internal/replay"
	storage "github.com/smallbiznis/vida/internal/storage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("webhook",
	fx.Provide(
		provideAP,
		provideScrada,
	),
)

type Params struct {
	fx.In

	Cfg       config.Config
	Log       *zap.Logger
	Clock     clock.Clock
	Guard     *replay.Guard
	Status    storage.StatusStore
	Documents storage.DocumentArchive `optional:"true"`
	Adapters  *adapters.Registry      `optional:"true"`
	Counters  *metrics.DeliveryMetrics
	Telemetry *metrics.Metrics `optional:"true"`
}

func provideAP(p Params) *APService {
	verifier := replay.NewVerifier(p.Cfg.Webhook.APSecret, false)
	return NewAPService(p.Log, p.Clock, verifier, p.Guard, p.Status, p.Counters, p.Telemetry)
}

func provideScrada(p Params) *ScradaService {
	verifier := replay.NewVerifier(p.Cfg.Webhook.ScradaSecret, p.Cfg.Webhook.ScradaAllowUnsigned)
	svc := NewScradaService(p.Log, verifier, p.Guard, p.Status, p.Counters, p.Telemetry)
	if p.Adapters == nil || p.Documents == nil || p.Cfg.Scrada.CompanyID == "" {
		return svc
	}
	adapter, err := p.Adapters.Resolve(delivery.AdapterScrada)
	if err != nil {
		p.Log.Info("scrada document archive disabled", zap.Error(err))
		return svc
	}
	if fetcher, ok := adapter.(DocumentFetcher); ok {
		svc.WithArchive(fetcher, p.Documents)
	}
	return svc
}
