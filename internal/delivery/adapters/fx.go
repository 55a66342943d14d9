package adapters

import (
	"github.com/smallbiznis/vida/internal/clock"
	"github.com/smallbiznis/vida/internal/config"
	"github.com/smallbiznis/vida/internal/delivery/adapters/banqup"
	"github.com/smallbiznis/vida/internal/delivery/adapters/billit"
	"github.com/smallbiznis/vida/internal/delivery/adapters/mock"
	"github.com/smallbiznis/vida/internal/delivery/adapters/scrada"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("delivery.adapters",
	fx.Provide(NewDefaultRegistry),
)

// NewDefaultRegistry registers every built-in adapter.
func NewDefaultRegistry(cfg config.Config, c clock.Clock, log *zap.Logger) *Registry {
	registry := NewRegistry(
		mock.NewFactory(c),
		mock.NewErrorFactory(),
		banqup.NewFactory(),
		billit.NewFactory(billit.Config{
			BaseURL:      cfg.AccessPoint.BaseURL,
			APIKey:       cfg.AccessPoint.APIKey,
			ClientID:     cfg.AccessPoint.ClientID,
			ClientSecret: cfg.AccessPoint.ClientSecret,
			RateLimitRPS: cfg.AccessPoint.RateLimitRPS,
			RateBurst:    cfg.AccessPoint.RateBurst,
		}, c),
		scrada.NewFactory(scrada.Config{
			BaseURL:      cfg.Scrada.BaseURL,
			CompanyID:    cfg.Scrada.CompanyID,
			APIKey:       cfg.Scrada.APIKey,
			Password:     cfg.Scrada.Password,
			Language:     cfg.Scrada.Language,
			RateLimitRPS: cfg.AccessPoint.RateLimitRPS,
			RateBurst:    cfg.AccessPoint.RateBurst,
		}),
	)
	if log != nil && !registry.Exists(cfg.AccessPoint.Adapter) {
		log.Warn("unknown delivery adapter configured, falling back to mock",
			zap.String("adapter", cfg.AccessPoint.Adapter))
	}
	return registry
}
