package invoice

import (
	"github.com/smallbiznis/vida/internal/idempotency"
	invoicedomain "github.com/smallbiznis/vida/internal/invoice/domain"
	"github.com/smallbiznis/vida/internal/invoice/render"
	"github.com/smallbiznis/vida/internal/invoice/service"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	fx.Provide(render.NewRenderer),
	fx.Provide(idempotency.New[invoicedomain.CreateResult]),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) invoicedomain.Service { return s }),
)
