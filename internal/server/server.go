package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/vida/internal/config"
	"github.com/smallbiznis/vida/internal/deadletter"
	"github.com/smallbiznis/vida/internal/delivery/adapters"
	invoicedomain "github.com/smallbiznis/vida/internal/invoice/domain"
	obsmiddleware "github.com/smallbiznis/vida/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/vida/internal/observability/metrics"
	obstracing "github.com/smallbiznis/vida/internal/observability/tracing"
	"github.com/smallbiznis/vida/internal/ratelimit"
	storage "github.com/smallbiznis/vida/internal/storage/domain"
	"github.com/smallbiznis/vida/internal/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           cfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(cfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	invoiceSvc    invoicedomain.Service
	apWebhook     *webhook.APService
	scradaWebhook *webhook.ScradaService
	deadLetterSvc *deadletter.Service
	history       storage.HistoryStore
	adapters      *adapters.Registry
	limiter       *ratelimit.PublicLimiter
	apiKeys       map[string]struct{}
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	InvoiceSvc    invoicedomain.Service
	APWebhook     *webhook.APService
	ScradaWebhook *webhook.ScradaService
	DeadLetterSvc *deadletter.Service
	History       storage.HistoryStore
	Adapters      *adapters.Registry
	Limiter       *ratelimit.PublicLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		invoiceSvc:    p.InvoiceSvc,
		apWebhook:     p.APWebhook,
		scradaWebhook: p.ScradaWebhook,
		deadLetterSvc: p.DeadLetterSvc,
		history:       p.History,
		adapters:      p.Adapters,
		limiter:       p.Limiter,
		apiKeys:       make(map[string]struct{}, len(p.Cfg.Auth.APIKeys)),
	}
	for _, key := range p.Cfg.Auth.APIKeys {
		svc.apiKeys[key] = struct{}{}
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1", s.APIKeyRequired())

	v1.POST("/invoices", s.CreateInvoiceRateLimit(), s.CreateInvoice)
	v1.GET("/invoices/:id", s.GetInvoiceDocument)
	v1.GET("/invoices/:id/status", s.GetInvoiceStatus)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/ap/status-webhook", s.HandleAPStatusWebhook)
	s.engine.POST("/api/webhooks/scrada", s.HandleScradaWebhook)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.AdminKeyRequired())

	admin.GET("/dlq", s.ListDeadLetters)
	admin.POST("/dlq/retry", s.RetryDeadLetters)
	admin.GET("/history", s.ListHistory)
	admin.GET("/adapters", s.ListAdapters)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
