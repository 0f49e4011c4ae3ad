package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/botbilling/internal/config"
	entitlementdomain "github.com/smallbiznis/botbilling/internal/entitlement/domain"
	"github.com/smallbiznis/botbilling/internal/lock"
	obslogger "github.com/smallbiznis/botbilling/internal/observability/logger"
	obstracing "github.com/smallbiznis/botbilling/internal/observability/tracing"
	"github.com/smallbiznis/botbilling/internal/processor"
	"github.com/smallbiznis/botbilling/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/botbilling/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(provideEventService),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// EventService is the slice of the event processor the transport depends on.
type EventService interface {
	Ingest(ctx context.Context, req processor.IngestRequest) (processor.IngestResult, error)
	Replay(ctx context.Context, externalEventID string) error
}

func provideEventService(p *processor.Processor) EventService {
	return p
}

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
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
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
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
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	log             *zap.Logger
	events          EventService
	subscriptionSvc subscriptiondomain.Service
	entitlementSvc  entitlementdomain.Service
	locker          lock.Locker
	limiter         *ratelimit.WebhookLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	Log             *zap.Logger
	Events          EventService
	SubscriptionSvc subscriptiondomain.Service
	EntitlementSvc  entitlementdomain.Service
	Locker          lock.Locker
	Limiter         *ratelimit.WebhookLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		log:             p.Log.Named("http"),
		events:          p.Events,
		subscriptionSvc: p.SubscriptionSvc,
		entitlementSvc:  p.EntitlementSvc,
		locker:          p.Locker,
		limiter:         p.Limiter,
	}

	svc.RegisterRoutes()
	return svc
}

func (s *Server) RegisterRoutes() {
	s.engine.GET("/healthz", s.Health)

	s.engine.POST("/webhooks/:provider", s.ReceiveWebhook)
	s.engine.POST("/webhooks", s.ReceiveWebhook)

	api := s.engine.Group("/v1")
	{
		api.GET("/users/:id/access", s.GetAccess)
		api.GET("/users/:id/subscription", s.GetSubscription)
		api.GET("/users/:id/entitlements", s.ListEntitlements)
		api.GET("/users/:id/marketplaces", s.GetMarketplaces)
		api.PUT("/users/:id/marketplaces", s.SelectMarketplaces)
	}

	admin := s.engine.Group("/admin", s.AdminRequired())
	{
		admin.POST("/events/:id/replay", s.ReplayEvent)
	}
}

func (s *Server) Health(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
