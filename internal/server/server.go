// Package server wires the HTTP surface: the webhook ingest boundary, the
// entitlement check endpoints and the admin override gateway.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/stencilworks/tally/internal/audit/domain"
	"github.com/stencilworks/tally/internal/authorization"
	"github.com/stencilworks/tally/internal/config"
	obstracing "github.com/stencilworks/tally/internal/observability/tracing"
	quotadomain "github.com/stencilworks/tally/internal/quota/domain"
	"github.com/stencilworks/tally/internal/ratelimit"
	subscriptiondomain "github.com/stencilworks/tally/internal/subscription/domain"
	webhookdomain "github.com/stencilworks/tally/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	webhookSvc      webhookdomain.Service
	subscriptionSvc subscriptiondomain.Service
	quotaSvc        quotadomain.Service
	authzSvc        authorization.Service
	auditSvc        auditdomain.Service
	limiter         *ratelimit.Limiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	WebhookSvc      webhookdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	QuotaSvc        quotadomain.Service
	AuthzSvc        authorization.Service
	AuditSvc        auditdomain.Service
	Limiter         *ratelimit.Limiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		webhookSvc:      p.WebhookSvc,
		subscriptionSvc: p.SubscriptionSvc,
		quotaSvc:        p.QuotaSvc,
		authzSvc:        p.AuthzSvc,
		auditSvc:        p.AuditSvc,
		limiter:         p.Limiter,
	}

	s.registerWebhookRoutes()
	s.registerAPIRoutes()
	s.registerAdminRoutes()

	return s
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/billing", s.IngestWebhook)
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")
	v1.GET("/accounts/:account_id/subscription", s.GetSubscription)
	v1.POST("/quota/check", s.CheckQuota)
	v1.POST("/trial/check", s.CheckTrial)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.POST("/overrides", s.SubmitOverride)
	admin.GET("/audit-logs", s.ListAuditLogs)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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
