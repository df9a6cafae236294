package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	alertdomain "github.com/smallbiznis/insurecard/internal/alert/domain"
	auditdomain "github.com/smallbiznis/insurecard/internal/audit/domain"
	"github.com/smallbiznis/insurecard/internal/authorization"
	"github.com/smallbiznis/insurecard/internal/card"
	carddomain "github.com/smallbiznis/insurecard/internal/card/domain"
	"github.com/smallbiznis/insurecard/internal/config"
	issuancedomain "github.com/smallbiznis/insurecard/internal/issuance/domain"
	"github.com/smallbiznis/insurecard/internal/issuance/liveevents"
	"github.com/smallbiznis/insurecard/internal/observability"
	obsmiddleware "github.com/smallbiznis/insurecard/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/insurecard/internal/observability/metrics"
	obstracing "github.com/smallbiznis/insurecard/internal/observability/tracing"
	"github.com/smallbiznis/insurecard/internal/ratelimit"
	"github.com/smallbiznis/insurecard/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	authorization.Module,
	card.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
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

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
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
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	authzSvc      authorization.Service
	auditSvc      auditdomain.Service
	issuanceSvc   issuancedomain.Service
	cardSvc       carddomain.Service
	alertSvc      alertdomain.Service
	obsMetrics    *obsmetrics.Metrics
	submitLimiter *ratelimit.SubmitLimiter
	liveEvents    *liveevents.Hub
	statusPoll    time.Duration

	scheduler *scheduler.Scheduler
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	AuthzSvc      authorization.Service
	AuditSvc      auditdomain.Service
	IssuanceSvc   issuancedomain.Service
	CardSvc       carddomain.Service
	AlertSvc      alertdomain.Service
	ObsMetrics    *obsmetrics.Metrics      `optional:"true"`
	SubmitLimiter *ratelimit.SubmitLimiter `optional:"true"`
	LiveEvents    *liveevents.Hub          `optional:"true"`

	Scheduler *scheduler.Scheduler `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http.server"),
		authzSvc:      p.AuthzSvc,
		auditSvc:      p.AuditSvc,
		issuanceSvc:   p.IssuanceSvc,
		cardSvc:       p.CardSvc,
		alertSvc:      p.AlertSvc,
		obsMetrics:    p.ObsMetrics,
		submitLimiter: p.SubmitLimiter,
		liveEvents:    p.LiveEvents,
		statusPoll:    defaultStatusPollInterval,
		scheduler:     p.Scheduler,
	}

	svc.registerAPIRoutes()
	svc.RegisterDevSweeperRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(s.ActorRequired())

	issuances := api.Group("/issuances")
	issuances.POST("", s.authorize(authorization.ObjectIssuance, authorization.ActionIssuanceSubmit), s.SubmitRateLimit(), s.SubmitIssuance)
	issuances.GET("", s.authorize(authorization.ObjectIssuance, authorization.ActionIssuanceView), s.ListIssuances)
	issuances.GET("/:request_id", s.authorize(authorization.ObjectIssuance, authorization.ActionIssuanceView), s.GetIssuanceStatus)
	issuances.GET("/:request_id/events", s.authorize(authorization.ObjectIssuance, authorization.ActionIssuanceView), s.StreamIssuanceStatus)
	issuances.GET("/:request_id/audit_trail", s.authorize(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.GetIssuanceAuditTrail)

	cards := api.Group("/cards")
	cards.GET("", s.authorize(authorization.ObjectCard, authorization.ActionCardView), s.ListCards)
	cards.GET("/:card_number", s.authorize(authorization.ObjectCard, authorization.ActionCardView), s.GetCard)
	cards.PATCH("/:card_number/status", s.authorize(authorization.ObjectCard, authorization.ActionCardUpdateStatus), s.UpdateCardStatus)
	cards.GET("/:card_number/pdf", s.authorize(authorization.ObjectCard, authorization.ActionCardRender), s.RenderCardPDF)

	alerts := api.Group("/alerts")
	alerts.GET("", s.authorize(authorization.ObjectAlert, authorization.ActionAlertView), s.ListAlerts)
	alerts.POST("/:id/acknowledge", s.authorize(authorization.ObjectAlert, authorization.ActionAlertAcknowledge), s.AcknowledgeAlert)

	api.GET("/audit_logs", s.authorize(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}
