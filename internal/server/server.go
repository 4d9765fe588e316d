package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/fiscal/internal/artifact"
	"github.com/smallbiznis/fiscal/internal/audit"
	auditdomain "github.com/smallbiznis/fiscal/internal/audit/domain"
	"github.com/smallbiznis/fiscal/internal/authorization"
	"github.com/smallbiznis/fiscal/internal/billingconfig"
	billingdomain "github.com/smallbiznis/fiscal/internal/billingconfig/domain"
	"github.com/smallbiznis/fiscal/internal/config"
	"github.com/smallbiznis/fiscal/internal/issuance"
	issuancedomain "github.com/smallbiznis/fiscal/internal/issuance/domain"
	"github.com/smallbiznis/fiscal/internal/ledger"
	ledgerdomain "github.com/smallbiznis/fiscal/internal/ledger/domain"
	"github.com/smallbiznis/fiscal/internal/observability"
	obsmiddleware "github.com/smallbiznis/fiscal/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/fiscal/internal/observability/metrics"
	obstracing "github.com/smallbiznis/fiscal/internal/observability/tracing"
	"github.com/smallbiznis/fiscal/internal/provider"
	"github.com/smallbiznis/fiscal/internal/ratelimit"
	"github.com/smallbiznis/fiscal/internal/reversal"
	reversaldomain "github.com/smallbiznis/fiscal/internal/reversal/domain"
	"github.com/smallbiznis/fiscal/internal/sale"
	"github.com/smallbiznis/fiscal/internal/session"
	"github.com/smallbiznis/fiscal/internal/tax"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	authorization.Module,
	audit.Module,
	billingconfig.Module,
	sale.Module,
	artifact.Module,
	ledger.Module,
	provider.Module,
	session.Module,
	tax.Module,
	issuance.Module,
	reversal.Module,
	ratelimit.Module,
	fx.Provide(NewServer),
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
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())
	r.Use(RequestActor())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, s *Server) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			s.log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
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
	engine      *gin.Engine
	log         *zap.Logger
	authzSvc    authorization.Service
	auditSvc    auditdomain.Service
	configSvc   billingdomain.Service
	issuanceSvc issuancedomain.Service
	reversalSvc reversaldomain.Service
	ledgerSvc   ledgerdomain.Service
	store       artifact.Store
	sessions    *session.Manager
	limiter     issueLimiter
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Log         *zap.Logger
	AuthzSvc    authorization.Service
	AuditSvc    auditdomain.Service
	ConfigSvc   billingdomain.Service
	IssuanceSvc issuancedomain.Service
	ReversalSvc reversaldomain.Service
	LedgerSvc   ledgerdomain.Service
	Store       artifact.Store
	Sessions    *session.Manager           `optional:"true"`
	Limiter     *ratelimit.IssuanceLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		log:         p.Log.Named("http.server"),
		authzSvc:    p.AuthzSvc,
		auditSvc:    p.AuditSvc,
		configSvc:   p.ConfigSvc,
		issuanceSvc: p.IssuanceSvc,
		reversalSvc: p.ReversalSvc,
		ledgerSvc:   p.LedgerSvc,
		store:       p.Store,
		sessions:    p.Sessions,
	}
	if p.Limiter.Enabled() {
		svc.limiter = p.Limiter
	}

	svc.registerAPIRoutes()
	svc.registerArtifactRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")

	org := api.Group("/organizations/:orgID", OrgContext())
	{
		// -------- Documents --------
		org.POST("/invoices", s.authorizeOrgAction(authorization.ObjectDocument, authorization.ActionDocumentIssue), s.limitIssuance(), s.IssueInvoice)
		org.POST("/receipts", s.authorizeOrgAction(authorization.ObjectDocument, authorization.ActionDocumentIssue), s.limitIssuance(), s.IssueReceipt)
		org.POST("/credit-notes", s.authorizeOrgAction(authorization.ObjectDocument, authorization.ActionDocumentReverse), s.limitIssuance(), s.CreateCreditNote)

		// -------- Ledger & audit --------
		org.GET("/ledger", s.authorizeOrgAction(authorization.ObjectLedger, authorization.ActionLedgerView), s.ListLedger)
		org.GET("/audit-logs", s.authorizeOrgAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)

		// -------- Settings --------
		org.PUT("/billing-configuration", s.authorizeOrgAction(authorization.ObjectBillingConfig, authorization.ActionBillingManage), s.UpsertBillingConfiguration)
		org.PUT("/members/:userID", s.authorizeOrgAction(authorization.ObjectMembership, authorization.ActionMembershipEdit), s.GrantMembership)
		org.DELETE("/members/:userID", s.authorizeOrgAction(authorization.ObjectMembership, authorization.ActionMembershipEdit), s.RevokeMembership)
	}
}

func (s *Server) registerArtifactRoutes() {
	s.engine.GET("/artifacts/*path", s.GetArtifact)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
