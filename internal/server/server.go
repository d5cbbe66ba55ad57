package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sitebooks/sitebooks/internal/apinvoice"
	apinvoicedomain "github.com/sitebooks/sitebooks/internal/apinvoice/domain"
	"github.com/sitebooks/sitebooks/internal/approvalrule"
	approvalruledomain "github.com/sitebooks/sitebooks/internal/approvalrule/domain"
	"github.com/sitebooks/sitebooks/internal/audit"
	auditdomain "github.com/sitebooks/sitebooks/internal/audit/domain"
	"github.com/sitebooks/sitebooks/internal/config"
	"github.com/sitebooks/sitebooks/internal/export"
	"github.com/sitebooks/sitebooks/internal/observability"
	obslogger "github.com/sitebooks/sitebooks/internal/observability/logger"
	"github.com/sitebooks/sitebooks/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	audit.Module,
	export.Module,
	approvalrule.Module,
	apinvoice.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyError,
	}))
	r.Use(tracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// The logger dependency pins engine construction after the global zap
// logger has been replaced.
func registerGin(obsCfg observability.Config, _ *zap.Logger) *gin.Engine {
	return NewEngine(obsCfg)
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

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	db          *gorm.DB
	genID       *snowflake.Node
	ruleSvc     approvalruledomain.Service
	invoiceSvc  apinvoicedomain.Service
	auditSvc    auditdomain.Service
	approvalCfg *config.ApprovalConfigHolder
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DB          *gorm.DB
	GenID       *snowflake.Node
	RuleSvc     approvalruledomain.Service
	InvoiceSvc  apinvoicedomain.Service
	AuditSvc    auditdomain.Service
	ApprovalCfg *config.ApprovalConfigHolder
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		db:          p.DB,
		genID:       p.GenID,
		ruleSvc:     p.RuleSvc,
		invoiceSvc:  p.InvoiceSvc,
		auditSvc:    p.AuditSvc,
		approvalCfg: p.ApprovalCfg,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	api.Use(s.CompanyContext())
	api.Use(s.ActorContext())

	// -------- Approval Rules --------
	api.GET("/approval-rules", s.ListApprovalRules)
	api.POST("/approval-rules", s.RequireAdmin(), s.CreateApprovalRule)
	api.GET("/approval-rules/:id", s.GetApprovalRuleByID)
	api.PATCH("/approval-rules/:id", s.RequireAdmin(), s.UpdateApprovalRule)
	api.DELETE("/approval-rules/:id", s.RequireAdmin(), s.DeleteApprovalRule)

	// -------- Invoices --------
	api.GET("/invoices", s.ListInvoices)
	api.POST("/invoices", s.CreateInvoice)
	api.GET("/invoices/status-counts", s.ListInvoiceStatusCounts)
	api.POST("/invoices/bulk-approve", s.BulkApproveInvoices)
	api.GET("/invoices/:id", s.GetInvoiceByID)
	api.PATCH("/invoices/:id", s.UpdateInvoice)
	api.DELETE("/invoices/:id", s.DeleteInvoice)
	api.POST("/invoices/:id/submit", s.SubmitInvoice)
	api.POST("/invoices/:id/approve", s.ApproveInvoice)
	api.POST("/invoices/:id/reject", s.RejectInvoice)
	api.POST("/invoices/:id/export", s.ExportInvoice)
	api.GET("/invoices/:id/chain", s.GetInvoiceApprovalChain)
	api.PATCH("/invoices/:id/flags", s.SetInvoiceFlags)

	// -------- Audit Logs --------
	api.GET("/audit-logs", s.RequireAdmin(), s.ListAuditLogs)
}
