// Package server is the HTTP boundary: gin routes for every engine
// operation, sentinel-to-status error translation and the per-circle SSE
// change feed.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tandahq/rueda/internal/affordability"
	affordabilitydomain "github.com/tandahq/rueda/internal/affordability/domain"
	"github.com/tandahq/rueda/internal/cascade"
	cascadedomain "github.com/tandahq/rueda/internal/cascade/domain"
	"github.com/tandahq/rueda/internal/circle"
	circledomain "github.com/tandahq/rueda/internal/circle/domain"
	"github.com/tandahq/rueda/internal/clock"
	"github.com/tandahq/rueda/internal/config"
	"github.com/tandahq/rueda/internal/contribution"
	contributiondomain "github.com/tandahq/rueda/internal/contribution/domain"
	"github.com/tandahq/rueda/internal/ledger"
	ledgerdomain "github.com/tandahq/rueda/internal/ledger/domain"
	"github.com/tandahq/rueda/internal/liveevents"
	"github.com/tandahq/rueda/internal/notify"
	"github.com/tandahq/rueda/internal/payout"
	payoutdomain "github.com/tandahq/rueda/internal/payout/domain"
	"github.com/tandahq/rueda/internal/ranking"
	rankingdomain "github.com/tandahq/rueda/internal/ranking/domain"
	"github.com/tandahq/rueda/internal/swap"
	swapdomain "github.com/tandahq/rueda/internal/swap/domain"
	"github.com/tandahq/rueda/internal/transfer"
	"github.com/tandahq/rueda/internal/trust"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	notify.Module,
	liveevents.Module,
	trust.Module,
	transfer.Module,
	ledger.Module,
	circle.Module,
	contribution.Module,
	affordability.Module,
	ranking.Module,
	swap.Module,
	cascade.Module,
	payout.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLoggingMiddleware(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
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
	engine *gin.Engine
	cfg    config.Config
	db     *gorm.DB
	genID  *snowflake.Node
	clock  clock.Clock

	circleSvc        circledomain.Service
	contributionSvc  contributiondomain.Service
	affordabilitySvc affordabilitydomain.Service
	rankingSvc       rankingdomain.Service
	swapSvc          swapdomain.Service
	cascadeSvc       cascadedomain.Service
	payoutSvc        payoutdomain.Service
	ledgerSvc        ledgerdomain.Service

	liveCircleEvents *liveevents.Hub
}

type ServerParams struct {
	fx.In

	Gin   *gin.Engine
	Cfg   config.Config
	DB    *gorm.DB
	GenID *snowflake.Node
	Clock clock.Clock

	CircleSvc        circledomain.Service
	ContributionSvc  contributiondomain.Service
	AffordabilitySvc affordabilitydomain.Service
	RankingSvc       rankingdomain.Service
	SwapSvc          swapdomain.Service
	CascadeSvc       cascadedomain.Service
	PayoutSvc        payoutdomain.Service
	LedgerSvc        ledgerdomain.Service

	LiveCircleEvents *liveevents.Hub `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:           p.Gin,
		cfg:              p.Cfg,
		db:               p.DB,
		genID:            p.GenID,
		clock:            p.Clock,
		circleSvc:        p.CircleSvc,
		contributionSvc:  p.ContributionSvc,
		affordabilitySvc: p.AffordabilitySvc,
		rankingSvc:       p.RankingSvc,
		swapSvc:          p.SwapSvc,
		cascadeSvc:       p.CascadeSvc,
		payoutSvc:        p.PayoutSvc,
		ledgerSvc:        p.LedgerSvc,
		liveCircleEvents: p.LiveCircleEvents,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Circles --------
	api.POST("/circles", s.CreateCircle)
	api.GET("/circles", s.ListCircles)
	api.GET("/circles/:id", s.GetCircleByID)
	api.POST("/circles/:id/join", s.JoinCircle)
	api.POST("/circles/:id/activate", s.ActivateCircle)
	api.POST("/circles/:id/transition", s.TransitionCircle)
	api.PATCH("/circles/:id/terms", s.UpdateCircleTerms)
	api.POST("/circles/:id/schedule", s.ScheduleCircleDueDates)
	api.GET("/circles/:id/members", s.ListCircleMembers)
	api.GET("/circles/:id/cycles", s.ListCircleCycles)
	api.GET("/circles/:id/live-events", s.StreamCircleLiveEvents)

	// -------- Payout order --------
	api.POST("/circles/:id/rank", s.RankCircle)
	api.GET("/circles/:id/rank/preview", s.PreviewCircleRank)
	api.POST("/swaps", s.ExecuteSwap)

	// -------- Affordability --------
	api.POST("/affordability/check", s.CheckAffordability)

	// -------- Contributions --------
	api.POST("/cycles/:id/contributions", s.EnsureCycleContributions)
	api.GET("/cycles/:id/contributions", s.ListCycleContributions)
	api.GET("/contributions/:id", s.GetContributionByID)
	api.POST("/contributions/:id/classify", s.ClassifyContribution)
	api.POST("/contributions/:id/pay", s.PayContribution)

	// -------- Defaults --------
	api.GET("/circles/:id/defaults", s.ListCircleDefaults)
	api.GET("/defaults/:id", s.GetDefaultByID)
	api.POST("/defaults/:id/cover", s.CoverDefault)
	api.POST("/defaults/:id/extend-grace", s.ExtendDefaultGracePeriod)
	api.POST("/defaults/:id/recover", s.RecordDefaultRecovery)
	api.POST("/defaults/:id/plan", s.CreateDefaultPaymentPlan)
	api.POST("/defaults/:id/write-off", s.WriteOffDefault)
	api.POST("/defaults/:id/dispute", s.DisputeDefault)
	api.POST("/defaults/:id/resolve-dispute", s.ResolveDefaultDispute)

	// -------- Payouts --------
	api.POST("/cycles/:id/payout", s.SchedulePayout)
	api.GET("/cycles/:id/eligibility", s.CheckPayoutEligibility)
	api.GET("/circles/:id/payouts", s.ListCirclePayouts)
	api.GET("/payouts/:id", s.GetPayoutByID)
	api.POST("/payouts/:id/execute", s.ExecutePayout)
	api.POST("/payouts/:id/cancel", s.CancelPayout)

	// -------- Ledger --------
	api.GET("/circles/:id/balances", s.ListCircleBalances)
	api.POST("/circles/:id/deposits", s.DepositToFund)
}
