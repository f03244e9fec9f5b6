package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/loyara/internal/config"
	ledgerdomain "github.com/smallbiznis/loyara/internal/ledger/domain"
	profiledomain "github.com/smallbiznis/loyara/internal/profile/domain"
	"github.com/smallbiznis/loyara/internal/tier"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	catalog    *tier.Catalog
	profileSvc profiledomain.Service
	ledgerSvc  ledgerdomain.Service
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	Catalog    *tier.Catalog
	ProfileSvc profiledomain.Service
	LedgerSvc  ledgerdomain.Service
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("server"),
		catalog:    p.Catalog,
		profileSvc: p.ProfileSvc,
		ledgerSvc:  p.LedgerSvc,
	}
}

func registerRoutes(s *Server) {
	s.RegisterAPIRoutes()
}

// RegisterAPIRoutes mounts the loyalty engine surface.
func (s *Server) RegisterAPIRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/profiles", s.EnrollProfile)
	v1.GET("/profiles", s.ListProfiles)
	v1.GET("/profiles/:customerId", s.GetProfile)
	v1.GET("/profiles/:customerId/next-tier", s.GetNextTier)
	v1.GET("/profiles/:customerId/transactions", s.ListTransactions)
	v1.POST("/profiles/:customerId/deactivate", s.DeactivateProfile)
	v1.POST("/profiles/:customerId/reactivate", s.ReactivateProfile)
	v1.POST("/profiles/:customerId/rebuild", s.RebuildProfile)

	v1.POST("/purchases", s.RecordPurchase)
	v1.POST("/redemptions", s.RedeemPoints)
	v1.POST("/adjustments", s.AdjustPoints)
	v1.POST("/referrals", s.CompleteReferral)
	v1.POST("/occasions", s.CreditOccasion)

	v1.GET("/tiers", s.ListTiers)
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
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
