// Package server is the HTTP boundary: thin gin handlers that map requests
// onto domain services and nothing else.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	attachdomain "github.com/meterline/meterline/internal/attach/domain"
	"github.com/meterline/meterline/internal/config"
	customerdomain "github.com/meterline/meterline/internal/customer/domain"
	featuredomain "github.com/meterline/meterline/internal/feature/domain"
	ledgerservice "github.com/meterline/meterline/internal/ledger/service"
	organizationdomain "github.com/meterline/meterline/internal/organization/domain"
	"github.com/meterline/meterline/internal/payment/webhook"
	productdomain "github.com/meterline/meterline/internal/product/domain"
	"github.com/meterline/meterline/internal/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewEngine(log *zap.Logger, gatherer prometheus.Gatherer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log.Named("http")))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	genID       *snowflake.Node
	producer    *queue.Producer
	attachSvc   attachdomain.Service
	customerSvc customerdomain.Service
	featureSvc  featuredomain.Service
	productSvc  productdomain.Service
	orgSvc      organizationdomain.Service
	ledgerSvc   *ledgerservice.Service
	webhookSvc  *webhook.Service
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	GenID       *snowflake.Node
	Producer    *queue.Producer
	AttachSvc   attachdomain.Service
	CustomerSvc customerdomain.Service
	FeatureSvc  featuredomain.Service
	ProductSvc  productdomain.Service
	OrgSvc      organizationdomain.Service
	LedgerSvc   *ledgerservice.Service
	WebhookSvc  *webhook.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log.Named("server"),
		genID:       p.GenID,
		producer:    p.Producer,
		attachSvc:   p.AttachSvc,
		customerSvc: p.CustomerSvc,
		featureSvc:  p.FeatureSvc,
		productSvc:  p.ProductSvc,
		orgSvc:      p.OrgSvc,
		ledgerSvc:   p.LedgerSvc,
		webhookSvc:  p.WebhookSvc,
	}

	s.registerAPIRoutes()
	s.registerOrgRoutes()
	s.registerWebhookRoutes()

	return s
}

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1", OrgContext())

	v1.POST("/usage", s.IngestUsage)
	v1.POST("/attach", s.Attach)

	v1.POST("/customers", s.CreateCustomer)
	v1.GET("/customers/:id", s.GetCustomer)
	v1.GET("/customers/:id/balances", s.CustomerBalances)

	v1.POST("/features", s.CreateFeature)
	v1.GET("/features", s.ListFeatures)

	v1.POST("/products", s.CreateProduct)
	v1.GET("/products", s.ListProducts)
	v1.GET("/products/:id", s.GetProduct)
}

func (s *Server) registerOrgRoutes() {
	// Org creation is the bootstrap surface; it has no org header to scope by.
	orgs := s.engine.Group("/v1/orgs")
	orgs.POST("", s.CreateOrganization)
	orgs.GET("/:id", s.GetOrganization)
}

func (s *Server) registerWebhookRoutes() {
	// Webhooks authenticate with the shared signing secret, not org headers.
	s.engine.POST("/v1/webhooks/stripe", s.StripeWebhook)
}

func run(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: s.Engine(),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
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

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)
