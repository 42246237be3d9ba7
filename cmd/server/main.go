package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"exchange-api/internal/cache"
	"exchange-api/internal/config"
	"exchange-api/internal/controller"
	"exchange-api/internal/database"
	"exchange-api/internal/engine"
	"exchange-api/internal/external"
	"exchange-api/internal/middleware"
	"exchange-api/internal/models"
	"exchange-api/internal/monitoring"
	"exchange-api/internal/service"
	"exchange-api/pkg/logger"
)

// @title Exchange API
// @version 1.0
// @description KLOJI/USDT custodial exchange - constant-product pricing, pool ledger and trade settlement

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

// @securityDefinitions.apikey AdminKeyAuth
// @in header
// @name X-Admin-Key
// @description Admin API key for pool administration.

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger.Init(cfg.Logging)

	logrus.WithFields(logrus.Fields{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
		"port":       cfg.Server.Port,
	}).Info("Starting Exchange API")

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := initializeApp(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize application: %v", err)
	}
	defer app.cleanup()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      app.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logrus.WithField("address", server.Addr).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	cancel()

	logrus.Info("Server exited")
}

// Application holds the wired dependencies and the teardown order
type Application struct {
	config  *config.Config
	router  *gin.Engine
	cleanup func()
}

func initializeApp(ctx context.Context, cfg *config.Config) (*Application, error) {
	log := logrus.StandardLogger()

	// Metrics and health first so every later component can register
	var metrics monitoring.MetricsService
	if cfg.Monitoring.EnableMetrics {
		metrics = monitoring.NewPrometheusMetrics()
		monitoring.StartSystemMetricsRecording(metrics, cfg.Monitoring.MetricsInterval)
	}
	healthChecker := monitoring.NewHealthChecker(version)

	// Redis: one client shared by the cache, the locks and the idempotency keys
	cacheService, err := cache.NewRedisCache(&cache.CacheConfig{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		Database:     cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConnections,
		MaxRetries:   cfg.Redis.MaxRetries,
		Timeout:      cfg.Redis.Timeout,
		KeyPrefix:    cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	healthChecker.RegisterCheck("cache", monitoring.NewCacheChecker("redis", cacheService))

	db, err := database.Initialize(ctx, cfg, cacheService.Client())
	if err != nil {
		cacheService.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	healthChecker.RegisterCheck("database", monitoring.NewDatabaseChecker("mongodb", db.HealthCheck))

	// Seed the pool document on first boot
	pool, err := db.Repositories.Pool.EnsureDefault(ctx, models.PoolDefaults{
		KlojiBalance: cfg.Pool.InitialKlojiBalance,
		KlojiPrice:   cfg.Pool.InitialKlojiPrice,
		UsdtBalance:  cfg.Pool.InitialUsdtBalance,
		NetworkFee:   cfg.Pool.NetworkFee,
		TradingFee:   cfg.Pool.TradingFee,
	})
	if err != nil {
		cacheService.Close()
		return nil, fmt.Errorf("failed to ensure liquidity pool: %w", err)
	}
	log.WithFields(logrus.Fields{
		"kloji_balance": pool.Tokens.Kloji.Balance.String(),
		"usdt_balance":  pool.Tokens.Usdt.Balance.String(),
		"kloji_price":   pool.Tokens.Kloji.Price.String(),
	}).Info("Liquidity pool ready")
	if metrics != nil {
		metrics.RecordPoolReserves(pool.Tokens.Kloji.Balance.InexactFloat64(), pool.Tokens.Usdt.Balance.InexactFloat64())
		metrics.RecordKlojiPrice(pool.Tokens.Kloji.Price.InexactFloat64())
	}

	// Notifications are best-effort; a missing broker degrades to a noop sink
	var publisher external.EventPublisher
	if cfg.RabbitMQ.Enabled {
		publisher, err = external.NewEventPublisher(&external.MessageQueueConfig{
			URL:           cfg.RabbitMQ.URL,
			ExchangeName:  cfg.RabbitMQ.Exchange,
			RetryAttempts: cfg.RabbitMQ.RetryAttempts,
			RetryDelay:    cfg.RabbitMQ.RetryDelay,
			MessageTTL:    cfg.RabbitMQ.MessageTTL,
		})
		if err != nil {
			log.WithError(err).Warn("RabbitMQ unavailable, trade notifications disabled")
			publisher = external.NewNoopPublisher()
		}
	} else {
		publisher = external.NewNoopPublisher()
	}

	var settlement external.SettlementService
	if cfg.Blockchain.Enabled {
		settlement = external.NewSimulatedSettlement(&external.SettlementConfig{
			Network: cfg.Blockchain.Network,
			Timeout: cfg.Blockchain.Timeout,
			Latency: cfg.Blockchain.Latency,
		})
		healthChecker.RegisterCheck("settlement", monitoring.NewSettlementChecker("blockchain", settlement))
	}

	tradeEngine := engine.NewTradeEngine(
		db.Repositories.Pool,
		db.Repositories.Portfolio,
		db.Repositories.Transaction,
		db.Repositories.LockManager,
		db.Repositories.Idempotency,
		db,
		publisher,
		settlement,
		metrics,
		&engine.TradeEngineConfig{
			StartingUsdtGrant: cfg.Pool.StartingUsdtGrant,
			IdempotencyTTL:    cfg.Redis.IdempotencyTTL,
			Platform:          cfg.Pool.Platform,
		},
		log,
	)

	tradingService := service.NewTradingService(
		tradeEngine,
		db.Repositories.Pool,
		db.Repositories.Transaction,
		cacheService,
		metrics,
		cfg,
		log,
	)
	poolService := service.NewPoolService(db.Repositories.Pool, db.Repositories.LockManager, cacheService, log)
	portfolioService := service.NewPortfolioService(db.Repositories.Portfolio, db.Repositories.Pool, cfg, log)

	rateLimiter := middleware.NewRateLimitMiddleware(cacheService.Client(), nil, log)

	router := setupRouter(cfg, metrics, healthChecker, rateLimiter, log, routeControllers{
		trading:   controller.NewTradingController(tradingService),
		portfolio: controller.NewPortfolioController(portfolioService),
		pool:      controller.NewPoolController(poolService),
	})

	// Roll the pool's 24h counters over at midnight UTC
	scheduler := cron.New(cron.WithLocation(time.UTC))
	if _, err := scheduler.AddFunc("0 0 * * *", func() {
		jobCtx, jobCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer jobCancel()
		if err := poolService.ResetDailyStats(jobCtx); err != nil {
			log.WithError(err).Error("Failed to reset daily pool statistics")
		}
	}); err != nil {
		cacheService.Close()
		return nil, fmt.Errorf("failed to schedule daily stats reset: %w", err)
	}
	scheduler.Start()

	healthChecker.StartPeriodicChecks(60 * time.Second)

	cleanup := func() {
		log.Info("Cleaning up application resources...")
		healthChecker.StopPeriodicChecks()
		scheduler.Stop()
		if err := publisher.Close(); err != nil {
			log.WithError(err).Warn("Failed to close event publisher")
		}
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := db.Close(closeCtx); err != nil {
			log.WithError(err).Warn("Failed to close database")
		}
		if err := cacheService.Close(); err != nil {
			log.WithError(err).Warn("Failed to close cache")
		}
	}

	return &Application{
		config:  cfg,
		router:  router,
		cleanup: cleanup,
	}, nil
}

type routeControllers struct {
	trading   *controller.TradingController
	portfolio *controller.PortfolioController
	pool      *controller.PoolController
}

func setupRouter(
	cfg *config.Config,
	metrics monitoring.MetricsService,
	healthChecker monitoring.HealthChecker,
	rateLimiter *middleware.RateLimitMiddleware,
	log *logrus.Logger,
	controllers routeControllers,
) *gin.Engine {
	router := gin.New()
	router.SetTrustedProxies(cfg.Server.TrustedProxies)

	security := middleware.NewSecurityMiddleware()

	router.Use(gin.Recovery())
	router.Use(requestid.New())
	router.Use(middleware.NewLoggingMiddleware(log).RequestLogger())
	router.Use(security.SecurityHeaders())
	router.Use(security.RequestSizeLimit())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Idempotency-Key", "X-Admin-Key"},
		ExposeHeaders:    []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	if metrics != nil {
		router.Use(middleware.MetricsMiddleware(metrics))
	}

	auth := middleware.NewAuthMiddleware(
		cfg.Auth.JWTSecret,
		cfg.Auth.JWTIssuer,
		cfg.Auth.JWTExpiry,
		cfg.Auth.AdminAPIKey,
	)

	if cfg.Monitoring.EnableHealthCheck {
		router.GET(cfg.Monitoring.HealthCheckPath, func(c *gin.Context) {
			health := healthChecker.CheckHealth(c.Request.Context())
			status := http.StatusOK
			if health.Status == "unhealthy" {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, health)
		})
		router.GET(cfg.Monitoring.HealthCheckPath+"/:component", func(c *gin.Context) {
			component := healthChecker.GetComponentStatus(c.Param("component"))
			if component == nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "Component not found"})
				return
			}
			status := http.StatusOK
			if component.Status != "healthy" {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, component)
		})
	}

	if metrics != nil {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
			"service":    "exchange-api",
		})
	})

	api := router.Group("/api")
	api.Use(rateLimiter.IPRateLimit())
	{
		trading := api.Group("/trading")
		{
			trading.GET("/price", controllers.trading.GetPrice)
			trading.GET("/pair", controllers.trading.GetPairInfo)
			trading.POST("/calculate", controllers.trading.Calculate)

			authed := trading.Group("")
			authed.Use(auth.RequireAuth(), rateLimiter.UserRateLimit())
			{
				authed.POST("/buy", rateLimiter.TradeRateLimit(), controllers.trading.Buy)
				authed.POST("/sell", rateLimiter.TradeRateLimit(), controllers.trading.Sell)
				authed.GET("/history", controllers.trading.GetHistory)
				authed.GET("/stats", controllers.trading.GetStats)
			}
		}

		portfolio := api.Group("/portfolio")
		{
			portfolio.GET("/leaderboard", controllers.portfolio.GetLeaderboard)
			portfolio.GET("", auth.RequireAuth(), controllers.portfolio.GetPortfolio)
		}

		pool := api.Group("/pool")
		{
			pool.GET("/status", controllers.pool.GetStatus)

			admin := pool.Group("")
			admin.Use(auth.AdminKeyAuth())
			{
				admin.POST("/maintenance", controllers.pool.SetMaintenance)
				admin.PUT("/price", controllers.pool.UpdatePrice)
				admin.POST("/stats/reset", controllers.pool.ResetDailyStats)
			}
		}
	}

	return router
}
