package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/machpay/relayer/internal/config"
	"github.com/machpay/relayer/internal/handler"
	"github.com/machpay/relayer/internal/ledger"
	"github.com/machpay/relayer/internal/middleware"
	"github.com/machpay/relayer/internal/pkg/logger"
	"github.com/machpay/relayer/internal/repository"
	"github.com/machpay/relayer/internal/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Initialize Logger
	logger.Init(cfg.Log.Level)

	// 3. Initialize Persistence (Postgres > Memory)
	var (
		store   repository.SettlementStore
		batches repository.BatchRepo
		proofs  repository.ProofRepo
	)
	if cfg.Database.DSN != "" {
		db, err := repository.NewDB(cfg)
		if err == nil {
			logger.Info("✅ Connected to PostgreSQL")
			store = repository.NewPostgresSettlementStore(db)
			batches = repository.NewPostgresBatchRepo(db)
			proofs = repository.NewPostgresProofRepo(db)
		} else {
			logger.Error("⚠️ Failed to connect to DB, falling back to memory", "error", err)
		}
	}
	if store == nil {
		store = repository.NewMemorySettlementStore()
		batches = repository.NewMemoryBatchRepo()
		proofs = repository.NewMemoryProofRepo()
	}

	// Bond cache (Redis > local map)
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Error("⚠️ Failed to connect to Redis, bond cache will be local", "error", err)
			rdb = nil
		} else {
			logger.Info("✅ Connected to Redis")
		}
	}

	// 4. Initialize Core Services
	ledgerClient := ledger.NewHTTPClient(cfg)
	bondCache := ledger.NewBondCache(ledgerClient, rdb, cfg.Redis.BondTTL())

	eventHub := service.NewEventHub()

	registry := service.NewGatewayRegistry(cfg, eventHub)
	registry.Start()

	batcher := service.NewSettlementBatcher(cfg, store, batches, ledgerClient, eventHub)
	batcher.Start()

	detector := service.NewEquivocationDetector(cfg, store, proofs, ledgerClient, eventHub)
	detector.Start()

	aggregator := service.NewLiabilityAggregator(store, registry)

	// 5. Initialize Handlers
	heartbeatHandler := handler.NewHeartbeatHandler(registry)
	settlementHandler := handler.NewSettlementHandler(store, batcher)
	liabilityHandler := handler.NewLiabilityHandler(aggregator, bondCache)
	adminHandler := handler.NewAdminHandler(registry, store, batches, proofs)
	eventsHandler := handler.NewEventsHandler(eventHub)

	// 6. Setup Router
	r := gin.Default()
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "service": "machpay-relayer"})
	})

	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	v1 := r.Group("/v1")
	{
		v1.POST("/heartbeat", heartbeatHandler.Post)
		v1.POST("/settlements", middleware.RateLimitMiddleware(registry), settlementHandler.Post)
		v1.GET("/liability/:agent", liabilityHandler.Get)
		v1.GET("/ws/events", eventsHandler.Stream)
	}

	admin := r.Group("/admin")
	admin.Use(middleware.AdminMiddleware(cfg))
	{
		admin.GET("/gateways", adminHandler.ListGateways)
		admin.GET("/batches", adminHandler.ListBatches)
		admin.GET("/batches/:id", adminHandler.GetBatch)
		admin.POST("/batches/:id/requeue", adminHandler.RequeueFailedBatch)
		admin.GET("/proofs", adminHandler.ListProofs)
	}

	// 7. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("🚀 MachPay relayer started", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("🛑 Shutting down relayer...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batcher.Stop()
	detector.Stop()
	registry.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	logger.Info("Server exiting")
}
