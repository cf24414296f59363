package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"carbon-exchange/registry/registry-backend/internal/archive"
	"carbon-exchange/registry/registry-backend/internal/audit"
	"carbon-exchange/registry/registry-backend/internal/auth"
	"carbon-exchange/registry/registry-backend/internal/config"
	"carbon-exchange/registry/registry-backend/internal/ledger"
	"carbon-exchange/registry/registry-backend/internal/marketplace"
	"carbon-exchange/registry/registry-backend/internal/marketplace/payments"
	"carbon-exchange/registry/registry-backend/internal/notifications/websocket"
	"carbon-exchange/registry/registry-backend/internal/reports"
	"carbon-exchange/registry/registry-backend/internal/verification"
	"carbon-exchange/registry/registry-backend/pkg/storage"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	cfg, err := config.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// Audit trail: always broadcast over WebSocket; persist to Postgres
	// when a database is reachable, otherwise keep an in-memory trail.
	wsManager := websocket.NewManager(logger)
	defer wsManager.Close()

	sinks := []audit.Sink{wsManager}
	var auditRepo *audit.PostgresSink
	db, err := sqlx.Connect("postgres", cfg.Database.GetDatabaseURL())
	if err != nil {
		logger.Warn("Database unavailable, audit trail is in-memory only", zap.Error(err))
		db = nil
		sinks = append(sinks, audit.NewMemorySink())
	} else {
		defer db.Close()
		auditRepo = audit.NewPostgresSink(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := auditRepo.EnsureSchema(ctx); err != nil {
			cancel()
			logger.Fatal("Failed to prepare audit schema", zap.Error(err))
		}
		cancel()
		sinks = append(sinks, auditRepo)
	}
	auditSink := audit.NewMultiSink(sinks...)

	// Evidence blob store
	var blobStore storage.BlobStore
	if cfg.Storage.S3Bucket != "" && os.Getenv("AWS_ACCESS_KEY_ID") != "" {
		s3Store, err := storage.NewS3Store(context.Background(), cfg.Storage.S3Bucket, cfg.Storage.S3Region)
		if err != nil {
			logger.Fatal("Failed to initialize S3 evidence store", zap.Error(err))
		}
		blobStore = s3Store
	} else {
		logger.Info("No S3 credentials, evidence store is in-memory")
		blobStore = storage.NewMemoryStore()
	}

	// Platform accounts
	escrow := uuid.New()
	feeRecipient := uuid.New()
	if cfg.Registry.FeeRecipient != "" {
		parsed, err := uuid.Parse(cfg.Registry.FeeRecipient)
		if err != nil {
			logger.Fatal("Invalid fee recipient account", zap.Error(err))
		}
		feeRecipient = parsed
	}

	// Core services
	creditLedger := ledger.NewServiceWithCustodian(auditSink, logger, escrow)
	funds := payments.NewFundsLedger(logger)
	market := marketplace.NewService(creditLedger, funds, marketplace.Config{
		FeeRateBps:         cfg.Registry.FeeRateBps,
		MaxFeeRateBps:      cfg.Registry.MaxFeeRateBps,
		FeeRecipient:       feeRecipient,
		MinAuctionDuration: cfg.Registry.MinAuctionDuration,
		MaxAuctionDuration: cfg.Registry.MaxAuctionDuration,
	}, escrow, auditSink, logger)

	workflow, err := verification.NewService(creditLedger, verification.Config{
		HighThreshold:  cfg.Verification.HighThreshold,
		LowThreshold:   cfg.Verification.LowThreshold,
		CreditValidity: cfg.Registry.CreditValidity,
	}, auditSink, logger)
	if err != nil {
		logger.Fatal("Failed to initialize verification workflow", zap.Error(err))
	}

	var scorer verification.Scorer
	if cfg.Verification.ScorerURL != "" {
		scorer = verification.NewHTTPScorer(cfg.Verification.ScorerURL, logger)
	}

	exporter := reports.NewExcelExporter(creditLedger, reports.DefaultOptions())

	// Settlement worker drives time-based transitions; snapshots of
	// settled entities go to Postgres when available.
	var archiver *archive.Archiver
	if db != nil {
		archiver, err = archive.Open(cfg.Database.GetDatabaseURL(), logger)
		if err != nil {
			logger.Warn("Archive store unavailable, snapshots disabled", zap.Error(err))
		}
	}
	worker, err := marketplace.NewSettlementWorker(market, archiver, logger, marketplace.DefaultSettlementWorkerConfig())
	if err != nil {
		logger.Fatal("Failed to initialize settlement worker", zap.Error(err))
	}
	worker.Start()
	defer worker.Stop()

	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	// CORS Middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
	router.Use(auth.Middleware(cfg.Security.JWTSecret))

	api := router.Group("/api/v1")
	{
		auth.NewHandler(cfg.Security.JWTSecret, 24*time.Hour).RegisterRoutes(api)
		ledger.NewHandler(creditLedger, logger).RegisterRoutes(api)
		marketplace.NewHandler(market, logger).RegisterRoutes(api)
		payments.NewHandler(funds, logger).RegisterRoutes(api)
		verification.NewHandler(workflow, scorer, logger).RegisterRoutes(api)
		verification.NewEvidenceHandler(blobStore, logger).RegisterRoutes(api)
		reports.NewHandler(exporter, logger).RegisterRoutes(api)
		if auditRepo != nil {
			audit.NewHandler(auditRepo, logger).RegisterRoutes(api)
		}
	}

	// Live audit event feed
	router.GET("/ws/events", func(c *gin.Context) {
		wsManager.HandleConnection(c.Writer, c.Request)
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
		})
	})

	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Registry API listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	fmt.Println("Server exited")
}
