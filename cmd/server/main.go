// Package main runs the telemetry API server with alert WebSockets and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ocsafe/cyberguard/config"
	"github.com/ocsafe/cyberguard/internal/apikeys"
	"github.com/ocsafe/cyberguard/internal/auth"
	"github.com/ocsafe/cyberguard/internal/detection"
	"github.com/ocsafe/cyberguard/internal/devices"
	"github.com/ocsafe/cyberguard/internal/middleware"
	"github.com/ocsafe/cyberguard/internal/models"
	"github.com/ocsafe/cyberguard/internal/organizations"
	"github.com/ocsafe/cyberguard/internal/realtime"
	"github.com/ocsafe/cyberguard/internal/telemetry"
	"github.com/ocsafe/cyberguard/internal/verdictstream"
	"github.com/ocsafe/cyberguard/pkg/database"
	"github.com/ocsafe/cyberguard/pkg/queue"
	"github.com/ocsafe/cyberguard/pkg/redis"
	"github.com/ocsafe/cyberguard/pkg/response"
	"github.com/ocsafe/cyberguard/pkg/storage"
	"github.com/ocsafe/cyberguard/pkg/utils"
)

const limiterCleanupInterval = 10 * time.Minute

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	// Redis is optional: without it alerts stay on this instance and evidence is not archived.
	var (
		rdb           *redis.Client
		relay         realtime.Relay
		evidenceQueue telemetry.EvidenceQueue
	)
	if cfg.Redis.Addr != "" {
		rdb, err = redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		relay = realtime.NewRedisRelay(rdb.Client, logger)
		evidenceQueue = queue.NewQueue(rdb.Client, logger)
	} else {
		logger.Warn("REDIS_ADDR not set; alert relay and evidence archival disabled")
	}

	var evidenceLinks telemetry.EvidenceLinker
	if cfg.AWS.Region != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			EvidenceBucket:       cfg.AWS.EvidenceBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		} else {
			evidenceLinks = s3Client
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	hub := realtime.NewHub(logger, relay)

	engine, err := detection.NewEngine(logger, detection.Builtins(cfg.Detection.SensitivePathMarkers, cfg.Detection.MaliciousProcesses)...)
	if err != nil {
		logger.Fatal("detection engine", zap.Error(err))
	}
	logger.Info("detection rules loaded", zap.Strings("rules", engine.Rules()))

	producer := verdictstream.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.VerdictTopic, logger)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, utils.NewPasswordHasher(cfg.JWT.BcryptCost), logger)

	// Organizations
	orgRepo := organizations.NewRepository(pool)
	orgHandler := organizations.NewHandler(orgRepo, logger)

	// API keys
	creds := apikeys.NewCredentials(cfg.APIKeys.BcryptCost)
	keyRepo := apikeys.NewRepository(pool)
	keyHandler := apikeys.NewHandler(keyRepo, creds, logger)
	authenticator, err := apikeys.NewAuthenticator(keyRepo, creds, logger)
	if err != nil {
		logger.Fatal("api key authenticator", zap.Error(err))
	}

	// Devices
	deviceRepo := devices.NewRepository(pool)
	deviceHandler := devices.NewHandler(deviceRepo, logger)

	// Telemetry
	telemetryRepo := telemetry.NewRepository(pool)
	ingest := telemetry.NewService(telemetry.Deps{
		Devices:  deviceRepo,
		Engine:   engine,
		Logs:     telemetryRepo,
		Alerts:   hub,
		Evidence: evidenceQueue,
		Stream:   producer,
		Timeout:  cfg.Ingest.Timeout,
		Logger:   logger,
	})
	telemetryHandler := telemetry.NewHandler(ingest, telemetryRepo, evidenceLinks, logger)

	var limiter *middleware.RateLimiter
	if cfg.Ingest.RatePerSecond > 0 {
		limiter = middleware.NewRateLimiter(cfg.Ingest.RatePerSecond, cfg.Ingest.Burst)
	}

	wsValidate := func(token string) (int64, int64, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return 0, 0, err
		}
		return claims.OrganizationID, claims.UserID, nil
	}
	wsOpts := realtime.ClientOptions{
		SendQueueSize: cfg.Realtime.SendQueueSize,
		MaxOverflows:  cfg.Realtime.MaxOverflows,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		if err := database.Check(c.Request.Context(), pool); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		if rdb != nil {
			if err := rdb.Check(c.Request.Context()); err != nil {
				response.ServiceUnavailable(c, "redis unavailable")
				return
			}
		}
		response.OK(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")

	// Auth (public)
	authGroup := v1.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	// Agent API (X-API-Key)
	agent := v1.Group("")
	agent.Use(apikeys.RequireKey(authenticator), middleware.RateLimit(limiter, apikeys.RateKey))
	{
		agent.POST("/telemetry/ingest", telemetryHandler.Ingest)
		agent.POST("/devices/enroll", deviceHandler.Enroll)
		agent.POST("/devices/:id/heartbeat", deviceHandler.Heartbeat)
	}

	// Dashboard API (JWT)
	api := v1.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/organizations", middleware.RequireRole(models.RoleAdmin), orgHandler.Create)
		api.GET("/organizations/me", orgHandler.Current)

		api.POST("/keys", keyHandler.Issue)
		api.GET("/keys", keyHandler.List)
		api.DELETE("/keys/:id", keyHandler.Revoke)

		api.GET("/devices", deviceHandler.List)
		api.PATCH("/devices/:id/status", middleware.RequireRole(models.RoleAdmin), deviceHandler.UpdateStatus)

		api.GET("/alerts", telemetryHandler.ListAlerts)
		api.PUT("/alerts/:event_id/resolve", telemetryHandler.ResolveAlert)
		api.GET("/alerts/:event_id/evidence", telemetryHandler.EvidenceLink)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws/alerts", realtime.ServeWs(hub, logger, wsValidate, wsOpts))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	if limiter != nil {
		go func() {
			ticker := time.NewTicker(limiterCleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-bgCtx.Done():
					return
				case <-ticker.C:
					limiter.Cleanup()
				}
			}
		}()
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	bgCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	hub.Close()
	if err := producer.Close(); err != nil {
		logger.Error("verdict stream close", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
