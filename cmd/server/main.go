// Package main runs the studio HTTP server: session coordinator websocket, segment upload
// endpoints and the recordings API, with graceful shutdown.
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

	"github.com/streamly-studio/backend/config"
	"github.com/streamly-studio/backend/internal/auth"
	"github.com/streamly-studio/backend/internal/events"
	"github.com/streamly-studio/backend/internal/media"
	"github.com/streamly-studio/backend/internal/middleware"
	"github.com/streamly-studio/backend/internal/realtime"
	"github.com/streamly-studio/backend/internal/recordings"
	"github.com/streamly-studio/backend/internal/studios"
	"github.com/streamly-studio/backend/internal/worker"
	"github.com/streamly-studio/backend/pkg/database"
	"github.com/streamly-studio/backend/pkg/queue"
	"github.com/streamly-studio/backend/pkg/redis"
	"github.com/streamly-studio/backend/pkg/response"
	"github.com/streamly-studio/backend/pkg/storage"
)

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

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	objects, err := openStorage(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatal("storage", zap.Error(err))
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	bus := events.NewBus(rdb.Client, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	jobQueue.SetLease(cfg.Worker.LockTTL)

	// Studios are managed elsewhere; this service only reads them.
	studioRepo := studios.NewRepository(pool)
	studioHandler := studios.NewHandler(studioRepo)

	// Recordings
	recordingRepo := recordings.NewRepository(pool)
	recordingSvc := recordings.NewService(recordingRepo, objects, jobQueue, studioRepo, bus, logger)
	recordingHandler := recordings.NewHandler(recordingSvc, cfg.Recording.SignedURLTTL, logger)
	uploadHandler := recordings.NewUploadHandler(recordingSvc, logger)

	// Session coordinator
	coord := realtime.NewCoordinator(realtime.NewRegistry(), studioRepo, recordingSvc, realtime.CoordinatorOptions{
		StoppingTimeout: cfg.Recording.StoppingTimeout,
		Settings: &realtime.Settings{
			ICEServers:         cfg.WebRTC.ICEUrls,
			SegmentDurationMs:  cfg.Recording.SegmentDuration.Milliseconds(),
			UploadRetryDelayMs: cfg.Recording.UploadRetryDelay.Milliseconds(),
		},
	}, logger)

	busCtx, busCancel := context.WithCancel(ctx)
	defer busCancel()
	var embedded *worker.Pool
	if cfg.Worker.Embedded {
		processor := worker.NewProcessor(recordingRepo, objects, media.NewFFmpeg(cfg.Recording.FFmpegPath, logger), bus, cfg.Recording.ScratchDir, logger)
		lock := worker.NewRedisLock(rdb.Locker("reconstruct:", cfg.Worker.LockTTL))
		embedded = worker.NewPool(jobQueue, processor, lock, bus, worker.PoolOptions{
			Concurrency:      cfg.Worker.Concurrency,
			LockExtendEvery:  cfg.Worker.LockTTL / 3,
			LeaseExtendEvery: cfg.Worker.LockTTL / 3,
		}, logger)
	}
	unsubscribe, err := bus.Subscribe(busCtx, events.Handlers{
		OnOutcome: func(o events.Outcome) {
			coord.HandleOutcome(o)
		},
		OnDeleted: func(sessionID string) {
			if embedded != nil {
				embedded.CancelSession(sessionID)
			}
		},
	})
	if err != nil {
		logger.Fatal("subscribe recording events", zap.Error(err))
	}
	defer unsubscribe()

	jwtValidate := func(token string) (identity, name string, err error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", "", err
		}
		return claims.Identity(), claims.Name, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// WebSocket (studio_id or invite_code in query; token optional, guests join without one)
	router.GET("/ws", realtime.ServeWs(coord, jwtValidate, logger))

	// Public: invite lookup and segment uploads (keyed by the session id)
	router.GET("/api/studios/join/:inviteCode", studioHandler.JoinInfo)
	router.POST("/api/upload/chunk", uploadHandler.UploadChunk)
	router.POST("/api/upload/finalize", uploadHandler.Finalize)

	// Protected API (JWT required; owner checks in the service)
	api := router.Group("/api")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/studios/:id/recordings", recordingHandler.ListByStudio)
		api.GET("/recordings/:id", recordingHandler.Get)
		api.DELETE("/recordings/:id", recordingHandler.Delete)
		api.POST("/recordings/:id/reprocess", recordingHandler.Reprocess)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background reconstruction (single-process deployments)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	workerDone := make(chan struct{})
	if embedded != nil {
		if _, err := jobQueue.Requeue(ctx); err != nil {
			logger.Warn("requeue expired jobs", zap.Error(err))
		}
		go func() {
			defer close(workerDone)
			_ = embedded.Run(workerCtx)
		}()
		logger.Info("embedded reconstruction worker started")
	} else {
		close(workerDone)
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

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
	}
	logger.Info("server stopped")
}

func openStorage(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.ObjectStore, error) {
	if cfg.Driver == "memory" {
		logger.Warn("using in-memory object storage; segments are lost on restart")
		return storage.NewMemory(), nil
	}
	return storage.NewS3(ctx, storage.S3Config{
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		ForcePathStyle:  cfg.ForcePathStyle,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		Bucket:          cfg.Bucket,
	}, logger)
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
