// Package main runs the reconstruction worker: it consumes jobs from the Redis queue, rebuilds
// each participant's deliverables with ffmpeg and publishes the outcome.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/streamly-studio/backend/config"
	"github.com/streamly-studio/backend/internal/events"
	"github.com/streamly-studio/backend/internal/media"
	"github.com/streamly-studio/backend/internal/recordings"
	"github.com/streamly-studio/backend/internal/worker"
	"github.com/streamly-studio/backend/pkg/database"
	"github.com/streamly-studio/backend/pkg/queue"
	"github.com/streamly-studio/backend/pkg/redis"
	"github.com/streamly-studio/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Storage.Driver == "memory" {
		logger.Fatal("standalone worker needs shared storage; use STORAGE_DRIVER=s3 or WORKER_EMBEDDED on the server")
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:          cfg.Storage.Region,
		Endpoint:        cfg.Storage.Endpoint,
		ForcePathStyle:  cfg.Storage.ForcePathStyle,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		Bucket:          cfg.Storage.Bucket,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	recRepo := recordings.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	jobQueue.SetLease(cfg.Worker.LockTTL)
	bus := events.NewBus(rdb.Client, logger)
	ffmpeg := media.NewFFmpeg(cfg.Recording.FFmpegPath, logger)
	processor := worker.NewProcessor(recRepo, s3Client, ffmpeg, bus, cfg.Recording.ScratchDir, logger)
	lock := worker.NewRedisLock(rdb.Locker("reconstruct:", cfg.Worker.LockTTL))
	workers := worker.NewPool(jobQueue, processor, lock, bus, worker.PoolOptions{
		Concurrency:      cfg.Worker.Concurrency,
		LockExtendEvery:  cfg.Worker.LockTTL / 3,
		LeaseExtendEvery: cfg.Worker.LockTTL / 3,
	}, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Jobs of crashed workers go back on the queue once their lease runs out.
	go requeueExpired(workerCtx, jobQueue, cfg.Worker.LockTTL, logger)

	unsubscribe, err := bus.Subscribe(workerCtx, events.Handlers{
		OnDeleted: func(sessionID string) {
			if n := workers.CancelSession(sessionID); n > 0 {
				logger.Info("cancelled jobs of deleted recording", zap.String("session_id", sessionID), zap.Int("jobs", n))
			}
		},
	})
	if err != nil {
		logger.Fatal("subscribe recording events", zap.Error(err))
	}
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = workers.Run(workerCtx)
	}()
	logger.Info("worker started", zap.Int("concurrency", cfg.Worker.Concurrency))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("workers did not stop in time")
	}
	logger.Info("worker stopped")
}

func requeueExpired(ctx context.Context, q *queue.Queue, every time.Duration, logger *zap.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if _, err := q.Requeue(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("requeue expired jobs", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
