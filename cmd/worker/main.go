// The worker binary runs a standalone execution pool against the shared
// Redis deployment, for scaling workers independently of the API tier.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/datapipe/api/internal/blob"
	"github.com/datapipe/api/internal/client"
	"github.com/datapipe/api/internal/clock"
	"github.com/datapipe/api/internal/config"
	"github.com/datapipe/api/internal/service"
	"github.com/datapipe/api/internal/store"
	"github.com/datapipe/api/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Server.LogLevel)
	clk := clock.System()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	st := store.NewRedisStore(redisClient, clk)
	blobStore := newBlobStore(cfg, log)

	recorder := service.NewRecorder(st, clk, log)
	scraper := client.NewScraper(&cfg.Scraper)
	ocrEngine := client.NewOCREngine(&cfg.OCR)
	runner := worker.NewRunner(st, recorder, blobStore, scraper, ocrEngine, clk, log, cfg.Worker.ID)

	srv := worker.NewServer(redisOpt, cfg, log)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("worker shutting down")
		srv.Shutdown()
	}()

	log.Info("worker starting",
		"worker_id", cfg.Worker.ID,
		"slots", cfg.Worker.EffectiveConcurrency())
	if err := srv.Run(worker.NewMux(runner)); err != nil {
		log.Error("worker server error", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch {
	case strings.EqualFold(level, "debug"):
		l = slog.LevelDebug
	case strings.EqualFold(level, "warn"):
		l = slog.LevelWarn
	case strings.EqualFold(level, "error"):
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

func newBlobStore(cfg *config.Config, log *slog.Logger) blob.Store {
	if cfg.Blob.Backend == "s3" {
		s3Store, err := blob.NewS3Store(&cfg.Blob)
		if err == nil {
			return s3Store
		}
		log.Warn("s3 blob store not configured, falling back to local", "error", err)
	}
	localStore, err := blob.NewLocalStore(cfg.Blob.LocalDir)
	if err != nil {
		log.Error("failed to initialize local blob store", "error", err)
		os.Exit(1)
	}
	return localStore
}
