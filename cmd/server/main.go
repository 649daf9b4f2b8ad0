package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/datapipe/api/internal/auth"
	"github.com/datapipe/api/internal/blob"
	"github.com/datapipe/api/internal/bus"
	"github.com/datapipe/api/internal/client"
	"github.com/datapipe/api/internal/clock"
	"github.com/datapipe/api/internal/config"
	"github.com/datapipe/api/internal/handler"
	"github.com/datapipe/api/internal/middleware"
	"github.com/datapipe/api/internal/scheduler"
	"github.com/datapipe/api/internal/service"
	"github.com/datapipe/api/internal/store"
	"github.com/datapipe/api/internal/worker"
	"github.com/datapipe/api/pkg/response"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Server.LogLevel)
	clk := clock.System()

	// Redis backs both the metadata store and the dispatch bus.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("redis not available", "error", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	st := store.NewRedisStore(redisClient, clk)
	dispatchBus := bus.New(redisOpt, bus.Options{
		HighWater: cfg.Queue.HighWater,
		LowWater:  cfg.Queue.LowWater,
		Retention: time.Duration(cfg.Queue.RetentionHours) * time.Hour,
	})
	defer dispatchBus.Close()

	blobStore := newBlobStore(cfg, log)

	validate := validator.New()
	keyValidator := auth.NewHMACKeyValidator(cfg.Auth.KeySecret)

	timeouts := service.Timeouts{
		Scrape: time.Duration(cfg.Worker.ScrapeTimeoutSeconds) * time.Second,
		OCR:    time.Duration(cfg.Worker.OCRTimeoutSeconds) * time.Second,
	}

	recorder := service.NewRecorder(st, clk, log)
	dispatcher := service.NewDispatcher(st, dispatchBus, recorder, clk, timeouts, log)
	jobsService := service.NewJobs(st, dispatchBus, recorder, dispatcher, validate, clk, log, cfg.Queue.DefaultMaxAttempts)
	queryService := service.NewQuery(st, blobStore)

	sched := scheduler.New(st, dispatcher, dispatchBus, blobStore, clk, log,
		cfg.Scheduler, cfg.Queue, cfg.Retention, cfg.Worker.ID)

	// Handlers
	jobsHandler := handler.NewJobsHandler(jobsService, queryService, validate)
	execHandler := handler.NewExecutionsHandler(queryService)
	artifactsHandler := handler.NewArtifactsHandler(queryService)
	adminHandler := handler.NewAdminHandler(jobsService, st, validate)
	statusHandler := handler.NewStatusHandler(st, blobStore, dispatchBus, sched.IsLeader, clk)

	authMW := middleware.NewAuthMiddleware(keyValidator)
	rateLimiter := middleware.NewRateLimiter(st, cfg.RateLimit)

	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
		BodyLimit:    10 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams}\n"
	}
	app.Use(logger.New(logger.Config{Format: logFormat}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/healthz", statusHandler.Healthz)

	v1 := app.Group("/v1", authMW.Authenticate())
	v1.Get("/status", rateLimiter.Limit(middleware.OpClassRead), statusHandler.Status)

	jobs := v1.Group("/jobs")
	jobs.Post("/", middleware.RequireWrite(), rateLimiter.Limit(middleware.OpClassWrite), jobsHandler.Submit)
	jobs.Get("/", rateLimiter.Limit(middleware.OpClassRead), jobsHandler.List)
	jobs.Get("/:id", rateLimiter.Limit(middleware.OpClassRead), jobsHandler.Get)
	jobs.Delete("/:id", middleware.RequireWrite(), rateLimiter.Limit(middleware.OpClassWrite), jobsHandler.Cancel)
	jobs.Get("/:id/executions", rateLimiter.Limit(middleware.OpClassRead), execHandler.ListForJob)

	v1.Get("/executions/:id", rateLimiter.Limit(middleware.OpClassRead), execHandler.Get)
	v1.Get("/artifacts/:id", rateLimiter.Limit(middleware.OpClassRead), artifactsHandler.Get)
	v1.Get("/artifacts/:id/body", rateLimiter.Limit(middleware.OpClassRead), artifactsHandler.Body)

	admin := v1.Group("/admin", middleware.RequireAdmin(), rateLimiter.Limit(middleware.OpClassAdmin))
	admin.Post("/dlq/redrive", adminHandler.Redrive)
	admin.Get("/dlq", adminHandler.ListDLQ)

	// Scheduler replica (leader-elected) and embedded worker pool.
	schedCtx, stopSched := context.WithCancel(ctx)
	go sched.Run(schedCtx)

	scraper := client.NewScraper(&cfg.Scraper)
	ocrEngine := client.NewOCREngine(&cfg.OCR)
	runner := worker.NewRunner(st, recorder, blobStore, scraper, ocrEngine, clk, log, cfg.Worker.ID)
	workerSrv := worker.NewServer(redisOpt, cfg, log)
	go func() {
		if err := workerSrv.Run(worker.NewMux(runner)); err != nil {
			log.Error("worker server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("shutting down")
		stopSched()
		workerSrv.Shutdown()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Warn("server shutdown error", "error", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Info("server starting", "addr", addr)
	if err := app.Listen(addr); err != nil {
		log.Error("server error", "error", err)
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

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal error"
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}
	kind := response.KindInternal
	switch code {
	case fiber.StatusNotFound:
		kind = response.KindNotFound
	case fiber.StatusBadRequest:
		kind = response.KindInvalidRequest
	case fiber.StatusMethodNotAllowed:
		kind = response.KindInvalidRequest
	}
	return response.Error(c, code, kind, message, nil)
}
