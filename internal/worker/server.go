package worker

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/datapipe/api/internal/bus"
	"github.com/datapipe/api/internal/config"
)

// NewServer builds the asynq worker server: slot-bounded concurrency,
// weighted priority queues, per-job retry backoff, and a shutdown grace
// period during which in-flight leases keep being extended.
func NewServer(redisOpt asynq.RedisClientOpt, cfg *config.Config, log *slog.Logger) *asynq.Server {
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     cfg.Worker.EffectiveConcurrency(),
		Queues:          bus.Queues(),
		RetryDelayFunc:  bus.RetryDelay,
		ShutdownTimeout: time.Duration(cfg.Worker.ShutdownGraceSeconds) * time.Second,
		LogLevel:        asynqLogLevel(cfg.Server.LogLevel),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Debug("task returned error", "type", task.Type(), "error", err)
		}),
	})

	return srv
}

// NewMux routes task types to the runner.
func NewMux(runner *Runner) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(bus.TaskTypeScrape, runner.ProcessScrape)
	mux.HandleFunc(bus.TaskTypeOCR, runner.ProcessOCR)
	return mux
}

func asynqLogLevel(level string) asynq.LogLevel {
	switch {
	case strings.EqualFold(level, "debug"):
		return asynq.DebugLevel
	case strings.EqualFold(level, "warn"):
		return asynq.WarnLevel
	case strings.EqualFold(level, "error"):
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}
