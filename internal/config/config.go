package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Queue     QueueConfig
	Scheduler SchedulerConfig
	Worker    WorkerConfig
	Blob      BlobConfig
	Scraper   ScraperConfig
	OCR       OCRConfig
	Retention RetentionConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	// KeySecret signs tenant API keys (HMAC).
	KeySecret string
}

type RateLimitConfig struct {
	// Token bucket per (principal, operation class).
	ReadBurst   int
	ReadPerSec  float64
	WriteBurst  int
	WritePerSec float64
	AdminBurst  int
	AdminPerSec float64
}

type QueueConfig struct {
	// HighWater applies backpressure to publishers; LowWater releases it.
	HighWater int
	LowWater  int
	// DefaultMaxAttempts is used when a job carries no retry policy.
	DefaultMaxAttempts int
	// PromotionAgeSeconds is how old a low-band message may get before the
	// scheduler promotes it to the normal band.
	PromotionAgeSeconds int
	RetentionHours      int
}

type SchedulerConfig struct {
	LeaseTTLSeconds      int
	LeaseRenewSeconds    int
	TickSeconds          int
	RecoverySweepSeconds int
	// PendingDispatchAgeSeconds is how stale a pending_dispatch job must be
	// before the recovery sweep re-enqueues it.
	PendingDispatchAgeSeconds int
}

type WorkerConfig struct {
	ID          string
	Concurrency int
	// SlotMemoryMB and BudgetMB bound effective concurrency: a worker never
	// starts more slots than the local budget permits.
	SlotMemoryMB         int
	BudgetMB             int
	ShutdownGraceSeconds int
	ScrapeTimeoutSeconds int
	OCRTimeoutSeconds    int
}

type BlobConfig struct {
	// Backend selects "s3" or "local".
	Backend         string
	LocalDir        string
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Endpoint        string
	Region          string
}

type ScraperConfig struct {
	ServiceURL string
	APIKey     string
	Timeout    int // seconds
}

type OCRConfig struct {
	ServiceURL string
	APIKey     string
	Timeout    int // seconds
}

type RetentionConfig struct {
	ExecutionDays int
	ArtifactDays  int
	SweepHours    int
}

func Load() (*Config, error) {
	readSecret("REDIS_PASSWORD")
	readSecret("AUTH_KEY_SECRET")
	readSecret("BLOB_ACCESS_KEY_ID")
	readSecret("BLOB_SECRET_ACCESS_KEY")
	readSecret("SCRAPER_API_KEY")
	readSecret("OCR_API_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("auth.key_secret", "AUTH_KEY_SECRET")
	_ = viper.BindEnv("queue.high_water", "QUEUE_HIGH_WATER")
	_ = viper.BindEnv("queue.low_water", "QUEUE_LOW_WATER")
	_ = viper.BindEnv("worker.id", "WORKER_ID")
	_ = viper.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	_ = viper.BindEnv("worker.budget_mb", "WORKER_BUDGET_MB")
	_ = viper.BindEnv("blob.backend", "BLOB_BACKEND")
	_ = viper.BindEnv("blob.local_dir", "BLOB_LOCAL_DIR")
	_ = viper.BindEnv("blob.account_id", "BLOB_ACCOUNT_ID")
	_ = viper.BindEnv("blob.access_key_id", "BLOB_ACCESS_KEY_ID")
	_ = viper.BindEnv("blob.secret_access_key", "BLOB_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("blob.bucket_name", "BLOB_BUCKET_NAME")
	_ = viper.BindEnv("blob.endpoint", "BLOB_ENDPOINT")
	_ = viper.BindEnv("blob.region", "BLOB_REGION")
	_ = viper.BindEnv("scraper.service_url", "SCRAPER_SERVICE_URL")
	_ = viper.BindEnv("scraper.api_key", "SCRAPER_API_KEY")
	_ = viper.BindEnv("ocr.service_url", "OCR_SERVICE_URL")
	_ = viper.BindEnv("ocr.api_key", "OCR_API_KEY")

	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("auth.key_secret", "change-me-in-production")

	viper.SetDefault("ratelimit.read_burst", 100)
	viper.SetDefault("ratelimit.read_per_sec", 50.0)
	viper.SetDefault("ratelimit.write_burst", 20)
	viper.SetDefault("ratelimit.write_per_sec", 5.0)
	viper.SetDefault("ratelimit.admin_burst", 5)
	viper.SetDefault("ratelimit.admin_per_sec", 1.0)

	viper.SetDefault("queue.high_water", 10000)
	viper.SetDefault("queue.low_water", 8000)
	viper.SetDefault("queue.default_max_attempts", 5)
	viper.SetDefault("queue.promotion_age_seconds", 600)
	viper.SetDefault("queue.retention_hours", 24)

	viper.SetDefault("scheduler.lease_ttl_seconds", 15)
	viper.SetDefault("scheduler.lease_renew_seconds", 5)
	viper.SetDefault("scheduler.tick_seconds", 1)
	viper.SetDefault("scheduler.recovery_sweep_seconds", 60)
	viper.SetDefault("scheduler.pending_dispatch_age_seconds", 120)

	viper.SetDefault("worker.concurrency", 10)
	viper.SetDefault("worker.slot_memory_mb", 256)
	viper.SetDefault("worker.budget_mb", 4096)
	viper.SetDefault("worker.shutdown_grace_seconds", 60)
	viper.SetDefault("worker.scrape_timeout_seconds", 120)
	viper.SetDefault("worker.ocr_timeout_seconds", 300)

	viper.SetDefault("blob.backend", "local")
	viper.SetDefault("blob.local_dir", "./data/blobs")
	viper.SetDefault("blob.region", "auto")

	viper.SetDefault("scraper.timeout", 120)
	viper.SetDefault("ocr.timeout", 300)

	viper.SetDefault("retention.execution_days", 30)
	viper.SetDefault("retention.artifact_days", 90)
	viper.SetDefault("retention.sweep_hours", 1)

	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Auth: AuthConfig{
			KeySecret: viper.GetString("auth.key_secret"),
		},
		RateLimit: RateLimitConfig{
			ReadBurst:   viper.GetInt("ratelimit.read_burst"),
			ReadPerSec:  viper.GetFloat64("ratelimit.read_per_sec"),
			WriteBurst:  viper.GetInt("ratelimit.write_burst"),
			WritePerSec: viper.GetFloat64("ratelimit.write_per_sec"),
			AdminBurst:  viper.GetInt("ratelimit.admin_burst"),
			AdminPerSec: viper.GetFloat64("ratelimit.admin_per_sec"),
		},
		Queue: QueueConfig{
			HighWater:           viper.GetInt("queue.high_water"),
			LowWater:            viper.GetInt("queue.low_water"),
			DefaultMaxAttempts:  viper.GetInt("queue.default_max_attempts"),
			PromotionAgeSeconds: viper.GetInt("queue.promotion_age_seconds"),
			RetentionHours:      viper.GetInt("queue.retention_hours"),
		},
		Scheduler: SchedulerConfig{
			LeaseTTLSeconds:           viper.GetInt("scheduler.lease_ttl_seconds"),
			LeaseRenewSeconds:         viper.GetInt("scheduler.lease_renew_seconds"),
			TickSeconds:               viper.GetInt("scheduler.tick_seconds"),
			RecoverySweepSeconds:      viper.GetInt("scheduler.recovery_sweep_seconds"),
			PendingDispatchAgeSeconds: viper.GetInt("scheduler.pending_dispatch_age_seconds"),
		},
		Worker: WorkerConfig{
			ID:                   viper.GetString("worker.id"),
			Concurrency:          viper.GetInt("worker.concurrency"),
			SlotMemoryMB:         viper.GetInt("worker.slot_memory_mb"),
			BudgetMB:             viper.GetInt("worker.budget_mb"),
			ShutdownGraceSeconds: viper.GetInt("worker.shutdown_grace_seconds"),
			ScrapeTimeoutSeconds: viper.GetInt("worker.scrape_timeout_seconds"),
			OCRTimeoutSeconds:    viper.GetInt("worker.ocr_timeout_seconds"),
		},
		Blob: BlobConfig{
			Backend:         viper.GetString("blob.backend"),
			LocalDir:        viper.GetString("blob.local_dir"),
			AccountID:       viper.GetString("blob.account_id"),
			AccessKeyID:     viper.GetString("blob.access_key_id"),
			SecretAccessKey: viper.GetString("blob.secret_access_key"),
			BucketName:      viper.GetString("blob.bucket_name"),
			Endpoint:        viper.GetString("blob.endpoint"),
			Region:          viper.GetString("blob.region"),
		},
		Scraper: ScraperConfig{
			ServiceURL: viper.GetString("scraper.service_url"),
			APIKey:     viper.GetString("scraper.api_key"),
			Timeout:    viper.GetInt("scraper.timeout"),
		},
		OCR: OCRConfig{
			ServiceURL: viper.GetString("ocr.service_url"),
			APIKey:     viper.GetString("ocr.api_key"),
			Timeout:    viper.GetInt("ocr.timeout"),
		},
		Retention: RetentionConfig{
			ExecutionDays: viper.GetInt("retention.execution_days"),
			ArtifactDays:  viper.GetInt("retention.artifact_days"),
			SweepHours:    viper.GetInt("retention.sweep_hours"),
		},
	}

	if cfg.Worker.ID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		cfg.Worker.ID = host
	}

	return cfg, nil
}

// EffectiveConcurrency caps worker slots by the local memory budget.
func (w WorkerConfig) EffectiveConcurrency() int {
	n := w.Concurrency
	if w.SlotMemoryMB > 0 && w.BudgetMB > 0 {
		if byBudget := w.BudgetMB / w.SlotMemoryMB; byBudget < n {
			n = byBudget
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}
