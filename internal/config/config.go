package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	Observability ObservabilityConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	Redis     RedisConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Scheduler SchedulerConfig
	RateLimit RateLimitConfig
}

type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	OtelEnabled       bool
	OtlpEndpoint      string
	OtlpProtocol      string
	OtelSamplingRatio float64
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type QueueConfig struct {
	// Backend is "database" or "redis".
	Backend string
	Prefix  string
}

type WorkerConfig struct {
	Enabled           bool
	Concurrency       int
	BatchSize         int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	JobTimeout        time.Duration
}

type SchedulerConfig struct {
	Enabled          bool
	ResetInterval    time.Duration
	SyncInterval     time.Duration
	RecoveryInterval time.Duration
	// RecoveryAge is how long a usage event may stay accepted before the
	// recovery sweep re-enqueues it.
	RecoveryAge time.Duration
	LockTTL     time.Duration
}

type RateLimitConfig struct {
	Enabled    bool
	TrackRate  float64
	TrackBurst int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "entitle"),
		AppVersion:   getenv("SERVICE_VERSION", getenv("APP_VERSION", "0.1.0")),
		Environment:  getenv("DEPLOYMENT_ENV", getenv("ENVIRONMENT", "development")),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		Observability: ObservabilityConfig{
			LogLevel:          strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:         strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:       getenvBool("OTEL_ENABLED", true),
			OtlpEndpoint:      strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317"))),
			OtlpProtocol:      strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")))),
			OtelSamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "entitle"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", false),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Backend: strings.ToLower(strings.TrimSpace(getenv("QUEUE_BACKEND", "database"))),
			Prefix:  strings.TrimSpace(getenv("QUEUE_PREFIX", "{entitle:queue}")),
		},
		Worker: WorkerConfig{
			Enabled:           getenvBool("WORKER_ENABLED", true),
			Concurrency:       getenvInt("WORKER_CONCURRENCY", 4),
			BatchSize:         getenvInt("WORKER_BATCH_SIZE", 10),
			PollInterval:      getenvDuration("WORKER_POLL_INTERVAL", 500*time.Millisecond),
			VisibilityTimeout: getenvDuration("WORKER_VISIBILITY_TIMEOUT", 30*time.Second),
			JobTimeout:        getenvDuration("WORKER_JOB_TIMEOUT", 10*time.Second),
		},
		Scheduler: SchedulerConfig{
			Enabled:          getenvBool("SCHEDULER_ENABLED", true),
			ResetInterval:    getenvDuration("SCHEDULER_RESET_INTERVAL", time.Minute),
			SyncInterval:     getenvDuration("SCHEDULER_SYNC_INTERVAL", 15*time.Second),
			RecoveryInterval: getenvDuration("SCHEDULER_RECOVERY_INTERVAL", time.Minute),
			RecoveryAge:      getenvDuration("SCHEDULER_RECOVERY_AGE", 2*time.Minute),
			LockTTL:          getenvDuration("SCHEDULER_LOCK_TTL", 2*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:    getenvBool("RATE_LIMIT_ENABLED", false),
			TrackRate:  getenvFloat("RATE_LIMIT_TRACK_RATE", 100),
			TrackBurst: getenvInt("RATE_LIMIT_TRACK_BURST", 200),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
