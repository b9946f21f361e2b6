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

	LogLevel string

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

	Counter   CounterConfig
	Scheduler SchedulerConfig

	MetricsAddr string
}

// CounterConfig configures the fast counter store. When RedisAddr is empty
// the store runs in-memory, which is only suitable for local development.
type CounterConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

// SchedulerConfig controls background job cadence.
type SchedulerConfig struct {
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	EnabledJobs []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "meterline"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		LogLevel: getenv("LOG_LEVEL", "info"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		Counter: CounterConfig{
			RedisAddr:     strings.TrimSpace(getenv("COUNTER_REDIS_ADDR", "")),
			RedisPassword: strings.TrimSpace(getenv("COUNTER_REDIS_PASSWORD", "")),
			RedisDB:       getenvInt("COUNTER_REDIS_DB", 0),
			TTL:           time.Duration(getenvInt("COUNTER_TTL_DAYS", 90)) * 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			RunInterval: time.Duration(getenvInt("SCHEDULER_RUN_INTERVAL_SECONDS", 60)) * time.Second,
			BatchSize:   getenvInt("SCHEDULER_BATCH_SIZE", 100),
			JobTimeout:  time.Duration(getenvInt("SCHEDULER_JOB_TIMEOUT_SECONDS", 30)) * time.Second,
			EnabledJobs: splitList(getenv("SCHEDULER_ENABLED_JOBS", "")),
		},

		MetricsAddr: getenv("METRICS_ADDR", ":9464"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
