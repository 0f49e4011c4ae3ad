package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process-level settings loaded from the environment.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	OTLPEndpoint string

	HTTPAddr   string
	AdminToken string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	MigrateOnStart    bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Webhook WebhookConfig

	Scheduler SchedulerConfig
}

// WebhookConfig describes how inbound provider callbacks are authenticated and identified.
type WebhookConfig struct {
	Secret          string
	DefaultProvider string
	SignatureHeader string
	TimestampHeader string
	EventIDHeader   string
	ProcessInline   bool
	MaxBodyBytes    int64
	// RatePerSecond and RateBurst bound deliveries per provider. Zero disables the limit.
	RatePerSecond   int
	RateBurst       int
}

// SchedulerConfig controls the background worker loop.
type SchedulerConfig struct {
	Enabled      bool
	Interval     time.Duration
	BatchSize    int
	JobTimeout   time.Duration
	LeaseEnabled bool
}

// Load reads .env (when present) and then the process environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:      getenv("APP_SERVICE", "botbilling"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		AdminToken:   strings.TrimSpace(getenv("ADMIN_TOKEN", "")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "botbilling"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", ""),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		MigrateOnStart:    getenvBool("MIGRATE_ON_START", true),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Webhook: WebhookConfig{
			Secret:          strings.TrimSpace(getenv("WEBHOOK_SECRET", "")),
			DefaultProvider: strings.ToLower(getenv("WEBHOOK_DEFAULT_PROVIDER", "kiwify")),
			SignatureHeader: getenv("WEBHOOK_SIGNATURE_HEADER", "X-Webhook-Signature"),
			TimestampHeader: getenv("WEBHOOK_TIMESTAMP_HEADER", "X-Webhook-Timestamp"),
			EventIDHeader:   getenv("WEBHOOK_EVENT_ID_HEADER", "X-Webhook-Id"),
			ProcessInline:   getenvBool("WEBHOOK_PROCESS_INLINE", true),
			MaxBodyBytes:    int64(getenvInt("WEBHOOK_MAX_BODY_BYTES", 1<<20)),
			RatePerSecond:   getenvInt("WEBHOOK_RATE_PER_SECOND", 0),
			RateBurst:       getenvInt("WEBHOOK_RATE_BURST", 100),
		},

		Scheduler: SchedulerConfig{
			Enabled:      getenvBool("SCHEDULER_ENABLED", true),
			Interval:     getenvDuration("SCHEDULER_INTERVAL", 30*time.Second),
			BatchSize:    getenvInt("SCHEDULER_BATCH_SIZE", 50),
			JobTimeout:   getenvDuration("SCHEDULER_JOB_TIMEOUT", 2*time.Minute),
			LeaseEnabled: getenvBool("SCHEDULER_LEASE_ENABLED", true),
		},
	}
}

// IsProduction reports whether the service runs with production guarantees.
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
