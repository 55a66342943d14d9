package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	Telemetry TelemetryConfig
	Storage   StorageConfig

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

	AccessPoint AccessPointConfig
	Scrada      ScradaConfig
	Webhook     WebhookConfig
	Auth        AuthConfig
	RateLimit   RateLimitConfig
	Scheduler   SchedulerConfig

	DeliveryConfigPath string
	SnowflakeNode      int64
}

// TelemetryConfig drives logging, tracing and otel metrics.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OTLPEndpoint  string
	OTLPProtocol  string
	SamplingRatio float64
}

type StorageConfig struct {
	Backend    string
	HistoryDir string
	StatusDir  string
	DLQPath    string
	ArchiveDir string
}

type AccessPointConfig struct {
	Adapter      string
	BaseURL      string
	APIKey       string
	ClientID     string
	ClientSecret string
	RateLimitRPS float64
	RateBurst    int
}

type ScradaConfig struct {
	BaseURL   string
	CompanyID string
	APIKey    string
	Password  string
	Language  string
}

type WebhookConfig struct {
	APSecret            string
	ScradaSecret        string
	ScradaAllowUnsigned bool
}

type AuthConfig struct {
	APIKeys  []string
	AdminKey string
}

type RateLimitConfig struct {
	Enabled        bool
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	PublicRate     float64
	PublicBurst    int
	DLQLockTTLSecs int
}

type SchedulerConfig struct {
	Enabled        bool
	IntervalSecs   int
	BatchSize      int
	StaleAfterSecs int
	DLQAutoRetry   bool
	DLQRetryLimit  int
	Jobs           []string
}

const (
	StorageBackendFile       = "file"
	StorageBackendRelational = "relational"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "vida"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:   getenvBool("OTEL_ENABLED", false),
			OTLPEndpoint:  strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317"))),
			OTLPProtocol:  strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
		Storage: StorageConfig{
			Backend:    NormalizeStorageBackend(getenv("VIDA_STORAGE_BACKEND", StorageBackendFile)),
			HistoryDir: getenv("VIDA_HISTORY_DIR", "data/history"),
			StatusDir:  getenv("VIDA_INVOICE_STATUS_DIR", "data"),
			DLQPath:    getenv("VIDA_DLQ_PATH", "data/dlq.jsonl"),
			ArchiveDir: getenv("VIDA_ARCHIVE_DIR", "data/archive"),
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "vida"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		AccessPoint: AccessPointConfig{
			Adapter:      strings.ToLower(strings.TrimSpace(getenv("VIDA_AP_ADAPTER", "mock"))),
			BaseURL:      strings.TrimSpace(getenv("AP_BASE_URL", "")),
			APIKey:       strings.TrimSpace(getenv("AP_API_KEY", "")),
			ClientID:     strings.TrimSpace(getenv("AP_CLIENT_ID", "")),
			ClientSecret: strings.TrimSpace(getenv("AP_CLIENT_SECRET", "")),
			RateLimitRPS: getenvFloat("AP_RATE_LIMIT_RPS", 5),
			RateBurst:    int(getenvInt64("AP_RATE_LIMIT_BURST", 10)),
		},
		Scrada: ScradaConfig{
			BaseURL:   strings.TrimSpace(getenv("SCRADA_API_BASE", "https://apitest.scrada.be/v1/")),
			CompanyID: strings.TrimSpace(getenv("SCRADA_COMPANY_ID", "")),
			APIKey:    strings.TrimSpace(getenv("SCRADA_API_KEY", "")),
			Password:  strings.TrimSpace(getenv("SCRADA_API_PASSWORD", "")),
			Language:  strings.TrimSpace(getenv("SCRADA_LANGUAGE", "EN")),
		},
		Webhook: WebhookConfig{
			APSecret:            strings.TrimSpace(getenv("AP_WEBHOOK_SECRET", "")),
			ScradaSecret:        strings.TrimSpace(getenv("SCRADA_WEBHOOK_SECRET", "")),
			ScradaAllowUnsigned: getenvBool("SCRADA_ALLOW_UNSIGNED_WEBHOOK", false),
		},
		Auth: AuthConfig{
			APIKeys:  parseList(getenv("VIDA_API_KEYS", "")),
			AdminKey: strings.TrimSpace(getenv("VIDA_ADMIN_KEY", "")),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getenvBool("RATE_LIMIT_ENABLED", true),
			RedisAddr:      strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "")),
			RedisPassword:  getenv("RATE_LIMIT_REDIS_PASSWORD", ""),
			RedisDB:        int(getenvInt64("RATE_LIMIT_REDIS_DB", 0)),
			PublicRate:     getenvFloat("RATE_LIMIT_PUBLIC_RATE", 2),
			PublicBurst:    int(getenvInt64("RATE_LIMIT_PUBLIC_BURST", 20)),
			DLQLockTTLSecs: int(getenvInt64("DLQ_RETRY_LOCK_TTL_SECONDS", 300)),
		},
		Scheduler: SchedulerConfig{
			Enabled:        getenvBool("SCHEDULER_ENABLED", false),
			IntervalSecs:   int(getenvInt64("SCHEDULER_INTERVAL_SECONDS", 60)),
			BatchSize:      int(getenvInt64("SCHEDULER_BATCH_SIZE", 50)),
			StaleAfterSecs: int(getenvInt64("SCHEDULER_STALE_AFTER_SECONDS", 300)),
			DLQAutoRetry:   getenvBool("SCHEDULER_DLQ_AUTO_RETRY", false),
			DLQRetryLimit:  int(getenvInt64("SCHEDULER_DLQ_RETRY_LIMIT", 10)),
			Jobs:           parseList(getenv("SCHEDULER_JOBS", "")),
		},
		DeliveryConfigPath: strings.TrimSpace(getenv("DELIVERY_CONFIG_PATH", "")),
		SnowflakeNode:      getenvInt64("SNOWFLAKE_NODE", 1),
	}

	return cfg
}

// NormalizeStorageBackend maps accepted aliases onto the two supported backends.
func NormalizeStorageBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "relational", "db", "database", "sql", "prisma":
		return StorageBackendRelational
	default:
		return StorageBackendFile
	}
}

// Debug enables verbose request logs and error stack traces.
func (c Config) Debug() bool {
	if c.Telemetry.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func (c Config) UsesRelationalStorage() bool {
	return c.Storage.Backend == StorageBackendRelational
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

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
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

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
