package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Module provides the environment configuration and the hot-reloadable fiscal policy.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewFiscalPolicyHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

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

	Redis     RedisConfig
	RateLimit RateLimitConfig

	// CredentialsSecret derives the AES key protecting provider credentials at rest.
	CredentialsSecret string

	Providers ProvidersConfig
	Artifacts ArtifactConfig
	Scheduler SchedulerConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a session cache backend is configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// RateLimitConfig bounds document-creating requests per organization.
// A zero rate disables the limiter.
type RateLimitConfig struct {
	IssueRate  float64
	IssueBurst int
}

type ProvidersConfig struct {
	ProviderABaseURL string
	ProviderBBaseURL string
	HTTPTimeout      time.Duration
}

type ArtifactConfig struct {
	Store   string
	Dir     string
	BaseURL string
}

// SchedulerConfig drives the background artifact backfill.
type SchedulerConfig struct {
	Enabled         bool
	IntervalSeconds int
	BatchSize       int
	GraceSeconds    int
}

const (
	ArtifactStoreFilesystem = "filesystem"
	ArtifactStoreDatabase   = "database"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "fiscal"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "fiscal"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			IssueRate:  getenvFloat("FISCAL_ISSUE_RATE_PER_SECOND", 0),
			IssueBurst: getenvInt("FISCAL_ISSUE_BURST", 10),
		},
		CredentialsSecret: strings.TrimSpace(getenv("FISCAL_CREDENTIALS_SECRET", "")),
		Providers: ProvidersConfig{
			ProviderABaseURL: strings.TrimRight(getenv("PROVIDER_A_BASE_URL", "https://api.provider-a.example/v1"), "/"),
			ProviderBBaseURL: strings.TrimRight(getenv("PROVIDER_B_BASE_URL", "https://api.provider-b.example"), "/"),
			HTTPTimeout:      time.Duration(getenvInt("PROVIDER_HTTP_TIMEOUT_SECONDS", 15)) * time.Second,
		},
		Artifacts: ArtifactConfig{
			Store:   normalizeArtifactStore(getenv("FISCAL_ARTIFACT_STORE", ArtifactStoreFilesystem)),
			Dir:     getenv("FISCAL_ARTIFACT_DIR", "./artifacts"),
			BaseURL: strings.TrimRight(getenv("FISCAL_ARTIFACT_BASE_URL", "/artifacts"), "/"),
		},
		Scheduler: SchedulerConfig{
			Enabled:         getenvBool("FISCAL_SCHEDULER_ENABLED", true),
			IntervalSeconds: getenvInt("FISCAL_SCHEDULER_INTERVAL_SECONDS", 60),
			BatchSize:       getenvInt("FISCAL_ARTIFACT_BACKFILL_BATCH", 25),
			GraceSeconds:    getenvInt("FISCAL_ARTIFACT_BACKFILL_GRACE_SECONDS", 300),
		},
	}

	return cfg
}

func normalizeArtifactStore(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case ArtifactStoreDatabase:
		return ArtifactStoreDatabase
	default:
		return ArtifactStoreFilesystem
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

func getenvBool(key string, def bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return def
	}
	return parsed
}
