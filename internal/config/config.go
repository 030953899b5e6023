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

	OTLPEndpoint string
	OTelEnabled  bool

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

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// WebhookSecret is the shared secret issued by the payment provider,
	// used to verify inbound event signatures.
	WebhookSecret string
	// WebhookTolerance bounds how far a signed timestamp may drift.
	WebhookTolerance time.Duration

	SweepInterval    time.Duration
	SweepBatchSize   int
	SweepMaxAttempts int

	// BootstrapOperator is granted the admin role at startup so a fresh
	// deployment has at least one operator who can reach the admin gateway.
	BootstrapOperator string

	RateLimits []RateLimitBucket
}

// RateLimitBucket configures one fixed-window rate limit bucket.
// SecuritySensitive buckets fail closed when the limiter backend is down.
type RateLimitBucket struct {
	Name              string
	Window            time.Duration
	Cap               int
	SecuritySensitive bool
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "tally"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		OTelEnabled:       getenvBool("OTEL_ENABLED", false),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "tally"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		RedisAddr:         getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		WebhookSecret:     strings.TrimSpace(getenv("BILLING_WEBHOOK_SECRET", "")),
		WebhookTolerance:  getenvDuration("BILLING_WEBHOOK_TOLERANCE", 5*time.Minute),
		SweepInterval:     getenvDuration("LEDGER_SWEEP_INTERVAL", time.Minute),
		SweepBatchSize:    getenvInt("LEDGER_SWEEP_BATCH_SIZE", 50),
		SweepMaxAttempts:  getenvInt("LEDGER_SWEEP_MAX_ATTEMPTS", 5),
		BootstrapOperator: strings.TrimSpace(getenv("BOOTSTRAP_OPERATOR_ID", "")),
		RateLimits:        defaultRateLimits(),
	}

	return cfg
}

// defaultRateLimits is the bucket table used unless RATE_LIMITS overrides it.
// Format: name:window:cap[:secure], comma separated.
func defaultRateLimits() []RateLimitBucket {
	raw := strings.TrimSpace(os.Getenv("RATE_LIMITS"))
	if raw == "" {
		return []RateLimitBucket{
			{Name: "usage-check", Window: time.Minute, Cap: 120},
			{Name: "trial-check", Window: time.Minute, Cap: 60},
			{Name: "expensive-api", Window: time.Minute, Cap: 20},
			{Name: "admin-override", Window: time.Minute, Cap: 10, SecuritySensitive: true},
		}
	}

	var out []RateLimitBucket
	for _, part := range strings.Split(raw, ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) < 3 {
			continue
		}
		window, err := time.ParseDuration(fields[1])
		if err != nil || window <= 0 {
			continue
		}
		cap, err := strconv.Atoi(fields[2])
		if err != nil || cap <= 0 {
			continue
		}
		bucket := RateLimitBucket{
			Name:   strings.TrimSpace(fields[0]),
			Window: window,
			Cap:    cap,
		}
		if len(fields) > 3 && strings.EqualFold(strings.TrimSpace(fields[3]), "secure") {
			bucket.SecuritySensitive = true
		}
		if bucket.Name == "" {
			continue
		}
		out = append(out, bucket)
	}
	return out
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
