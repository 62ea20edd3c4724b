// Package config centralizes environment-driven configuration in a flat
// struct populated once at startup.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the streaming core reads at startup.
type Config struct {
	// Network
	ListenAddr string
	HealthAddr string

	// TLS
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string

	// Producer ingest (core NATS, not JetStream)
	NATSURL     string
	NATSEnabled bool

	// Timeouts
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DrainTimeout time.Duration

	// Rate limiting
	RateLimitQPS         float64
	RateLimitConnections int
	RateLimitBurst       float64
	RateLimiterIdleTTL   time.Duration

	// Publish surface
	AllowedTopics     []string
	PublisherEnabled  bool
	DevPublishEnabled bool
	DevPublishToken   string

	// Resume store
	ResumeBackend     string
	ResumeTTL         time.Duration
	ResumeMaxItems    int
	ResumeRedisPrefix string
	SeqRedisPrefix    string

	// Redis
	RedisURL string

	// Auth
	JWKSURL       string
	JWTSecret     string
	AuthAudience  string
	AuthIssuer    string
	AuthLeewaySec time.Duration
	RequireTenant bool

	// Token auditing
	TokenAuditRetentionDays int
	TokenAuditingEnabled    bool

	// CORS origin for the SSE surface; empty disables the header.
	CORSOrigin string

	// Environment tier, used by auth's secret-strength validation.
	Environment string

	// Limits
	MaxConnections int

	// Metrics
	MetricsEnabled bool

	// Producer harness: a sample periodic publisher exercising the
	// ingest path without a live external producer.
	ProducerHarnessEnabled    bool
	ProducerHarnessTopic      string
	ProducerHarnessIntervalMs int
}

// Load builds a Config from the process environment.
func Load() *Config {
	return &Config{
		ListenAddr:  getEnv("STREAM_LISTEN_ADDR", ":8443"),
		HealthAddr:  getEnv("STREAM_HEALTH_ADDR", ":8080"),
		TLSCertFile: getEnv("STREAM_TLS_CERT_FILE", ""),
		TLSKeyFile:  getEnv("STREAM_TLS_KEY_FILE", ""),
		TLSCAFile:   getEnv("STREAM_TLS_CA_FILE", ""),

		NATSURL:     getEnv("NATS_URL", "nats://localhost:4222"),
		NATSEnabled: getBool("NATS_INGEST_ENABLED", false),

		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Second,
		DrainTimeout: 30 * time.Second,

		RateLimitQPS:         getFloat("STREAM_RATE_LIMIT_QPS", 10),
		RateLimitConnections: getInt("STREAM_RATE_LIMIT_CONNECTIONS", 50),
		RateLimitBurst:       getFloat("STREAM_RATE_LIMIT_BURST", 20),
		RateLimiterIdleTTL:   getSeconds("RATE_LIMITER_IDLE_TTL", 600),

		AllowedTopics:     getList("STREAM_ALLOWED_TOPICS"),
		PublisherEnabled:  getBool("STREAM_PUBLISHER_ENABLED", false),
		DevPublishEnabled: getBool("STREAM_DEV_PUBLISH_ENABLED", false),
		DevPublishToken:   getEnv("STREAM_DEV_PUBLISH_TOKEN", ""),

		ResumeBackend:     getEnv("STREAM_RESUME_BACKEND", "auto"),
		ResumeTTL:         getSeconds("STREAM_RESUME_TTL_SECONDS", 3600),
		ResumeMaxItems:    getInt("STREAM_RESUME_MAX_ITEMS", 5000),
		ResumeRedisPrefix: getEnv("STREAM_RESUME_REDIS_PREFIX", "sse:resume:"),
		SeqRedisPrefix:    getEnv("STREAM_SEQ_REDIS_PREFIX", "sse:seq:"),

		RedisURL: resolveRedisURL(),

		JWKSURL:       getEnv("AUTH_JWKS_URL", ""),
		JWTSecret:     getEnv("AUTH_JWT_SECRET", ""),
		AuthAudience:  getEnv("AUTH_AUDIENCE", ""),
		AuthIssuer:    getEnv("AUTH_ISSUER", ""),
		AuthLeewaySec: getSeconds("AUTH_LEEWAY_SEC", 60),
		RequireTenant: getBool("AUTH_REQUIRE_TENANT", true),

		TokenAuditRetentionDays: getInt("TOKEN_AUDIT_RETENTION_DAYS", 30),
		TokenAuditingEnabled:    getBool("TOKEN_AUDITING_ENABLED", true),

		CORSOrigin: getEnv("STREAM_CORS_ORIGIN", ""),

		Environment: getEnv("ENVIRONMENT", "development"),

		MaxConnections: getInt("STREAM_MAX_CONNECTIONS", 100000),

		MetricsEnabled: getBool("STREAM_METRICS_ENABLED", true),

		ProducerHarnessEnabled:    getBool("STREAM_PRODUCER_ENABLED", false),
		ProducerHarnessTopic:      getEnv("STREAM_PRODUCER_TOPIC", "kp.v1.moon.chain"),
		ProducerHarnessIntervalMs: getInt("STREAM_PRODUCER_INTERVAL_MS", 2000),
	}
}

// resolveRedisURL prefers REDIS_URL whole-cloth, else assembles one from
// the discrete REDIS_HOST/PORT/DB/PASSWORD variables.
func resolveRedisURL() string {
	if v := os.Getenv("REDIS_URL"); v != "" {
		return v
	}
	host := getEnv("REDIS_HOST", "")
	if host == "" {
		return ""
	}
	port := getEnv("REDIS_PORT", "6379")
	db := getEnv("REDIS_DB", "0")
	password := os.Getenv("REDIS_PASSWORD")
	auth := ""
	if password != "" {
		auth = ":" + password + "@"
	}
	return "redis://" + auth + host + ":" + port + "/" + db
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getSeconds(key string, fallbackSeconds int) time.Duration {
	return time.Duration(getInt(key, fallbackSeconds)) * time.Second
}

func getList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
