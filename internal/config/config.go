package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr      string
	LogLevel  string
	LogFormat string

	// Upstream credentials. The API key may come from the environment, the
	// encrypted credential file, or AWS Secrets Manager (resolved in main).
	GoogleAPIKey         string
	GeminiBaseURL        string
	CredentialsPath      string
	CredentialsKey       string
	AWSRegion            string
	GoogleAPIKeySecretID string

	// Upstream resilience tuning.
	UpstreamTimeout        time.Duration
	UpstreamMaxAttempts    int
	UpstreamBackoffInitial time.Duration
	UpstreamBackoffMax     time.Duration
	BreakerFailures        int
	BreakerReset           time.Duration

	// Request deadlines.
	ChatTimeout        time.Duration
	StreamIdleTimeout  time.Duration
	StreamTotalTimeout time.Duration

	// Admission control.
	ServerAuthToken      string
	AllowedHosts         []string
	CORSAllowOrigins     []string
	CORSAllowCredentials bool
	MaxRequestBodyBytes  int64
	MaxInflightRequests  int
	MaxMessages          int
	MaxTotalMessageChars int

	EnableStreaming bool

	// Response cache.
	RedisURL string
	CacheTTL time.Duration

	// Observability.
	MetricsAddr  string
	OTLPEndpoint string

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:                 getEnv("ADDR", ":8000"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		GoogleAPIKey:         getEnv("GOOGLE_API_KEY", ""),
		GeminiBaseURL:        getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		CredentialsPath:      getEnv("CREDENTIALS_PATH", "credentials.enc"),
		CredentialsKey:       getEnv("CREDENTIALS_KEY", ""),
		AWSRegion:            getEnv("AWS_REGION", ""),
		GoogleAPIKeySecretID: getEnv("GOOGLE_API_KEY_SECRET_ID", ""),

		UpstreamTimeout:        getSecondsEnv("UPSTREAM_TIMEOUT_SECONDS", 60*time.Second),
		UpstreamMaxAttempts:    getIntEnv("UPSTREAM_MAX_ATTEMPTS", 3),
		UpstreamBackoffInitial: getSecondsEnv("UPSTREAM_BACKOFF_INITIAL_SECONDS", 500*time.Millisecond),
		UpstreamBackoffMax:     getSecondsEnv("UPSTREAM_BACKOFF_MAX_SECONDS", 8*time.Second),
		BreakerFailures:        getIntEnv("UPSTREAM_CIRCUIT_BREAKER_FAILURES", 5),
		BreakerReset:           getSecondsEnv("UPSTREAM_CIRCUIT_BREAKER_RESET_SECONDS", 30*time.Second),

		ChatTimeout:        getSecondsEnv("CHAT_COMPLETIONS_TIMEOUT_SECONDS", 90*time.Second),
		StreamIdleTimeout:  getSecondsEnv("CHAT_COMPLETIONS_STREAM_IDLE_TIMEOUT_SECONDS", 30*time.Second),
		StreamTotalTimeout: getSecondsEnv("CHAT_COMPLETIONS_STREAM_TOTAL_TIMEOUT_SECONDS", 300*time.Second),

		ServerAuthToken:      getEnv("SERVER_AUTH_TOKEN", ""),
		AllowedHosts:         getCSVEnv("ALLOWED_HOSTS"),
		CORSAllowOrigins:     getCSVEnv("CORS_ALLOW_ORIGINS"),
		CORSAllowCredentials: getBoolEnv("CORS_ALLOW_CREDENTIALS", false),
		MaxRequestBodyBytes:  int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 1024*1024)),
		MaxInflightRequests:  getIntEnv("MAX_INFLIGHT_REQUESTS", 32),
		MaxMessages:          getIntEnv("MAX_MESSAGES", 64),
		MaxTotalMessageChars: getIntEnv("MAX_TOTAL_MESSAGE_CHARS", 20000),

		EnableStreaming: getBoolEnv("ENABLE_STREAMING", false),

		RedisURL: getEnv("REDIS_URL", ""),
		CacheTTL: getSecondsEnv("CACHE_TTL_SECONDS", 0),

		MetricsAddr:  getEnv("METRICS_ADDR", ""),
		OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),

		ShutdownTimeout: getSecondsEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if cfg.CORSAllowCredentials {
		for _, origin := range cfg.CORSAllowOrigins {
			if origin == "*" {
				return nil, fmt.Errorf("CORS_ALLOW_ORIGINS cannot include '*' when CORS_ALLOW_CREDENTIALS=true")
			}
		}
	}
	if cfg.UpstreamMaxAttempts < 1 {
		cfg.UpstreamMaxAttempts = 1
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true"
	}
	return defaultValue
}

// getSecondsEnv reads a duration expressed in (possibly fractional) seconds.
func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(seconds * float64(time.Second))
		}
	}
	return defaultValue
}

func getCSVEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, piece := range strings.Split(value, ",") {
		if piece = strings.TrimSpace(piece); piece != "" {
			out = append(out, piece)
		}
	}
	return out
}
