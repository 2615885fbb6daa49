package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Addr != ":8000" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.GeminiBaseURL != "https://generativelanguage.googleapis.com/v1beta" {
		t.Errorf("GeminiBaseURL = %q", cfg.GeminiBaseURL)
	}
	if cfg.UpstreamMaxAttempts != 3 {
		t.Errorf("UpstreamMaxAttempts = %d", cfg.UpstreamMaxAttempts)
	}
	if cfg.UpstreamBackoffInitial != 500*time.Millisecond {
		t.Errorf("UpstreamBackoffInitial = %v", cfg.UpstreamBackoffInitial)
	}
	if cfg.UpstreamBackoffMax != 8*time.Second {
		t.Errorf("UpstreamBackoffMax = %v", cfg.UpstreamBackoffMax)
	}
	if cfg.BreakerFailures != 5 {
		t.Errorf("BreakerFailures = %d", cfg.BreakerFailures)
	}
	if cfg.BreakerReset != 30*time.Second {
		t.Errorf("BreakerReset = %v", cfg.BreakerReset)
	}
	if cfg.ChatTimeout != 90*time.Second {
		t.Errorf("ChatTimeout = %v", cfg.ChatTimeout)
	}
	if cfg.StreamIdleTimeout != 30*time.Second {
		t.Errorf("StreamIdleTimeout = %v", cfg.StreamIdleTimeout)
	}
	if cfg.StreamTotalTimeout != 300*time.Second {
		t.Errorf("StreamTotalTimeout = %v", cfg.StreamTotalTimeout)
	}
	if cfg.MaxRequestBodyBytes != 1024*1024 {
		t.Errorf("MaxRequestBodyBytes = %d", cfg.MaxRequestBodyBytes)
	}
	if cfg.MaxInflightRequests != 32 {
		t.Errorf("MaxInflightRequests = %d", cfg.MaxInflightRequests)
	}
	if cfg.MaxMessages != 64 {
		t.Errorf("MaxMessages = %d", cfg.MaxMessages)
	}
	if cfg.MaxTotalMessageChars != 20000 {
		t.Errorf("MaxTotalMessageChars = %d", cfg.MaxTotalMessageChars)
	}
	if cfg.EnableStreaming {
		t.Error("streaming must be off by default")
	}
	if cfg.CacheTTL != 0 {
		t.Errorf("CacheTTL = %v", cfg.CacheTTL)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ADDR", ":9090")
	t.Setenv("UPSTREAM_MAX_ATTEMPTS", "5")
	t.Setenv("UPSTREAM_BACKOFF_INITIAL_SECONDS", "0.25")
	t.Setenv("ENABLE_STREAMING", "true")
	t.Setenv("ALLOWED_HOSTS", "a.example.com, b.example.com")
	t.Setenv("CACHE_TTL_SECONDS", "120")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Addr != ":9090" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.UpstreamMaxAttempts != 5 {
		t.Errorf("UpstreamMaxAttempts = %d", cfg.UpstreamMaxAttempts)
	}
	if cfg.UpstreamBackoffInitial != 250*time.Millisecond {
		t.Errorf("fractional seconds not parsed: %v", cfg.UpstreamBackoffInitial)
	}
	if !cfg.EnableStreaming {
		t.Error("ENABLE_STREAMING=true not applied")
	}
	if len(cfg.AllowedHosts) != 2 || cfg.AllowedHosts[0] != "a.example.com" || cfg.AllowedHosts[1] != "b.example.com" {
		t.Errorf("AllowedHosts = %v", cfg.AllowedHosts)
	}
	if cfg.CacheTTL != 2*time.Minute {
		t.Errorf("CacheTTL = %v", cfg.CacheTTL)
	}
}

func TestLoad_ClampsMaxAttempts(t *testing.T) {
	t.Setenv("UPSTREAM_MAX_ATTEMPTS", "0")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.UpstreamMaxAttempts != 1 {
		t.Errorf("expected clamp to 1, got %d", cfg.UpstreamMaxAttempts)
	}
}

func TestLoad_RejectsWildcardWithCredentials(t *testing.T) {
	t.Setenv("CORS_ALLOW_ORIGINS", "*")
	t.Setenv("CORS_ALLOW_CREDENTIALS", "true")

	if _, err := Load(); err == nil {
		t.Error("expected error for wildcard origin with credentials")
	}
}

func TestLoad_IgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("MAX_INFLIGHT_REQUESTS", "not-a-number")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxInflightRequests != 32 {
		t.Errorf("expected default on parse failure, got %d", cfg.MaxInflightRequests)
	}
}
