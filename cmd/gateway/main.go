package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geminiweb/gateway/internal/admission"
	"github.com/geminiweb/gateway/internal/api"
	"github.com/geminiweb/gateway/internal/cache"
	"github.com/geminiweb/gateway/internal/config"
	"github.com/geminiweb/gateway/internal/credentials"
	"github.com/geminiweb/gateway/internal/gemini"
	"github.com/geminiweb/gateway/internal/logging"
	"github.com/geminiweb/gateway/internal/metrics"
	"github.com/geminiweb/gateway/internal/provider"
	"github.com/geminiweb/gateway/internal/secrets"
	"github.com/geminiweb/gateway/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiKey, err := resolveAPIKey(ctx, cfg)
	if err != nil {
		slog.Error("failed to resolve upstream api key", "error", err)
		os.Exit(1)
	}
	if apiKey == "" {
		slog.Error("no upstream api key configured (set GOOGLE_API_KEY, an encrypted credential file, or GOOGLE_API_KEY_SECRET_ID)")
		os.Exit(1)
	}

	logging.Setup(cfg.LogLevel, cfg.LogFormat, []string{apiKey, cfg.ServerAuthToken})

	slog.Info("starting gateway", "addr", cfg.Addr, "version", "0.3.0")

	if cfg.OTLPEndpoint != "" {
		shutdownTracing, err := telemetry.Init(ctx, "geminiweb-gateway", cfg.OTLPEndpoint)
		if err != nil {
			slog.Warn("failed to initialize tracing, continuing without it", "error", err)
		} else {
			defer func() {
				flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer flushCancel()
				if err := shutdownTracing(flushCtx); err != nil {
					slog.Warn("failed to flush traces", "error", err)
				}
			}()
		}
	}

	session := gemini.New(gemini.Config{
		APIKey:          apiKey,
		BaseURL:         cfg.GeminiBaseURL,
		Timeout:         cfg.UpstreamTimeout,
		MaxAttempts:     cfg.UpstreamMaxAttempts,
		BackoffInitial:  cfg.UpstreamBackoffInitial,
		BackoffMax:      cfg.UpstreamBackoffMax,
		BreakerFailures: cfg.BreakerFailures,
		BreakerReset:    cfg.BreakerReset,
	})

	geminiProvider := provider.New(session, cfg.EnableStreaming)
	slog.Info("registered provider", "provider", provider.Name, "streaming", cfg.EnableStreaming)

	var responseCache cache.Cache
	if cfg.CacheTTL > 0 {
		if cfg.RedisURL != "" {
			responseCache, err = cache.NewRedisCache(cfg.RedisURL)
			if err != nil {
				slog.Warn("failed to connect to redis for cache, using in-memory", "error", err)
				responseCache = cache.NewInMemoryCache()
			} else {
				slog.Info("using redis cache")
			}
		} else {
			responseCache = cache.NewInMemoryCache()
			slog.Info("using in-memory cache")
		}
	}

	handler := api.NewHandler(api.HandlerConfig{
		Provider: geminiProvider,
		Cache:    responseCache,
		CacheTTL: cfg.CacheTTL,

		ChatTimeout:        cfg.ChatTimeout,
		StreamIdleTimeout:  cfg.StreamIdleTimeout,
		StreamTotalTimeout: cfg.StreamTotalTimeout,

		MaxMessages:          cfg.MaxMessages,
		MaxTotalMessageChars: cfg.MaxTotalMessageChars,
	})

	gate := admission.New(admission.Config{
		MaxBodyBytes:         cfg.MaxRequestBodyBytes,
		MaxInflight:          cfg.MaxInflightRequests,
		AuthToken:            cfg.ServerAuthToken,
		AllowedHosts:         cfg.AllowedHosts,
		CORSAllowOrigins:     cfg.CORSAllowOrigins,
		CORSAllowCredentials: cfg.CORSAllowCredentials,
	})

	metrics.MaybeServe(cfg.MetricsAddr)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      gate.Wrap(handler),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.StreamTotalTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server stopped")
}

// resolveAPIKey looks for the upstream key in order: environment variable,
// encrypted credential file, AWS Secrets Manager.
func resolveAPIKey(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg.GoogleAPIKey != "" {
		return cfg.GoogleAPIKey, nil
	}

	if cfg.CredentialsKey != "" {
		store, err := credentials.NewStore(cfg.CredentialsPath, cfg.CredentialsKey)
		if err != nil {
			return "", err
		}
		if store.Exists() {
			key, err := store.APIKey()
			if err != nil {
				return "", err
			}
			slog.Info("loaded upstream api key from credential file", "path", cfg.CredentialsPath)
			return key, nil
		}
	}

	if cfg.GoogleAPIKeySecretID != "" {
		sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			return "", err
		}
		key, err := sm.GetSecret(ctx, cfg.GoogleAPIKeySecretID)
		if err != nil {
			return "", err
		}
		slog.Info("loaded upstream api key from secrets manager", "secret_id", cfg.GoogleAPIKeySecretID)
		return key, nil
	}

	return "", nil
}
