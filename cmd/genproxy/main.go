package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felipepmaragno/genproxy/internal/api"
	"github.com/felipepmaragno/genproxy/internal/auth"
	"github.com/felipepmaragno/genproxy/internal/circuitbreaker"
	"github.com/felipepmaragno/genproxy/internal/config"
	"github.com/felipepmaragno/genproxy/internal/httputil"
	"github.com/felipepmaragno/genproxy/internal/metrics"
	"github.com/felipepmaragno/genproxy/internal/notifications"
	"github.com/felipepmaragno/genproxy/internal/provider"
	"github.com/felipepmaragno/genproxy/internal/provider/bedrock"
	"github.com/felipepmaragno/genproxy/internal/provider/gemini"
	"github.com/felipepmaragno/genproxy/internal/quota"
	"github.com/felipepmaragno/genproxy/internal/relay"
	"github.com/felipepmaragno/genproxy/internal/repository"
	"github.com/felipepmaragno/genproxy/internal/secrets"
	"github.com/felipepmaragno/genproxy/internal/telemetry"
	"github.com/felipepmaragno/genproxy/internal/usage"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

const version = "0.1.0"

const geminiKeyName = "gemini-api-key"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting genproxy", "addr", cfg.Addr, "version", version, "provider", cfg.Provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, "genproxy", version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}

	store, err := setupUsageStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to set up usage store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	checkers := store.checkers

	p, err := setupProvider(ctx, cfg)
	if err != nil {
		slog.Error("failed to set up provider", "error", err)
		os.Exit(1)
	}
	checkers = append(checkers, api.NewProviderHealthChecker(p))
	metrics.InitInstanceMetrics(cfg.PodName, version, p.ID())

	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.FailureThreshold = cfg.BreakerFailureThreshold
	breakerCfg.Cooldown = cfg.BreakerCooldown

	var breaker circuitbreaker.Breaker = circuitbreaker.NewLocal(breakerCfg)
	if store.redis != nil {
		breaker = circuitbreaker.NewRedis(store.redis, p.ID(), breakerCfg)
	}
	guarded := circuitbreaker.Guard(p, breaker)

	monitor := quota.NewMonitor(store.dedup, quota.DefaultThresholds())
	monitor.OnAlert(quota.LogAlertHandler)
	if cfg.QuotaAlertTopicARN != "" {
		notifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.QuotaAlertTopicARN)
		if err != nil {
			slog.Error("failed to set up quota notifier", "error", err)
			os.Exit(1)
		}
		monitor.OnAlert(quota.NotifyAlertHandler(notifier))
		slog.Info("quota alerts published to sns", "topic", cfg.QuotaAlertTopicARN)
	}

	evaluator := quota.NewEvaluator(store.repo, quota.Limits{
		PerUserDaily: cfg.DailyUserTokenLimit,
		GlobalDaily:  cfg.DailyGlobalTokenLimit,
	}, quota.WithObserver(monitor))

	sessions, err := setupSessions(cfg)
	if err != nil {
		slog.Error("failed to set up sessions", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(api.HandlerConfig{
		Sessions:  sessions,
		Provider:  guarded,
		Quota:     evaluator,
		Committer: usage.NewCommitter(store.repo),
		Relay:     relay.New(cfg.StreamIdleTimeout),
		Checkers:  checkers,
		Version:   version,
	})

	// WriteTimeout stays unset; streams are bounded by the relay's idle timeout.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
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
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("tracer shutdown failed", "error", err)
	}

	slog.Info("server stopped")
}

type usageStore struct {
	repo     repository.UsageRepository
	dedup    quota.AlertDeduplicator
	checkers []api.HealthChecker
	// redis is shared by the breaker and alert deduplication when set.
	redis   *redis.Client
	closers []func() error
}

func (s *usageStore) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

// setupUsageStore picks Postgres, then Redis, then process memory for usage
// records. Redis, when configured, also backs alert deduplication.
func setupUsageStore(ctx context.Context, cfg *config.Config) (*usageStore, error) {
	s := &usageStore{}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		s.redis = redis.NewClient(opts)
		s.closers = append(s.closers, s.redis.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.redis.Ping(pingCtx).Err(); err != nil {
			s.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}

		s.dedup = quota.NewRedisDeduplicatorWithClient(s.redis, 25*time.Hour)
		s.checkers = append(s.checkers, api.NewRedisHealthChecker(s.redis))
	} else {
		s.dedup = quota.NewInMemoryDeduplicator()
	}

	switch {
	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		s.closers = append(s.closers, db.Close)

		repo := repository.NewPostgresUsageRepository(db)
		if err := repo.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		s.repo = repo
		s.checkers = append(s.checkers, api.NewPostgresHealthChecker(db))
		slog.Info("using postgres usage store")

	case s.redis != nil:
		s.repo = repository.NewRedisUsageRepositoryWithClient(s.redis, cfg.UsageRetention)
		slog.Info("using redis usage store", "retention", cfg.UsageRetention)

	default:
		s.repo = repository.NewInMemoryUsageRepository()
		slog.Warn("using in-memory usage store, totals are lost on restart and not shared between instances")
	}

	return s, nil
}

func setupProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case "bedrock":
		p, err := bedrock.New(ctx, cfg.AWSRegion, cfg.BedrockModelID)
		if err != nil {
			return nil, err
		}
		slog.Info("registered provider", "provider", p.ID(), "model", p.Model())
		return p, nil

	default:
		key, err := geminiKey(ctx, cfg)
		if err != nil {
			return nil, err
		}
		client := httputil.NewClient(httputil.StreamingConfig(cfg.UpstreamConnectTimeout))
		p := gemini.New(key, cfg.GeminiBaseURL, cfg.GeminiModel, client)
		slog.Info("registered provider", "provider", p.ID(), "model", p.Model())
		return p, nil
	}
}

// geminiKey reads the API key from Secrets Manager when a secret name is set,
// otherwise from GEMINI_API_KEY. A missing key is reported per request.
func geminiKey(ctx context.Context, cfg *config.Config) (*secrets.APIKey, error) {
	if cfg.GeminiAPIKeySecret != "" {
		sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		sm.SetCacheTTL(cfg.GeminiKeyCacheTTL)
		return secrets.NewAPIKey(sm, cfg.GeminiAPIKeySecret), nil
	}

	store := secrets.NewInMemorySecretStore()
	if cfg.GeminiAPIKey != "" {
		store.SetSecret(geminiKeyName, cfg.GeminiAPIKey)
	} else {
		slog.Warn("GEMINI_API_KEY is not set, generation requests will fail")
	}
	return secrets.NewAPIKey(store, geminiKeyName), nil
}

func setupSessions(cfg *config.Config) (auth.SessionResolver, error) {
	var chain auth.ChainResolver

	if cfg.SessionSecret != "" {
		chain = append(chain, auth.NewJWTResolver(cfg.SessionSecret))
	}
	if cfg.StaticAPIKeys != "" {
		keys, err := auth.ParseAPIKeys(cfg.StaticAPIKeys)
		if err != nil {
			return nil, err
		}
		chain = append(chain, auth.NewAPIKeyResolver(keys))
		slog.Info("static api keys loaded", "count", len(keys))
	}

	return chain, nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
