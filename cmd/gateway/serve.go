package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/adapters"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/agents"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/api"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/breaker"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/cache"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/config"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/crypto"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/metrics"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/observability"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/policy"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/proxy"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/retrier"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/secrets"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/storage"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/telemetry"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/token"
)

func runServe(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "gateway: %v\n", err)
		return exitConfig
	}

	logger := newLogger(stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger, stdout); err != nil {
		var cerr *configError
		if errors.As(err, &cerr) {
			_, _ = fmt.Fprintf(stderr, "gateway: %v\n", err)
			return exitConfig
		}
		logger.Error("gateway failed", "error", err)
		return exitRuntime
	}
	return exitOK
}

// configError marks failures that stem from the environment rather than
// the runtime, so the process can exit with the configuration code.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) error {
	db, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	store, err := telemetry.NewSQLStore(db)
	if err != nil {
		return err
	}
	sink := telemetry.NewSink(store, cfg.TelemetryQueueSize, logger)
	sink.Start()
	defer sink.Stop()

	var exporter *telemetry.Exporter
	if cfg.ArchiveURL != "" {
		if exporter, err = telemetry.NewExporter(ctx, cfg.ArchiveURL); err != nil {
			return &configError{fmt.Errorf("archive: %w", err)}
		}
	}

	tracer, err := observability.New(ctx, observability.Config{
		ServiceName:    "gateway",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	keyring, err := crypto.NewKeyring(cfg.KEK)
	if err != nil {
		return &configError{err}
	}

	agentStore, err := agents.NewStore(db, sink, logger)
	if err != nil {
		return err
	}
	secretStore, err := secrets.NewStore(db, keyring, cfg.SecretsBackend, sink, logger)
	if err != nil {
		return err
	}

	bundle := policy.Default()
	if cfg.PolicyFile != "" {
		if bundle, err = policy.Load(cfg.PolicyFile, version); err != nil {
			return &configError{err}
		}
	}
	var quotas policy.QuotaStore
	if cfg.RedisURL != "" {
		redisQuota, err := policy.NewRedisQuota(ctx, cfg.RedisURL)
		if err != nil {
			return &configError{fmt.Errorf("redis quotas: %w", err)}
		}
		defer func() { _ = redisQuota.Close() }()
		quotas = redisQuota
	} else {
		memQuota := policy.NewMemoryQuota()
		memQuota.StartSweeper(ctx, time.Minute, 10*time.Minute)
		quotas = memQuota
	}
	engine, err := policy.NewEngine(bundle, quotas, sink, logger)
	if err != nil {
		return &configError{err}
	}

	tokens, err := token.NewService(db, token.ServiceConfig{
		Secret:  cfg.TokenHMACSecret,
		Agents:  agentStore,
		Surface: engine,
		Keyring: keyring,
		Sink:    sink,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	var registry *adapters.Registry
	if cfg.UpstreamMode == "live" {
		registry = adapters.NewLiveRegistry(&http.Client{Timeout: cfg.HTTPTimeout})
	} else {
		mockCfg := adapters.MockConfig{}
		if cfg.ChaosEnabled {
			mockCfg.FailRate = cfg.MockFailRate
		}
		registry = adapters.NewMockRegistry(mockCfg)
	}

	breakers := breaker.NewPool(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		WindowSize:       cfg.BreakerWindowSize,
		OpenFor:          cfg.BreakerOpenFor,
	}, sink, logger)

	responseCache := cache.New(cache.Config{
		MaxEntries: cfg.CacheMaxEntries,
		MaxBytes:   cfg.CacheMaxBytes,
		MaxWaiters: cfg.CoalesceMaxWaiters,
	}, cache.WithSizeCallback(metrics.SetCacheSize), cache.WithLogger(logger))
	responseCache.StartSweeper(ctx, time.Minute)

	shaper := proxy.NewShaper(ctx, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shaper.Close(closeCtx)
	}()

	pipe := proxy.New(proxy.Config{
		HTTPTimeout:     cfg.HTTPTimeout,
		CacheTTL:        cfg.CacheTTL,
		ToolConcurrency: cfg.ToolConcurrency,
		CacheEnabled:    cfg.CacheEnabled,
		RetryEnabled:    cfg.RetryEnabled,
		BreakersEnabled: cfg.BreakersEnabled,
		PolicyEnabled:   cfg.PolicyEnabled,
	}, proxy.Deps{
		Tokens:   tokens,
		Policy:   engine,
		Cache:    responseCache,
		Breakers: breakers,
		Retrier:  retrier.New(retrier.Config{MaxAttempts: cfg.RetryMaxAttempts, Base: cfg.RetryBase, Cap: cfg.RetryCap}, logger),
		Secrets:  secretStore,
		Adapters: registry,
		Shaper:   shaper,
		Tracer:   tracer,
		Sink:     sink,
		Logger:   logger,
	})

	srv := api.NewServer(api.Config{
		AdminSecret: []byte(cfg.AdminJWTSecret),
		Version:     version,
	}, api.Services{
		Agents:    agentStore,
		Tokens:    tokens,
		Secrets:   secretStore,
		Policy:    engine,
		Breakers:  breakers,
		Proxy:     pipe,
		Telemetry: sink,
		Exporter:  exporter,
		Registry:  registry,
		Ready: func(ctx context.Context) error {
			if err := db.PingContext(ctx); err != nil {
				return fmt.Errorf("storage: %w", err)
			}
			if keyring.ActiveVersion() < 1 {
				return errors.New("keyring not loaded")
			}
			return nil
		},
	}, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	logger.Info("gateway listening",
		"port", cfg.Port,
		"upstream_mode", cfg.UpstreamMode,
		"policy_version", bundle.Version,
		"version", version,
	)
	_, _ = fmt.Fprintf(stdout, "gateway %s listening on :%s (upstream %s)\n", version, cfg.Port, cfg.UpstreamMode)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "DEBUG", "debug":
		lvl = slog.LevelDebug
	case "WARN", "warn":
		lvl = slog.LevelWarn
	case "ERROR", "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
