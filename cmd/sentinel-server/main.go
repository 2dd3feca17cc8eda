package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/joho/godotenv"
	"github.com/triage-ai/sentinel/internal/api"
	"github.com/triage-ai/sentinel/internal/approval"
	"github.com/triage-ai/sentinel/internal/auth"
	"github.com/triage-ai/sentinel/internal/cache"
	"github.com/triage-ai/sentinel/internal/guardrail"
	"github.com/triage-ai/sentinel/internal/kv"
	"github.com/triage-ai/sentinel/internal/ledger"
	"github.com/triage-ai/sentinel/internal/ratelimit"
	"github.com/triage-ai/sentinel/internal/resolver"
	"github.com/triage-ai/sentinel/internal/secrets"
	"github.com/triage-ai/sentinel/internal/storage"
	"github.com/triage-ai/sentinel/internal/toolreg"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	_ = godotenv.Load() // best-effort; env wins over .env

	// Logger
	logger := mustBuildLogger(envOrDefault("SENTINEL_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("SENTINEL_HTTP_PORT", "8086")
	redisAddr := os.Getenv("REDIS_ADDR")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	authCacheTTL := envOrDefaultInt("SENTINEL_AUTH_CACHE_TTL_S", 30)
	policyCacheTTL := envOrDefaultInt("SENTINEL_POLICY_CACHE_TTL_S", 60)
	credTTL := envOrDefaultInt("SENTINEL_CRED_CACHE_TTL_S", 60)
	ledgerTTL := envOrDefaultInt("SENTINEL_LEDGER_TTL_S", 900)
	rateTimeoutMs := envOrDefaultInt("SENTINEL_RATE_TIMEOUT_MS", 5000)
	alertWindow := envOrDefaultInt("SENTINEL_ALERT_WINDOW_S", 60)

	logger.Info("starting sentinel server",
		zap.String("http_port", httpPort),
		zap.Int("rate_timeout_ms", rateTimeoutMs),
		zap.Int("ledger_ttl_s", ledgerTTL),
	)

	// KV store — Redis or in-memory fallback
	var store kv.Store
	if redisAddr != "" {
		redisStore, err := kv.NewRedisStore(kv.RedisConfig{
			Addr:     redisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envOrDefaultInt("REDIS_DB", 0),
		})
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer func() { _ = redisStore.Close() }()
		store = redisStore
		logger.Info("redis kv store connected", zap.String("addr", redisAddr))
	} else {
		store = kv.NewMemoryStore()
		logger.Info("no REDIS_ADDR set, using in-memory kv store")
	}

	// Postgres pool — secret store, consent, tool policies, caller auth
	var db *sql.DB
	if postgresDSN != "" {
		var err error
		db, err = sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		logger.Info("postgres connected")
	}

	// Secret store
	var secretStore secrets.Store
	if db != nil {
		masterKey, err := hex.DecodeString(os.Getenv("SENTINEL_MASTER_KEY"))
		if err != nil || len(masterKey) != 32 {
			logger.Fatal("SENTINEL_MASTER_KEY must be 64 hex chars (32 bytes)")
		}
		secretStore, err = secrets.NewPostgresStore(secrets.PostgresStoreConfig{
			DB:        db,
			MasterKey: masterKey,
			Logger:    logger,
		})
		if err != nil {
			logger.Fatal("failed to build secret store", zap.Error(err))
		}
		logger.Info("postgres secret store connected")
	} else {
		secretStore = secrets.NewMemoryStore()
		logger.Info("no POSTGRES_DSN set, using in-memory secret store")
	}

	// Consent store
	var consentStore resolver.ConsentStore
	if db != nil {
		consentStore = resolver.NewPostgresConsentStore(db)
	} else {
		consentStore = resolver.NewMemoryConsentStore()
	}

	// Shared gateway credential — loaded once at startup, injected; never
	// re-read per request.
	var gateway *resolver.GatewayCredential
	if ref := os.Getenv("SENTINEL_GATEWAY_SECRET_REF"); ref != "" {
		gateway = &resolver.GatewayCredential{
			SecretRef: ref,
			Model:     os.Getenv("SENTINEL_GATEWAY_MODEL"),
		}
		logger.Info("shared gateway credential configured")
	} else {
		logger.Info("no SENTINEL_GATEWAY_SECRET_REF set, team-gateway path disabled")
	}

	// Server-side fallback keys
	serverFallback := make(map[resolver.Provider]string)
	for _, p := range []resolver.Provider{
		resolver.ProviderOpenAI,
		resolver.ProviderOpenRouter,
		resolver.ProviderAnthropic,
		resolver.ProviderXAI,
	} {
		envKey := "SENTINEL_FALLBACK_" + toEnvSuffix(string(p)) + "_REF"
		if ref := os.Getenv(envKey); ref != "" {
			serverFallback[p] = ref
			logger.Info("server fallback key configured", zap.String("provider", string(p)))
		}
	}

	// Cache, resolver, limiter, ledger, gate
	tagCache := cache.New(store, logger)

	res := resolver.New(resolver.Config{
		Secrets:        secretStore,
		Consent:        consentStore,
		Cache:          tagCache,
		Gateway:        gateway,
		ServerFallback: serverFallback,
		CredentialTTL:  time.Duration(credTTL) * time.Second,
		Logger:         logger,
	})

	limiter := ratelimit.New(ratelimit.Config{
		Store:       store,
		AlertWindow: time.Duration(alertWindow) * time.Second,
		Logger:      logger,
	})

	led := ledger.New(ledger.Config{
		Store: store,
		TTL:   time.Duration(ledgerTTL) * time.Second,
	})
	gate := approval.New(led, logger)

	// Tool policy registry — Postgres if available, otherwise nil
	// (unregistered tool path)
	var registry toolreg.PolicyRegistry
	if db != nil {
		registry = toolreg.NewPostgresPolicyRegistry(toolreg.PostgresPolicyRegistryConfig{
			DB:       db,
			CacheTTL: time.Duration(policyCacheTTL) * time.Second,
			Logger:   logger,
		})
		logger.Info("postgres tool policy registry connected")
	} else {
		logger.Info("no POSTGRES_DSN set, all tools treated as unregistered")
	}

	// Storage — ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// Route policies with the configured per-check timeout
	routes := guardrail.DefaultRoutePolicies()
	rateTimeout := time.Duration(rateTimeoutMs) * time.Millisecond
	for key, pol := range routes {
		pol.Timeout = rateTimeout
		routes[key] = pol
	}
	defaultPolicy := guardrail.DefaultPolicy()
	defaultPolicy.Timeout = rateTimeout

	orch := guardrail.New(guardrail.Config{
		Limiter:       limiter,
		Resolver:      res,
		Gate:          gate,
		Registry:      registry,
		Writer:        writer,
		RoutePolicies: routes,
		DefaultPolicy: defaultPolicy,
		Logger:        logger,
	})

	// Auth — Postgres if available, otherwise static (dev only)
	var authenticator auth.Authenticator
	if db != nil {
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: time.Duration(authCacheTTL) * time.Second,
			FailOpen: true,
			Logger:   logger,
		})
		logger.Info("postgres authenticator connected")
	} else {
		authenticator = auth.NewStaticAuthenticator()
		logger.Info("using static authenticator (no POSTGRES_DSN)")
	}

	// HTTP server
	deps := &api.Dependencies{
		Orchestrator: orch,
		Gate:         gate,
		Resolver:     res,
		Auth:         authenticator,
		Logger:       logger,
	}
	httpServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("sentinel server stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func toEnvSuffix(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
