package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/commercegate/edge-proxy/pkg/cache"
	"github.com/commercegate/edge-proxy/pkg/circuit"
	"github.com/commercegate/edge-proxy/pkg/logging"
	"github.com/commercegate/edge-proxy/pkg/metrics"
	"github.com/commercegate/edge-proxy/pkg/proxy"
	"github.com/commercegate/edge-proxy/pkg/tenant"
)

func main() {
	// Configuration from environment
	port := getEnv("PORT", "8080")
	tenantsFile := getEnv("TENANTS_FILE", "tenants.yaml")
	redisURL := getEnv("REDIS_URL", "")
	redisKey := getEnv("REDIS_TENANTS_KEY", "edge-proxy:tenants")
	logLevel := getEnv("LOG_LEVEL", "info")
	logPretty := getEnvBool("LOG_PRETTY", false)
	cacheCapacityMB := getEnvInt("CACHE_CAPACITY_MB", 256)
	upstreamTimeout := getEnvDuration("UPSTREAM_TIMEOUT", 10*time.Second)

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(logLevel),
		Pretty: logPretty,
	})
	logger := logging.NewLogger("main")

	store := cache.New(cache.Config{
		Capacity: int64(cacheCapacityMB) << 20,
	})
	defer store.Close()

	breaker := circuit.New(circuit.DefaultConfig())

	registry := tenant.NewRegistry()
	defer registry.Close()

	ctx := context.Background()

	var watcher *tenant.Watcher
	if redisURL != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: redisURL})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("redis", redisURL).Msg("Failed to connect to Redis")
		}
		logger.Info().Str("redis", redisURL).Msg("Connected to Redis")

		if err := registry.Reload(ctx, tenant.NewRedisSource(redisClient, redisKey)); err != nil {
			logger.Fatal().Err(err).Msg("Failed to load tenant configuration from Redis")
		}
	} else {
		var err error
		watcher, err = tenant.NewWatcher(tenantsFile, registry)
		if err != nil {
			logger.Fatal().Err(err).Str("file", tenantsFile).Msg("Failed to create tenant watcher")
		}
		if err := watcher.Start(ctx); err != nil {
			logger.Fatal().Err(err).Str("file", tenantsFile).Msg("Failed to load tenant configuration")
		}
		defer watcher.Stop()
		logger.Info().Str("file", tenantsFile).Msg("Watching tenant configuration")
	}

	orchestrator := proxy.New(
		proxy.Config{UpstreamTimeout: upstreamTimeout},
		store, breaker, registry,
		proxy.WithMetricsSink(metrics.NewPromSink()),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/", proxy.NewHandler(orchestrator, registry))

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("Starting edge proxy")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown incomplete")
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid boolean, using default")
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid integer, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid duration, using default")
	}
	return defaultValue
}
