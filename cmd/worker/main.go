// Package main runs the unified tracking service:
// - Scheduler (periodic): selects due tokens and fetches market data
// - Transformer (periodic): drains raw snapshots into price metrics
// - Recovery (periodic): reactivates tokens stuck past the failure threshold
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"token-price-tracker/internal/config"
	"token-price-tracker/internal/market"
	"token-price-tracker/internal/observability"
	"token-price-tracker/internal/recovery"
	"token-price-tracker/internal/scheduler"
	"token-price-tracker/internal/storage"
	chstore "token-price-tracker/internal/storage/clickhouse"
	"token-price-tracker/internal/storage/memory"
	"token-price-tracker/internal/storage/migrations"
	pgstore "token-price-tracker/internal/storage/postgres"
	"token-price-tracker/internal/transform"
	"token-price-tracker/internal/worker"
)

// allStores holds all storage implementations.
type allStores struct {
	tokens    storage.TokenStore
	calls     storage.TokenCallStore
	snapshots storage.SnapshotStore
	metrics   storage.PriceMetricStore
	locks     recovery.LockInspector
}

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to YAML config (env vars only when empty)")
	httpAddr := flag.String("http-addr", "", "HTTP address for /metrics and /healthz (overrides config)")
	postgresDSN := flag.String("postgres-dsn", "", "PostgreSQL connection string (overrides config)")
	clickhouseDSN := flag.String("clickhouse-dsn", "", "ClickHouse connection string (overrides config)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL/ClickHouse")
	verbose := flag.Bool("verbose", false, "Verbose logging")
	flag.Parse()

	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags)

	cfg, err := config.Load(*configPath, *configPath == "")
	if err != nil {
		logger.Fatalf("Load config: %v", err)
	}
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if *postgresDSN != "" {
		cfg.Postgres.DSN = *postgresDSN
	}
	if *clickhouseDSN != "" {
		cfg.Clickhouse.DSN = *clickhouseDSN
	}
	if *verbose {
		cfg.Log.Verbose = true
	}

	componentFlags := log.LstdFlags
	if cfg.Log.Verbose {
		componentFlags |= log.Lshortfile
	}
	componentLogger := log.New(os.Stdout, "", componentFlags)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, cleanup, err := createStores(ctx, cfg, *useMemory)
	if err != nil {
		logger.Fatalf("Create stores: %v", err)
	}
	defer cleanup()

	registry := market.NewChainRegistry()
	limiter := buildRateLimiter(ctx, cfg, logger)

	client := market.NewClient(registry, stores.snapshots,
		market.WithBaseURL(cfg.Market.BaseURL),
		market.WithTimeout(cfg.Market.Timeout),
		market.WithMaxRetries(cfg.Market.MaxRetries),
		market.WithRetryDelay(cfg.Market.RetryDelay),
		market.WithMaxDelay(cfg.Market.MaxDelay),
		market.WithRateLimiter(limiter),
		market.WithLogger(componentLogger),
	)

	sched := scheduler.New(stores.tokens, stores.metrics, client, registry,
		scheduler.WithFailureThreshold(cfg.Scheduler.FailureThreshold),
		scheduler.WithSelectLimit(cfg.Scheduler.SelectLimit),
		scheduler.WithConcurrency(cfg.Scheduler.Concurrency),
		scheduler.WithLogger(componentLogger),
	)

	transformer := transform.New(stores.tokens, stores.snapshots, stores.metrics, registry,
		transform.WithLogger(componentLogger),
	)

	recoveryOpts := []recovery.Option{
		recovery.WithFailureThreshold(cfg.Scheduler.FailureThreshold),
		recovery.WithLogger(componentLogger),
	}
	if stores.locks != nil {
		recoveryOpts = append(recoveryOpts, recovery.WithLockInspector(stores.locks))
	}
	recoverySvc := recovery.New(stores.tokens, stores.calls, stores.metrics, recoveryOpts...)

	workerOpts := []worker.Option{worker.WithLogger(componentLogger)}
	if cfg.Kafka.Enabled {
		reader := worker.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID)
		workerOpts = append(workerOpts, worker.WithKafkaReader(reader))
		logger.Printf("Consuming triggers from kafka topic %s", cfg.Kafka.Topic)
	}

	w := worker.New(sched, transformer, recoverySvc, worker.Config{
		PassInterval:     cfg.Scheduler.PassInterval,
		DrainInterval:    cfg.Transform.DrainInterval,
		RecoveryInterval: cfg.Recovery.Interval,
		DrainBatchSize:   cfg.Transform.BatchSize,
		MinFailures:      cfg.Recovery.MinFailures,
	}, workerOpts...)

	go startHTTPServer(cfg.Server.HTTPAddr, stores, logger)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	logger.Printf("Starting worker (http=%s, memory=%v)", cfg.Server.HTTPAddr, *useMemory)
	if err := w.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatalf("Worker error: %v", err)
	}
	logger.Println("Shutdown complete")
}

// createStores creates all required stores.
func createStores(ctx context.Context, cfg config.Config, useMemory bool) (*allStores, func(), error) {
	if useMemory {
		stores := &allStores{
			tokens:    memory.NewTokenStore(),
			calls:     memory.NewTokenCallStore(),
			snapshots: memory.NewSnapshotStore(),
			metrics:   memory.NewPriceMetricStore(),
		}
		return stores, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if cfg.Postgres.Migrate {
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres migrations: %w", err)
		}
	}

	chConn, err := migrations.RunClickhouseMigrations(ctx, cfg.Clickhouse.DSN)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}

	stores := &allStores{
		tokens:    pgstore.NewTokenStore(pool),
		calls:     pgstore.NewTokenCallStore(pool),
		snapshots: pgstore.NewSnapshotStore(pool),
		metrics:   chstore.NewPriceMetricStore(chConn),
		locks:     pgstore.NewLockInspector(pool),
	}
	cleanup := func() {
		chConn.Close()
		pool.Close()
	}
	return stores, cleanup, nil
}

// buildRateLimiter assembles the admission chain: always a local token
// bucket, optionally fronted by a shared redis window.
func buildRateLimiter(ctx context.Context, cfg config.Config, logger *log.Logger) market.RateLimiter {
	local := market.NewTokenBucket(cfg.Market.BucketSize, cfg.Market.RefillPerSec)
	if !cfg.Redis.Enabled {
		return local
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Printf("Redis unavailable, using local rate limit only: %v", err)
		return local
	}
	logger.Printf("Shared rate limit: %d requests per %s via %s",
		cfg.Redis.WindowLimit, cfg.Redis.WindowSize, cfg.Redis.Addr)
	return market.NewRedisWindowLimiter(local, rdb, cfg.Redis.KeyPrefix, cfg.Redis.WindowLimit, cfg.Redis.WindowSize)
}

// startHTTPServer serves metrics and health endpoints.
func startHTTPServer(addr string, stores *allStores, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		depth, err := stores.snapshots.UnprocessedCount(ctx)
		status := map[string]interface{}{
			"status":       "running",
			"buffer_depth": depth,
		}
		if err != nil {
			status["status"] = "degraded"
			status["error"] = err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})

	logger.Printf("HTTP server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Printf("HTTP server: %v", err)
	}
}
