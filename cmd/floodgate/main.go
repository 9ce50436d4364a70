// Command floodgate runs the telemetry ingestion and governance pipeline:
// an HTTP intake for direct submissions and broker notifications, plus a
// pool of queue workers that batch-commit accepted measurements.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/meridian-iot/floodgate/pkg/broker"
	"github.com/meridian-iot/floodgate/pkg/ingest"
	"github.com/meridian-iot/floodgate/pkg/lastvalue"
	"github.com/meridian-iot/floodgate/pkg/profile"
	"github.com/meridian-iot/floodgate/pkg/queue"
	"github.com/meridian-iot/floodgate/pkg/storage"
	"github.com/meridian-iot/floodgate/pkg/worker"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("floodgate exited with error")
	}
}

func run(logger zerolog.Logger) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	workerCfg, err := worker.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("loading worker configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("opening postgres: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging postgres: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}

	taskQueue := queue.NewRedisStreamQueueFromClient(redisClient, &queue.RedisStreamConfig{
		Stream:    cfg.Queue.Stream,
		PollBlock: cfg.Queue.PollBlock,
	}, logger)

	lastValues := lastvalue.NewRedisCacheFromClient(redisClient, cfg.LastValueTTL, logger)
	profiles := profile.NewStore(profile.NewPostgresSource(db), logger, profile.WithCacheTTL(cfg.ProfileCacheTTL))
	engine := profile.NewEngine(lastValues, logger)
	store := storage.NewPostgresStore(db, logger)
	pusher := broker.NewClient(&broker.Config{BaseURL: cfg.Broker.BaseURL, Timeout: cfg.Broker.Timeout}, nil, logger)
	tenants := ingest.NewCachedTenantResolver(ingest.NewPostgresTenantResolver(db), cfg.CredentialCacheTTL, logger)

	pipeline := ingest.NewPipeline(tenants, profiles, engine, store, pusher, lastValues, logger)
	committer := worker.NewPipelineCommitter(profiles, engine, store, pusher, lastValues, logger)

	registry := prometheus.NewRegistry()
	metrics := worker.NewMetrics(registry)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		instanceCfg := *workerCfg
		if cfg.Workers > 1 {
			instanceCfg.ConsumerName = fmt.Sprintf("%s-%d", workerCfg.ConsumerName, i)
		}
		// Each worker owns its accumulator; they are never shared.
		acc := worker.NewAccumulator(instanceCfg.BatchMaxSize, instanceCfg.BatchMaxWait, committer, logger)
		w, err := worker.New(&instanceCfg, taskQueue, pipeline, acc, metrics, logger)
		if err != nil {
			return fmt.Errorf("creating worker %d: %w", i, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("Worker exited with error")
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/v1/ingest", newIngestHandler(pipeline, logger))
	mux.Handle("/v1/notifications", newNotificationHandler(taskQueue, logger))

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP intake listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
	}

	// Workers observe the cancelled context, force-flush and exit.
	wg.Wait()
	logger.Info().Msg("floodgate stopped")
	return nil
}
