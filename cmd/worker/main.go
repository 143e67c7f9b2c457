package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"ipresence/internal/config"
	"ipresence/internal/directory"
	"ipresence/internal/identity"
	"ipresence/internal/logging"
	"ipresence/internal/metrics"
	"ipresence/internal/queue"
	"ipresence/internal/store"
	"ipresence/internal/store/postgres"
	"ipresence/internal/worker"
)

// Worker consumes student refresh jobs and re-reads each student upstream.
func main() {
	cfg := config.Load()
	log := logging.Setup(cfg.Env, cfg.LogLevel).With().Str("process", "worker").Logger()

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.QueueBackend != "redis" || cfg.StoreBackend != "postgres" {
		log.Fatal().Msg("worker needs QUEUE_BACKEND=redis and STORE_BACKEND=postgres; the API drains in-memory queues itself")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(ctx, cfg.DatabaseURL, 5*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer db.Close()

	redisClient := store.NewRedis(store.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		log.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable, will keep retrying")
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	go serveMetrics(ctx, cfg.WorkerMetricsPort, reg, log)

	dir := directory.New(cfg.UpstreamBaseURL, cfg.UpstreamTimeout)
	if err := dir.Health(ctx); err != nil {
		log.Warn().Err(err).Msg("upstream directory not available")
	}
	resolver := identity.NewResolver(postgres.NewRepository(db.Client), dir, log, m)
	q := queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)

	if err := worker.New(q, resolver, log, m, cfg.UpstreamTimeout+5*time.Second).Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("worker failed")
	}
}

func serveMetrics(ctx context.Context, port string, reg *prometheus.Registry, log zerolog.Logger) {
	if port == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("metrics server failed")
	}
}
