package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"ipresence/internal/catalog"
	"ipresence/internal/config"
	"ipresence/internal/directory"
	"ipresence/internal/handler"
	"ipresence/internal/httpmiddleware"
	"ipresence/internal/identity"
	"ipresence/internal/logging"
	"ipresence/internal/metrics"
	"ipresence/internal/presence"
	"ipresence/internal/queue"
	"ipresence/internal/reporting"
	"ipresence/internal/store"
	"ipresence/internal/store/memory"
	"ipresence/internal/store/postgres"
	"ipresence/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logging.Setup(cfg.Env, cfg.LogLevel)

	if logging.IsProduction(cfg.Env) {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DebugPrintRouteFunc = func(string, string, string, int) {}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := runHTTP(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("http server failed")
	}
}

// repositories is the storage every service needs.
type repositories interface {
	identity.Store
	presence.Store
	reporting.Store
	catalog.Store
	Ping(ctx context.Context) error
}

func openRepositories(ctx context.Context, cfg config.App, log zerolog.Logger) (repositories, func(), error) {
	if cfg.StoreBackend == "memory" {
		log.Warn().Msg("using in-memory store, data is lost on restart")
		return memory.New(), func() {}, nil
	}
	db, err := store.NewDB(ctx, cfg.DatabaseURL, 5*time.Second)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DBAutoMigrate {
		if err := postgres.Migrate(ctx, db.Client); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		log.Info().Msg("schema migrated")
	}
	return postgres.NewRepository(db.Client), func() { _ = db.Close() }, nil
}

func runHTTP(cfg config.App, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start, _ := cfg.CourseStart()
	loc, _ := cfg.Location()

	repos, closeRepos, err := openRepositories(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeRepos()

	var redisClient *store.Redis
	if cfg.NeedsRedis() {
		redisClient = store.NewRedis(store.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
		if !redisClient.Healthy(ctx) {
			log.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable")
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	dir := directory.New(cfg.UpstreamBaseURL, cfg.UpstreamTimeout)
	resolver := identity.NewResolver(repos, dir, log, m)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		// no separate worker can reach an in-process queue, so drain it here
		mq := queue.NewInMemory(64)
		q = mq
		go func() {
			if err := worker.New(mq, resolver, log, m, cfg.UpstreamTimeout).Run(ctx); err != nil {
				log.Error().Err(err).Msg("in-process worker stopped")
			}
		}()
	} else {
		q = queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	}

	h := handler.New(handler.Deps{
		Students: resolver,
		Presences: presence.NewRecorder(repos, presence.Options{
			DefaultStart: start,
			Location:     loc,
		}, log, m),
		Stats:    reporting.NewReporter(repos, loc, nil),
		Catalog:  catalog.NewService(repos),
		Jobs:     q,
		Metrics:  m,
		Log:      log,
		Location: loc,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestID())
	r.Use(httpmiddleware.AccessLog(log))
	r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(httpmiddleware.SecurityHeaders())

	switch cfg.RateLimitBackend {
	case "redis":
		r.Use(httpmiddleware.RateLimit(httpmiddleware.NewRedisWindow(redisClient.Client, cfg.RateLimitPerMin), log))
	case "memory":
		r.Use(httpmiddleware.RateLimit(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin), log))
	}

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	checks := []handler.Check{
		{Name: "db", Critical: true, Probe: repos.Ping},
		{Name: "upstream", Probe: dir.Health},
	}
	if redisClient != nil {
		checks = append(checks, handler.Check{Name: "redis", Critical: true, Probe: redisClient.Ping})
	}
	r.GET("/healthz", handler.Health(2*time.Second, checks...))

	h.Register(r)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// covers a cold lookup that waits on the upstream directory
		WriteTimeout: cfg.UpstreamTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.HTTPPort).Str("store", cfg.StoreBackend).Str("queue", cfg.QueueBackend).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced shutdown")
	}
	log.Info().Msg("server exited")
	return nil
}
