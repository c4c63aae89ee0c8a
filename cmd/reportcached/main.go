// Command reportcached serves the freshness-aware metrics cache over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/admetric/reportcache/pkg/config"
	"github.com/admetric/reportcache/pkg/factstore"
	"github.com/admetric/reportcache/pkg/lock"
	"github.com/admetric/reportcache/pkg/logging"
	"github.com/admetric/reportcache/pkg/refresh"
	"github.com/admetric/reportcache/pkg/throttle"
	"github.com/admetric/reportcache/pkg/upstream"
	"github.com/admetric/reportcache/pkg/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "reportcached: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
	})

	store, err := factstore.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open fact store: %w", err)
	}
	defer store.Close()
	logger.Info().Str("path", cfg.Store.Path).Msg("Fact store opened")

	var locks lock.Manager
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr,
			DB:   cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		locks = lock.NewRedisManager(rdb)
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis lock backend")
	} else {
		locks = lock.NewMemoryManager()
		logger.Info().Msg("Using in-process lock backend")
	}

	fetcher := newFetcher(cfg, logger)
	counters := refresh.NewCounters()
	thr := throttle.New(cfg.Throttle.Cooldown)

	pool := worker.NewPool(store, fetcher, locks, counters, worker.Config{
		Concurrency:   cfg.Worker.Concurrency,
		JobsPerMinute: cfg.Worker.JobsPerMinute,
		QueueSize:     cfg.Worker.QueueSize,
		Retry:         upstream.DefaultRetryConfig(),
		Chunks:        upstream.DefaultChunkConfig(),
	})
	pool.Start()

	defaults, byEntity := cfg.Thresholds()
	orch := refresh.New(store, locks, thr, pool, fetcher, counters, refresh.Config{
		Thresholds:   byEntity,
		Defaults:     defaults,
		LockTTL:      cfg.Lock.TTL,
		FetchTimeout: cfg.Throttle.FetchTimeout,
		Retry:        upstream.DefaultRetryConfig(),
	})

	srv := &server{
		orch:      orch,
		store:     store,
		retention: factstore.RetentionPolicy(cfg.Retention),
		logger:    logging.NewLogger("http"),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/health", srv.handleHealth)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	router.Route("/api", func(r chi.Router) {
		r.Get("/query", srv.handleQuery)
		r.Post("/invalidate", srv.handleInvalidate)
		r.Get("/locks", srv.handleLockStatus)
		r.Delete("/locks/{key}", srv.handleForceRelease)
		r.Get("/sync-status", srv.handleSyncStatus)
		r.Post("/retention/cleanup", srv.handleRetentionCleanup)
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Worker pool drain incomplete")
	}

	return nil
}

// newFetcher returns the upstream client. Without a configured URL the
// fetcher fails every fetch, which keeps cached data servable and the
// blocking path honest about the missing integration.
func newFetcher(cfg *config.Config, logger zerolog.Logger) upstream.Fetcher {
	if cfg.Upstream.URL == "" {
		logger.Warn().Msg("No upstream URL configured; fetches will fail")
		return unconfiguredFetcher{}
	}
	logger.Info().Str("url", cfg.Upstream.URL).Msg("Using HTTP upstream client")
	return upstream.NewHTTPFetcher(cfg.Upstream.URL, cfg.Upstream.APIKey, cfg.Upstream.Timeout)
}

type unconfiguredFetcher struct{}

func (unconfiguredFetcher) Fetch(context.Context, upstream.Request) ([]factstore.DailyRow, error) {
	return nil, errors.New("no upstream client configured")
}
