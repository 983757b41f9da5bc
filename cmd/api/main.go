package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aridsondez/leaseq/internal/api"
	"github.com/aridsondez/leaseq/internal/config"
	"github.com/aridsondez/leaseq/internal/metrics"
	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/reaper"
	"github.com/aridsondez/leaseq/internal/queue/store/memory"
	pgstore "github.com/aridsondez/leaseq/internal/queue/store/postgres"
	redisstore "github.com/aridsondez/leaseq/internal/queue/store/redis"
	sqlitestore "github.com/aridsondez/leaseq/internal/queue/store/sqlite"
	"github.com/aridsondez/leaseq/pkg/logger"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(cfg.Env, cfg.LogLevel)
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	open, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	engines, err := queue.BuildRegistry(cfg.Definitions(), open, metrics.NewObserver())
	if err != nil {
		return fmt.Errorf("build queues: %w", err)
	}

	targets := make([]reaper.Target, 0, len(engines))
	sources := make([]metrics.StatsSource, 0, len(engines))
	for _, e := range engines {
		targets = append(targets, e)
		sources = append(sources, e)
	}
	if err := prometheus.Register(metrics.NewCollector(sources...)); err != nil {
		return fmt.Errorf("register collector: %w", err)
	}

	rp, err := reaper.New(cfg.ReapSchedule, targets...)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpSrv := api.NewServer(addr, engines)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rp.Start(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("HTTP server listening",
			zap.String("addr", addr),
			zap.String("store", cfg.StoreDriver),
			zap.Int("queues", len(engines)),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		rp.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStores connects the configured backend and returns a per-queue store
// constructor plus a func releasing the connection.
func openStores(ctx context.Context, cfg *config.Config) (func(string) (queue.Store, error), func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, cfg.DBConnectionTimeout)
		defer cancel()

		pool, err := pgxpool.New(connectCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("pgxpool.New: %w", err)
		}
		if err := pool.Ping(connectCtx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgx ping: %w", err)
		}
		if err := pgstore.EnsureSchema(connectCtx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return func(name string) (queue.Store, error) {
			return pgstore.New(pool, name), nil
		}, pool.Close, nil

	case config.DriverSQLite:
		db, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return func(name string) (queue.Store, error) {
			return sqlitestore.New(db, name), nil
		}, func() { _ = db.Close() }, nil

	case config.DriverRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, cfg.DBConnectionTimeout)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return func(name string) (queue.Store, error) {
			return redisstore.New(rdb, name), nil
		}, func() { _ = rdb.Close() }, nil

	case config.DriverMemory:
		logger.Warn("using in-memory store; messages are lost on restart")
		return func(string) (queue.Store, error) {
			return memory.New(), nil
		}, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
