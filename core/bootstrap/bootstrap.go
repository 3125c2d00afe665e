package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/m3rciful/callcenter-bots/core/cdr"
	coreconfig "github.com/m3rciful/callcenter-bots/core/config"
	coredatabase "github.com/m3rciful/callcenter-bots/core/database"
	"github.com/m3rciful/callcenter-bots/core/logger"
	"github.com/m3rciful/callcenter-bots/core/metrics"
	"github.com/m3rciful/callcenter-bots/core/store"
)

// dbReadyTimeout bounds the wait for PostgreSQL at startup.
const dbReadyTimeout = 30 * time.Second

// Options control the generic bootstrap pipeline shared between bots.
type Options struct {
	Config *coreconfig.Config

	LoggerInit func(*coreconfig.Config) error
	// Registerer receives the metrics collectors; nil uses the default registry.
	Registerer prometheus.Registerer
}

// Result exposes infrastructure initialized by the bootstrap pipeline.
type Result struct {
	Backend store.Backend
	// Redis is nil unless redis.addr is configured.
	Redis *redis.Client
	// Calls is nil unless cdr.base_url is configured.
	Calls cdr.Source
	// CDRCache backs Calls when cdr.cache_path is set.
	CDRCache *cdr.Cache
	// Stats is nil unless cdr.stats_url is configured.
	Stats *cdr.StatsSource

	closers []func() error
}

// Close releases database and redis connections.
func (r *Result) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	logger.Info(ctx, "app", "infra.close", slog.String("status", logger.Status(err)), logger.Err(err))
	return err
}

// Run initializes the logger and metrics, opens the config-store backend
// with its migrations, and prepares the vendor data sources.
func Run(ctx context.Context, opts Options) (*Result, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: nil config provided")
	}

	loggerInit := opts.LoggerInit
	if loggerInit == nil {
		loggerInit = logger.InitLogger
	}
	if err := loggerInit(cfg); err != nil {
		return nil, fmt.Errorf("bootstrap: logger init failed: %w", err)
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metrics.MustRegister(reg)

	res := &Result{}
	fail := func(err error) (*Result, error) {
		_ = res.Close(ctx)
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		client, err := openRedis(ctx, cfg.Redis)
		if err != nil {
			return fail(fmt.Errorf("bootstrap: redis: %w", err))
		}
		res.Redis = client
		res.closers = append(res.closers, client.Close)
	}

	backend, err := openBackend(ctx, cfg, res)
	if err != nil {
		return fail(fmt.Errorf("bootstrap: store: %w", err))
	}
	res.Backend = backend

	if cfg.CDR.BaseURL != "" {
		calls, err := openCalls(ctx, cfg.CDR, res)
		if err != nil {
			return fail(fmt.Errorf("bootstrap: cdr: %w", err))
		}
		res.Calls = calls
	}
	if cfg.CDR.StatsURL != "" {
		res.Stats = &cdr.StatsSource{
			URL:     cfg.CDR.StatsURL,
			Session: cfg.CDR.StatsSession,
			Timeout: cfg.CDR.Timeout,
		}
	}

	logger.Info(ctx, "app", "infra.ready",
		slog.String("status", "ok"),
		slog.String("backend", cfg.Store.Backend),
		slog.Bool("redis", res.Redis != nil),
		slog.Bool("cdr", res.Calls != nil),
		slog.Bool("stats", res.Stats != nil),
	)
	return res, nil
}

func openRedis(ctx context.Context, rc coreconfig.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	logger.Debug(ctx, "redis", "connect", slog.String("status", "ok"), slog.String("host", rc.Addr))
	return client, nil
}

func openBackend(ctx context.Context, cfg *coreconfig.Config, res *Result) (store.Backend, error) {
	switch cfg.Store.Backend {
	case coreconfig.StoreSQLite:
		path := cfg.Store.SQLitePath
		if err := coredatabase.Migrate(ctx, coredatabase.DriverSQLite, coredatabase.SQLiteURL(path)); err != nil {
			return nil, err
		}
		db, err := coredatabase.OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		res.closers = append(res.closers, db.Close)
		return store.NewSQLBackend(db), nil
	case coreconfig.StorePostgres:
		db, err := coredatabase.Connect(ctx, cfg.Database, dbReadyTimeout)
		if err != nil {
			return nil, err
		}
		res.closers = append(res.closers, db.Close)
		if err := coredatabase.Migrate(ctx, coredatabase.DriverPostgres, coredatabase.PostgresURL(cfg.Database)); err != nil {
			return nil, err
		}
		return store.NewSQLBackend(db), nil
	case coreconfig.StoreRedis:
		if res.Redis == nil {
			return nil, errors.New("redis backend selected without redis.addr")
		}
		return store.NewRedisBackend(res.Redis, cfg.Redis.Prefix), nil
	default:
		return store.NewFileBackend(cfg.Store.Dir)
	}
}

func openCalls(ctx context.Context, cc coreconfig.CDRConfig, res *Result) (cdr.Source, error) {
	upstream := cdr.NewHTTPSource(cc.BaseURL, cc.Key, cc.Secret, cc.Timeout)
	if cc.CachePath == "" {
		return upstream, nil
	}
	if err := coredatabase.Migrate(ctx, coredatabase.DriverSQLite, coredatabase.SQLiteURL(cc.CachePath)); err != nil {
		return nil, err
	}
	db, err := coredatabase.OpenSQLite(ctx, cc.CachePath)
	if err != nil {
		return nil, err
	}
	res.closers = append(res.closers, db.Close)
	res.CDRCache = cdr.NewCache(db)
	return &cdr.CachedSource{Upstream: upstream, Cache: res.CDRCache}, nil
}
