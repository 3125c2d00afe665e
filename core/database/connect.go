package database

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	coreconfig "github.com/m3rciful/callcenter-bots/core/config"
	"github.com/m3rciful/callcenter-bots/core/logger"
)

// Driver names as registered with database/sql.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Connect opens PostgreSQL, waiting up to readyTimeout for the server to
// accept connections, and configures the pool.
func Connect(ctx context.Context, cfg coreconfig.DatabaseConfig, readyTimeout time.Duration) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"user=%s password=%s host=%s port=%s dbname=%s sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, cfg.SSLMode,
	)
	attrs := []slog.Attr{
		slog.String("db", cfg.Name),
		slog.String("host", cfg.Host),
		slog.String("port", cfg.Port),
	}

	start := time.Now()
	db, err := waitReady(ctx, DriverPostgres, dsn, readyTimeout)
	if err != nil {
		logger.Error(ctx, "db", "db.connect", append(attrs,
			slog.Duration("duration", logger.Took(start)),
			logger.Err(err),
		)...)
		return nil, fmt.Errorf("db connect: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections)
	logger.Info(ctx, "db", "db.connect", append(attrs,
		slog.String("status", "ok"),
		slog.Int("pool_open", cfg.MaxConnections),
		slog.Duration("duration", logger.Took(start)),
	)...)
	return db, nil
}

// PostgresURL renders cfg as a URL understood by golang-migrate.
func PostgresURL(cfg coreconfig.DatabaseConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     cfg.Host + ":" + cfg.Port,
		Path:     "/" + cfg.Name,
		RawQuery: "sslmode=" + url.QueryEscape(cfg.SSLMode),
	}
	return u.String()
}

// OpenSQLite opens (creating if needed) an SQLite database file.
// SQLite allows one writer, so the pool is capped at a single connection.
func OpenSQLite(ctx context.Context, path string) (*sqlx.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
	}
	db, err := sqlx.ConnectContext(ctx, DriverSQLite, path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("sqlite open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	logger.Debug(ctx, "db", "db.connect",
		slog.String("status", "ok"),
		slog.String("db", path),
		slog.String("backend", DriverSQLite),
	)
	return db, nil
}

// SQLiteURL renders path as a URL understood by golang-migrate.
func SQLiteURL(path string) string {
	return "sqlite://" + path
}

func waitReady(ctx context.Context, driver, dsn string, timeout time.Duration) (*sqlx.DB, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		db, err := sqlx.ConnectContext(ctx, driver, dsn)
		if err == nil {
			return db, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("database not ready after %s: %w", timeout, err)
		case <-ticker.C:
		}
	}
}
