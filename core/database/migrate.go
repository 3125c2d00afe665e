package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/m3rciful/callcenter-bots/core/logger"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies the embedded up migrations of the given dialect
// (DriverPostgres or DriverSQLite) to the database behind dbURL.
func Migrate(ctx context.Context, dialect, dbURL string) error {
	dir := "migrations/" + dialect
	files := listMigrationFiles(dir)
	if len(files) == 0 {
		return fmt.Errorf("no migrations for dialect %q", dialect)
	}
	preview, truncated := logger.SummarizeStrings(files, 6)
	logger.Debug(ctx, "db.migrate", "resolve",
		slog.String("db", dialect),
		slog.Int("count", len(files)),
		slog.String("files_preview", preview),
		slog.Bool("files_truncated", truncated),
	)

	src, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("migrations source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dbURL)
	if err != nil {
		logger.Error(ctx, "db.migrate", "init", logger.Err(err))
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Warn(ctx, "db.migrate", "close", logger.Err(errors.Join(srcErr, dbErr)))
		}
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			m.GracefulStop <- true
		case <-stop:
		}
	}()

	fromVer, _, _ := m.Version()
	start := time.Now()
	upErr := m.Up()
	took := logger.Took(start)
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		logger.Error(ctx, "db.migrate", "apply",
			slog.String("db", dialect),
			slog.Duration("duration", took),
			logger.Err(upErr),
		)
		return fmt.Errorf("migration execution failed: %w", upErr)
	}
	toVer, _, _ := m.Version()

	applied := selectApplied(files, uint64(fromVer), uint64(toVer))
	logger.Info(ctx, "db.migrate", "summary",
		slog.String("db", dialect),
		slog.Uint64("from_ver", uint64(fromVer)),
		slog.Uint64("to_ver", uint64(toVer)),
		slog.Int("count", len(applied)),
		slog.Duration("duration", took),
	)
	return nil
}

func listMigrationFiles(dir string) []string {
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func parseVersion(name string) uint64 {
	prefix, _, _ := strings.Cut(name, "_")
	v, _ := strconv.ParseUint(prefix, 10, 64)
	return v
}

func selectApplied(files []string, from, to uint64) []string {
	var out []string
	for _, f := range files {
		if v := parseVersion(f); v > from && v <= to {
			out = append(out, f)
		}
	}
	return out
}
