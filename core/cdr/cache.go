package cdr

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/callcenter-bots/core/logger"
)

// Cache keeps the rows of closed intervals in the cdr_intervals table.
type Cache struct {
	db *sqlx.DB
}

// NewCache wraps a migrated SQLite database.
func NewCache(db *sqlx.DB) *Cache {
	return &Cache{db: db}
}

// Get returns the cached rows of the slot starting at start.
func (c *Cache) Get(ctx context.Context, start time.Time) ([]Row, bool, error) {
	var data string
	err := c.db.GetContext(ctx, &data, `SELECT rows_json FROM cdr_intervals WHERE start_at = ?`, start.Unix())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cdr cache get: %w", err)
	}
	var rows []Row
	if err := json.Unmarshal([]byte(data), &rows); err != nil {
		return nil, false, fmt.Errorf("cdr cache decode: %w", err)
	}
	for i := range rows {
		rows[i].At = rows[i].At.In(start.Location())
	}
	return rows, true, nil
}

// Put stores rows for the slot starting at start, replacing older content.
func (c *Cache) Put(ctx context.Context, start time.Time, rows []Row) error {
	if rows == nil {
		rows = []Row{}
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO cdr_intervals (start_at, rows_json, fetched_at) VALUES (?, ?, ?)
		ON CONFLICT (start_at) DO UPDATE SET rows_json = excluded.rows_json, fetched_at = excluded.fetched_at`,
		start.Unix(), string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("cdr cache put: %w", err)
	}
	return nil
}

// Prune removes slots that started before cutoff.
func (c *Cache) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM cdr_intervals WHERE start_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("cdr cache prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// IntervalFetcher fetches a single slot.
type IntervalFetcher interface {
	FetchInterval(ctx context.Context, start time.Time) ([]Row, error)
}

// CachedSource serves closed slots from the cache and fetches the rest.
// A slot is closed once its end is in the past; only closed slots are stored.
type CachedSource struct {
	Upstream IntervalFetcher
	Cache    *Cache
	Now      func() time.Time
}

// Fetch implements Source.
func (s *CachedSource) Fetch(ctx context.Context, from, to time.Time) ([]Row, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	var (
		rows       []Row
		hits, miss int
	)
	for _, start := range Intervals(from, to) {
		closed := !start.Add(IntervalLength).After(now())
		if closed && s.Cache != nil {
			cached, ok, err := s.Cache.Get(ctx, start)
			if err != nil {
				logger.Warn(ctx, "cdr", "cache.get", logger.Err(err))
			}
			if ok {
				hits++
				rows = append(rows, cached...)
				continue
			}
		}
		miss++
		part, err := s.Upstream.FetchInterval(ctx, start)
		if err != nil {
			return nil, err
		}
		if closed && s.Cache != nil {
			if err := s.Cache.Put(ctx, start, part); err != nil {
				logger.Warn(ctx, "cdr", "cache.put", logger.Err(err))
			}
		}
		rows = append(rows, part...)
	}
	rows = within(rows, from, to)
	sortRows(rows)
	logger.Debug(ctx, "cdr", "fetch.range",
		slog.String("status", "ok"),
		slog.Int("rows", len(rows)),
		slog.Int("hits", hits),
		slog.Int("misses", miss),
	)
	return rows, nil
}
