// Package linelog records matching chat lines into one CSV file per day
// and reads them back for reports.
package linelog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"html"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/m3rciful/callcenter-bots/core/logger"
)

const (
	dayLayout  = "2006-01-02"
	timeLayout = "2006-01-02 15:04:05"
	fileExt    = ".csv"
)

var header = []string{"timestamp", "chat_id", "user_id", "message"}

// Line is one recorded chat message.
type Line struct {
	At       time.Time
	ChatID   int64
	SenderID int64
	Text     string
}

// Options configures a Recorder.
type Options struct {
	Dir string
	// Filter selects lines worth recording; nil records everything.
	Filter   *regexp.Regexp
	Location *time.Location
}

// Recorder appends lines to <dir>/YYYY-MM-DD.csv, the day taken in Location.
type Recorder struct {
	dir    string
	filter *regexp.Regexp
	loc    *time.Location
	mu     sync.Mutex
}

// New creates the directory if needed.
func New(opts Options) (*Recorder, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("linelog: dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("linelog: create dir: %w", err)
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return &Recorder{dir: opts.Dir, filter: opts.Filter, loc: loc}, nil
}

// Record appends l when its text matches the filter and reports whether it
// was written. The text is stored HTML-escaped.
func (r *Recorder) Record(ctx context.Context, l Line) (bool, error) {
	if strings.TrimSpace(l.Text) == "" {
		return false, nil
	}
	if r.filter != nil && !r.filter.MatchString(l.Text) {
		return false, nil
	}
	at := l.At.In(r.loc)
	path := r.dayPath(at)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := appendRow(path, []string{
		at.Format(timeLayout),
		strconv.FormatInt(l.ChatID, 10),
		strconv.FormatInt(l.SenderID, 10),
		html.EscapeString(l.Text),
	}); err != nil {
		logger.Error(ctx, "linelog", "record", slog.String("file", filepath.Base(path)), logger.Err(err))
		return false, fmt.Errorf("linelog: append %s: %w", filepath.Base(path), err)
	}
	logger.Debug(ctx, "linelog", "record",
		slog.String("status", "ok"),
		slog.String("file", filepath.Base(path)),
		slog.Int64("chat_id", l.ChatID),
	)
	return true, nil
}

func appendRow(path string, row []string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w := csv.NewWriter(f)
	if info.Size() == 0 {
		_ = w.Write(header)
	}
	_ = w.Write(row)
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadDay returns the lines recorded on the day of t. A missing file is an
// empty day. Malformed rows are skipped.
func (r *Recorder) ReadDay(ctx context.Context, t time.Time) ([]Line, error) {
	path := r.dayPath(t.In(r.loc))
	r.mu.Lock()
	f, err := os.Open(path)
	r.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("linelog: open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	lines, skipped, err := r.parse(f)
	if err != nil {
		return nil, fmt.Errorf("linelog: read %s: %w", filepath.Base(path), err)
	}
	if skipped > 0 {
		logger.Warn(ctx, "linelog", "read.skip",
			slog.String("file", filepath.Base(path)),
			slog.Int("count", skipped),
		)
	}
	return lines, nil
}

func (r *Recorder) parse(src io.Reader) ([]Line, int, error) {
	rd := csv.NewReader(src)
	rd.FieldsPerRecord = -1
	var (
		lines   []Line
		skipped int
	)
	for {
		rec, err := rd.Read()
		if errors.Is(err, io.EOF) {
			return lines, skipped, nil
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			skipped++
			continue
		}
		if err != nil {
			return nil, skipped, err
		}
		if len(rec) != len(header) || rec[0] == header[0] {
			if rec[0] != header[0] {
				skipped++
			}
			continue
		}
		l, ok := r.parseRow(rec)
		if !ok {
			skipped++
			continue
		}
		lines = append(lines, l)
	}
}

func (r *Recorder) parseRow(rec []string) (Line, bool) {
	at, err := time.ParseInLocation(timeLayout, rec[0], r.loc)
	if err != nil {
		return Line{}, false
	}
	chatID, err := strconv.ParseInt(rec[1], 10, 64)
	if err != nil {
		return Line{}, false
	}
	// Unknown senders were stored as "unknown".
	senderID, _ := strconv.ParseInt(rec[2], 10, 64)
	return Line{At: at, ChatID: chatID, SenderID: senderID, Text: html.UnescapeString(rec[3])}, true
}

// ReadDays returns the lines of the last days days, today included, oldest first.
func (r *Recorder) ReadDays(ctx context.Context, now time.Time, days int) ([]Line, error) {
	if days <= 0 {
		return nil, nil
	}
	now = now.In(r.loc)
	return r.ReadRange(ctx, now.AddDate(0, 0, -(days-1)), now)
}

// ReadRange returns the lines of every day file from the day of from to the
// day of to, oldest first.
func (r *Recorder) ReadRange(ctx context.Context, from, to time.Time) ([]Line, error) {
	from, to = startOfDay(from.In(r.loc)), startOfDay(to.In(r.loc))
	var all []Line
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		lines, err := r.ReadDay(ctx, day)
		if err != nil {
			return nil, err
		}
		all = append(all, lines...)
	}
	return all, nil
}

// Cleanup removes day files older than keepDays before now and returns
// how many were removed. Files with other names are left alone.
func (r *Recorder) Cleanup(ctx context.Context, now time.Time, keepDays int) (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, fmt.Errorf("linelog: list: %w", err)
	}
	cutoff := startOfDay(now.In(r.loc)).AddDate(0, 0, -keepDays)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		day, err := time.ParseInLocation(dayLayout, strings.TrimSuffix(name, fileExt), r.loc)
		if err != nil || !day.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(r.dir, name)); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	logger.Info(ctx, "linelog", "cleanup",
		slog.String("status", logger.Status(errors.Join(errs...))),
		slog.Int("count", removed),
		slog.Int("keep_days", keepDays),
	)
	return removed, errors.Join(errs...)
}

// Days lists the dates that have a file, oldest first.
func (r *Recorder) Days() ([]time.Time, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("linelog: list: %w", err)
	}
	var days []time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		if day, err := time.ParseInLocation(dayLayout, strings.TrimSuffix(e.Name(), fileExt), r.loc); err == nil {
			days = append(days, day)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

func (r *Recorder) dayPath(t time.Time) string {
	return filepath.Join(r.dir, t.Format(dayLayout)+fileExt)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
