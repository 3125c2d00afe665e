package cdr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/m3rciful/callcenter-bots/core/logger"
	"github.com/m3rciful/callcenter-bots/core/telegram/netutil"
)

// ProjectStats is one project line of an operator snapshot.
type ProjectStats struct {
	Name          string  `json:"name"`
	UpsellPercent float64 `json:"upsell_percent"`
	AvgCheck      float64 `json:"avg_check"`
	Orders        int     `json:"orders"`
}

// OperatorStats is the sales snapshot of one operator.
type OperatorStats struct {
	Initials      string         `json:"initials"`
	OrdersTotal   int            `json:"orders_total"`
	UpsellPercent float64        `json:"upsell_percent"`
	AvgCheck      float64        `json:"avg_check"`
	Speed         float64        `json:"speed"`
	Projects      []ProjectStats `json:"projects"`
}

// Snapshot maps upper-case initials to operator statistics.
type Snapshot struct {
	TakenAt   time.Time                `json:"taken_at"`
	Operators map[string]OperatorStats `json:"operators"`
}

// Initials returns the snapshot keys in sorted order.
func (s Snapshot) Initials() []string {
	out := make([]string, 0, len(s.Operators))
	for k := range s.Operators {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// StatsSource downloads the operator statistics export.
type StatsSource struct {
	URL string
	// Session is sent as the session_id cookie.
	Session string
	Timeout time.Duration
	Client  *http.Client
}

type statsPayload struct {
	UserStats []struct {
		UserData struct {
			Identifier string `json:"identifier"`
		} `json:"user_data"`
		GeneralStats  statsBlock            `json:"general_stats"`
		OrdersPerHour float64               `json:"orders_per_hour"`
		Projects      map[string]statsBlock `json:"projects"`
	} `json:"user_stats"`
}

type statsBlock struct {
	OrdersTotal   int     `json:"orders_total"`
	ResalePercent float64 `json:"orders_with_resale_percent"`
	AvgCheck      float64 `json:"avg_check"`
}

// Fetch downloads and normalises the current snapshot.
func (s *StatsSource) Fetch(ctx context.Context) (Snapshot, error) {
	start := time.Now()
	snap, err := netutil.Do(ctx, s.Timeout, s.fetch)
	attrs := []slog.Attr{
		slog.String("status", logger.Status(err)),
		slog.Int("count", len(snap.Operators)),
		slog.Duration("duration", logger.Took(start)),
	}
	if err != nil {
		logger.Warn(ctx, "cdr", "stats.fetch", append(attrs,
			slog.String("error_kind", netutil.Classify(err)),
			logger.Err(err),
		)...)
		return Snapshot{}, fmt.Errorf("stats fetch: %w", err)
	}
	logger.Info(ctx, "cdr", "stats.fetch", attrs...)
	return snap, nil
}

func (s *StatsSource) fetch(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return Snapshot{}, err
	}
	req.Header.Set("Accept", "application/json")
	if s.Session != "" {
		req.AddCookie(&http.Cookie{Name: "session_id", Value: s.Session})
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Snapshot{}, fmt.Errorf("unexpected status (%d)", resp.StatusCode)
	}
	var payload statsPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Snapshot{}, fmt.Errorf("decode stats: %w", err)
	}
	return normalize(payload, time.Now()), nil
}

func normalize(p statsPayload, at time.Time) Snapshot {
	snap := Snapshot{TakenAt: at, Operators: make(map[string]OperatorStats, len(p.UserStats))}
	for _, u := range p.UserStats {
		initials := strings.ToUpper(strings.TrimSpace(u.UserData.Identifier))
		if initials == "" {
			continue
		}
		op := OperatorStats{
			Initials:      initials,
			OrdersTotal:   u.GeneralStats.OrdersTotal,
			UpsellPercent: u.GeneralStats.ResalePercent,
			AvgCheck:      u.GeneralStats.AvgCheck,
			Speed:         u.OrdersPerHour,
		}
		for name, ps := range u.Projects {
			op.Projects = append(op.Projects, ProjectStats{
				Name:          name,
				UpsellPercent: ps.ResalePercent,
				AvgCheck:      ps.AvgCheck,
				Orders:        ps.OrdersTotal,
			})
		}
		sort.Slice(op.Projects, func(i, j int) bool { return op.Projects[i].Name < op.Projects[j].Name })
		snap.Operators[initials] = op
	}
	return snap
}
