package cdr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/m3rciful/callcenter-bots/core/logger"
	"github.com/m3rciful/callcenter-bots/core/telegram/netutil"
)

// CallsPath is the vendor export of outgoing calls, relative to BaseURL.
const CallsPath = "/stats/outgoing-calls-for-period.json"

// HTTPSource fetches calls from the vendor JSON export one interval at a time.
type HTTPSource struct {
	BaseURL string
	Key     string
	Secret  string
	// Timeout bounds one request; an expired deadline yields netutil.ErrTimeout.
	Timeout time.Duration
	Client  *http.Client
}

// NewHTTPSource returns a source with a default client.
func NewHTTPSource(baseURL, key, secret string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Key:     key,
		Secret:  secret,
		Timeout: timeout,
		Client:  &http.Client{},
	}
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context, from, to time.Time) ([]Row, error) {
	var rows []Row
	for _, start := range Intervals(from, to) {
		part, err := s.FetchInterval(ctx, start)
		if err != nil {
			return nil, err
		}
		rows = append(rows, part...)
	}
	rows = within(rows, from, to)
	sortRows(rows)
	return rows, nil
}

// FetchInterval requests the calls of one slot starting at start.
func (s *HTTPSource) FetchInterval(ctx context.Context, start time.Time) ([]Row, error) {
	begin := time.Now()
	rows, err := netutil.Do(ctx, s.Timeout, func(ctx context.Context) ([]Row, error) {
		return s.fetch(ctx, start, start.Add(IntervalLength))
	})
	attrs := []slog.Attr{
		slog.String("status", logger.Status(err)),
		slog.Time("from", start),
		slog.Int("rows", len(rows)),
		slog.Duration("duration", logger.Took(begin)),
	}
	if err != nil {
		logger.Warn(ctx, "cdr", "fetch", append(attrs,
			slog.String("error_kind", netutil.Classify(err)),
			logger.Err(err),
		)...)
		return nil, fmt.Errorf("cdr fetch %s: %w", start.Format("15:04"), err)
	}
	logger.Debug(ctx, "cdr", "fetch", attrs...)
	return rows, nil
}

type callsRequest struct {
	StartTime int64  `json:"startTime"`
	StopTime  int64  `json:"stopTime"`
	Key       string `json:"key"`
	Secret    string `json:"secret"`
}

type callsResponse struct {
	Status      string          `json:"status"`
	Message     string          `json:"message"`
	CallDetails json.RawMessage `json:"callDetails"`
}

type vendorCall struct {
	GeneralCallID flexInt `json:"generalCallID"`
	StartTime     flexInt `json:"startTime"`
	WaitSec       flexInt `json:"waitsec"`
	BillSec       flexInt `json:"billsec"`
	Disposition   string  `json:"disposition"`
	EmployeeData  struct {
		Name string `json:"name"`
	} `json:"employeeData"`
}

func (s *HTTPSource) fetch(ctx context.Context, from, to time.Time) ([]Row, error) {
	body, err := json.Marshal(callsRequest{
		StartTime: from.Unix(),
		StopTime:  to.Unix(),
		Key:       s.Key,
		Secret:    s.Secret,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+CallsPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status (%d)", resp.StatusCode)
	}
	var payload callsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode calls: %w", err)
	}
	if payload.Status != "success" {
		return nil, fmt.Errorf("vendor status %q: %s", payload.Status, payload.Message)
	}
	calls, err := decodeCalls(payload.CallDetails)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(calls))
	for _, c := range calls {
		rows = append(rows, Row{
			ID:          c.GeneralCallID.String(),
			Operator:    strings.TrimSpace(c.EmployeeData.Name),
			At:          time.Unix(int64(c.StartTime), 0).In(from.Location()),
			Disposition: strings.ToUpper(strings.TrimSpace(c.Disposition)),
			Duration:    time.Duration(c.BillSec) * time.Second,
			Wait:        time.Duration(c.WaitSec) * time.Second,
		})
	}
	return rows, nil
}

func (s *HTTPSource) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

// decodeCalls accepts callDetails both as an object keyed by call id and as
// an array; empty or null means no calls.
func decodeCalls(raw json.RawMessage) ([]vendorCall, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var list []vendorCall
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("decode call list: %w", err)
		}
		return list, nil
	}
	var byID map[string]vendorCall
	if err := json.Unmarshal(trimmed, &byID); err != nil {
		return nil, fmt.Errorf("decode call map: %w", err)
	}
	keys := make([]string, 0, len(byID))
	for k := range byID {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]vendorCall, 0, len(keys))
	for _, k := range keys {
		list = append(list, byID[k])
	}
	return list, nil
}

func sortRows(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].At.Before(rows[j].At) })
}

// flexInt decodes integers the vendor sends either as numbers or as strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", s)
	}
	*f = flexInt(v)
	return nil
}

func (f flexInt) String() string { return strconv.FormatInt(int64(f), 10) }
