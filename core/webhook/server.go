// Package webhook serves the shared HTTP endpoint that receives Telegram
// updates for every bot hosted by the process.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/m3rciful/callcenter-bots/core/buildinfo"
	"github.com/m3rciful/callcenter-bots/core/logger"
	"github.com/m3rciful/callcenter-bots/core/metrics"
	"github.com/m3rciful/callcenter-bots/core/telegram/netutil"

	tele "gopkg.in/telebot.v4"
)

// SecretHeader carries the secret token Telegram echoes on every webhook call.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxBody = 1 << 20

// Processor handles one decoded update.
type Processor interface {
	Process(ctx context.Context, upd tele.Update) error
}

// Options configures the HTTP server.
type Options struct {
	Listen          string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	// Secret, when set, must match SecretHeader on webhook requests.
	Secret string
	// Metrics serves /metrics; nil uses the default Prometheus registry.
	Metrics http.Handler
}

// Server routes POST /webhook/{bot} to the mounted processors.
type Server struct {
	opts   Options
	router chi.Router

	mu   sync.RWMutex
	bots map[string]Processor

	srv  *http.Server
	done chan error
}

// New builds the router. Bots are added with Mount.
func New(opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}

	s := &Server{opts: opts, bots: make(map[string]Processor)}
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))

	r.Post("/webhook/{bot}", s.handleUpdate)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		build := buildinfo.Current()
		writeJSON(w, http.StatusOK, response{OK: true, Build: &build, Bots: s.Bots()})
	})
	r.Method(http.MethodGet, "/metrics", opts.Metrics)
	s.router = r
	return s
}

// Mount exposes p under /webhook/<name>.
func (s *Server) Mount(name string, p Processor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bots[name] = p
}

// Bots lists the mounted bot names.
func (s *Server) Bots() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.bots))
	for name := range s.bots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the listen address and serves in the background. Bind errors
// are returned synchronously.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		logger.Error(ctx, "http", "listen", slog.String("listen", s.opts.Listen), logger.Err(err))
		return fmt.Errorf("webhook: listen %s: %w", s.opts.Listen, err)
	}
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.done = make(chan error, 1)
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	summary, _ := logger.SummarizeStrings(s.Bots(), 5)
	logger.Info(ctx, "http", "listen",
		slog.String("status", "ok"),
		slog.String("listen", ln.Addr().String()),
		slog.String("bots", summary),
	)
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones up to the
// configured grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	if serveErr := <-s.done; err == nil {
		err = serveErr
	}
	logger.Info(ctx, "http", "shutdown", slog.String("status", logger.Status(err)), logger.Err(err))
	return err
}

type response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Build *buildinfo.Info `json:"build,omitempty"`
	Bots  []string        `json:"bots,omitempty"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "bot")
	ctx := logger.WithBot(r.Context(), name)
	start := time.Now()

	code, err := s.serveUpdate(ctx, name, r)
	metrics.ObserveWebhook(name, code)

	attrs := []slog.Attr{
		slog.String("status", logger.Status(err)),
		slog.Int("http_code", code),
		slog.String("path", r.URL.Path),
		slog.Duration("duration", logger.Took(start)),
	}
	if err != nil {
		logger.Warn(ctx, "http", "webhook.update", append(attrs,
			slog.String("error_kind", netutil.Classify(err)),
			slog.String("err", netutil.Redact(err)),
		)...)
		writeJSON(w, code, response{Error: publicError(code)})
		return
	}
	logger.Debug(ctx, "http", "webhook.update", attrs...)
	writeJSON(w, code, response{OK: true})
}

func (s *Server) serveUpdate(ctx context.Context, name string, r *http.Request) (int, error) {
	s.mu.RLock()
	p, ok := s.bots[name]
	s.mu.RUnlock()
	if !ok {
		return http.StatusNotFound, fmt.Errorf("unknown bot %q", name)
	}
	if s.opts.Secret != "" && r.Header.Get(SecretHeader) != s.opts.Secret {
		return http.StatusUnauthorized, errors.New("secret token mismatch")
	}

	var upd tele.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&upd); err != nil {
		return http.StatusBadRequest, fmt.Errorf("decode update: %w", err)
	}
	if err := p.Process(ctx, upd); err != nil {
		return http.StatusInternalServerError, err
	}
	return http.StatusOK, nil
}

func publicError(code int) string {
	switch code {
	case http.StatusNotFound:
		return "unknown bot"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusBadRequest:
		return "invalid update"
	default:
		return "processing failed"
	}
}

func writeJSON(w http.ResponseWriter, code int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// requestID reuses X-Request-Id when present, otherwise mints a UUID, and
// stores it as the log rid.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		ctx = logger.WithRID(ctx, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
