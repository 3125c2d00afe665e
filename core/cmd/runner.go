package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m3rciful/callcenter-bots/core/bootstrap"
	"github.com/m3rciful/callcenter-bots/core/buildinfo"
	coreconfig "github.com/m3rciful/callcenter-bots/core/config"
	"github.com/m3rciful/callcenter-bots/core/logger"
)

// Options describe how to load configuration and which bots to host.
type Options struct {
	ConfigEnvVar      string
	DefaultConfigPath string

	LoadConfig func(path string) (*coreconfig.Config, error)
	Modules    []bootstrap.Module

	// Bootstrap overrides the infrastructure pipeline, mainly for tests.
	Bootstrap      func(ctx context.Context, cfg *coreconfig.Config) (*bootstrap.Result, error)
	ShutdownLogger func() error
}

// Run loads configuration, bootstraps infrastructure, hosts every enabled
// bot until SIGINT or SIGTERM and then shuts everything down in order.
func Run(opts Options) error {
	if len(opts.Modules) == 0 {
		return fmt.Errorf("cmd: no bot modules provided")
	}
	load := opts.LoadConfig
	if load == nil {
		load = coreconfig.Load
	}

	env := opts.ConfigEnvVar
	if env == "" {
		env = "CONFIG_PATH"
	}
	cfgPath := os.Getenv(env)
	if cfgPath == "" {
		cfgPath = opts.DefaultConfigPath
	}
	if cfgPath == "" {
		return fmt.Errorf("cmd: config path not provided via %s or DefaultConfigPath", env)
	}

	log.Printf("loading config: %s", cfgPath)
	cfg, err := load(cfgPath)
	if err != nil {
		return fmt.Errorf("cmd: failed to load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	boot := opts.Bootstrap
	if boot == nil {
		boot = func(ctx context.Context, cfg *coreconfig.Config) (*bootstrap.Result, error) {
			return bootstrap.Run(ctx, bootstrap.Options{Config: cfg})
		}
	}
	startedAt := time.Now()
	infra, err := boot(ctx, cfg)
	if err != nil {
		return fmt.Errorf("cmd: bootstrap failed: %w", err)
	}

	shutdownLogger := opts.ShutdownLogger
	if shutdownLogger == nil {
		shutdownLogger = logger.Shutdown
	}
	defer func() {
		if err := shutdownLogger(); err != nil {
			log.Printf("logger shutdown error: %v", err)
		}
	}()

	app, err := newApp(ctx, cfg, infra, opts.Modules)
	if err != nil {
		_ = infra.Close(context.Background())
		return fmt.Errorf("cmd: %w", err)
	}
	if err := app.start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		app.stop(stopCtx)
		stopCancel()
		_ = infra.Close(context.Background())
		return fmt.Errorf("cmd: %w", err)
	}

	logger.Info(ctx, "app", "ready",
		slog.String("status", "ok"),
		slog.String("version", buildinfo.Version),
		slog.String("mode", cfg.RunMode),
		slog.Int("count", len(app.bots)),
		slog.Duration("duration", logger.Took(startedAt)),
	)

	<-ctx.Done()
	logger.Info(context.Background(), "app", "shutdown", slog.String("cause", "signal"))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer stopCancel()
	app.stop(stopCtx)
	return infra.Close(stopCtx)
}
