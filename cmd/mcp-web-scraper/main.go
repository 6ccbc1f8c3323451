package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/descoped/mcp-web-scraper/chromium"
	"github.com/descoped/mcp-web-scraper/config"
	"github.com/descoped/mcp-web-scraper/connection"
	"github.com/descoped/mcp-web-scraper/log"
	"github.com/descoped/mcp-web-scraper/osext"
	"github.com/descoped/mcp-web-scraper/otel"
	"github.com/descoped/mcp-web-scraper/pool"
	"github.com/descoped/mcp-web-scraper/ratelimit"
	"github.com/descoped/mcp-web-scraper/server"
	"github.com/descoped/mcp-web-scraper/session"
	"github.com/descoped/mcp-web-scraper/storage"
)

var version = "0.1.0"

type flags struct {
	configPath     string
	mode           string
	addr           string
	capacity       int
	logLevel       string
	debug          bool
	headless       bool
	executablePath string
	screenshotDir  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		osext.ForceProcessShutdown()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	rootCmd := &cobra.Command{
		Use:           "mcp-web-scraper",
		Short:         "MCP server for browser automation and web scraping",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	pf.StringVar(&f.mode, "mode", config.ModeStdio, "Serve MCP over 'stdio' or 'http'")
	pf.StringVar(&f.addr, "addr", "", "HTTP listen address")
	pf.IntVar(&f.capacity, "capacity", 0, "Maximum number of browsers")
	pf.StringVar(&f.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	pf.BoolVar(&f.debug, "debug", false, "Log debug messages regardless of the log level")
	pf.BoolVar(&f.headless, "headless", true, "Run browsers without a window")
	pf.StringVar(&f.executablePath, "executable-path", "", "Chrome executable to launch")
	pf.StringVar(&f.screenshotDir, "screenshot-dir", "", "Directory the screenshot tool may write to")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "config",
			Short: "Print the effective configuration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig(cmd, f)
				if err != nil {
					return err
				}
				out, err := yaml.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("encoding configuration: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err //nolint:wrapcheck
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "mcp-web-scraper version %s\n", version)
			},
		},
	)

	return rootCmd
}

// loadConfig applies the flags that were set on top of the file and
// environment configuration.
func loadConfig(cmd *cobra.Command, f flags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err //nolint:wrapcheck
	}

	changed := cmd.Flags().Changed
	if changed("mode") {
		cfg.Server.Mode = f.mode
	}
	if changed("addr") {
		cfg.Server.Addr = f.addr
	}
	if changed("capacity") {
		cfg.Pool.Capacity = f.capacity
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("debug") {
		cfg.Log.Debug = f.debug
	}
	if changed("headless") {
		cfg.Browser.Headless = f.headless
	}
	if changed("executable-path") {
		cfg.Browser.ExecutablePath = f.executablePath
	}
	if changed("screenshot-dir") {
		cfg.Server.ScreenshotDir = f.screenshotDir
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) (*log.Logger, error) {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if cfg.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	logger := log.New(l, cfg.Debug, nil)
	if err := logger.SetLevel(cfg.Level); err != nil {
		return nil, err //nolint:wrapcheck
	}
	if err := logger.SetCategoryFilter(cfg.CategoryFilter); err != nil {
		return nil, err //nolint:wrapcheck
	}
	return logger, nil
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	tp := otel.NewNoopProvider()
	if cfg.Tracing.Enabled {
		tp, err = otel.NewProvider(ctx, otel.ProviderOptions{
			Proto:          cfg.Tracing.Proto,
			Endpoint:       cfg.Tracing.Endpoint,
			Insecure:       cfg.Tracing.Insecure,
			Headers:        cfg.Tracing.Headers,
			SampleRatio:    cfg.Tracing.SampleRatio,
			ServiceVersion: version,
		})
		if err != nil {
			return fmt.Errorf("setting up tracing: %w", err)
		}
	}
	defer func() {
		if serr := tp.Shutdown(context.WithoutCancel(ctx)); serr != nil {
			logger.Warnf("main:run", "shutting down tracing: %v", serr)
		}
	}()

	launcher, err := chromium.NewBrowserType(cfg.LaunchOptions(), logger)
	if err != nil {
		return err //nolint:wrapcheck
	}
	rules, err := cfg.Rules()
	if err != nil {
		return err //nolint:wrapcheck
	}

	p := pool.New(launcher, cfg.PoolOptions(), logger)
	sessions := session.NewManager(p, cfg.SessionOptions(), logger)
	limiter := ratelimit.New(logger)
	if cfg.RateLimit.Enabled {
		for _, r := range rules {
			if err := limiter.AddRule(r); err != nil {
				return err //nolint:wrapcheck
			}
		}
	}
	conns := connection.NewManager(logger)

	deps := server.Deps{
		Pool:        p,
		Sessions:    sessions,
		Limiter:     limiter,
		Connections: conns,
		Tracer:      otel.NewTracer(logger, cfg.Tracing.Metadata),
	}
	if cfg.Server.ScreenshotDir != "" {
		deps.Persister = &storage.LocalFilePersister{BaseDir: cfg.Server.ScreenshotDir}
	}
	srv := server.New(deps, server.Options{
		Version:           version,
		Addr:              cfg.Server.Addr,
		MaxConnections:    cfg.Server.MaxConnections,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
	}, logger)

	go sessions.Run(ctx)
	go limiter.Run(ctx, cfg.RateLimit.PruneInterval)

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()

		srv.Drain()
		conns.CloseAll()
		cerr := errors.Join(sessions.CloseAll(shutdownCtx), p.Cleanup())
		limiter.Destroy()
		if cerr != nil {
			logger.Errorf("main:run", "shutting down: %v", cerr)
			osext.ForceProcessShutdown()
		}
	}()

	logger.Infof("main:run", "starting %s mode, pool capacity %d", cfg.Server.Mode, cfg.Pool.Capacity)
	if cfg.Server.Mode == config.ModeHTTP {
		return srv.ListenAndServe(ctx) //nolint:wrapcheck
	}
	return srv.ServeStdio(ctx, os.Stdin, os.Stdout) //nolint:wrapcheck
}
