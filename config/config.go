// Package config loads the server configuration from defaults, an optional
// YAML file and SCRAPER_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/guregu/null.v3"
	"gopkg.in/yaml.v3"

	"github.com/descoped/mcp-web-scraper/chromium"
	"github.com/descoped/mcp-web-scraper/pool"
	"github.com/descoped/mcp-web-scraper/ratelimit"
	"github.com/descoped/mcp-web-scraper/session"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SCRAPER"

// Server modes.
const (
	ModeStdio = "stdio"
	ModeHTTP  = "http"
)

// Config is the complete server configuration.
type Config struct {
	Log       LogConfig       `yaml:"log" envconfig:"log"`
	Browser   BrowserConfig   `yaml:"browser" envconfig:"browser"`
	Pool      PoolConfig      `yaml:"pool" envconfig:"pool"`
	Session   SessionConfig   `yaml:"session" envconfig:"session"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"rate_limit"`
	Server    ServerConfig    `yaml:"server" envconfig:"server"`
	Tracing   TracingConfig   `yaml:"tracing" envconfig:"tracing"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level string `yaml:"level" envconfig:"level"`
	// Format is text or json.
	Format         string `yaml:"format" envconfig:"format"`
	CategoryFilter string `yaml:"category_filter" envconfig:"category_filter"`
	Debug          bool   `yaml:"debug" envconfig:"debug"`
}

// BrowserConfig configures browser processes.
type BrowserConfig struct {
	Headless       bool              `yaml:"headless" envconfig:"headless"`
	ExecutablePath string            `yaml:"executable_path" envconfig:"executable_path"`
	Args           []string          `yaml:"args" envconfig:"args"`
	NoSandbox      bool              `yaml:"no_sandbox" envconfig:"no_sandbox"`
	Timeout        time.Duration     `yaml:"timeout" envconfig:"timeout"`
	Viewport       chromium.Viewport `yaml:"viewport" envconfig:"viewport"`
	TmpDir         string            `yaml:"tmp_dir" envconfig:"tmp_dir"`
}

// PoolConfig configures the browser pool.
type PoolConfig struct {
	Capacity           int           `yaml:"capacity" envconfig:"capacity"`
	AcquireTimeout     time.Duration `yaml:"acquire_timeout" envconfig:"acquire_timeout"`
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout" envconfig:"health_check_timeout"`
}

// SessionConfig configures session eviction.
type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout" envconfig:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval" envconfig:"sweep_interval"`
	// ForgetAfter is how long ids of ended sessions are refused.
	ForgetAfter time.Duration `yaml:"forget_after" envconfig:"forget_after"`
}

// RateLimitConfig configures request admission.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"enabled"`
	// PruneInterval is how often expired counters are dropped.
	PruneInterval time.Duration `yaml:"prune_interval" envconfig:"prune_interval"`
	// Rules are only read from the file.
	Rules []RuleConfig `yaml:"rules" ignored:"true"`
}

// RuleConfig is the file form of a ratelimit.Rule.
type RuleConfig struct {
	Name          string        `yaml:"name"`
	Scope         string        `yaml:"scope"`
	Window        time.Duration `yaml:"window"`
	Limit         int           `yaml:"limit"`
	Burst         *int          `yaml:"burst,omitempty"`
	MaxConcurrent int           `yaml:"max_concurrent,omitempty"`
	Tool          string        `yaml:"tool,omitempty"`
}

// Rule converts rc into a rate limit rule.
func (rc RuleConfig) Rule() (ratelimit.Rule, error) {
	scope, err := ratelimit.ParseScope(rc.Scope)
	if err != nil {
		return ratelimit.Rule{}, fmt.Errorf("rule %q: %w", rc.Name, err)
	}
	r := ratelimit.Rule{
		Name:          rc.Name,
		Scope:         scope,
		Window:        rc.Window,
		Limit:         rc.Limit,
		MaxConcurrent: rc.MaxConcurrent,
		Tool:          rc.Tool,
	}
	if rc.Burst != nil {
		r.Burst = null.IntFrom(int64(*rc.Burst))
	}
	if err := r.Validate(); err != nil {
		return ratelimit.Rule{}, err //nolint:wrapcheck
	}
	return r, nil
}

// ServerConfig configures the client facing surfaces.
type ServerConfig struct {
	// Mode is stdio or http.
	Mode string `yaml:"mode" envconfig:"mode"`
	Addr string `yaml:"addr" envconfig:"addr"`
	// MaxConnections caps simultaneous HTTP connections. Zero is unlimited.
	MaxConnections int `yaml:"max_connections" envconfig:"max_connections"`
	// ScreenshotDir is where the screenshot tool may write files. Empty
	// disables writing screenshots to disk.
	ScreenshotDir   string        `yaml:"screenshot_dir" envconfig:"screenshot_dir"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"shutdown_timeout"`
	// TrustProxyHeaders takes the client IP used by ip rate limit rules
	// from X-Forwarded-For and X-Real-IP. Off unless a trusted proxy sets
	// those headers.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" envconfig:"trust_proxy_headers"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled  bool              `yaml:"enabled" envconfig:"enabled"`
	Proto    string            `yaml:"proto" envconfig:"proto"`
	Endpoint string            `yaml:"endpoint" envconfig:"endpoint"`
	Insecure bool              `yaml:"insecure" envconfig:"insecure"`
	Headers  map[string]string `yaml:"headers" envconfig:"headers"`
	// SampleRatio is the fraction of tool calls traced, from 0 to 1.
	SampleRatio float64 `yaml:"sample_ratio" envconfig:"sample_ratio"`
	// Metadata is attached to every span.
	Metadata map[string]string `yaml:"metadata" envconfig:"metadata"`
}

func intPtr(i int) *int { return &i }

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	lo := chromium.NewLaunchOptions()
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Browser: BrowserConfig{
			Headless: lo.Headless,
			Timeout:  lo.Timeout,
			Viewport: lo.Viewport,
		},
		Pool: PoolConfig{
			Capacity:           pool.DefaultCapacity,
			AcquireTimeout:     pool.DefaultAcquireTimeout,
			HealthCheckTimeout: pool.DefaultHealthCheckTimeout,
		},
		Session: SessionConfig{
			IdleTimeout:   session.DefaultIdleTimeout,
			SweepInterval: session.DefaultSweepInterval,
			ForgetAfter:   session.DefaultForgetAfter,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			PruneInterval: time.Minute,
			Rules: []RuleConfig{
				{Name: "global", Scope: "global", Window: time.Minute, Limit: 600},
				{Name: "per-connection", Scope: "connection", Window: time.Minute, Limit: 120, MaxConcurrent: 10},
				{Name: "screenshot", Scope: "tool_connection", Tool: "screenshot", Window: time.Minute, Limit: 20, Burst: intPtr(5)},
			},
		},
		Server: ServerConfig{
			Mode:            ModeStdio,
			Addr:            "127.0.0.1:8931",
			ShutdownTimeout: 10 * time.Second,
		},
		Tracing: TracingConfig{Proto: "http", Endpoint: "localhost:4318", SampleRatio: 1},
	}
}

// Load returns the defaults overridden by the YAML file at path, if path
// is not empty, and then by the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %q: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("reading environment: %w", err)
	}

	return cfg, nil
}

// Validate reports every problem found in c.
func (c Config) Validate() error {
	var errs []error

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: must be text or json", c.Log.Format))
	}
	if c.Pool.Capacity < 1 {
		errs = append(errs, fmt.Errorf("pool.capacity %d: must be at least 1", c.Pool.Capacity))
	}
	if c.Pool.AcquireTimeout <= 0 {
		errs = append(errs, errors.New("pool.acquire_timeout: must be positive"))
	}
	if c.Session.IdleTimeout <= 0 || c.Session.SweepInterval <= 0 || c.Session.ForgetAfter <= 0 {
		errs = append(errs, errors.New("session: idle_timeout, sweep_interval and forget_after must be positive"))
	}
	if err := c.LaunchOptions().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("browser: %w", err))
	}

	names := make(map[string]bool, len(c.RateLimit.Rules))
	for _, rc := range c.RateLimit.Rules {
		if names[rc.Name] {
			errs = append(errs, fmt.Errorf("rate_limit: duplicate rule %q", rc.Name))
		}
		names[rc.Name] = true
		if _, err := rc.Rule(); err != nil {
			errs = append(errs, fmt.Errorf("rate_limit: %w", err))
		}
	}

	switch c.Server.Mode {
	case ModeStdio, ModeHTTP:
	default:
		errs = append(errs, fmt.Errorf("server.mode %q: must be %s or %s", c.Server.Mode, ModeStdio, ModeHTTP))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections: must not be negative"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio %v: must be between 0 and 1", c.Tracing.SampleRatio))
	}

	return errors.Join(errs...)
}

// LaunchOptions returns the browser launch options.
func (c Config) LaunchOptions() chromium.LaunchOptions {
	return chromium.LaunchOptions{
		Headless:       c.Browser.Headless,
		ExecutablePath: c.Browser.ExecutablePath,
		Args:           c.Browser.Args,
		NoSandbox:      c.Browser.NoSandbox,
		Timeout:        c.Browser.Timeout,
		Viewport:       c.Browser.Viewport,
		TmpDir:         c.Browser.TmpDir,
	}
}

// PoolOptions returns the browser pool options.
func (c Config) PoolOptions() pool.Options {
	return pool.Options{
		Capacity:           c.Pool.Capacity,
		AcquireTimeout:     c.Pool.AcquireTimeout,
		HealthCheckTimeout: c.Pool.HealthCheckTimeout,
	}
}

// SessionOptions returns the session manager options.
func (c Config) SessionOptions() session.Options {
	return session.Options{
		IdleTimeout:    c.Session.IdleTimeout,
		SweepInterval:  c.Session.SweepInterval,
		AcquireTimeout: c.Pool.AcquireTimeout,
		ForgetAfter:    c.Session.ForgetAfter,
	}
}

// Rules returns the configured rate limit rules.
func (c Config) Rules() ([]ratelimit.Rule, error) {
	rules := make([]ratelimit.Rule, 0, len(c.RateLimit.Rules))
	for _, rc := range c.RateLimit.Rules {
		r, err := rc.Rule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}
