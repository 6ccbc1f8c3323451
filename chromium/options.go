package chromium

import (
	"fmt"
	"time"
)

// Default values for LaunchOptions.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultScreenWidth  = 1280
	DefaultScreenHeight = 720
)

// Viewport represents a page viewport.
type Viewport struct {
	Width  int64 `yaml:"width"`
	Height int64 `yaml:"height"`
}

// Validate validates the viewport.
func (v Viewport) Validate() error {
	if v.Width <= 0 || v.Height <= 0 {
		return fmt.Errorf(`invalid viewport "%dx%d": precondition 0 < WIDTH, HEIGHT failed`, v.Width, v.Height)
	}
	return nil
}

// LaunchOptions controls how a browser process is started.
type LaunchOptions struct {
	Headless       bool
	ExecutablePath string
	// Args are extra command line flags in the "name" or "name=value" form.
	Args      []string
	NoSandbox bool
	// Timeout bounds every page operation whose context has no deadline.
	Timeout  time.Duration
	Viewport Viewport
	// TmpDir is where user data directories are created. Empty means the
	// system default.
	TmpDir string
}

// NewLaunchOptions returns the default launch options.
func NewLaunchOptions() LaunchOptions {
	return LaunchOptions{
		Headless: true,
		Timeout:  DefaultTimeout,
		Viewport: Viewport{Width: DefaultScreenWidth, Height: DefaultScreenHeight},
	}
}

// Validate validates the launch options.
func (o LaunchOptions) Validate() error {
	if o.Timeout <= 0 {
		return fmt.Errorf("invalid timeout %s: must be positive", o.Timeout)
	}
	if err := o.Viewport.Validate(); err != nil {
		return fmt.Errorf("validating viewport option: %w", err)
	}

	return nil
}
