// Package chromium launches and drives Chrome browser processes through the
// DevTools protocol.
package chromium

import (
	"context"
	"strings"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/descoped/mcp-web-scraper/api"
	"github.com/descoped/mcp-web-scraper/log"
	"github.com/descoped/mcp-web-scraper/osext"
	"github.com/descoped/mcp-web-scraper/storage"
)

var _ api.Launcher = &BrowserType{}

// BrowserType launches local Chrome processes.
type BrowserType struct {
	opts   LaunchOptions
	logger *log.Logger
}

// NewBrowserType returns a launcher using opts.
func NewBrowserType(opts LaunchOptions, logger *log.Logger) (*BrowserType, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid launch options")
	}
	return &BrowserType{opts: opts, logger: logger}, nil
}

// Name returns the browser type name.
func (b *BrowserType) Name() string {
	return "chromium"
}

// Launch starts a new browser process. ctx bounds the start only: the
// process lives until Close is called on the returned browser.
func (b *BrowserType) Launch(ctx context.Context) (api.Browser, error) {
	id := uuid.NewString()

	dataDir := &storage.Dir{}
	if err := dataDir.Make(b.opts.TmpDir, ""); err != nil {
		return nil, errors.Wrap(err, "launching browser")
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(
		context.WithoutCancel(ctx), b.allocatorOptions(dataDir.Dir)...,
	)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			b.logger.Debugf("Browser:cdp", format, args...)
		}),
		chromedp.WithErrorf(func(format string, args ...any) {
			b.logger.Errorf("Browser:cdp", format, args...)
		}),
	)

	fail := func(err error) (api.Browser, error) {
		browserCancel()
		allocCancel()
		if cerr := dataDir.Cleanup(); cerr != nil {
			b.logger.Errorf("Browser:launch", "bid:%s cleaning up: %v", id, cerr)
		}
		return nil, errors.Wrap(err, "launching browser")
	}

	// Cancel the start if ctx is done before the browser is up.
	stop := context.AfterFunc(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	stop()
	if err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	c := chromedp.FromContext(browserCtx)
	if c != nil && c.Browser != nil {
		if p := c.Browser.Process(); p != nil {
			osext.Register(b.logger, id, p.Pid)
		}
	}

	b.logger.Debugf("Browser:launch", "bid:%s dataDir:%q", id, dataDir.Dir)

	return newBrowser(id, browserCtx, browserCancel, allocCancel, dataDir, b.opts, b.logger), nil
}

func (b *BrowserType) allocatorOptions(userDataDir string) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.UserDataDir(userDataDir),
		chromedp.WindowSize(int(b.opts.Viewport.Width), int(b.opts.Viewport.Height)),
		chromedp.Flag("headless", b.opts.Headless),
	)
	if b.opts.ExecutablePath != "" {
		opts = append(opts, chromedp.ExecPath(b.opts.ExecutablePath))
	}
	if b.opts.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	for _, arg := range b.opts.Args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !hasValue {
			opts = append(opts, chromedp.Flag(name, true))
			continue
		}
		opts = append(opts, chromedp.Flag(name, value))
	}

	return opts
}
