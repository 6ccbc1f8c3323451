package chromium

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"github.com/pkg/errors"

	"github.com/descoped/mcp-web-scraper/api"
	"github.com/descoped/mcp-web-scraper/log"
	"github.com/descoped/mcp-web-scraper/osext"
	"github.com/descoped/mcp-web-scraper/storage"
)

// Browser states.
const (
	BrowserStateOpen int64 = iota
	BrowserStateClosing
	BrowserStateClosed
)

const probeTimeout = 2 * time.Second

var _ api.Browser = &Browser{}

// Browser is a running Chrome process.
type Browser struct {
	id string

	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc

	userDataDir *storage.Dir
	opts        LaunchOptions

	state int64

	logger *log.Logger
}

func newBrowser(
	id string, browserCtx context.Context, browserCancel, allocCancel context.CancelFunc,
	dataDir *storage.Dir, opts LaunchOptions, logger *log.Logger,
) *Browser {
	return &Browser{
		id:            id,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		userDataDir:   dataDir,
		opts:          opts,
		state:         BrowserStateOpen,
		logger:        logger,
	}
}

// ID returns the browser id.
func (b *Browser) ID() string {
	return b.id
}

// NewPage opens a tab in a fresh, isolated browser context.
func (b *Browser) NewPage(ctx context.Context) (api.Page, error) {
	if atomic.LoadInt64(&b.state) != BrowserStateOpen {
		return nil, errors.Errorf("browser %s is closed", b.id)
	}

	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx, chromedp.WithNewBrowserContext())

	stop := context.AfterFunc(ctx, tabCancel)
	err := chromedp.Run(tabCtx, chromedp.EmulateViewport(b.opts.Viewport.Width, b.opts.Viewport.Height))
	stop()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		tabCancel()
		return nil, errors.Wrapf(err, "opening page in browser %s", b.id)
	}

	b.logger.Debugf("Browser:NewPage", "bid:%s", b.id)

	return newPage(tabCtx, tabCancel, b.opts.Timeout, b.logger), nil
}

// IsConnected reports whether the browser still answers protocol requests.
func (b *Browser) IsConnected(ctx context.Context) bool {
	if atomic.LoadInt64(&b.state) != BrowserStateOpen || b.browserCtx.Err() != nil {
		return false
	}
	c := chromedp.FromContext(b.browserCtx)
	if c == nil || c.Browser == nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	_, product, _, _, _, err := cdpbrowser.GetVersion().Do(cdp.WithExecutor(probeCtx, c.Browser))
	if err != nil {
		b.logger.Debugf("Browser:IsConnected", "bid:%s probe failed: %v", b.id, err)
		return false
	}
	b.logger.Tracef("Browser:IsConnected", "bid:%s product:%q", b.id, product)

	return true
}

// Close shuts down the browser process and removes its user data directory.
func (b *Browser) Close() error {
	if !atomic.CompareAndSwapInt64(&b.state, BrowserStateOpen, BrowserStateClosing) {
		b.logger.Debugf("Browser:Close", "bid:%s already in a closing state", b.id)
		return nil
	}
	defer atomic.StoreInt64(&b.state, BrowserStateClosed)

	b.logger.Debugf("Browser:Close", "bid:%s", b.id)

	// Cancel waits for the browser to exit gracefully.
	err := chromedp.Cancel(b.browserCtx)
	b.browserCancel()
	b.allocCancel()
	osext.Unregister(b.logger, b.id)

	if cerr := b.userDataDir.Cleanup(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrapf(err, "closing browser %s", b.id)
	}

	return nil
}
