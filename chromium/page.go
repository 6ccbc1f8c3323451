package chromium

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/pkg/errors"

	"github.com/descoped/mcp-web-scraper/api"
	"github.com/descoped/mcp-web-scraper/log"
)

const textContentJS = `document.body ? document.body.innerText : ""`

var _ api.Page = &Page{}

// Page is a single tab.
type Page struct {
	tabCtx    context.Context
	tabCancel context.CancelFunc
	timeout   time.Duration

	mu  sync.RWMutex
	url string

	logger *log.Logger
}

func newPage(tabCtx context.Context, tabCancel context.CancelFunc, timeout time.Duration, logger *log.Logger) *Page {
	return &Page{
		tabCtx:    tabCtx,
		tabCancel: tabCancel,
		timeout:   timeout,
		url:       "about:blank",
		logger:    logger,
	}
}

// run executes actions on the tab. The tab outlives ctx, so only the
// actions are bound to it.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.tabCtx)
	defer cancel()
	if _, ok := ctx.Deadline(); !ok {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(runCtx, p.timeout)
		defer tcancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Navigate loads url and returns the URL the page ended up on.
func (p *Page) Navigate(ctx context.Context, url string) (string, error) {
	p.logger.Debugf("Page:Navigate", "url:%q", url)

	var final string
	if err := p.run(ctx, chromedp.Navigate(url), chromedp.Location(&final)); err != nil {
		return "", errors.Wrapf(err, "navigating to %q", url)
	}

	p.mu.Lock()
	p.url = final
	p.mu.Unlock()

	return final, nil
}

// Click clicks the first element matching selector.
func (p *Page) Click(ctx context.Context, selector string) error {
	p.logger.Debugf("Page:Click", "selector:%q", selector)

	if err := p.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return errors.Wrapf(err, "clicking %q", selector)
	}
	return nil
}

// Type sends text as key events to the first element matching selector.
func (p *Page) Type(ctx context.Context, selector, text string) error {
	p.logger.Debugf("Page:Type", "selector:%q len:%d", selector, len(text))

	if err := p.run(ctx, chromedp.SendKeys(selector, text, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return errors.Wrapf(err, "typing into %q", selector)
	}
	return nil
}

// Content returns the rendered text or the outer HTML of the document.
func (p *Page) Content(ctx context.Context, format api.ContentFormat) (string, error) {
	var (
		out    string
		action chromedp.Action
	)
	switch format {
	case api.ContentHTML:
		action = chromedp.OuterHTML("html", &out, chromedp.ByQuery)
	case api.ContentText, "":
		action = chromedp.Evaluate(textContentJS, &out)
	default:
		return "", errors.Errorf("unknown content format %q", format)
	}
	if err := p.run(ctx, action); err != nil {
		return "", errors.Wrap(err, "getting page content")
	}
	return out, nil
}

// Evaluate runs expression in the page and returns its JSON value.
func (p *Page) Evaluate(ctx context.Context, expression string) (any, error) {
	var ro *runtime.RemoteObject
	if err := p.run(ctx, chromedp.Evaluate(expression, &ro)); err != nil {
		return nil, errors.Wrap(err, "evaluating expression")
	}
	if ro == nil || ro.Type == runtime.TypeUndefined || len(ro.Value) == 0 {
		return nil, nil
	}

	var v any
	if err := json.Unmarshal(ro.Value, &v); err != nil {
		return nil, errors.Wrap(err, "decoding evaluation result")
	}
	return v, nil
}

// Screenshot captures the viewport, or the whole page when fullPage is
// set, as PNG.
func (p *Page) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	var (
		buf    []byte
		action chromedp.Action = chromedp.CaptureScreenshot(&buf)
	)
	if fullPage {
		// Quality 100 keeps the PNG encoding.
		action = chromedp.FullScreenshot(&buf, 100)
	}
	if err := p.run(ctx, action); err != nil {
		return nil, errors.Wrap(err, "capturing screenshot")
	}
	return buf, nil
}

// URL returns the URL of the last navigation.
func (p *Page) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

// Close closes the tab and disposes its browser context.
func (p *Page) Close() error {
	err := chromedp.Cancel(p.tabCtx)
	p.tabCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "closing page")
	}
	return nil
}
