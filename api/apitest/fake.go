// Package apitest provides an in-memory browser engine for tests.
package apitest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/descoped/mcp-web-scraper/api"
)

// ErrLaunchFailed is returned by Launch when the launcher is told to fail.
var ErrLaunchFailed = errors.New("fake launch failed")

var _ api.Launcher = &Launcher{}

// Launcher is a fake api.Launcher that records every browser it starts.
type Launcher struct {
	mu       sync.Mutex
	browsers []*Browser
	fail     error
	launched int64

	// PageHook, if set, runs inside every page operation. Tests use it to
	// observe interleaving.
	PageHook func(op string)
}

// NewLauncher returns a ready to use fake launcher.
func NewLauncher() *Launcher {
	return &Launcher{}
}

// Name implements api.Launcher.
func (l *Launcher) Name() string { return "fake" }

// FailNext makes subsequent launches fail with err until cleared with nil.
func (l *Launcher) FailNext(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = err
}

// Launch implements api.Launcher.
func (l *Launcher) Launch(ctx context.Context) (api.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fail != nil {
		return nil, l.fail
	}
	n := atomic.AddInt64(&l.launched, 1)
	b := &Browser{
		id:       fmt.Sprintf("fake-%d", n),
		launcher: l,
	}
	b.healthy.Store(true)
	l.browsers = append(l.browsers, b)

	return b, nil
}

// Launched returns how many browsers were started.
func (l *Launcher) Launched() int {
	return int(atomic.LoadInt64(&l.launched))
}

// Browsers returns every browser started so far.
func (l *Launcher) Browsers() []*Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Browser, len(l.browsers))
	copy(out, l.browsers)
	return out
}

var _ api.Browser = &Browser{}

// Browser is a fake api.Browser.
type Browser struct {
	id       string
	launcher *Launcher
	healthy  atomic.Bool
	closed   atomic.Bool
	pages    atomic.Int64
}

// ID implements api.Browser.
func (b *Browser) ID() string { return b.id }

// SetHealthy controls what IsConnected reports.
func (b *Browser) SetHealthy(v bool) { b.healthy.Store(v) }

// Closed reports whether Close was called.
func (b *Browser) Closed() bool { return b.closed.Load() }

// PagesOpened returns the number of pages opened on the browser.
func (b *Browser) PagesOpened() int { return int(b.pages.Load()) }

// NewPage implements api.Browser.
func (b *Browser) NewPage(ctx context.Context) (api.Page, error) {
	if b.closed.Load() {
		return nil, errors.New("browser closed")
	}
	b.pages.Add(1)
	return &Page{browser: b, url: "about:blank"}, nil
}

// IsConnected implements api.Browser.
func (b *Browser) IsConnected(context.Context) bool {
	return b.healthy.Load() && !b.closed.Load()
}

// Close implements api.Browser.
func (b *Browser) Close() error {
	b.closed.Store(true)
	return nil
}

var _ api.Page = &Page{}

// Page is a fake api.Page.
type Page struct {
	browser *Browser

	mu     sync.Mutex
	url    string
	typed  map[string]string
	closed bool
}

func (p *Page) hook(op string) {
	if h := p.browser.launcher.PageHook; h != nil {
		h(op)
	}
}

// Navigate implements api.Page.
func (p *Page) Navigate(ctx context.Context, url string) (string, error) {
	p.hook("navigate")
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	return url, nil
}

// Click implements api.Page.
func (p *Page) Click(ctx context.Context, selector string) error {
	p.hook("click")
	if selector == "" {
		return errors.New("empty selector")
	}
	return ctx.Err()
}

// Type implements api.Page.
func (p *Page) Type(ctx context.Context, selector, text string) error {
	p.hook("type")
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.typed == nil {
		p.typed = make(map[string]string)
	}
	p.typed[selector] += text
	return ctx.Err()
}

// Typed returns the text typed into selector.
func (p *Page) Typed(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typed[selector]
}

// Content implements api.Page.
func (p *Page) Content(ctx context.Context, format api.ContentFormat) (string, error) {
	p.hook("content")
	p.mu.Lock()
	defer p.mu.Unlock()
	if format == api.ContentHTML {
		return "<html><body>" + p.url + "</body></html>", nil
	}
	return p.url, nil
}

// Evaluate implements api.Page.
func (p *Page) Evaluate(ctx context.Context, expression string) (any, error) {
	p.hook("evaluate")
	return expression, nil
}

// Screenshot implements api.Page.
func (p *Page) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	p.hook("screenshot")
	// PNG signature followed by a marker byte.
	return []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0}, nil
}

// URL implements api.Page.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Close implements api.Page.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
