package chromium

import (
	"context"
	"net/http/httptest"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/mccutchen/go-httpbin/v2/httpbin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/descoped/mcp-web-scraper/api"
	"github.com/descoped/mcp-web-scraper/log"
	"github.com/descoped/mcp-web-scraper/osext"
)

func chromeExecutable(t *testing.T) string {
	t.Helper()

	if p := os.Getenv("SCRAPER_BROWSER_EXECUTABLE_PATH"); p != "" {
		return p
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "chrome"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no Chrome executable found")
	return ""
}

func TestLaunchOptionsValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*LaunchOptions)
		ok     bool
	}{
		{name: "defaults", mutate: func(*LaunchOptions) {}, ok: true},
		{name: "zero_timeout", mutate: func(o *LaunchOptions) { o.Timeout = 0 }},
		{name: "zero_width", mutate: func(o *LaunchOptions) { o.Viewport.Width = 0 }},
		{name: "negative_height", mutate: func(o *LaunchOptions) { o.Viewport.Height = -1 }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opts := NewLaunchOptions()
			tt.mutate(&opts)
			err := opts.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
		})
	}
}

func TestAllocatorArgs(t *testing.T) {
	t.Parallel()

	opts := NewLaunchOptions()
	opts.Args = []string{"--lang=en-US", "disable-extensions"}
	bt, err := NewBrowserType(opts, log.NewNullLogger())
	require.NoError(t, err)

	// Default options plus data dir, window size, headless and two args.
	assert.Len(t, bt.allocatorOptions(t.TempDir()), len(chromedp.DefaultExecAllocatorOptions)+5)
}

func TestBrowserIntegration(t *testing.T) {
	execPath := chromeExecutable(t)

	srv := httptest.NewServer(httpbin.New())
	t.Cleanup(srv.Close)

	opts := NewLaunchOptions()
	opts.ExecutablePath = execPath
	opts.NoSandbox = true
	opts.Timeout = 20 * time.Second
	bt, err := NewBrowserType(opts, log.NewNullLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	b, err := bt.Launch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, osext.Registered())
	assert.True(t, b.IsConnected(ctx))

	p, err := b.NewPage(ctx)
	require.NoError(t, err)

	final, err := p.Navigate(ctx, srv.URL+"/html")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/html", final)
	assert.Equal(t, final, p.URL())

	text, err := p.Content(ctx, api.ContentText)
	require.NoError(t, err)
	assert.Contains(t, text, "Herman Melville")

	html, err := p.Content(ctx, api.ContentHTML)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(html, "<html"))

	v, err := p.Evaluate(ctx, "1 + 2")
	require.NoError(t, err)
	assert.Equal(t, float64(3), v)

	v, err = p.Evaluate(ctx, "undefined")
	require.NoError(t, err)
	assert.Nil(t, v)

	png, err := p.Screenshot(ctx, false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(png), "\x89PNG"))

	require.NoError(t, p.Close())
	require.NoError(t, b.Close())
	assert.False(t, b.IsConnected(ctx))
	assert.NoError(t, b.Close(), "closing twice is a no-op")
	assert.Equal(t, 0, osext.Registered())
}
